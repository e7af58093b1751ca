package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

// exportRecord is one line of an export file.
type exportRecord struct {
	Metadata types.DocumentMetadata `json:"metadata"`
	Updates  [][]byte               `json:"updates"`
}

// Export writes every document with its update log to path, one JSON
// object per line, and returns the number of documents written.
func (s *Store) Export(ctx context.Context, path string) (int, error) {
	docs, err := s.SearchDocuments(ctx, types.SearchQuery{})
	if err != nil {
		return 0, err
	}
	records := make([]json.RawMessage, 0, len(docs))
	for _, md := range docs {
		updates, err := s.LoadUpdates(ctx, md.ID)
		if err != nil {
			return 0, err
		}
		b, err := json.Marshal(exportRecord{Metadata: md, Updates: updates})
		if err != nil {
			return 0, fmt.Errorf("encoding document %s: %w", md.ID, err)
		}
		records = append(records, b)
	}
	if err := writeJSONL(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Import loads an export file. Documents that already exist are skipped.
// It returns the number of documents imported.
func (s *Store) Import(ctx context.Context, path string) (int, error) {
	lines, err := readJSONL(path)
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, line := range lines {
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Metadata.ID == "" {
			s.logger.Warn("skipping malformed export line", "path", path)
			continue
		}
		exists, err := s.HasDocument(ctx, rec.Metadata.ID)
		if err != nil {
			return imported, err
		}
		if exists {
			continue
		}
		if _, err := s.CreateDocument(ctx, rec.Metadata, nil); err != nil {
			return imported, err
		}
		for _, u := range rec.Updates {
			if _, _, err := s.AppendUpdate(ctx, rec.Metadata.ID, u); err != nil {
				return imported, err
			}
		}
		imported++
	}
	return imported, nil
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line.
// Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to path using the temp-file, fsync,
// rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
