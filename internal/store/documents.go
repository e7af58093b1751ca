package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

const documentColumns = `document_id, name, document_type, classification, markings, owner, ontology, schema_version, created_at, updated_at`

// CreateDocument inserts md and, when initial is non-empty, logs it as the
// document's first update. An empty md.ID is replaced with a UUID v7.
func (s *Store) CreateDocument(ctx context.Context, md types.DocumentMetadata, initial []byte) (types.DocumentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return md, err
	}

	if md.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return md, fmt.Errorf("generating UUID v7: %w", err)
		}
		md.ID = id.String()
	}
	now := s.timestamp()
	md.CreatedAt = parseTime(now)
	md.UpdatedAt = md.CreatedAt

	classification, markings, err := encodeSecurity(md.Security)
	if err != nil {
		return md, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return md, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.ID, md.Name, md.DocumentType, classification, markings,
		md.Owner, md.Ontology, md.SchemaVersion, now, now,
	)
	if err != nil {
		return md, fmt.Errorf("inserting document %s: %w", md.ID, err)
	}
	if len(initial) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO updates (document_id, payload, created_at) VALUES (?, ?, ?)`,
			md.ID, initial, now,
		); err != nil {
			return md, fmt.Errorf("logging initial state of %s: %w", md.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return md, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("document created", "doc_id", md.ID)
	return md, nil
}

// GetDocument returns the metadata of document id.
// Returns ErrNotFound if the document does not exist.
func (s *Store) GetDocument(ctx context.Context, id string) (types.DocumentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return types.DocumentMetadata{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, id)
	md, err := hydrateDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DocumentMetadata{}, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	if err != nil {
		return types.DocumentMetadata{}, fmt.Errorf("getting document %s: %w", id, err)
	}
	return md, nil
}

// HasDocument reports whether document id exists.
func (s *Store) HasDocument(ctx context.Context, id string) (bool, error) {
	_, err := s.GetDocument(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateDocument rewrites the descriptive fields of an existing document.
// Returns ErrNotFound if the document does not exist.
func (s *Store) UpdateDocument(ctx context.Context, md types.DocumentMetadata) (types.DocumentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return md, err
	}
	classification, markings, err := encodeSecurity(md.Security)
	if err != nil {
		return md, err
	}
	now := s.timestamp()
	res, err := db.ExecContext(ctx,
		`UPDATE documents SET name = ?, document_type = ?, classification = ?, markings = ?,
		 owner = ?, ontology = ?, schema_version = ?, updated_at = ? WHERE document_id = ?`,
		md.Name, md.DocumentType, classification, markings,
		md.Owner, md.Ontology, md.SchemaVersion, now, md.ID,
	)
	if err != nil {
		return md, fmt.Errorf("updating document %s: %w", md.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return md, fmt.Errorf("%w: document %s", types.ErrNotFound, md.ID)
	}
	md.UpdatedAt = parseTime(now)
	return md, nil
}

// DeleteDocument removes a document and its update log.
// Returns ErrNotFound if the document does not exist.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting updates of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return tx.Commit()
}

// SearchDocuments returns documents whose name contains q.Name and whose
// type equals q.DocumentType, most recently updated first.
func (s *Store) SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.Name != "" {
		where = append(where, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Name)+"%")
	}
	if q.DocumentType != "" {
		where = append(where, `document_type = ?`)
		args = append(args, q.DocumentType)
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY updated_at DESC, document_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var out []types.DocumentMetadata
	for rows.Next() {
		md, err := hydrateDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func hydrateDocument(row scanner) (types.DocumentMetadata, error) {
	var (
		md                       types.DocumentMetadata
		classification, markings string
		created, updated         string
	)
	err := row.Scan(&md.ID, &md.Name, &md.DocumentType, &classification, &markings,
		&md.Owner, &md.Ontology, &md.SchemaVersion, &created, &updated)
	if err != nil {
		return md, err
	}
	if md.Security.Classification, err = decodeList(classification); err != nil {
		return md, fmt.Errorf("decoding classification: %w", err)
	}
	if md.Security.Markings, err = decodeList(markings); err != nil {
		return md, fmt.Errorf("decoding markings: %w", err)
	}
	md.CreatedAt = parseTime(created)
	md.UpdatedAt = parseTime(updated)
	return md, nil
}

// encodeSecurity returns the classification and markings as JSON arrays.
func encodeSecurity(sec types.Security) (string, string, error) {
	c, err := json.Marshal(orEmpty(sec.Classification))
	if err != nil {
		return "", "", fmt.Errorf("encoding classification: %w", err)
	}
	m, err := json.Marshal(orEmpty(sec.Markings))
	if err != nil {
		return "", "", fmt.Errorf("encoding markings: %w", err)
	}
	return string(c), string(m), nil
}

func decodeList(v string) ([]string, error) {
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
