package store

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/docsync/internal/crdt"
)

// AppendUpdate logs one encoded update of docID and returns the log length
// and the id of the new row.
func (s *Store) AppendUpdate(ctx context.Context, docID string, payload []byte) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return 0, 0, err
	}
	now := s.timestamp()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO updates (document_id, payload, created_at) VALUES (?, ?, ?)`,
		docID, payload, now)
	if err != nil {
		return 0, 0, fmt.Errorf("logging update of %s: %w", docID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("reading update id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET updated_at = ? WHERE document_id = ?`, now, docID); err != nil {
		return 0, 0, fmt.Errorf("touching document %s: %w", docID, err)
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM updates WHERE document_id = ?`, docID).Scan(&n); err != nil {
		return 0, 0, fmt.Errorf("counting updates of %s: %w", docID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return n, id, nil
}

// LoadUpdates returns the logged updates of docID in log order.
func (s *Store) LoadUpdates(ctx context.Context, docID string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT payload FROM updates WHERE document_id = ? ORDER BY update_id`, docID)
	if err != nil {
		return nil, fmt.Errorf("loading updates of %s: %w", docID, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning update: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// UpdateCount returns the log length of docID.
func (s *Store) UpdateCount(ctx context.Context, docID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE document_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting updates of %s: %w", docID, err)
	}
	return n, nil
}

// Compact replaces the log rows of docID up to and including upTo with one
// snapshot. The snapshot is the merge of exactly those rows, so rows logged
// by other replicas are folded in rather than dropped. It takes the id upTo
// so that later rows still replay after it.
func (s *Store) Compact(ctx context.Context, docID string, upTo int64) error {
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

	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM updates WHERE document_id = ? AND update_id <= ? ORDER BY update_id`, docID, upTo)
	if err != nil {
		return fmt.Errorf("loading log of %s: %w", docID, err)
	}
	merged := crdt.NewDoc("")
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return fmt.Errorf("scanning update: %w", err)
		}
		if err := merged.ApplyUpdate(ctx, payload, nil); err != nil {
			rows.Close()
			return fmt.Errorf("merging log of %s: %w", docID, err)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM updates WHERE document_id = ? AND update_id <= ?`, docID, upTo); err != nil {
		return fmt.Errorf("truncating log of %s: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO updates (update_id, document_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		upTo, docID, merged.EncodeStateAsUpdate(ctx), s.timestamp()); err != nil {
		return fmt.Errorf("writing snapshot of %s: %w", docID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("log compacted", "doc_id", docID, "up_to", upTo)
	return nil
}
