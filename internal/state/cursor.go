package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoCursor is returned when the control table has no row. An empty
// control table on a database that should already carry a full index is a
// misconfiguration the coordinator refuses to run with.
var ErrNoCursor = errors.New("control table is empty")

// Cursor reads the singleton control row.
func (s *Store) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT last_processed, last_indexed FROM control WHERE id = 1
	`).Scan(&c.LastProcessed, &c.LastIndexed)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, ErrNoCursor
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return c, nil
}

// InitCursor writes the control row. Used when bootstrapping state from a
// full index build; replaces any existing row.
func (s *Store) InitCursor(ctx context.Context, c Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control (id, last_processed, last_indexed)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_processed = excluded.last_processed,
			last_indexed   = excluded.last_indexed
	`, c.LastProcessed, c.LastIndexed)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	return nil
}

// CommitSequence marks one replication sequence as fully processed:
// the checked-entities ledger is truncated and last_processed advances,
// both in a single transaction so a crash can never leave the ledger
// cleared with the cursor behind, or vice versa.
func (s *Store) CommitSequence(ctx context.Context, seq int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checked_entities`); err != nil {
			return fmt.Errorf("truncate ledger: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE control SET last_processed = ? WHERE id = 1
		`, seq)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if n == 0 {
			return ErrNoCursor
		}
		return nil
	})
}

// MarkIndexed records that the output index now incorporates everything up
// to and including seq.
func (s *Store) MarkIndexed(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE control SET last_indexed = ? WHERE id = 1
	`, seq)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	if n == 0 {
		return ErrNoCursor
	}
	return nil
}
