package state

import (
	"context"
	"database/sql"
	"fmt"
)

// Claim inserts entity ids into the checked-entities ledger and returns the
// subset that was not already present. An entity claimed here will not be
// returned to any other resolution in the same run, even one reaching it
// via a different dependency path.
//
// The read-then-insert runs in one transaction; combined with the store's
// single-writer connection pool this serializes concurrent claims without
// any run-wide exclusivity.
func (s *Store) Claim(ctx context.Context, entityType string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var fresh []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO checked_entities (entity_type, entity_id)
			VALUES (?, ?)
			ON CONFLICT(entity_type, entity_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare claim: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, entityType, id)
			if err != nil {
				return fmt.Errorf("claim %s/%d: %w", entityType, id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim %s/%d: %w", entityType, id, err)
			}
			if n > 0 {
				fresh = append(fresh, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// LedgerSize returns the number of entities currently in the ledger.
// Non-zero at run start means a previous run crashed mid-sequence or is
// still in flight.
func (s *Store) LedgerSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checked_entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger size: %w", err)
	}
	return n, nil
}
