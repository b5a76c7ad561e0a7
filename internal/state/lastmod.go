package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies what CompareAndRecord did with a fetched page.
type Outcome int

const (
	// Unchanged: the stored hash matches the fetched content; no write.
	Unchanged Outcome = iota
	// Updated: a prior record existed with a different hash and was
	// rewritten.
	Updated
	// Inserted: no prior record existed for this page; one was created.
	Inserted
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Inserted:
		return "inserted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

const timeLayout = time.RFC3339

// CompareAndRecord compares a freshly computed content hash against the
// stored record for (entity type, id, url) and persists the new state when
// it differs. Read and write happen in one transaction so concurrent
// workers cannot lose updates.
//
// Rows that represent a genuine page change (an update, or the insert of
// the entity's own row) are marked changed, which keeps them eligible for
// the next index rebuild even if this run dies before rebuilding.
func (s *Store) CompareAndRecord(ctx context.Context, rec LastMod) (Outcome, error) {
	var outcome Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var stored string
		err := tx.QueryRowContext(ctx, `
			SELECT content_hash FROM lastmod
			WHERE entity_type = ? AND entity_id = ? AND url = ?
		`, rec.EntityType, rec.EntityID, rec.URL).Scan(&stored)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcome = Inserted
		case err != nil:
			return fmt.Errorf("read lastmod: %w", err)
		case stored == rec.Hash:
			outcome = Unchanged
			return nil
		default:
			outcome = Updated
		}

		changed := outcome == Updated || rec.FromInsert

		_, err = tx.ExecContext(ctx, `
			INSERT INTO lastmod
			(entity_type, entity_id, url, paginated, shard_key, content_hash, last_modified, sequence, changed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id, url) DO UPDATE SET
				paginated     = excluded.paginated,
				shard_key     = excluded.shard_key,
				content_hash  = excluded.content_hash,
				last_modified = excluded.last_modified,
				sequence      = excluded.sequence,
				changed       = excluded.changed
		`,
			rec.EntityType,
			rec.EntityID,
			rec.URL,
			rec.Paginated,
			rec.ShardKey,
			rec.Hash,
			rec.LastModified.UTC().Format(timeLayout),
			rec.Sequence,
			changed,
		)
		if err != nil {
			return fmt.Errorf("write lastmod: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// GetLastMod returns the stored record for one page, or nil if none exists.
func (s *Store) GetLastMod(ctx context.Context, entityType string, entityID int64, url string) (*LastMod, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, url, paginated, shard_key, content_hash, last_modified, sequence
		FROM lastmod
		WHERE entity_type = ? AND entity_id = ? AND url = ?
	`, entityType, entityID, url)

	rec, err := scanLastMod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lastmod: %w", err)
	}
	return &rec, nil
}

// ChangedSince returns all records of one entity type whose pages changed
// under sequences greater than seq, ordered by shard key then URL. Records
// written only to note a newly-discovered link are excluded: they carry no
// page change to publish. This is the input to the incremental index writer.
func (s *Store) ChangedSince(ctx context.Context, entityType string, seq int64) ([]LastMod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, url, paginated, shard_key, content_hash, last_modified, sequence
		FROM lastmod
		WHERE entity_type = ? AND sequence > ? AND changed = 1
		ORDER BY shard_key, url
	`, entityType, seq)
	if err != nil {
		return nil, fmt.Errorf("changed since %d: %w", seq, err)
	}
	defer rows.Close()

	var out []LastMod
	for rows.Next() {
		rec, err := scanLastMod(rows)
		if err != nil {
			return nil, fmt.Errorf("changed since %d: %w", seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changed since %d: %w", seq, err)
	}
	return out, nil
}

// HasChangedSince reports whether any entity type has page changes recorded
// under sequences greater than seq. The run coordinator keys the index
// rebuild on this rather than on in-memory counters, so changes committed
// by a run that died before rebuilding are picked up by the next run.
func (s *Store) HasChangedSince(ctx context.Context, seq int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM lastmod WHERE changed = 1 AND sequence > ?)
	`, seq).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has changed since %d: %w", seq, err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLastMod(r rowScanner) (LastMod, error) {
	var rec LastMod
	var modified string
	if err := r.Scan(
		&rec.EntityType,
		&rec.EntityID,
		&rec.URL,
		&rec.Paginated,
		&rec.ShardKey,
		&rec.Hash,
		&modified,
		&rec.Sequence,
	); err != nil {
		return LastMod{}, err
	}
	ts, err := time.Parse(timeLayout, modified)
	if err != nil {
		return LastMod{}, fmt.Errorf("parse last_modified %q: %w", modified, err)
	}
	rec.LastModified = ts
	return rec, nil
}
