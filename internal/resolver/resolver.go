// Package resolver finds the indexable entities reachable from one row
// change via one dependency path.
//
// Each resolution is a single deduplicated join query against the source
// database, filtered through the checked-entities ledger so an entity
// reachable via several paths is only ever handed to the fetch pool once
// per run.
package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/sitemapsync/internal/entity"
	"github.com/roach88/sitemapsync/internal/replication"
	"github.com/roach88/sitemapsync/internal/schema"
)

// Candidate is one indexable entity affected by a row change.
type Candidate struct {
	Entity entity.Info
	ID     int64
	GID    string

	// FromInsert is true when the originating operation inserted this
	// same entity row, as opposed to merely linking to a pre-existing
	// entity. The distinction controls whether a brand-new lastmod record
	// is reported as a change.
	FromInsert bool

	// LastModified and Sequence are inherited from the row change that
	// produced this candidate.
	LastModified time.Time
	Sequence     int64
}

// Ledger is the per-run deduplication set. Implemented by state.Store.
type Ledger interface {
	Claim(ctx context.Context, entityType string, ids []int64) ([]int64, error)
}

// Resolver issues candidate-resolution queries against the source database.
type Resolver struct {
	db     *sql.DB
	ledger Ledger
}

// New creates a Resolver over the source database and the run ledger.
func New(db *sql.DB, ledger Ledger) *Resolver {
	return &Resolver{db: db, ledger: ledger}
}

// Resolve returns the candidates reachable from change via path that have
// not already been claimed this run. An empty result without error is a
// normal, frequent outcome: the changed row may be deleted, or the join may
// filter everything out.
//
// A path whose endpoints do not match the change is a metadata or
// programming error and is returned as an error; callers must abort rather
// than skip.
func (r *Resolver) Resolve(ctx context.Context, change replication.RowChange, path schema.Path) ([]Candidate, error) {
	if err := path.Validate(change.Table); err != nil {
		return nil, fmt.Errorf("dependency path mismatch: %w", err)
	}

	query, args := buildQuery(change, path)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve %s via %s: %w", change.Table, path.Entity.Name, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, 8)
	gids := make(map[int64]string)
	for rows.Next() {
		var id int64
		var gid string
		if err := rows.Scan(&id, &gid); err != nil {
			return nil, fmt.Errorf("resolve %s via %s: %w", change.Table, path.Entity.Name, err)
		}
		ids = append(ids, id)
		gids[id] = gid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve %s via %s: %w", change.Table, path.Entity.Name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	fresh, err := r.ledger.Claim(ctx, path.Entity.Name, ids)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	if len(fresh) < len(ids) {
		slog.Debug("candidates already checked this run",
			"entity", path.Entity.Name,
			"found", len(ids),
			"fresh", len(fresh),
		)
	}

	// A zero-length path means the changed row is the entity row itself,
	// so an insert operation is an insert of this entity.
	fromInsert := len(path.Links) == 0 && change.Op == replication.Insert

	out := make([]Candidate, 0, len(fresh))
	for _, id := range fresh {
		out = append(out, Candidate{
			Entity:       path.Entity,
			ID:           id,
			GID:          gids[id],
			FromInsert:   fromInsert,
			LastModified: change.LastModified,
			Sequence:     change.Sequence,
		})
	}
	return out, nil
}

// buildQuery assembles the join from the entity table back to the changed
// row. Identifiers come from curated schema metadata, not user input; they
// are still quoted because entity tables like "release" collide with SQL
// keywords.
func buildQuery(change replication.RowChange, path schema.Path) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT DISTINCT t0.%s, t0.%s FROM %s t0`,
		quoteIdent(path.Entity.IDColumn),
		quoteIdent(path.Entity.GIDColumn),
		quoteIdent(path.Entity.Table),
	)

	// Links are entity-first: each step joins the next table toward the
	// changed row.
	for i, link := range path.Links {
		fmt.Fprintf(&b, ` JOIN %s t%d ON t%d.%s = t%d.%s`,
			quoteIdent(link.SourceTable), i+1,
			i+1, quoteIdent(link.SourceColumn),
			i, quoteIdent(link.TargetColumn),
		)
	}

	last := len(path.Links)

	cols := make([]string, 0, len(change.Keys))
	for col := range change.Keys {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var args []any
	for i, col := range cols {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t%d.%s = ?", last, quoteIdent(col))
		args = append(args, change.Keys[col])
	}

	return b.String(), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
