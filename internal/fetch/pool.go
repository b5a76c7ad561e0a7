// Package fetch re-fetches candidate pages, detects content changes by
// canonical hash, and records them in the lastmod store.
//
// Work is organized as batches keyed by (entity type, shard key) consumed
// by a bounded worker pool. When the early-exit policy is enabled and the
// first page variant of a batch shows no change, the remainder of the batch
// is skipped on the assumption that a non-incrementing sequence means
// nothing downstream changed. That is an approximation traded for
// throughput: it can miss updates for entity types where the assumption
// does not hold, which is why it is a policy knob rather than hardwired.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/sitemapsync/internal/entity"
	"github.com/roach88/sitemapsync/internal/resolver"
	"github.com/roach88/sitemapsync/internal/state"
)

// Result is the tri-state outcome of processing one unit of work.
type Result int

const (
	// NoChange: fetched successfully, content hash matches stored state.
	NoChange Result = iota
	// Changed: fetched successfully and a change was recorded.
	Changed
	// Failed: the fetch failed after retries; logged, never aborts a run.
	Failed
)

// Summary aggregates results across one pool invocation.
type Summary struct {
	Changed   int
	Unchanged int
	Failed    int
	Skipped   int
}

// HasChanges reports whether any page change was recorded.
func (s Summary) HasChanges() bool { return s.Changed > 0 }

func (s *Summary) add(o Summary) {
	s.Changed += o.Changed
	s.Unchanged += o.Unchanged
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Recorder persists compare-and-set decisions for fetched pages.
// Implemented by state.Store.
type Recorder interface {
	CompareAndRecord(ctx context.Context, rec state.LastMod) (state.Outcome, error)
}

// Options configures a Pool.
type Options struct {
	// Workers bounds concurrent batch processing. Minimum 1.
	Workers int

	// EarlyExit enables skipping the rest of a batch after the first
	// unchanged variant.
	EarlyExit bool
}

// Pool fans candidate page fetches out across bounded workers.
type Pool struct {
	fetcher  *Fetcher
	recorder Recorder
	workers  int
	early    bool
}

// NewPool creates a Pool writing through recorder.
func NewPool(fetcher *Fetcher, recorder Recorder, opts Options) *Pool {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		fetcher:  fetcher,
		recorder: recorder,
		workers:  workers,
		early:    opts.EarlyExit,
	}
}

// variant is one unit of work: a candidate crossed with one of its page
// variant families.
type variant struct {
	cand   resolver.Candidate
	suffix entity.Suffix
}

// batch groups variants sharing an output shard so the early-exit policy
// has a meaningful scope.
type batch struct {
	entityName string
	shardKey   string
	variants   []variant
}

// Run processes every page variant of every candidate and returns the
// aggregate summary. Page-level failures are logged and counted; only
// store-level errors abort, since they indicate the run can no longer
// record what it saw.
func (p *Pool) Run(ctx context.Context, cands []resolver.Candidate) (Summary, error) {
	batches := makeBatches(cands)
	if len(batches) == 0 {
		return Summary{}, nil
	}

	work := make(chan batch)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		total    Summary
		fatalErr error
	)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range work {
				sum, err := p.processBatch(ctx, b)
				mu.Lock()
				total.add(sum)
				if err != nil && fatalErr == nil {
					fatalErr = err
				}
				mu.Unlock()
			}
		}()
	}

	for _, b := range batches {
		work <- b
	}
	close(work)
	wg.Wait()

	if fatalErr != nil {
		return total, fatalErr
	}
	return total, nil
}

// makeBatches expands candidates into variants grouped by shard, in a
// stable order for deterministic processing and testing.
func makeBatches(cands []resolver.Candidate) []batch {
	grouped := make(map[string]*batch)
	var order []string
	for _, cand := range cands {
		for _, sfx := range cand.Entity.Suffixes {
			key := cand.Entity.Name + "\x00" + sfx.ShardKey
			b, ok := grouped[key]
			if !ok {
				b = &batch{entityName: cand.Entity.Name, shardKey: sfx.ShardKey}
				grouped[key] = b
				order = append(order, key)
			}
			b.variants = append(b.variants, variant{cand: cand, suffix: sfx})
		}
	}
	sort.Strings(order)

	out := make([]batch, 0, len(order))
	for _, key := range order {
		out = append(out, *grouped[key])
	}
	return out
}

func (p *Pool) processBatch(ctx context.Context, b batch) (Summary, error) {
	var sum Summary
	for i, v := range b.variants {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		res, pageFailures, err := p.processVariant(ctx, v)
		if err != nil {
			return sum, err
		}
		switch res {
		case Changed:
			sum.Changed++
		case NoChange:
			sum.Unchanged++
		case Failed:
			sum.Failed++
		}
		// Failures on later pages of a series do not change the variant
		// result, but operators still need to see them.
		sum.Failed += pageFailures

		if i == 0 && res == NoChange && pageFailures == 0 && p.early {
			skipped := len(b.variants) - 1
			if skipped > 0 {
				slog.Debug("early exit: first variant unchanged, skipping batch remainder",
					"entity", b.entityName,
					"shard", b.shardKey,
					"skipped", skipped,
				)
				sum.Skipped += skipped
			}
			break
		}
	}
	return sum, nil
}

// processVariant fetches the base page and, for paginated variants, the
// following pages until the application signals the series has ended.
// failed counts page-level failures beyond the first page; they end the
// series without demoting results already recorded for earlier pages.
func (p *Pool) processVariant(ctx context.Context, v variant) (res Result, failed int, err error) {
	res, ended, err := p.processPage(ctx, v, 1)
	if err != nil || res == Failed {
		return res, 0, err
	}

	if v.suffix.Paginated && !ended {
		for page := 2; ; page++ {
			pageRes, ended, err := p.processPage(ctx, v, page)
			if err != nil {
				return res, failed, err
			}
			if ended {
				break
			}
			if pageRes == Failed {
				// The page's failure is already logged; the series
				// stops here but earlier pages stand.
				failed++
				break
			}
			if pageRes == Changed {
				res = Changed
			}
		}
	}
	return res, failed, nil
}

// processPage fetches one page, hashes it, and records the comparison.
// ended is true when the application redirected, meaning this page number
// does not exist.
func (p *Pool) processPage(ctx context.Context, v variant, page int) (res Result, ended bool, err error) {
	path := v.cand.Entity.PagePath(v.cand.GID, v.suffix, page)

	hash, status, err := p.fetcher.FetchHash(ctx, path)
	if err != nil {
		return Failed, false, nil // logged by the fetcher; page-level only
	}
	if status == statusEndOfSeries {
		return NoChange, true, nil
	}

	outcome, err := p.recorder.CompareAndRecord(ctx, state.LastMod{
		EntityType:   v.cand.Entity.Name,
		EntityID:     v.cand.ID,
		URL:          path,
		Paginated:    v.suffix.Paginated,
		ShardKey:     v.suffix.ShardKey,
		Hash:         hash,
		LastModified: v.cand.LastModified,
		Sequence:     v.cand.Sequence,
		FromInsert:   v.cand.FromInsert,
	})
	if err != nil {
		return Failed, false, fmt.Errorf("record %s: %w", path, err)
	}

	switch outcome {
	case state.Unchanged:
		slog.Debug("page unchanged", "url", path)
		return NoChange, false, nil
	case state.Updated:
		slog.Info("page changed", "url", path, "entity", v.cand.Entity.Name, "id", v.cand.ID)
		return Changed, false, nil
	case state.Inserted:
		// A brand-new lastmod row counts as a change only when this
		// packet inserted the entity itself. A newly-discovered link to
		// a pre-existing entity records state without reporting churn.
		if v.cand.FromInsert {
			slog.Info("new page recorded", "url", path, "entity", v.cand.Entity.Name, "id", v.cand.ID)
			return Changed, false, nil
		}
		slog.Debug("page recorded without change", "url", path)
		return NoChange, false, nil
	default:
		return Failed, false, fmt.Errorf("record %s: unexpected outcome %v", path, outcome)
	}
}
