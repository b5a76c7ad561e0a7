// Package runner coordinates one catch-up cycle of the sync pipeline.
//
// Replication sequences are processed strictly in increasing order, one at
// a time: download, extract, resolve, fetch-and-diff, commit. The commit
// couples the ledger truncation with the control-cursor advance, so a crash
// at any point leaves the failed sequence to be retried by the next
// invocation with no partial progress recorded as done.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/sitemapsync/internal/fetch"
	"github.com/roach88/sitemapsync/internal/index"
	"github.com/roach88/sitemapsync/internal/replication"
	"github.com/roach88/sitemapsync/internal/resolver"
	"github.com/roach88/sitemapsync/internal/schema"
	"github.com/roach88/sitemapsync/internal/state"
)

// State names the coordinator's position in its processing cycle.
type State int

const (
	Idle State = iota
	FetchingSequence
	ExtractingChanges
	ResolvingCandidates
	AwaitingWorkers
	Committing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingSequence:
		return "fetching-sequence"
	case ExtractingChanges:
		return "extracting-changes"
	case ResolvingCandidates:
		return "resolving-candidates"
	case AwaitingWorkers:
		return "awaiting-workers"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stalledBacklogTolerance is how many unprocessed sequences may accumulate
// behind a non-empty ledger before the coordinator refuses to proceed.
const stalledBacklogTolerance = 2

// Runner drives the pipeline stages for one invocation.
type Runner struct {
	consumer *replication.Consumer
	graph    *schema.Graph
	resolver *resolver.Resolver
	pool     *fetch.Pool
	writer   *index.Writer
	store    *state.Store

	workers    int
	pingURLs   []string
	pingClient *http.Client

	state State
	runID string
}

// Option configures a Runner.
type Option func(*Runner)

// WithPingURLs sets the search-engine notification endpoints pinged after
// an index rebuild.
func WithPingURLs(urls []string) Option {
	return func(r *Runner) { r.pingURLs = urls }
}

// WithPingClient overrides the HTTP client used for pings.
func WithPingClient(client *http.Client) Option {
	return func(r *Runner) { r.pingClient = client }
}

// WithWorkers bounds resolution concurrency. Minimum 1.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// New assembles a Runner from the pipeline stages.
func New(
	consumer *replication.Consumer,
	graph *schema.Graph,
	res *resolver.Resolver,
	pool *fetch.Pool,
	writer *index.Writer,
	store *state.Store,
	opts ...Option,
) *Runner {
	r := &Runner{
		consumer:   consumer,
		graph:      graph,
		resolver:   res,
		pool:       pool,
		writer:     writer,
		store:      store,
		workers:    4,
		pingClient: &http.Client{Timeout: 10 * time.Second},
		state:      Idle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the coordinator's current state. Used by tests and the
// status command.
func (r *Runner) State() State {
	return r.state
}

func (r *Runner) setState(s State) {
	slog.Debug("coordinator state change", "run", r.runID, "from", r.state.String(), "to", s.String())
	r.state = s
}

// Run executes one catch-up cycle: all available replication sequences, in
// order, then an index rebuild if anything changed.
//
// A nil return with nothing processed is a normal outcome when another run
// appears to be mid-flight. Fatal conditions (*ConfigurationError,
// *StalledRunError, malformed packets, store failures) return an error and
// leave the state machine in Failed.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.runID = uuid.NewString()
	defer func() {
		if err != nil {
			r.setState(Failed)
		} else {
			r.setState(Idle)
		}
	}()

	r.setState(FetchingSequence)

	cursor, err := r.store.Cursor(ctx)
	if errors.Is(err, state.ErrNoCursor) {
		return &ConfigurationError{Reason: "control table is empty; bootstrap from a full index build first"}
	}
	if err != nil {
		return err
	}
	if !r.writer.HasIndex() {
		return &ConfigurationError{Reason: "no base sitemap index found; run a full build first"}
	}

	proceed, err := r.checkLedger(ctx, cursor)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	slog.Info("run starting",
		"run", r.runID,
		"last_processed", cursor.LastProcessed,
		"last_indexed", cursor.LastIndexed,
	)

	totalChanged := 0
	lastProcessed := cursor.LastProcessed

	for seq := cursor.LastProcessed + 1; ; seq++ {
		r.setState(FetchingSequence)

		packet, err := r.consumer.Fetch(ctx, seq)
		if errors.Is(err, replication.ErrNotAvailable) {
			break // caught up
		}
		if err != nil {
			return fmt.Errorf("sequence %d: %w", seq, err)
		}

		sum, err := r.processPacket(ctx, packet)
		if err != nil {
			return fmt.Errorf("sequence %d: %w", seq, err)
		}

		r.setState(Committing)
		if err := r.store.CommitSequence(ctx, seq); err != nil {
			return fmt.Errorf("commit sequence %d: %w", seq, err)
		}

		slog.Info("sequence processed",
			"run", r.runID,
			"sequence", seq,
			"changed", sum.Changed,
			"unchanged", sum.Unchanged,
			"failed", sum.Failed,
			"skipped", sum.Skipped,
		)
		totalChanged += sum.Changed
		lastProcessed = seq
	}

	// The rebuild decision comes from the store, not from this run's
	// counters: changes committed by a run that died between commit and
	// rebuild are still pending here and must not be dropped.
	pending, err := r.store.HasChangedSince(ctx, cursor.LastIndexed)
	if err != nil {
		return err
	}
	if pending {
		if err := r.rebuildIndex(ctx, cursor.LastIndexed, lastProcessed); err != nil {
			return err
		}
		r.ping(ctx)
	}

	slog.Info("run finished", "run", r.runID, "last_processed", lastProcessed, "changed", totalChanged)
	return nil
}

// checkLedger decides whether this invocation may start. A non-empty ledger
// means a previous run crashed mid-sequence or is still in flight: with a
// small backlog we quietly stand down this cycle; beyond tolerance we abort
// loudly rather than risk silently missing entities.
func (r *Runner) checkLedger(ctx context.Context, cursor state.Cursor) (bool, error) {
	n, err := r.store.LedgerSize(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}

	backlog := 0
	for seq := cursor.LastProcessed + 1; seq <= cursor.LastProcessed+stalledBacklogTolerance+1; seq++ {
		ok, err := r.consumer.Available(ctx, seq)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		backlog++
	}

	if backlog > stalledBacklogTolerance {
		return false, &StalledRunError{LedgerSize: n, Backlog: backlog}
	}

	slog.Info("ledger not empty, assuming another run is in flight; standing down",
		"run", r.runID,
		"ledger", n,
		"backlog", backlog,
	)
	return false, nil
}

// processPacket runs extraction, resolution, and the fetch pool for one
// packet. The control cursor is not touched here.
func (r *Runner) processPacket(ctx context.Context, packet *replication.Packet) (fetch.Summary, error) {
	r.setState(ExtractingChanges)

	type workItem struct {
		change replication.RowChange
		path   schema.Path
	}
	var items []workItem
	for _, change := range packet.Changes {
		for _, path := range r.graph.PathsFrom(change.Schema, change.Table) {
			items = append(items, workItem{change: change, path: path})
		}
	}
	slog.Debug("changes extracted",
		"run", r.runID,
		"sequence", packet.Sequence,
		"rows", len(packet.Changes),
		"work_items", len(items),
	)

	r.setState(ResolvingCandidates)

	work := make(chan workItem)
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		candidates []resolver.Candidate
		resolveErr error
	)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				cands, err := r.resolver.Resolve(ctx, item.change, item.path)
				mu.Lock()
				if err != nil && resolveErr == nil {
					resolveErr = err
				}
				candidates = append(candidates, cands...)
				mu.Unlock()
			}
		}()
	}
	for _, item := range items {
		work <- item
	}
	close(work)
	wg.Wait()

	if resolveErr != nil {
		return fetch.Summary{}, resolveErr
	}

	r.setState(AwaitingWorkers)
	return r.pool.Run(ctx, candidates)
}

// rebuildIndex writes incremental shards for everything changed since the
// last index build and refreshes the index-of-shards listing.
func (r *Runner) rebuildIndex(ctx context.Context, lastIndexed, lastProcessed int64) error {
	files, err := r.writer.WriteIncremental(ctx, r.store, lastIndexed)
	if err != nil {
		return fmt.Errorf("write incremental shards: %w", err)
	}
	if err := r.writer.WriteIndex(); err != nil {
		return err
	}
	if err := r.store.MarkIndexed(ctx, lastProcessed); err != nil {
		return err
	}
	slog.Info("index rebuilt", "run", r.runID, "shards", len(files), "last_indexed", lastProcessed)
	return nil
}

// ping notifies search engines that the index changed. Best effort: ping
// failures are logged and never fail the run.
func (r *Runner) ping(ctx context.Context) {
	sitemap := r.writer.IndexURL()
	for _, endpoint := range r.pingURLs {
		target := endpoint + "?sitemap=" + url.QueryEscape(sitemap)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			slog.Warn("search engine ping failed", "endpoint", endpoint, "error", err)
			continue
		}
		resp, err := r.pingClient.Do(req)
		if err != nil {
			slog.Warn("search engine ping failed", "endpoint", endpoint, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			slog.Warn("search engine ping rejected", "endpoint", endpoint, "status", resp.StatusCode)
			continue
		}
		slog.Info("search engine pinged", "endpoint", endpoint)
	}
}
