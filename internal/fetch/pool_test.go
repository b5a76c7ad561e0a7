package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitemapsync/internal/entity"
	"github.com/roach88/sitemapsync/internal/resolver"
	"github.com/roach88/sitemapsync/internal/state"
)

// pageServer serves canned JSON-LD bodies by path and counts hits.
type pageServer struct {
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	// failures maps a path to a queue of status codes served before the
	// body; used to script 503,503,200 sequences.
	failures map[string][]int
	srv      *httptest.Server
}

func newPageServer(t *testing.T) *pageServer {
	t.Helper()
	ps := &pageServer{
		bodies:   make(map[string]string),
		hits:     make(map[string]int),
		failures: make(map[string][]int),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}

		ps.mu.Lock()
		ps.hits[path]++
		if queue := ps.failures[path]; len(queue) > 0 {
			code := queue[0]
			ps.failures[path] = queue[1:]
			ps.mu.Unlock()
			http.Error(w, "scripted failure", code)
			return
		}
		body, ok := ps.bodies[path]
		ps.mu.Unlock()

		if !ok {
			// Nonexistent page numbers redirect to the base page.
			http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
			return
		}
		w.Header().Set("Content-Type", "application/ld+json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pageServer) hitCount(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPool(t *testing.T, ps *pageServer, st *state.Store, opts Options) *Pool {
	t.Helper()
	f := NewFetcher(ps.srv.URL,
		WithClient(ps.srv.Client()),
		WithRetryPolicy(3, 5*time.Millisecond),
	)
	return NewPool(f, st, opts)
}

func artistCandidate(t *testing.T, id int64, gid string, fromInsert bool) resolver.Candidate {
	t.Helper()
	info, ok := entity.ByName("artist")
	require.True(t, ok)
	return resolver.Candidate{
		Entity:       info,
		ID:           id,
		GID:          gid,
		FromInsert:   fromInsert,
		LastModified: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Sequence:     200,
	}
}

// recordingCandidate has a single non-paginated variant, convenient for
// tests that do not care about pagination.
func recordingCandidate(t *testing.T, id int64, gid string, fromInsert bool) resolver.Candidate {
	t.Helper()
	info, ok := entity.ByName("recording")
	require.True(t, ok)
	return resolver.Candidate{
		Entity:     info,
		ID:         id,
		GID:        gid,
		FromInsert: fromInsert,
		Sequence:   200,
	}
}

func TestNewEntityInsertReportsChange(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"@type":"MusicRecording","name":"A"}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 2})

	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		recordingCandidate(t, 1, "g1", true),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)
	assert.Equal(t, 0, sum.Unchanged)

	rec, err := st.GetLastMod(context.Background(), "recording", 1, "/recording/g1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(200), rec.Sequence)
}

func TestNewLinkToExistingEntityIsNotAChange(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"@type":"MusicRecording","name":"A"}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})

	// Same brand-new lastmod row, but the originating operation was not an
	// insert of this entity.
	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		recordingCandidate(t, 1, "g1", false),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Changed)
	assert.Equal(t, 1, sum.Unchanged)

	// The record is still persisted for future comparisons.
	rec, err := st.GetLastMod(context.Background(), "recording", 1, "/recording/g1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestIdempotentSecondRun(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"name":"A"}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})

	cand := recordingCandidate(t, 1, "g1", true)

	sum, err := pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)

	// Second pass over the same unchanged content records nothing.
	sum, err = pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Changed)
	assert.Equal(t, 1, sum.Unchanged)
}

func TestContentChangeDetectedDespiteKeyOrder(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"a":1,"b":2}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})
	cand := recordingCandidate(t, 1, "g1", true)

	_, err := pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)

	// Permuted keys, same content: unchanged.
	ps.bodies["/recording/g1"] = `{"b":2,"a":1}`
	sum, err := pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Changed)

	// Real change: detected.
	ps.bodies["/recording/g1"] = `{"a":1,"b":3}`
	sum, err = pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)
}

func TestPaginationStopsAtRedirect(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/artist/g1"] = `{"name":"X"}`
	ps.bodies["/artist/g1/recordings"] = `{"page":1}`
	ps.bodies["/artist/g1/recordings?page=2"] = `{"page":2}`
	ps.bodies["/artist/g1/releases"] = `{"page":1}`
	// page 3 of recordings and page 2 of releases are absent: redirect.
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 2})

	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		artistCandidate(t, 1, "g1", true),
	})
	require.NoError(t, err)
	// Base + recordings p1 + recordings p2 + releases p1.
	assert.Equal(t, 3, sum.Changed) // one Changed per variant family that changed

	assert.Equal(t, 1, ps.hitCount("/artist/g1/recordings?page=2"))
	assert.Equal(t, 1, ps.hitCount("/artist/g1/recordings?page=3"))
	assert.Equal(t, 0, ps.hitCount("/artist/g1/recordings?page=4"),
		"a redirect on page K must stop fetches for K+1 and beyond")

	// Both fetched pages of the paginated series have their own records.
	rec, err := st.GetLastMod(context.Background(), "artist", 1, "/artist/g1/recordings?page=2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Paginated)
	assert.Equal(t, "recordings", rec.ShardKey)
}

func TestServerErrorRetriedThenUnchanged(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"name":"A"}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})
	cand := recordingCandidate(t, 1, "g1", true)

	// Seed the stored hash.
	_, err := pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)

	// 503, 503, then 200 with identical content: no change reported.
	ps.failures["/recording/g1"] = []int{503, 503}
	sum, err := pool.Run(context.Background(), []resolver.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Changed)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Equal(t, 0, sum.Failed)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"name":"A"}`
	ps.failures["/recording/g1"] = []int{503, 503, 503}
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})

	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		recordingCandidate(t, 1, "g1", true),
	})
	require.NoError(t, err, "page failures must not abort the run")
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, ps.hitCount("/recording/g1"))
}

func TestPaginatedPageFailureCounted(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/artist/g1"] = `{"name":"X"}`
	ps.bodies["/artist/g1/recordings"] = `{"page":1}`
	ps.bodies["/artist/g1/recordings?page=2"] = `{"page":2}`
	ps.failures["/artist/g1/recordings?page=2"] = []int{403}
	ps.bodies["/artist/g1/releases"] = `{"page":1}`
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})

	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		artistCandidate(t, 1, "g1", true),
	})
	require.NoError(t, err, "page failures must not abort the run")

	// Base, recordings p1, releases p1 all changed; the failed recordings
	// p2 must not hide behind them in the summary.
	assert.Equal(t, 3, sum.Changed)
	assert.Equal(t, 1, sum.Failed)

	// The series stops at the failed page.
	assert.Equal(t, 0, ps.hitCount("/artist/g1/recordings?page=3"))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"name":"A"}`
	ps.failures["/recording/g1"] = []int{403}
	st := newTestStore(t)
	pool := newTestPool(t, ps, st, Options{Workers: 1})

	sum, err := pool.Run(context.Background(), []resolver.Candidate{
		recordingCandidate(t, 1, "g1", true),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, ps.hitCount("/recording/g1"))
}

func TestEarlyExitSkipsBatchRemainder(t *testing.T) {
	ps := newPageServer(t)
	ps.bodies["/recording/g1"] = `{"n":1}`
	ps.bodies["/recording/g2"] = `{"n":2}`
	ps.bodies["/recording/g3"] = `{"n":3}`
	st := newTestStore(t)

	cands := []resolver.Candidate{
		recordingCandidate(t, 1, "g1", true),
		recordingCandidate(t, 2, "g2", true),
		recordingCandidate(t, 3, "g3", true),
	}

	// Seed all three.
	pool := newTestPool(t, ps, st, Options{Workers: 1})
	_, err := pool.Run(context.Background(), cands)
	require.NoError(t, err)

	// With early exit on, the first unchanged candidate short-circuits the
	// shard batch.
	earlyPool := newTestPool(t, ps, st, Options{Workers: 1, EarlyExit: true})
	sum, err := earlyPool.Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unchanged)
	assert.Equal(t, 2, sum.Skipped)

	// With the policy off, every candidate is checked.
	offPool := newTestPool(t, ps, st, Options{Workers: 1})
	sum, err = offPool.Run(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Unchanged)
	assert.Equal(t, 0, sum.Skipped)
}
