package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore creates a new on-disk store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testRecord builds a record originating from the entity's own insert, so
// its first write counts as a page change.
func testRecord(id int64, url, hash string, seq int64) LastMod {
	return LastMod{
		EntityType:   "artist",
		EntityID:     id,
		URL:          url,
		ShardKey:     "",
		Hash:         hash,
		LastModified: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Sequence:     seq,
		FromInsert:   true,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestCursorLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Cursor(ctx)
	assert.ErrorIs(t, err, ErrNoCursor)

	require.NoError(t, s.InitCursor(ctx, Cursor{LastProcessed: 100, LastIndexed: 95}))

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.LastProcessed)
	assert.Equal(t, int64(95), c.LastIndexed)

	require.NoError(t, s.MarkIndexed(ctx, 100))
	c, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), c.LastIndexed)
}

func TestCommitSequenceCouplesLedgerAndCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitCursor(ctx, Cursor{LastProcessed: 100, LastIndexed: 100}))

	fresh, err := s.Claim(ctx, "artist", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, fresh, 3)

	n, err := s.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.CommitSequence(ctx, 101))

	n, err = s.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "commit must truncate the ledger")

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), c.LastProcessed)
}

func TestCommitSequenceWithoutCursor(t *testing.T) {
	s := createTestStore(t)
	err := s.CommitSequence(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNoCursor)
}

func TestClaimDeduplicates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	fresh, err := s.Claim(ctx, "artist", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, fresh)

	// Same entity reached via a different path: already claimed.
	fresh, err = s.Claim(ctx, "artist", []int64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, fresh)

	// Same id under a different entity type is a distinct entity.
	fresh, err = s.Claim(ctx, "release", []int64{2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, fresh)

	fresh, err = s.Claim(ctx, "artist", nil)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestCompareAndRecordOutcomes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := testRecord(42, "/artist/42", "hash-a", 100)

	out, err := s.CompareAndRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)

	// Identical hash: no-op, stored sequence unchanged.
	rec.Sequence = 101
	out, err = s.CompareAndRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)

	stored, err := s.GetLastMod(ctx, "artist", 42, "/artist/42")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(100), stored.Sequence)

	// Different hash: update, sequence advances.
	rec.Hash = "hash-b"
	rec.Sequence = 102
	out, err = s.CompareAndRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Updated, out)

	stored, err = s.GetLastMod(ctx, "artist", 42, "/artist/42")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hash-b", stored.Hash)
	assert.Equal(t, int64(102), stored.Sequence)
}

func TestGetLastModMissing(t *testing.T) {
	s := createTestStore(t)
	rec, err := s.GetLastMod(context.Background(), "artist", 1, "/artist/1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestChangedSince(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, rec := range []LastMod{
		testRecord(1, "/artist/1", "h1", 100),
		testRecord(2, "/artist/2", "h2", 101),
		testRecord(3, "/artist/3", "h3", 102),
	} {
		_, err := s.CompareAndRecord(ctx, rec)
		require.NoError(t, err)
	}
	other := testRecord(9, "/release/9", "h9", 102)
	other.EntityType = "release"
	_, err := s.CompareAndRecord(ctx, other)
	require.NoError(t, err)

	changed, err := s.ChangedSince(ctx, "artist", 100)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, int64(2), changed[0].EntityID)
	assert.Equal(t, int64(3), changed[1].EntityID)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), changed[0].LastModified)
}

func TestChangedSinceExcludesLinkOnlyRecords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// First sight of a page through a newly-discovered link: recorded,
	// but not a page change to publish.
	rec := testRecord(7, "/artist/7", "h1", 101)
	rec.FromInsert = false
	out, err := s.CompareAndRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)

	changed, err := s.ChangedSince(ctx, "artist", 100)
	require.NoError(t, err)
	assert.Empty(t, changed)

	// A later genuine content change makes the row eligible.
	rec.Hash = "h2"
	rec.Sequence = 105
	out, err = s.CompareAndRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Updated, out)

	changed, err = s.ChangedSince(ctx, "artist", 100)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, int64(7), changed[0].EntityID)
}

func TestHasChangedSince(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	has, err := s.HasChangedSince(ctx, 100)
	require.NoError(t, err)
	assert.False(t, has)

	linkOnly := testRecord(1, "/artist/1", "h1", 101)
	linkOnly.FromInsert = false
	_, err = s.CompareAndRecord(ctx, linkOnly)
	require.NoError(t, err)

	has, err = s.HasChangedSince(ctx, 100)
	require.NoError(t, err)
	assert.False(t, has, "link-only records do not demand a rebuild")

	_, err = s.CompareAndRecord(ctx, testRecord(2, "/artist/2", "h2", 101))
	require.NoError(t, err)

	has, err = s.HasChangedSince(ctx, 100)
	require.NoError(t, err)
	assert.True(t, has)

	// Changes at or below the threshold are already indexed.
	has, err = s.HasChangedSince(ctx, 101)
	require.NoError(t, err)
	assert.False(t, has)
}
