package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sitemapsync/internal/state"
)

// fakeSource returns canned lastmod records per entity type.
type fakeSource map[string][]state.LastMod

func (f fakeSource) ChangedSince(_ context.Context, entityType string, seq int64) ([]state.LastMod, error) {
	var out []state.LastMod
	for _, rec := range f[entityType] {
		if rec.Sequence > seq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func rec(entityType string, id int64, url, shardKey string, paginated bool, seq int64) state.LastMod {
	return state.LastMod{
		EntityType:   entityType,
		EntityID:     id,
		URL:          url,
		Paginated:    paginated,
		ShardKey:     shardKey,
		Hash:         "h",
		LastModified: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Sequence:     seq,
	}
}

func TestShardName(t *testing.T) {
	assert.Equal(t, "sitemap-artist.xml", ShardName("artist", "", false, false))
	assert.Equal(t, "sitemap-artist-incremental.xml", ShardName("artist", "", false, true))
	assert.Equal(t, "sitemap-artist-recordings-paginated-incremental.xml",
		ShardName("artist", "recordings", true, true))
}

func TestWriteIncrementalBucketsAndNames(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "https://example.com")

	src := fakeSource{
		"artist": {
			rec("artist", 1, "/artist/g1", "", false, 101),
			rec("artist", 1, "/artist/g1/recordings", "recordings", true, 101),
			rec("artist", 1, "/artist/g1/recordings?page=2", "recordings", true, 101),
			rec("artist", 2, "/artist/g2", "", false, 99), // at or before lastIndexed
		},
		"release": {
			rec("release", 7, "/release/g7", "", false, 102),
		},
	}

	files, err := w.WriteIncremental(context.Background(), src, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sitemap-artist-incremental.xml",
		"sitemap-artist-recordings-paginated-incremental.xml",
		"sitemap-release-incremental.xml",
	}, files)

	for _, name := range files {
		assert.Contains(t, name, "-incremental")
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err)
	}
}

func TestWriteIncrementalGolden(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "https://example.com")

	src := fakeSource{
		"artist": {
			rec("artist", 2, "/artist/g2", "", false, 101),
			rec("artist", 1, "/artist/g1", "", false, 101),
		},
	}

	files, err := w.WriteIncremental(context.Background(), src, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"sitemap-artist-incremental.xml"}, files)

	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "artist_incremental_shard", data)
}

func TestWriteIndexGolden(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "https://example.com")

	// A pre-existing full shard and an incremental one.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sitemap-artist.xml"), []byte("full"), 0o644))
	src := fakeSource{"artist": {rec("artist", 1, "/artist/g1", "", false, 101)}}
	_, err := w.WriteIncremental(context.Background(), src, 100)
	require.NoError(t, err)

	require.NoError(t, w.WriteIndex())

	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "sitemap_index", data)
}

func TestWriteIndexNeverTouchesFullShards(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "https://example.com")

	full := filepath.Join(dir, "sitemap-artist.xml")
	require.NoError(t, os.WriteFile(full, []byte("full shard content"), 0o644))

	src := fakeSource{"artist": {rec("artist", 1, "/artist/g1", "", false, 101)}}
	_, err := w.WriteIncremental(context.Background(), src, 100)
	require.NoError(t, err)
	require.NoError(t, w.WriteIndex())

	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "full shard content", string(data))
}

func TestWriteShardRefusesNonIncrementalName(t *testing.T) {
	w := NewWriter(t.TempDir(), "https://example.com")
	err := w.writeShard("sitemap-artist.xml", []state.LastMod{rec("artist", 1, "/artist/g1", "", false, 101)})
	assert.Error(t, err)
}

func TestWriteIncrementalEmpty(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "https://example.com")

	files, err := w.WriteIncremental(context.Background(), fakeSource{}, 100)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIndexURL(t *testing.T) {
	w := NewWriter(t.TempDir(), "https://example.com/")
	assert.Equal(t, "https://example.com/sitemap-index.xml", w.IndexURL())
}
