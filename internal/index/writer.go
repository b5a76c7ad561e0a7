// Package index writes sitemap shard files.
//
// A full rebuild (external to this pipeline) produces shards named
// sitemap-<entity>[-<shard>][-paginated].xml. The incremental writer emits
// the same names with an extra "-incremental" marker, containing exactly
// the URLs whose content changed since the last fully-indexed sequence.
// Full shards are never deleted or overwritten by incremental output.
package index

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/sitemapsync/internal/entity"
	"github.com/roach88/sitemapsync/internal/state"
)

const (
	sitemapNS         = "http://www.sitemaps.org/schemas/sitemap/0.9"
	incrementalMarker = "-incremental"
	indexFileName     = "sitemap-index.xml"
)

// Source selects the lastmod records updated after a sequence.
// Implemented by state.Store.
type Source interface {
	ChangedSince(ctx context.Context, entityType string, seq int64) ([]state.LastMod, error)
}

// Writer emits sitemap shards into an output directory.
type Writer struct {
	dir     string
	webRoot string
}

// NewWriter creates a Writer. webRoot prefixes the site-relative URLs
// stored in lastmod records, and is also where the shard files themselves
// are served from.
func NewWriter(dir, webRoot string) *Writer {
	return &Writer{dir: dir, webRoot: strings.TrimRight(webRoot, "/")}
}

type urlEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	XMLNS   string     `xml:"xmlns,attr"`
	URLs    []urlEntry `xml:"url"`
}

type indexEntry struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	XMLNS    string       `xml:"xmlns,attr"`
	Sitemaps []indexEntry `xml:"sitemap"`
}

// ShardName builds the output file name for one bucket. Incremental names
// carry the "-incremental" marker before the extension.
func ShardName(entityName, shardKey string, paginated, incremental bool) string {
	name := "sitemap-" + entityName
	if shardKey != "" {
		name += "-" + shardKey
	}
	if paginated {
		name += "-paginated"
	}
	if incremental {
		name += incrementalMarker
	}
	return name + ".xml"
}

// WriteIncremental writes one incremental shard per (entity type, shard
// key, pagination bucket) covering every record updated after lastIndexed.
// Returns the written file names.
func (w *Writer) WriteIncremental(ctx context.Context, src Source, lastIndexed int64) ([]string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var written []string
	for _, info := range entity.All() {
		records, err := src.ChangedSince(ctx, info.Name, lastIndexed)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			continue
		}

		files, err := w.writeEntityShards(info.Name, records)
		if err != nil {
			return nil, err
		}
		written = append(written, files...)
	}

	sort.Strings(written)
	return written, nil
}

type bucketKey struct {
	shardKey  string
	paginated bool
}

func (w *Writer) writeEntityShards(entityName string, records []state.LastMod) ([]string, error) {
	buckets := make(map[bucketKey][]state.LastMod)
	for _, rec := range records {
		key := bucketKey{shardKey: rec.ShardKey, paginated: rec.Paginated}
		buckets[key] = append(buckets[key], rec)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].shardKey != keys[j].shardKey {
			return keys[i].shardKey < keys[j].shardKey
		}
		return !keys[i].paginated && keys[j].paginated
	})

	var written []string
	for _, key := range keys {
		name := ShardName(entityName, key.shardKey, key.paginated, true)
		if err := w.writeShard(name, buckets[key]); err != nil {
			return nil, err
		}
		written = append(written, name)
	}
	return written, nil
}

func (w *Writer) writeShard(name string, records []state.LastMod) error {
	// Incremental output only. Refusing anything else guarantees a full
	// shard can never be clobbered, even if a caller builds a bad name.
	if !strings.Contains(name, incrementalMarker) {
		return fmt.Errorf("refusing to write non-incremental shard %q", name)
	}

	set := urlSet{XMLNS: sitemapNS, URLs: make([]urlEntry, 0, len(records))}
	for _, rec := range records {
		set.URLs = append(set.URLs, urlEntry{
			Loc:     w.webRoot + rec.URL,
			LastMod: rec.LastModified.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(set.URLs, func(i, j int) bool { return set.URLs[i].Loc < set.URLs[j].Loc })

	path := filepath.Join(w.dir, name)
	if err := writeXML(path, set); err != nil {
		return fmt.Errorf("write shard %s: %w", name, err)
	}

	slog.Info("incremental shard written", "file", name, "urls", len(set.URLs))
	return nil
}

// WriteIndex rewrites the index-of-shards file listing every sitemap file
// currently present in the output directory, full and incremental alike.
// Full shards are listed, never touched.
func (w *Writer) WriteIndex() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan output dir: %w", err)
	}

	idx := sitemapIndex{XMLNS: sitemapNS}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFileName {
			continue
		}
		if !strings.HasPrefix(name, "sitemap-") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		idx.Sitemaps = append(idx.Sitemaps, indexEntry{Loc: w.webRoot + "/" + name})
	}
	sort.Slice(idx.Sitemaps, func(i, j int) bool { return idx.Sitemaps[i].Loc < idx.Sitemaps[j].Loc })

	if err := writeXML(filepath.Join(w.dir, indexFileName), idx); err != nil {
		return fmt.Errorf("write sitemap index: %w", err)
	}

	slog.Info("sitemap index written", "shards", len(idx.Sitemaps))
	return nil
}

// HasIndex reports whether an index-of-shards file already exists. The
// incremental pipeline requires a prior full build to increment against.
func (w *Writer) HasIndex() bool {
	_, err := os.Stat(filepath.Join(w.dir, indexFileName))
	return err == nil
}

// IndexURL returns the public URL of the index-of-shards file, used for
// search-engine pings.
func (w *Writer) IndexURL() string {
	return w.webRoot + "/" + indexFileName
}

func writeXML(path string, v any) error {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	out := append([]byte(xml.Header), data...)
	out = append(out, '\n')

	// Write via a temp file + rename so readers never observe a
	// half-written shard.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sitemap-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
