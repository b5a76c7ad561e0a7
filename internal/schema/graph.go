package schema

import (
	"fmt"
	"sync"

	"github.com/roach88/sitemapsync/internal/entity"
)

// Path is an ordered sequence of join steps connecting a changed table to a
// table of indexable entities.
//
// Orientation: Links[0].TargetTable is the entity table and
// Links[len-1].SourceTable is the changed table. A zero-length Links slice
// means the changed table is itself the entity table.
type Path struct {
	Entity entity.Info
	Links  []Link
}

// Validate checks the path's endpoints against the changed table. A
// mismatch is a programming or metadata error: the caller must abort the
// run rather than silently skip the path.
func (p Path) Validate(changedTable string) error {
	if len(p.Links) == 0 {
		if p.Entity.Table != changedTable {
			return fmt.Errorf("empty path for table %q does not end at entity table %q", changedTable, p.Entity.Table)
		}
		return nil
	}
	if first := p.Links[0]; first.TargetTable != p.Entity.Table {
		return fmt.Errorf("path head %s does not reach entity table %q", first, p.Entity.Table)
	}
	if last := p.Links[len(p.Links)-1]; last.SourceTable != changedTable {
		return fmt.Errorf("path tail %s does not start at changed table %q", last, changedTable)
	}
	return nil
}

// Graph answers "which indexable entities can a change in this table
// affect" using the declared links minus the curated exclusions.
//
// Paths are memoized for the lifetime of the Graph, i.e. one run.
type Graph struct {
	schema   string
	bySource map[string][]Link
	denylist map[string]bool

	mu    sync.Mutex
	cache map[string][]Path
}

// NewGraph builds a Graph from loaded metadata.
func NewGraph(meta Metadata) (*Graph, error) {
	if meta.Schema == "" {
		return nil, fmt.Errorf("schema metadata has no schema name")
	}

	excluded := make(map[Link]bool, len(meta.Exclusions))
	for _, l := range meta.Exclusions {
		excluded[l] = true
	}

	g := &Graph{
		schema:   meta.Schema,
		bySource: make(map[string][]Link),
		denylist: make(map[string]bool, len(meta.Denylist)),
		cache:    make(map[string][]Path),
	}
	for _, table := range meta.Denylist {
		g.denylist[table] = true
	}
	for _, l := range meta.Links {
		if excluded[l] {
			continue
		}
		g.bySource[l.SourceTable] = append(g.bySource[l.SourceTable], l)
	}
	return g, nil
}

// Denied reports whether a table is on the replication denylist.
func (g *Graph) Denied(table string) bool {
	return g.denylist[table]
}

// PathsFrom returns every dependency path leading from a changed table to
// an indexable entity table. Returns nil for tables in other schemas, for
// denylisted tables, and for tables with no route to any entity.
func (g *Graph) PathsFrom(schemaName, table string) []Path {
	if schemaName != g.schema || g.denylist[table] {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if paths, ok := g.cache[table]; ok {
		return paths
	}

	var paths []Path

	// The changed table may itself hold indexable entities.
	if info, ok := entity.ByTable(table); ok {
		paths = append(paths, Path{Entity: info})
	}

	onStack := map[string]bool{table: true}
	paths = append(paths, g.walk(table, nil, onStack)...)

	g.cache[table] = paths
	return paths
}

// walk explores simple paths outward from table. walked holds the links
// traversed so far, changed-table side first; results are reversed into
// entity-first orientation on completion.
func (g *Graph) walk(table string, walked []Link, onStack map[string]bool) []Path {
	var paths []Path
	for _, link := range g.bySource[table] {
		if onStack[link.TargetTable] {
			continue
		}
		step := append(append([]Link(nil), walked...), link)

		if info, ok := entity.ByTable(link.TargetTable); ok {
			paths = append(paths, Path{Entity: info, Links: reverse(step)})
			// Keep walking: entity tables are waypoints, not endpoints.
			// A release_group page renders data from its releases, so a
			// medium change must reach release_group through release.
		}

		onStack[link.TargetTable] = true
		paths = append(paths, g.walk(link.TargetTable, step, onStack)...)
		delete(onStack, link.TargetTable)
	}
	return paths
}

func reverse(links []Link) []Link {
	out := make([]Link, len(links))
	for i, l := range links {
		out[len(links)-1-i] = l
	}
	return out
}
