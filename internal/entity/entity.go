// Package entity defines the closed set of indexable entity types.
//
// Every entity type that appears in generated sitemap shards is declared
// here, together with the table it lives in, its key columns, and how its
// page URLs are built. All dispatch on entity kind goes through this
// registry instead of string matching scattered through the pipeline.
package entity

import (
	"fmt"
	"net/url"
	"strconv"
)

// Type identifies one indexable entity kind.
type Type int

const (
	Artist Type = iota + 1
	Label
	Place
	Release
	ReleaseGroup
	Recording
	Work
)

// String returns the canonical lowercase name used in URLs, lastmod rows,
// and shard file names.
func (t Type) String() string {
	if info, ok := registry[t]; ok {
		return info.Name
	}
	return fmt.Sprintf("entity(%d)", int(t))
}

// Suffix describes one page-variant family of an entity type: the base
// JSON-LD page or a paginated sub-listing. ShardKey partitions the entity's
// URLs across output shard files; the empty key is the base shard.
type Suffix struct {
	ShardKey  string
	Paginated bool
	// PathSuffix is appended to the entity page path ("" for the base page).
	PathSuffix string
}

// Info is the static description of one entity type.
type Info struct {
	Type Type

	// Name is the lowercase entity name ("artist").
	Name string

	// Table is the source database table holding rows of this type.
	Table string

	// IDColumn and GIDColumn name the numeric primary key and the public
	// identifier columns on Table.
	IDColumn  string
	GIDColumn string

	// Suffixes lists the page-variant families fetched for each entity.
	// The first suffix is always the non-paginated base page.
	Suffixes []Suffix
}

// PagePath builds the site-relative path for one page of this entity.
// Page 0 or 1 means the unpaginated first page.
func (i Info) PagePath(gid string, sfx Suffix, page int) string {
	p := "/" + i.Name + "/" + url.PathEscape(gid) + sfx.PathSuffix
	if sfx.Paginated && page > 1 {
		p += "?page=" + strconv.Itoa(page)
	}
	return p
}

var registry = map[Type]Info{
	Artist: {
		Type: Artist, Name: "artist", Table: "artist",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
			{ShardKey: "recordings", Paginated: true, PathSuffix: "/recordings"},
			{ShardKey: "releases", Paginated: true, PathSuffix: "/releases"},
		},
	},
	Label: {
		Type: Label, Name: "label", Table: "label",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
			{ShardKey: "releases", Paginated: true, PathSuffix: "/releases"},
		},
	},
	Place: {
		Type: Place, Name: "place", Table: "place",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
			{ShardKey: "events", Paginated: true, PathSuffix: "/events"},
		},
	},
	Release: {
		Type: Release, Name: "release", Table: "release",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
		},
	},
	ReleaseGroup: {
		Type: ReleaseGroup, Name: "release-group", Table: "release_group",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
		},
	},
	Recording: {
		Type: Recording, Name: "recording", Table: "recording",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
		},
	},
	Work: {
		Type: Work, Name: "work", Table: "work",
		IDColumn: "id", GIDColumn: "gid",
		Suffixes: []Suffix{
			{ShardKey: ""},
		},
	},
}

// byTable and byName are built once at init from the registry so lookups
// never fall back to runtime string matching over cases.
var (
	byTable = make(map[string]Info, len(registry))
	byName  = make(map[string]Info, len(registry))
)

func init() {
	for _, info := range registry {
		byTable[info.Table] = info
		byName[info.Name] = info
	}
}

// Lookup returns the Info for a Type.
// The bool is false for values outside the closed enumeration.
func Lookup(t Type) (Info, bool) {
	info, ok := registry[t]
	return info, ok
}

// ByTable returns the entity type stored in the given source table, if any.
func ByTable(table string) (Info, bool) {
	info, ok := byTable[table]
	return info, ok
}

// ByName returns the entity type with the given lowercase name, if any.
func ByName(name string) (Info, bool) {
	info, ok := byName[name]
	return info, ok
}

// All returns every registered entity type in a stable order.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for t := Artist; t <= Work; t++ {
		if info, ok := registry[t]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Tables returns the set of source tables that hold indexable entities.
func Tables() map[string]bool {
	out := make(map[string]bool, len(byTable))
	for table := range byTable {
		out[table] = true
	}
	return out
}
