// Package schema models the foreign-key dependency graph between source
// database tables and the tables holding indexable entities.
//
// The graph is declared in a CUE metadata file: foreign-key links, a
// curated set of link exclusions known to never affect rendered JSON
// output, and a denylist of tables the replication consumer drops outright.
// It is loaded once per run; traversal is a pure function of the metadata.
package schema

import "fmt"

// Link is one foreign-key join step. A change to a row of Source.Table can
// affect rendered pages of entities reachable through Target.Table, joining
// Source.Column = Target.Column.
type Link struct {
	SourceTable  string
	SourceColumn string
	TargetTable  string
	TargetColumn string
}

// String renders the link in "table.column -> table.column" form for logs
// and error messages.
func (l Link) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", l.SourceTable, l.SourceColumn, l.TargetTable, l.TargetColumn)
}

// Metadata is the decoded content of the schema metadata file.
type Metadata struct {
	// Schema is the source database schema the links belong to.
	Schema string

	// Links are all declared foreign-key join steps.
	Links []Link

	// Exclusions are links present in the database schema that are known
	// to never influence rendered output; they are removed from traversal.
	Exclusions []Link

	// Denylist names tables whose row changes are dropped by the
	// replication consumer before any graph traversal.
	Denylist []string
}
