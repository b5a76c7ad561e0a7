// Package replication consumes numbered change packets from the source
// database's replication feed.
//
// Packets are pulled by URL as gzip-compressed, tab-delimited row
// operations. The consumer decodes them into RowChange values, dropping
// tables on the static denylist that are known a priori to never influence
// rendered output.
package replication

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Op is the kind of row-level operation.
type Op int

const (
	Insert Op = iota + 1
	Update
	Delete
)

// String returns the single-letter wire code for the operation.
func (o Op) String() string {
	switch o {
	case Insert:
		return "I"
	case Update:
		return "U"
	case Delete:
		return "D"
	default:
		return "?"
	}
}

func parseOp(code string) (Op, error) {
	switch code {
	case "I":
		return Insert, nil
	case "U":
		return Update, nil
	case "D":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown operation code %q", code)
	}
}

// RowChange is one logical change to one row, identified by its primary-key
// columns. LastModified is best effort: the row's modification timestamp,
// falling back to its creation timestamp, then to the wall-clock time the
// packet was processed.
type RowChange struct {
	Schema       string
	Table        string
	Op           Op
	Keys         map[string]string
	LastModified time.Time

	// Sequence is the replication sequence of the packet that carried
	// this change.
	Sequence int64
}

// PrimaryID returns the numeric "id" key when the row has a simple integer
// primary key. The bool is false for composite or non-numeric keys.
func (rc RowChange) PrimaryID() (int64, bool) {
	raw, ok := rc.Keys["id"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// KeyString renders the primary-key columns in a stable order, used for
// per-packet deduplication and log lines.
func (rc RowChange) KeyString() string {
	cols := make([]string, 0, len(rc.Keys))
	for col := range rc.Keys {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = col + "=" + rc.Keys[col]
	}
	return strings.Join(parts, ";")
}

// Packet is one ordered, numbered unit of change data. Immutable once
// fetched.
type Packet struct {
	Sequence int64
	Changes  []RowChange
}
