package runner

import "fmt"

// ConfigurationError indicates the pipeline cannot start at all: an empty
// control table or a missing base index. Nothing has been processed when it
// is returned.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// StalledRunError indicates a previous run crashed mid-sequence (the
// checked-entities ledger is non-empty) and the backlog has grown beyond
// tolerance. Continuing could silently miss entities from the half-finished
// run, so the coordinator aborts with an operator-visible message instead.
type StalledRunError struct {
	LedgerSize int
	Backlog    int
}

func (e *StalledRunError) Error() string {
	return fmt.Sprintf(
		"stalled run: %d entities left in ledger with %d sequences of backlog; clear the ledger after verifying the previous run",
		e.LedgerSize, e.Backlog,
	)
}
