package replication

import (
	"errors"
	"fmt"
)

// ErrNotAvailable signals that the requested sequence has not been published
// yet. This is the normal end of a catch-up loop, not a failure.
var ErrNotAvailable = errors.New("replication packet not available")

// TransientError wraps a network or IO failure while fetching a packet.
// The caller may retry the same sequence on a later run.
type TransientError struct {
	Sequence int64
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch failure for packet %d: %v", e.Sequence, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError indicates a malformed packet. Retrying cannot help; the run
// must abort before any state advances.
type FatalError struct {
	Sequence int64
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("malformed replication packet %d: %v", e.Sequence, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient fetch failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is a malformed-packet failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
