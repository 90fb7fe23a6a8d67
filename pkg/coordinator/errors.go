package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyRunID is returned when EnsureOnce is called without a run identity.
	ErrEmptyRunID = errors.New("run id is empty")
	// ErrLockTimeout matches any *LockTimeoutError.
	ErrLockTimeout = errors.New("timed out waiting for seed completion")
)

// LockTimeoutError reports a waiter that never observed the completion marker.
// A holder that crashed leaves its lock at Location until it is removed by hand.
type LockTimeoutError struct {
	RunID    string
	Location string
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("run %q: %v after %s; lock held at %s (remove it if its holder is gone)",
		e.RunID, ErrLockTimeout, e.Waited.Round(time.Millisecond), e.Location)
}

// Is lets errors.Is(err, ErrLockTimeout) match.
func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// ActionError wraps a failure of the protected action. No completion marker
// was written, so the action runs again on the next call.
type ActionError struct {
	RunID string
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("seed action for run %q failed: %v", e.RunID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
