// Package claim provides exclusive, cross-process claims over named keys and
// durable completion markers. The file backend relies on exclusive-create
// (O_CREATE|O_EXCL); the SQLite backend on a conditional insert.
package claim

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/preflight/pkg/models"
)

var (
	// ErrHeld is returned by Acquire when another holder owns the claim.
	ErrHeld = errors.New("claim already held")
	// ErrNotHeld is returned by Inspect when no claim exists for the key.
	ErrNotHeld = errors.New("claim not held")
)

// Claimer acquires and releases exclusive claims.
type Claimer interface {
	// Acquire atomically claims key, returning ErrHeld if it is already claimed.
	Acquire(ctx context.Context, key string) error
	// Release drops the claim. Releasing an absent claim is not an error.
	Release(ctx context.Context, key string) error
	// Inspect returns the current holder of key, or ErrNotHeld.
	Inspect(ctx context.Context, key string) (models.ClaimInfo, error)
	// Location describes where the claim for key lives, for diagnostics.
	Location(key string) string
}

// Marker records that the work guarded by a key has completed.
type Marker interface {
	Done(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
	// ClearDone removes the marker. Only operator tooling calls it.
	ClearDone(ctx context.Context, key string) error
}

// Store combines claims and markers on one backend.
type Store interface {
	Claimer
	Marker
}

// SafeKey maps a key to a string usable as a file name.
func SafeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	// "." and ".." would escape the namespace directory.
	if strings.Trim(s, ".") == "" {
		s = strings.ReplaceAll(s, ".", "_")
	}
	return s
}

func newHolder(key string, now time.Time) models.ClaimInfo {
	host, _ := os.Hostname()
	return models.ClaimInfo{
		Key:        key,
		HolderID:   uuid.NewString(),
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: now.UTC(),
	}
}
