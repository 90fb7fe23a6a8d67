// Package coordinator runs a setup action at most once per logical run, even
// when many worker processes race to trigger it.
//
// The first process whose claim succeeds runs the action and writes a
// completion marker. Everyone else polls for that marker until a deadline.
// A holder killed mid-action leaves its lock behind; the coordinator never
// clears such a lock on its own, since doing so could run the action twice.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pario-ai/preflight/pkg/claim"
)

const (
	// DefaultPollInterval is how often a waiter checks for the marker.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultTimeout bounds how long a waiter polls before giving up.
	DefaultTimeout = 120 * time.Second
)

// Action is the protected setup step.
type Action func(ctx context.Context) error

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Coordinator implements once-per-run execution on top of a claim.Store.
type Coordinator struct {
	store        claim.Store
	pollInterval time.Duration
	timeout      time.Duration
	log          *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Coordinator backed by store.
func New(store claim.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:        store,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		log:          opts.Logger,
		now:          time.Now,
		sleep:        sleepContext,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("subsystem", "coordinator")
	return c
}

// EnsureOnce runs action unless it already completed for runID.
//
// Exactly one caller per runID runs action at a time. On success a marker is
// written and later callers return immediately. On failure the claim is
// released without a marker, so the next call retries. Callers that lose the
// race wait for the marker and return nil once it appears, or a
// *LockTimeoutError after the configured timeout.
func (c *Coordinator) EnsureOnce(ctx context.Context, runID string, action Action) error {
	if runID == "" {
		return ErrEmptyRunID
	}

	done, err := c.store.Done(ctx, runID)
	if err != nil {
		return err
	}
	if done {
		c.log.Debug("seed already completed, skipping", "run_id", runID)
		return nil
	}

	err = c.store.Acquire(ctx, runID)
	switch {
	case err == nil:
		return c.runAsHolder(ctx, runID, action)
	case errors.Is(err, claim.ErrHeld):
		return c.waitForMarker(ctx, runID)
	default:
		return err
	}
}

func (c *Coordinator) runAsHolder(ctx context.Context, runID string, action Action) (err error) {
	c.log.Info("acquired seed lock", "run_id", runID, "lock", c.store.Location(runID))

	defer func() {
		// The claim must not outlive this call, even on panic.
		if rerr := c.store.Release(context.WithoutCancel(ctx), runID); rerr != nil {
			c.log.Error("release seed lock", "run_id", runID, "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	// Another holder may have finished between our first check and Acquire.
	done, err := c.store.Done(ctx, runID)
	if err != nil {
		return err
	}
	if done {
		c.log.Debug("seed completed by previous holder", "run_id", runID)
		return nil
	}

	started := c.now()
	if aerr := action(ctx); aerr != nil {
		c.log.Warn("seed action failed", "run_id", runID, "error", aerr)
		return &ActionError{RunID: runID, Err: aerr}
	}

	if err := c.store.MarkDone(context.WithoutCancel(ctx), runID); err != nil {
		return err
	}
	c.log.Info("seed completed", "run_id", runID, "took", c.now().Sub(started))
	return nil
}

func (c *Coordinator) waitForMarker(ctx context.Context, runID string) error {
	location := c.store.Location(runID)
	c.log.Info("waiting for seed holder", "run_id", runID, "lock", location, "timeout", c.timeout)

	start := c.now()
	deadline := start.Add(c.timeout)
	for {
		done, err := c.store.Done(ctx, runID)
		if err != nil {
			return err
		}
		if done {
			c.log.Info("seed completed by another worker", "run_id", runID, "waited", c.now().Sub(start))
			return nil
		}
		if !c.now().Before(deadline) {
			return &LockTimeoutError{RunID: runID, Location: location, Waited: c.now().Sub(start)}
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
