package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pario-ai/preflight/pkg/claim"
	"github.com/pario-ai/preflight/pkg/config"
	"github.com/pario-ai/preflight/pkg/models"
)

var (
	// ErrBudgetExceeded is returned when planned requests exceed the remaining daily budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnknownMode is returned by Run for a mode other than check, consume or report.
	ErrUnknownMode = errors.New("unknown budget mode")
)

// stateLockKey names the claim that serializes Consume when enabled.
const stateLockKey = "budget-state"

// Ledger receives a record for every successful Consume.
type Ledger interface {
	Record(ctx context.Context, rec models.ConsumptionRecord) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithLedger records successful consumption under runID.
func WithLedger(l Ledger, runID string) Option {
	return func(g *Gate) {
		g.ledger = l
		g.runID = runID
	}
}

// WithStateLock serializes Consume through an exclusive claim. Without it the
// load-then-save in Consume is unguarded and parallel consumers can lose updates.
func WithStateLock(c claim.Claimer, poll time.Duration) Option {
	return func(g *Gate) {
		g.locker = c
		if poll > 0 {
			g.lockPoll = poll
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithClock overrides the time source used to pick the UTC day.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate caps consumption of a scarce resource against a daily budget.
type Gate struct {
	cfg      config.BudgetConfig
	store    StateStore
	ledger   Ledger
	runID    string
	locker   claim.Claimer
	lockPoll time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Gate over store.
func New(cfg config.BudgetConfig, store StateStore, opts ...Option) *Gate {
	g := &Gate{
		cfg:      cfg,
		store:    store,
		lockPoll: 50 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	g.log = g.log.With("subsystem", "budget")
	return g
}

// Budget returns the effective daily automation budget.
func (g *Gate) Budget() int { return g.cfg.EffectiveBudget() }

// Run dispatches to the verb named by mode.
func (g *Gate) Run(ctx context.Context, mode models.BudgetMode, planned int) (models.BudgetDecision, error) {
	switch mode {
	case models.BudgetCheck:
		return g.Check(ctx, planned)
	case models.BudgetConsume:
		return g.Consume(ctx, planned)
	case models.BudgetReport:
		return g.Report(ctx)
	default:
		return models.BudgetDecision{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Report returns today's usage without mutating state.
func (g *Gate) Report(ctx context.Context) (models.BudgetDecision, error) {
	if g.cfg.Disabled {
		return models.BudgetDecision{Disabled: true}, nil
	}
	state, err := g.load(ctx)
	if err != nil {
		return models.BudgetDecision{}, err
	}
	return decide(state, g.Budget(), 0), nil
}

// Check reports whether planned requests fit in today's remaining budget.
// It returns ErrBudgetExceeded when they do not and never mutates state.
func (g *Gate) Check(ctx context.Context, planned int) (models.BudgetDecision, error) {
	if d, ok := g.trivial(planned); ok {
		return d, nil
	}
	state, err := g.load(ctx)
	if err != nil {
		return models.BudgetDecision{}, err
	}
	d := decide(state, g.Budget(), planned)
	if d.WouldExceed {
		g.log.Warn("budget would be exceeded", "planned", planned, "used", d.UsedToday, "budget", d.Budget)
		return d, ErrBudgetExceeded
	}
	return d, nil
}

// Consume records planned requests against today's budget. Nothing is
// persisted when the budget would be exceeded.
func (g *Gate) Consume(ctx context.Context, planned int) (models.BudgetDecision, error) {
	if d, ok := g.trivial(planned); ok {
		return d, nil
	}

	if g.locker != nil {
		if err := g.lockState(ctx); err != nil {
			return models.BudgetDecision{}, err
		}
		defer func() {
			if err := g.locker.Release(context.WithoutCancel(ctx), stateLockKey); err != nil {
				g.log.Error("release budget state lock", "error", err)
			}
		}()
	}

	state, err := g.load(ctx)
	if err != nil {
		return models.BudgetDecision{}, err
	}
	d := decide(state, g.Budget(), planned)
	if d.WouldExceed {
		g.log.Warn("budget would be exceeded, nothing consumed", "planned", planned, "used", d.UsedToday, "budget", d.Budget)
		return d, ErrBudgetExceeded
	}

	next := models.BudgetState{Date: state.Date, Used: state.Used + planned}
	if err := g.store.Save(ctx, next); err != nil {
		return models.BudgetDecision{}, err
	}
	g.log.Info("consumed budget", "planned", planned, "used", next.Used, "budget", d.Budget)

	if g.ledger != nil {
		rec := models.ConsumptionRecord{
			Date:      next.Date,
			RunID:     g.runID,
			Planned:   planned,
			UsedAfter: next.Used,
			CreatedAt: g.now().UTC(),
		}
		if err := g.ledger.Record(ctx, rec); err != nil {
			// The state file is authoritative; the ledger is history only.
			g.log.Warn("ledger record failed", "error", err)
		}
	}
	return d, nil
}

// trivial handles the disabled switch and runs with nothing to gate.
func (g *Gate) trivial(planned int) (models.BudgetDecision, bool) {
	if g.cfg.Disabled {
		return models.BudgetDecision{Disabled: true, PlannedRequests: max(0, planned)}, true
	}
	if planned <= 0 {
		b := g.Budget()
		return models.BudgetDecision{Skipped: true, Budget: b}, true
	}
	return models.BudgetDecision{}, false
}

// load reads the state and resets it when it belongs to an earlier day.
func (g *Gate) load(ctx context.Context) (models.BudgetState, error) {
	today := g.now().UTC().Format(models.DateLayout)
	state, err := g.store.Load(ctx)
	if err != nil {
		return models.BudgetState{}, err
	}
	if state.Date != today {
		if state.Date != "" {
			g.log.Debug("budget day rolled over", "previous", state.Date, "today", today)
		}
		return models.BudgetState{Date: today, Used: 0}, nil
	}
	return state, nil
}

func (g *Gate) lockState(ctx context.Context) error {
	deadline := g.now().Add(g.cfg.ConsumeLockTimeout)
	for {
		err := g.locker.Acquire(ctx, stateLockKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, claim.ErrHeld) {
			return fmt.Errorf("lock budget state: %w", err)
		}
		if !g.now().Before(deadline) {
			return fmt.Errorf("lock budget state at %s: gave up after %s: %w",
				g.locker.Location(stateLockKey), g.cfg.ConsumeLockTimeout, err)
		}
		t := time.NewTimer(g.lockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func decide(state models.BudgetState, budget, planned int) models.BudgetDecision {
	return models.BudgetDecision{
		Date:            state.Date,
		PlannedRequests: planned,
		UsedToday:       state.Used,
		Budget:          budget,
		RemainingBefore: max(0, budget-state.Used),
		RemainingAfter:  max(0, budget-(state.Used+planned)),
		WouldExceed:     state.Used+planned > budget,
	}
}
