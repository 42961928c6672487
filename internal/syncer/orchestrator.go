// Package syncer drives a full synchronization run: detect gaps across all
// collections, then fill them. One run is active at a time; a second start
// while a run is in flight reports the in-flight progress instead of starting
// over.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"acctsync/internal/auth"
	"acctsync/internal/checker"
	"acctsync/internal/exchange"
	"acctsync/internal/inserter"
	"acctsync/internal/interrupt"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// State is the orchestrator's run phase.
type State string

const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateFilling     State = "filling"
	StateDone        State = "done"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

// ErrSyncInProgress is returned when a run is requested while one is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// Progress is a snapshot of a run. Runs are identified by a fresh id; all
// counters belong to that run only.
type Progress struct {
	RunID       uuid.UUID
	State       State
	StartedAt   time.Time
	FinishedAt  time.Time
	Collections int
	Windows     int
	Pages       int
	Fetched     int64
	Failed      int
	Err         error
}

// Running reports whether the run is still in flight.
func (p Progress) Running() bool {
	return p.State == StateDetecting || p.State == StateFilling
}

// Orchestrator owns the run lifecycle. Construct once; Run/Start as needed.
type Orchestrator struct {
	store    storage.Gateway
	api      exchange.Gateway
	registry *schema.Registry
	policy   checker.Policy
	logger   *slog.Logger

	mu       sync.Mutex
	progress Progress
	signal   *interrupt.Signal
	cancel   context.CancelFunc
}

func NewOrchestrator(store storage.Gateway, api exchange.Gateway, registry *schema.Registry, policy checker.Policy, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		api:      api,
		registry: registry,
		policy:   policy,
		logger:   logger.With("component", "syncer"),
		progress: Progress{State: StateIdle},
	}
}

// Progress returns a snapshot of the current or last run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Start launches a run in the background. If a run is already active it
// returns the in-flight progress and ErrSyncInProgress.
func (o *Orchestrator) Start(ctx context.Context, user *auth.User) (Progress, error) {
	p, signal, runCtx, err := o.begin(ctx)
	if err != nil {
		return p, err
	}
	go o.run(runCtx, user, signal)
	return p, nil
}

// Run executes a run synchronously and returns its final progress. If a run
// is already active it returns the in-flight progress and ErrSyncInProgress.
func (o *Orchestrator) Run(ctx context.Context, user *auth.User) (Progress, error) {
	p, signal, runCtx, err := o.begin(ctx)
	if err != nil {
		return p, err
	}
	o.run(runCtx, user, signal)
	final := o.Progress()
	return final, final.Err
}

// Stop interrupts the active run at its next safe point. No-op when idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	signal := o.signal
	cancel := o.cancel
	o.mu.Unlock()

	if signal != nil {
		signal.Interrupt()
	}
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) begin(ctx context.Context) (Progress, *interrupt.Signal, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.progress.Running() {
		return o.progress, nil, nil, ErrSyncInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	signal := interrupt.NewSignal()

	o.signal = signal
	o.cancel = cancel
	o.progress = Progress{
		RunID:     uuid.New(),
		State:     StateDetecting,
		StartedAt: time.Now(),
	}
	return o.progress, signal, runCtx, nil
}

func (o *Orchestrator) run(ctx context.Context, user *auth.User, signal *interrupt.Signal) {
	runID := o.Progress().RunID
	logger := o.logger.With("run_id", runID.String())
	logger.Info("sync run started", "user_id", userID(user))

	chk := checker.NewChecker(o.store, o.api, o.registry, signal, o.policy, logger)
	ins := inserter.NewInserter(o.store, o.api, o.registry, signal, logger)

	result := make(checker.Result)

	if user != nil {
		private, err := chk.CheckNewData(ctx, user)
		if err != nil {
			o.finish(logger, err)
			return
		}
		for m, s := range private {
			result[m] = s
		}
	}

	public, err := chk.CheckNewPublicData(ctx)
	if err != nil {
		o.finish(logger, err)
		return
	}
	for m, s := range public {
		result[m] = s
	}

	collections := 0
	for _, s := range result {
		if s.HasNewData {
			collections++
		}
	}

	o.mu.Lock()
	o.progress.State = StateFilling
	o.progress.Collections = collections
	o.mu.Unlock()

	stats, err := ins.InsertNewData(ctx, user, result)

	o.mu.Lock()
	o.progress.Windows = stats.Windows
	o.progress.Pages = stats.Pages
	o.progress.Fetched = stats.Fetched
	o.progress.Failed = stats.Failed
	o.mu.Unlock()

	o.finish(logger, err)
}

func (o *Orchestrator) finish(logger *slog.Logger, err error) {
	o.mu.Lock()
	switch {
	case errors.Is(err, interrupt.ErrInterrupted) || errors.Is(err, context.Canceled):
		o.progress.State = StateInterrupted
		o.progress.Err = interrupt.ErrInterrupted
	case err != nil:
		o.progress.State = StateFailed
		o.progress.Err = err
	default:
		o.progress.State = StateDone
	}
	o.progress.FinishedAt = time.Now()
	if o.cancel != nil {
		o.cancel()
	}
	o.signal = nil
	o.cancel = nil
	p := o.progress
	o.mu.Unlock()

	switch p.State {
	case StateDone:
		logger.Info("sync run finished",
			"collections", p.Collections,
			"windows", p.Windows,
			"pages", p.Pages,
			"fetched", p.Fetched,
			"failed_windows", p.Failed,
			"duration", p.FinishedAt.Sub(p.StartedAt))
	case StateInterrupted:
		logger.Warn("sync run interrupted",
			"fetched", p.Fetched,
			"duration", p.FinishedAt.Sub(p.StartedAt))
	default:
		logger.Error("sync run failed", "error", p.Err)
	}
}

func userID(user *auth.User) int64 {
	if user == nil {
		return 0
	}
	return user.ID
}
