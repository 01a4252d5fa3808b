package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaybill/relaybill/internal/logging"
	"github.com/relaybill/relaybill/internal/traces"
)

// AutoReloader tops up low balances. Implemented by autoreload.Engine.
type AutoReloader interface {
	Run(ctx context.Context) (reloaded int, err error)
}

// OrphanCleaner removes duplicate free-tier organizations. Implemented by
// orphan.Cleaner.
type OrphanCleaner interface {
	Run(ctx context.Context) (deleted int, err error)
}

// RunResult is the combined outcome of one scheduled invocation.
type RunResult struct {
	Sweep    *Report `json:"sweep"`
	Reloaded int     `json:"reloaded"`
	Orphaned int     `json:"orphaned"`
}

// Runner sequences one scheduled invocation: the five-step sweep, then
// auto-reload, then orphan cleanup. Failures in the later jobs are logged
// and never abort the invocation.
type Runner struct {
	engine  *Engine
	reload  AutoReloader
	orphans OrphanCleaner
	logger  *slog.Logger
}

// NewRunner creates a runner. reload and orphans may be nil to disable
// those jobs (useful in tests and partial deployments).
func NewRunner(engine *Engine, reload AutoReloader, orphans OrphanCleaner, logger *slog.Logger) *Runner {
	return &Runner{engine: engine, reload: reload, orphans: orphans, logger: logger}
}

// RunAll executes a full invocation and reports what it did. All runner
// logs go through the job-tagged context logger.
func (r *Runner) RunAll(ctx context.Context) *RunResult {
	ctx = logging.WithLogger(logging.WithJob(ctx, "reconcile"), r.logger)
	logger := logging.L(ctx)
	ctx, span := traces.StartSpan(ctx, "reconcile.run_all")
	defer span.End()

	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	result := &RunResult{}
	result.Sweep = r.engine.Sweep(ctx)

	if r.reload != nil {
		n, err := r.reload.Run(ctx)
		if err != nil {
			logger.Error("auto-reload pass failed", "error", err)
		}
		result.Reloaded = n
	}

	if r.orphans != nil {
		n, err := r.orphans.Run(ctx)
		if err != nil {
			logger.Error("orphan cleanup pass failed", "error", err)
		}
		result.Orphaned = n
	}

	logger.Info("reconciliation run complete",
		"settled", result.Sweep.Settled,
		"settle_failures", result.Sweep.SettleFailures,
		"released_failed", result.Sweep.ReleasedFailed,
		"timed_out", result.Sweep.TimedOut,
		"stale", result.Sweep.Stale,
		"invalid_state", result.Sweep.InvalidState,
		"reloaded", result.Reloaded,
		"orphaned", result.Orphaned,
		"duration", time.Since(start),
	)
	return result
}
