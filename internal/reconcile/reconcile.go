// Package reconcile repairs reservations the request path left behind.
//
// The hold-then-settle sequence spans the local ledger and the external
// billing gateway, which fail independently. Each sweep walks the
// inconsistent (reservation, request) status pairs in a fixed order and
// applies the cheapest safe repair; anything it cannot repair is surfaced
// to operators instead of guessed at.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaybill/relaybill/internal/billing"
	"github.com/relaybill/relaybill/internal/traces"
)

// timeoutErrorMessage is written onto requests whose handler never
// reported completion before the reservation expired.
const timeoutErrorMessage = "request timed out before completion"

// LedgerStore is the slice of the ledger the sweep engine needs.
type LedgerStore interface {
	ListSettleable(ctx context.Context, since time.Time, limit int) ([]*billing.SettleCandidate, error)
	MarkSettled(ctx context.Context, reservationID string, at time.Time) (bool, error)
	ReleaseForFailedRequests(ctx context.Context, at time.Time, limit int) (int64, error)
	ListExpiredPending(ctx context.Context, limit int) ([]*billing.Reservation, error)
	FailRequests(ctx context.Context, requestIDs []string, errMsg string, at time.Time) error
	ReleaseReservations(ctx context.Context, reservationIDs []string, at time.Time) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]*billing.Reservation, error)
	ListReleasedPending(ctx context.Context, limit int) ([]*billing.Reservation, error)
}

// Settler is the slice of the billing gateway the sweep engine needs.
type Settler interface {
	Settle(ctx context.Context, holdRef string, costCenticents int64) error
}

// Report summarises one sweep invocation.
type Report struct {
	Settled         int   `json:"settled"`
	SettleFailures  int   `json:"settleFailures"`
	ReleasedFailed  int64 `json:"releasedFailed"`
	TimedOut        int   `json:"timedOut"`
	Stale           int   `json:"stale"`
	InvalidState    int   `json:"invalidState"`
	StepErrors      int   `json:"stepErrors"`
}

// Engine runs the five reconciliation steps in strict order. Later steps
// assume earlier ones have already cleared the common cases, so the order
// is part of the contract.
type Engine struct {
	store            LedgerStore
	settler          Settler
	logger           *slog.Logger
	batchSize        int
	deadLetterWindow time.Duration
	now              func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(store LedgerStore, settler Settler, batchSize int, deadLetterWindow time.Duration, logger *slog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 100
	}
	if deadLetterWindow <= 0 {
		deadLetterWindow = 24 * time.Hour
	}
	return &Engine{
		store:            store,
		settler:          settler,
		logger:           logger,
		batchSize:        batchSize,
		deadLetterWindow: deadLetterWindow,
		now:              time.Now,
	}
}

// Sweep runs all five steps. A step's storage error aborts that step only;
// the remaining steps still run, and the failed step's rows stay eligible
// for the next sweep because nothing moved them.
func (e *Engine) Sweep(ctx context.Context) *Report {
	ctx, span := traces.StartSpan(ctx, "reconcile.sweep")
	defer span.End()

	report := &Report{}

	if err := e.settleSuccessful(ctx, report); err != nil {
		e.logger.Error("reconcile successful requests: step aborted", "error", err)
		report.StepErrors++
		stepErrors.WithLabelValues("settle_successful").Inc()
	}
	if err := e.releaseFailed(ctx, report); err != nil {
		e.logger.Error("reconcile failed requests: step aborted", "error", err)
		report.StepErrors++
		stepErrors.WithLabelValues("release_failed").Inc()
	}
	if err := e.timeoutExpiredPending(ctx, report); err != nil {
		e.logger.Error("reconcile pending expired: step aborted", "error", err)
		report.StepErrors++
		stepErrors.WithLabelValues("timeout_expired_pending").Inc()
	}
	if err := e.detectStale(ctx, report); err != nil {
		e.logger.Error("detect stale reconciliation: step aborted", "error", err)
		report.StepErrors++
		stepErrors.WithLabelValues("detect_stale").Inc()
	}
	if err := e.detectInvalidState(ctx, report); err != nil {
		e.logger.Error("detect invalid state: step aborted", "error", err)
		report.StepErrors++
		stepErrors.WithLabelValues("detect_invalid").Inc()
	}

	span.SetAttributes(traces.Rows(int64(report.Settled+report.TimedOut) + report.ReleasedFailed))
	return report
}

// settleSuccessful charges reservations whose request succeeded with a
// known cost. Gateway failures are per-row: log, count, move on. The row
// still matches the predicate next sweep.
func (e *Engine) settleSuccessful(ctx context.Context, report *Report) error {
	since := e.now().Add(-e.deadLetterWindow)
	candidates, err := e.store.ListSettleable(ctx, since, e.batchSize)
	if err != nil {
		return fmt.Errorf("list settleable reservations: %w", err)
	}

	for _, c := range candidates {
		e.settleOne(ctx, c, report)
	}
	return nil
}

func (e *Engine) settleOne(ctx context.Context, c *billing.SettleCandidate, report *Report) {
	ctx, span := traces.StartSpan(ctx, "reconcile.settle",
		traces.ReservationID(c.ReservationID),
		traces.RequestID(c.RequestID),
		traces.Centicents(c.CostCenticents))
	defer span.End()

	if err := e.settler.Settle(ctx, c.HoldRef, c.CostCenticents); err != nil {
		e.logger.Error(fmt.Sprintf("Failed to settle reservation %s", c.ReservationID),
			"request", c.RequestID, "cost_centicents", c.CostCenticents, "error", err)
		report.SettleFailures++
		settleFailures.Inc()
		return
	}

	moved, err := e.store.MarkSettled(ctx, c.ReservationID, e.now())
	if err != nil {
		// The charge went through but the terminal status didn't stick.
		// Next sweep retries the row; the gateway reports a capture of
		// an already-captured hold as success, so the retry cannot
		// double-charge.
		e.logger.Error("failed to mark reservation settled",
			"reservation", c.ReservationID, "error", err)
		report.SettleFailures++
		settleFailures.Inc()
		return
	}
	if moved {
		report.Settled++
		settledReservations.Inc()
	}
}

// releaseFailed releases every hold whose request failed. One conditional
// bulk statement; nothing to charge.
func (e *Engine) releaseFailed(ctx context.Context, report *Report) error {
	n, err := e.store.ReleaseForFailedRequests(ctx, e.now(), e.batchSize)
	if err != nil {
		return fmt.Errorf("release reservations for failed requests: %w", err)
	}
	if n > 0 {
		e.logger.Info("released reservations for failed requests", "count", n)
	}
	report.ReleasedFailed = n
	releasedReservations.Add(float64(n))
	return nil
}

// timeoutExpiredPending handles handlers that died mid-request: the
// reservation expired while the request never completed. The request is
// failed first, then the reservation released. The two bulk updates are
// not atomic together; a failure in between leaves the pair eligible for
// retry, and both predicates make the retry a no-op for rows already done.
func (e *Engine) timeoutExpiredPending(ctx context.Context, report *Report) error {
	rows, err := e.store.ListExpiredPending(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("list expired pending reservations: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	requestIDs := make([]string, 0, len(rows))
	reservationIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		requestIDs = append(requestIDs, r.RequestID)
		reservationIDs = append(reservationIDs, r.ID)
	}

	if err := e.store.FailRequests(ctx, requestIDs, timeoutErrorMessage, e.now()); err != nil {
		return fmt.Errorf("fail timed-out requests: %w", err)
	}
	if err := e.store.ReleaseReservations(ctx, reservationIDs, e.now()); err != nil {
		return fmt.Errorf("release expired reservations: %w", err)
	}

	e.logger.Info("timed out expired pending reservations", "count", len(rows))
	report.TimedOut = len(rows)
	timedOutRequests.Add(float64(len(rows)))
	return nil
}

// detectStale warns about reservations past the dead-letter window that
// are still unreconciled. Read-only: these need a human, not a retry.
func (e *Engine) detectStale(ctx context.Context, report *Report) error {
	cutoff := e.now().Add(-e.deadLetterWindow)
	rows, err := e.store.ListStale(ctx, cutoff, e.batchSize)
	if err != nil {
		return fmt.Errorf("list stale reservations: %w", err)
	}

	report.Stale = len(rows)
	staleReservations.Set(float64(len(rows)))
	if len(rows) == 0 {
		return nil
	}

	e.logger.Warn("stale reservations past dead-letter window, manual attention needed",
		"count", len(rows), "threshold", e.deadLetterWindow, "reservations", reservationIDList(rows))
	return nil
}

// detectInvalidState alerts on released reservations whose request is
// still pending. This pair must never occur; it means a bug upstream, and
// auto-healing it would only bury the evidence.
func (e *Engine) detectInvalidState(ctx context.Context, report *Report) error {
	rows, err := e.store.ListReleasedPending(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("list released pending reservations: %w", err)
	}

	report.InvalidState = len(rows)
	invalidStateReservations.Set(float64(len(rows)))
	if len(rows) == 0 {
		return nil
	}

	e.logger.Error("CRITICAL: released reservations with pending requests, this indicates a bug",
		"count", len(rows), "reservations", reservationIDList(rows))
	return nil
}

func reservationIDList(rows []*billing.Reservation) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
