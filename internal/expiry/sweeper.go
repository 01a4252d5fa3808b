// Package expiry implements the safety-net sweep that times out
// reservations whose hold outlived its expiry window.
//
// The sweeper only moves active reservations to expired; deciding what an
// expired hold means for the underlying request belongs to the
// reconciliation engine.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReservationExpirer is the slice of the ledger store the sweeper needs.
type ReservationExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper bulk-expires overdue reservations.
type Sweeper struct {
	store  ReservationExpirer
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(store ReservationExpirer, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger, now: time.Now}
}

// Run expires every active reservation past its expiry in one conditional
// bulk update and returns the count affected. A storage error aborts the
// invocation; the single statement leaves no partial state behind.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired overdue reservations", "count", n)
		expiredReservations.Add(float64(n))
	}
	return n, nil
}
