package expiry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/relaybill/relaybill/internal/billing"
)

func testSweeper(store ReservationExpirer) (*Sweeper, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewSweeper(store, logger), &buf
}

func TestRun_ExpiresOverdueReservations(t *testing.T) {
	store := billing.NewMemoryStore()
	sweeper, _ := testSweeper(store)
	ctx := context.Background()

	seed := func(id string, expiresAt time.Time) {
		if err := store.CreateReservation(ctx, &billing.Reservation{
			ID:        id,
			RequestID: "q_" + id,
			Status:    billing.ReservationActive,
			CreatedAt: time.Now().Add(-time.Hour),
			ExpiresAt: expiresAt,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("R1", time.Now().Add(-time.Minute))
	seed("R2", time.Now().Add(-time.Second))
	seed("R3", time.Now().Add(time.Hour))

	n, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}

	for id, want := range map[string]billing.ReservationStatus{
		"R1": billing.ReservationExpired,
		"R2": billing.ReservationExpired,
		"R3": billing.ReservationActive,
	} {
		r, err := store.GetReservation(ctx, id)
		if err != nil {
			t.Fatalf("GetReservation(%s): %v", id, err)
		}
		if r.Status != want {
			t.Errorf("%s status = %s, want %s", id, r.Status, want)
		}
	}
}

func TestRun_OnlyActiveReservationsExpire(t *testing.T) {
	store := billing.NewMemoryStore()
	sweeper, _ := testSweeper(store)
	ctx := context.Background()

	if err := store.CreateReservation(ctx, &billing.Reservation{
		ID:        "R1",
		RequestID: "q_R1",
		Status:    billing.ReservationReleased,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("expired = %d, want 0", n)
	}
	r, _ := store.GetReservation(ctx, "R1")
	if r.Status != billing.ReservationReleased {
		t.Errorf("status = %s, want released (terminal states untouched)", r.Status)
	}
}

type failingExpirer struct{}

func (failingExpirer) ExpireOverdue(context.Context, time.Time) (int64, error) {
	return 0, fmt.Errorf("connection reset")
}

func TestRun_PropagatesStorageError(t *testing.T) {
	sweeper, _ := testSweeper(failingExpirer{})

	if _, err := sweeper.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil error, want storage error")
	}
}
