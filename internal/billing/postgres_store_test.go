//go:build integration

package billing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres spins up a throwaway postgres container and returns a
// migrated store.
func startPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("relaybill_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func seedPostgresPair(t *testing.T, store *PostgresStore, resID string, resStatus ReservationStatus,
	reqStatus RequestStatus, costCenticents *int64, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateRequest(ctx, &BillableRequest{
		ID:             "q_" + resID,
		Status:         reqStatus,
		CostCenticents: costCenticents,
	}))
	require.NoError(t, store.CreateReservation(ctx, &Reservation{
		ID:                resID,
		ExternalAccountID: "cus_test",
		RequestID:         "q_" + resID,
		HoldRef:           "pi_" + resID,
		Status:            resStatus,
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt.Add(10 * time.Minute),
	}))
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	cost := int64(1500)
	seedPostgresPair(t, store, "R1", ReservationActive, RequestSuccess, &cost, time.Now().Add(-time.Hour))

	r, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "pi_R1", r.HoldRef)
	assert.Equal(t, ReservationActive, r.Status)
	assert.True(t, r.ReleasedAt.IsZero())

	req, err := store.GetRequest(ctx, "q_R1")
	require.NoError(t, err)
	require.NotNil(t, req.CostCenticents)
	assert.Equal(t, int64(1500), *req.CostCenticents)

	_, err = store.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestPostgresStore_ExpireOverdue(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	seedPostgresPair(t, store, "R1", ReservationActive, RequestPending, nil, time.Now().Add(-time.Hour))
	seedPostgresPair(t, store, "R2", ReservationReleased, RequestPending, nil, time.Now().Add(-time.Hour))

	n, err := store.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r1, _ := store.GetReservation(ctx, "R1")
	assert.Equal(t, ReservationExpired, r1.Status)
	r2, _ := store.GetReservation(ctx, "R2")
	assert.Equal(t, ReservationReleased, r2.Status)
}

func TestPostgresStore_MarkSettledIsConditional(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	cost := int64(1000)
	seedPostgresPair(t, store, "R1", ReservationActive, RequestSuccess, &cost, time.Now().Add(-time.Hour))

	moved, err := store.MarkSettled(ctx, "R1", time.Now())
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = store.MarkSettled(ctx, "R1", time.Now())
	require.NoError(t, err)
	assert.False(t, moved, "second MarkSettled must not move a terminal row")
}

func TestPostgresStore_ReleaseForFailedRequests(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	seedPostgresPair(t, store, "R1", ReservationActive, RequestFailure, nil, time.Now().Add(-time.Hour))
	seedPostgresPair(t, store, "R2", ReservationActive, RequestPending, nil, time.Now().Add(-time.Hour))

	n, err := store.ReleaseForFailedRequests(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r1, _ := store.GetReservation(ctx, "R1")
	assert.Equal(t, ReservationReleased, r1.Status)
	assert.False(t, r1.ReleasedAt.IsZero())
	r2, _ := store.GetReservation(ctx, "R2")
	assert.Equal(t, ReservationActive, r2.Status)
}

func TestPostgresStore_TimeoutFlow(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	seedPostgresPair(t, store, "R1", ReservationExpired, RequestPending, nil, time.Now().Add(-time.Hour))

	rows, err := store.ListExpiredPending(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, store.FailRequests(ctx, []string{"q_R1"}, "request timed out before completion", time.Now()))
	require.NoError(t, store.ReleaseReservations(ctx, []string{"R1"}, time.Now()))

	req, _ := store.GetRequest(ctx, "q_R1")
	assert.Equal(t, RequestFailure, req.Status)
	assert.Equal(t, "request timed out before completion", req.ErrorMessage)
	r, _ := store.GetReservation(ctx, "R1")
	assert.Equal(t, ReservationReleased, r.Status)

	// Re-running both updates is a no-op.
	require.NoError(t, store.FailRequests(ctx, []string{"q_R1"}, "other message", time.Now()))
	req, _ = store.GetRequest(ctx, "q_R1")
	assert.Equal(t, "request timed out before completion", req.ErrorMessage)
}

func TestPostgresStore_StaleAndInvalidStateQueries(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	seedPostgresPair(t, store, "Rstale", ReservationActive, RequestPending, nil, time.Now().Add(-25*time.Hour))
	seedPostgresPair(t, store, "Rbad", ReservationReleased, RequestPending, nil, time.Now().Add(-time.Hour))
	seedPostgresPair(t, store, "Rok", ReservationActive, RequestPending, nil, time.Now().Add(-time.Minute))

	stale, err := store.ListStale(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "Rstale", stale[0].ID)

	invalid, err := store.ListReleasedPending(ctx, 100)
	require.NoError(t, err)
	require.Len(t, invalid, 1)
	assert.Equal(t, "Rbad", invalid[0].ID)
}
