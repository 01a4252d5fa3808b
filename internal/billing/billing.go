// Package billing defines the reservation ledger for relaybill.
//
// Every billable request placed through the router holds credit against the
// customer's external billing account (a Reservation), then settles the
// actual cost or releases the hold when the request finishes. The sweep
// jobs in internal/expiry and internal/reconcile repair the gaps left when
// a request handler dies between those two steps.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReservationNotFound = errors.New("billing: reservation not found")
	ErrRequestNotFound     = errors.New("billing: request not found")
)

// ReservationStatus is the lifecycle state of a credit hold.
type ReservationStatus string

const (
	// ReservationActive: hold placed, request still in flight.
	ReservationActive ReservationStatus = "active"
	// ReservationExpired: hold outlived its expiry window without settling.
	ReservationExpired ReservationStatus = "expired"
	// ReservationReleased: hold discarded without charging.
	ReservationReleased ReservationStatus = "released"
	// ReservationSettled: actual cost charged and hold released. Terminal.
	ReservationSettled ReservationStatus = "settled"
)

// RequestStatus is the lifecycle state of a billable request.
type RequestStatus string

const (
	RequestPending RequestStatus = "pending"
	RequestSuccess RequestStatus = "success"
	RequestFailure RequestStatus = "failure"
)

// Reservation is a hold against a customer's credit balance for a
// not-yet-priced request. Created by the router at admission time; the
// sweep jobs only ever transition it forward.
type Reservation struct {
	ID                string            `json:"id"`
	ExternalAccountID string            `json:"externalAccountId"`
	RequestID         string            `json:"requestId"`
	HoldRef           string            `json:"holdRef"` // gateway-side hold reference
	Status            ReservationStatus `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
	ReleasedAt        time.Time         `json:"releasedAt,omitempty"`
}

// BillableRequest is the unit of work a reservation pays for.
// CostCenticents is set only once the request completed successfully.
type BillableRequest struct {
	ID             string        `json:"id"`
	Status         RequestStatus `json:"status"`
	CostCenticents *int64        `json:"costCenticents,omitempty"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	CompletedAt    time.Time     `json:"completedAt,omitempty"`
}

// SettleCandidate is a reservation joined with its successful request,
// ready to be charged.
type SettleCandidate struct {
	ReservationID  string
	HoldRef        string
	RequestID      string
	CostCenticents int64
}

// Store persists reservations and billable requests. All mutations are
// conditional bulk updates scoped by status predicates, so concurrent
// sweep invocations race safely: a row that already moved no longer
// matches the predicate.
type Store interface {
	CreateReservation(ctx context.Context, r *Reservation) error
	CreateRequest(ctx context.Context, req *BillableRequest) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	GetRequest(ctx context.Context, id string) (*BillableRequest, error)

	// ExpireOverdue marks active reservations whose expiry has passed as
	// expired, returning the number of rows affected.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	// ListSettleable returns reservations in {active, expired} whose
	// request succeeded with a known cost, created at or after since.
	ListSettleable(ctx context.Context, since time.Time, limit int) ([]*SettleCandidate, error)

	// MarkSettled transitions a reservation from {active, expired} to
	// settled. Returns false if the reservation no longer matched.
	MarkSettled(ctx context.Context, reservationID string, at time.Time) (bool, error)

	// ReleaseForFailedRequests releases reservations in {active, expired}
	// whose request failed. Single bulk statement; returns rows affected.
	ReleaseForFailedRequests(ctx context.Context, at time.Time, limit int) (int64, error)

	// ListExpiredPending returns expired reservations whose request is
	// still pending (the handler died mid-flight).
	ListExpiredPending(ctx context.Context, limit int) ([]*Reservation, error)

	// FailRequests marks pending requests as failed with the given error.
	FailRequests(ctx context.Context, requestIDs []string, errMsg string, at time.Time) error

	// ReleaseReservations releases reservations still in {active, expired}.
	ReleaseReservations(ctx context.Context, reservationIDs []string, at time.Time) error

	// ListStale returns reservations in {active, expired} created before
	// the cutoff. Read-only; feeds the stale-reconciliation warning.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)

	// ListReleasedPending returns released reservations whose request is
	// still pending. This combination must never occur; feeds the
	// invalid-state alert.
	ListReleasedPending(ctx context.Context, limit int) ([]*Reservation, error)
}

// CentsFromCenticents converts a centicent amount to whole cents for the
// gateway, rounding up so a non-zero cost never charges zero.
func CentsFromCenticents(cc int64) int64 {
	if cc <= 0 {
		return 0
	}
	return (cc + 99) / 100
}
