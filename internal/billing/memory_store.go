package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	reservations map[string]*Reservation
	requests     map[string]*BillableRequest
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[string]*Reservation),
		requests:     make(map[string]*BillableRequest),
	}
}

func (m *MemoryStore) CreateReservation(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reservations[r.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, req *BillableRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*BillableRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.reservations {
		if r.Status == ReservationActive && r.ExpiresAt.Before(now) {
			r.Status = ReservationExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListSettleable(ctx context.Context, since time.Time, limit int) ([]*SettleCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SettleCandidate
	for _, r := range m.sortedReservations() {
		if r.Status != ReservationActive && r.Status != ReservationExpired {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		req, ok := m.requests[r.RequestID]
		if !ok || req.Status != RequestSuccess || req.CostCenticents == nil {
			continue
		}
		result = append(result, &SettleCandidate{
			ReservationID:  r.ID,
			HoldRef:        r.HoldRef,
			RequestID:      r.RequestID,
			CostCenticents: *req.CostCenticents,
		})
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkSettled(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok || (r.Status != ReservationActive && r.Status != ReservationExpired) {
		return false, nil
	}
	r.Status = ReservationSettled
	r.ReleasedAt = at
	return true, nil
}

func (m *MemoryStore) ReleaseForFailedRequests(ctx context.Context, at time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.sortedReservations() {
		if r.Status != ReservationActive && r.Status != ReservationExpired {
			continue
		}
		req, ok := m.requests[r.RequestID]
		if !ok || req.Status != RequestFailure {
			continue
		}
		r.Status = ReservationReleased
		r.ReleasedAt = at
		n++
		if int(n) >= limit {
			break
		}
	}
	return n, nil
}

func (m *MemoryStore) ListExpiredPending(ctx context.Context, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.sortedReservations() {
		if r.Status != ReservationExpired {
			continue
		}
		req, ok := m.requests[r.RequestID]
		if !ok || req.Status != RequestPending {
			continue
		}
		cp := *r
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) FailRequests(ctx context.Context, requestIDs []string, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range requestIDs {
		req, ok := m.requests[id]
		if !ok || req.Status != RequestPending {
			continue
		}
		req.Status = RequestFailure
		req.ErrorMessage = errMsg
		req.CompletedAt = at
	}
	return nil
}

func (m *MemoryStore) ReleaseReservations(ctx context.Context, reservationIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range reservationIDs {
		r, ok := m.reservations[id]
		if !ok || (r.Status != ReservationActive && r.Status != ReservationExpired) {
			continue
		}
		r.Status = ReservationReleased
		r.ReleasedAt = at
	}
	return nil
}

func (m *MemoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.sortedReservations() {
		if r.Status != ReservationActive && r.Status != ReservationExpired {
			continue
		}
		if !r.CreatedAt.Before(before) {
			continue
		}
		cp := *r
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListReleasedPending(ctx context.Context, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.sortedReservations() {
		if r.Status != ReservationReleased {
			continue
		}
		req, ok := m.requests[r.RequestID]
		if !ok || req.Status != RequestPending {
			continue
		}
		cp := *r
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// sortedReservations returns reservations ordered by creation time so that
// batch limits behave deterministically, matching the postgres ORDER BY.
// Callers must hold the mutex.
func (m *MemoryStore) sortedReservations() []*Reservation {
	out := make([]*Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
