package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they don't exist. Production
// deployments run cmd/migrate instead; this covers dev and tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billable_requests (
			id             VARCHAR(40) PRIMARY KEY,
			status         VARCHAR(20) NOT NULL DEFAULT 'pending',
			cost_centicents BIGINT,
			error_message  TEXT,
			completed_at   TIMESTAMPTZ,
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id                  VARCHAR(40) PRIMARY KEY,
			external_account_id VARCHAR(64) NOT NULL,
			request_id          VARCHAR(40) NOT NULL REFERENCES billable_requests(id),
			hold_ref            VARCHAR(64) NOT NULL,
			status              VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at          TIMESTAMPTZ NOT NULL,
			released_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
		CREATE INDEX IF NOT EXISTS idx_reservations_request ON reservations(request_id);
		CREATE INDEX IF NOT EXISTS idx_reservations_expires ON reservations(expires_at) WHERE status = 'active';
	`)
	return err
}

func (p *PostgresStore) CreateReservation(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (id, external_account_id, request_id, hold_ref, status, created_at, expires_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.ExternalAccountID, r.RequestID, r.HoldRef, string(r.Status),
		r.CreatedAt, r.ExpiresAt, nullTimeOrValue(r.ReleasedAt))
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *BillableRequest) error {
	var cost sql.NullInt64
	if req.CostCenticents != nil {
		cost = sql.NullInt64{Int64: *req.CostCenticents, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billable_requests (id, status, cost_centicents, error_message, completed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, string(req.Status), cost, req.ErrorMessage, nullTimeOrValue(req.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert billable request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, external_account_id, request_id, hold_ref, status, created_at, expires_at, released_at
		FROM reservations WHERE id = $1
	`, id)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*BillableRequest, error) {
	var req BillableRequest
	var status string
	var cost sql.NullInt64
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, status, cost_centicents, error_message, completed_at
		FROM billable_requests WHERE id = $1
	`, id).Scan(&req.ID, &status, &cost, &errMsg, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get billable request: %w", err)
	}

	req.Status = RequestStatus(status)
	if cost.Valid {
		req.CostCenticents = &cost.Int64
	}
	if errMsg.Valid {
		req.ErrorMessage = errMsg.String
	}
	if completedAt.Valid {
		req.CompletedAt = completedAt.Time
	}
	return &req, nil
}

func (p *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue reservations: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) ListSettleable(ctx context.Context, since time.Time, limit int) ([]*SettleCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.hold_ref, r.request_id, q.cost_centicents
		FROM reservations r
		JOIN billable_requests q ON q.id = r.request_id
		WHERE r.status IN ('active', 'expired')
		  AND q.status = 'success'
		  AND q.cost_centicents IS NOT NULL
		  AND r.created_at >= $1
		ORDER BY r.created_at
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list settleable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SettleCandidate
	for rows.Next() {
		var c SettleCandidate
		if err := rows.Scan(&c.ReservationID, &c.HoldRef, &c.RequestID, &c.CostCenticents); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkSettled(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'settled', released_at = $2
		WHERE id = $1 AND status IN ('active', 'expired')
	`, reservationID, at)
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) ReleaseForFailedRequests(ctx context.Context, at time.Time, limit int) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'released', released_at = $1
		WHERE id IN (
			SELECT r.id FROM reservations r
			JOIN billable_requests q ON q.id = r.request_id
			WHERE r.status IN ('active', 'expired') AND q.status = 'failure'
			ORDER BY r.created_at
			LIMIT $2
		)
	`, at, limit)
	if err != nil {
		return 0, fmt.Errorf("release reservations for failed requests: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.external_account_id, r.request_id, r.hold_ref, r.status, r.created_at, r.expires_at, r.released_at
		FROM reservations r
		JOIN billable_requests q ON q.id = r.request_id
		WHERE r.status = 'expired' AND q.status = 'pending'
		ORDER BY r.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanReservations(rows)
}

func (p *PostgresStore) FailRequests(ctx context.Context, requestIDs []string, errMsg string, at time.Time) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE billable_requests SET status = 'failure', error_message = $2, completed_at = $3
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(requestIDs), errMsg, at)
	if err != nil {
		return fmt.Errorf("fail requests: %w", err)
	}
	return nil
}

func (p *PostgresStore) ReleaseReservations(ctx context.Context, reservationIDs []string, at time.Time) error {
	if len(reservationIDs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET status = 'released', released_at = $2
		WHERE id = ANY($1) AND status IN ('active', 'expired')
	`, pq.Array(reservationIDs), at)
	if err != nil {
		return fmt.Errorf("release reservations: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, external_account_id, request_id, hold_ref, status, created_at, expires_at, released_at
		FROM reservations
		WHERE status IN ('active', 'expired') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanReservations(rows)
}

func (p *PostgresStore) ListReleasedPending(ctx context.Context, limit int) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.external_account_id, r.request_id, r.hold_ref, r.status, r.created_at, r.expires_at, r.released_at
		FROM reservations r
		JOIN billable_requests q ON q.id = r.request_id
		WHERE r.status = 'released' AND q.status = 'pending'
		ORDER BY r.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list released pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanReservations(rows)
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row scannable) (*Reservation, error) {
	var r Reservation
	var status string
	var releasedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ExternalAccountID, &r.RequestID, &r.HoldRef,
		&status, &r.CreatedAt, &r.ExpiresAt, &releasedAt)
	if err != nil {
		return nil, err
	}

	r.Status = ReservationStatus(status)
	if releasedAt.Valid {
		r.ReleasedAt = releasedAt.Time
	}
	return &r, nil
}

func scanReservations(rows *sql.Rows) ([]*Reservation, error) {
	var result []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullTimeOrValue returns a sql.NullTime: valid if t is non-zero, null otherwise.
func nullTimeOrValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
