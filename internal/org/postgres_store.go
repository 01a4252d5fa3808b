package org

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed org store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the org tables if they don't exist. Production
// deployments run cmd/migrate instead; this covers dev and tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS organizations (
			id                  VARCHAR(40) PRIMARY KEY,
			name                VARCHAR(255) NOT NULL,
			external_account_id VARCHAR(64),
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS org_memberships (
			user_id   VARCHAR(40) NOT NULL,
			org_id    VARCHAR(40) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			role      VARCHAR(20) NOT NULL DEFAULT 'member',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, org_id)
		);
		CREATE TABLE IF NOT EXISTS org_billing_profiles (
			organization_id       VARCHAR(40) PRIMARY KEY REFERENCES organizations(id) ON DELETE CASCADE,
			external_account_id   VARCHAR(64) NOT NULL,
			auto_reload_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
			auto_reload_threshold_centicents BIGINT NOT NULL DEFAULT 0,
			auto_reload_amount_centicents    BIGINT NOT NULL DEFAULT 0,
			last_auto_reload_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_org_memberships_user ON org_memberships(user_id) WHERE role = 'owner';
		CREATE INDEX IF NOT EXISTS idx_org_profiles_reload ON org_billing_profiles(last_auto_reload_at) WHERE auto_reload_enabled;
	`)
	return err
}

func (p *PostgresStore) CreateOrganization(ctx context.Context, o *Organization) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, external_account_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, o.ID, o.Name, nullStringOrValue(o.ExternalAccountID), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateMembership(ctx context.Context, m *Membership) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO org_memberships (user_id, org_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
	`, m.UserID, m.OrgID, string(m.Role), m.Joined)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateProfile(ctx context.Context, prof *BillingProfile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO org_billing_profiles (
			organization_id, external_account_id, auto_reload_enabled,
			auto_reload_threshold_centicents, auto_reload_amount_centicents, last_auto_reload_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, prof.OrganizationID, prof.ExternalAccountID, prof.AutoReloadEnabled,
		prof.AutoReloadThresholdCentic, prof.AutoReloadAmountCentic,
		nullTimeOrValue(prof.LastAutoReloadAt))
	if err != nil {
		return fmt.Errorf("insert billing profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var o Organization
	var extID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, external_account_id, created_at
		FROM organizations WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &extID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if extID.Valid {
		o.ExternalAccountID = extID.String
	}
	return &o, nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, orgID string) (*BillingProfile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT organization_id, external_account_id, auto_reload_enabled,
			auto_reload_threshold_centicents, auto_reload_amount_centicents, last_auto_reload_at
		FROM org_billing_profiles WHERE organization_id = $1
	`, orgID)

	prof, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get billing profile: %w", err)
	}
	return prof, nil
}

func (p *PostgresStore) ListReloadCandidates(ctx context.Context, reloadedBefore time.Time, limit int) ([]*BillingProfile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT organization_id, external_account_id, auto_reload_enabled,
			auto_reload_threshold_centicents, auto_reload_amount_centicents, last_auto_reload_at
		FROM org_billing_profiles
		WHERE auto_reload_enabled
		  AND (last_auto_reload_at IS NULL OR last_auto_reload_at < $1)
		ORDER BY organization_id
		LIMIT $2
	`, reloadedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list reload candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BillingProfile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prof)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkReloaded(ctx context.Context, orgID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE org_billing_profiles SET last_auto_reload_at = $2
		WHERE organization_id = $1
	`, orgID, at)
	if err != nil {
		return fmt.Errorf("mark reloaded: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (p *PostgresStore) ListMultiOrgOwners(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.user_id
		FROM org_memberships m
		JOIN organizations o ON o.id = m.org_id
		WHERE m.role = 'owner' AND o.created_at < $1
		GROUP BY m.user_id
		HAVING COUNT(*) > 1
		ORDER BY m.user_id
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list multi-org owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (p *PostgresStore) ListOwnedOrganizations(ctx context.Context, userID string, createdBefore time.Time) ([]*Organization, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.external_account_id, o.created_at
		FROM organizations o
		JOIN org_memberships m ON m.org_id = o.id
		WHERE m.user_id = $1 AND m.role = 'owner' AND o.created_at < $2
		ORDER BY o.created_at, o.id
	`, userID, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("list owned organizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Organization
	for rows.Next() {
		var o Organization
		var extID sql.NullString
		if err := rows.Scan(&o.ID, &o.Name, &extID, &o.CreatedAt); err != nil {
			return nil, err
		}
		if extID.Valid {
			o.ExternalAccountID = extID.String
		}
		result = append(result, &o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteOrganization(ctx context.Context, orgID string) error {
	// Memberships and billing profile cascade via foreign keys.
	_, err := p.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scannable) (*BillingProfile, error) {
	var prof BillingProfile
	var lastReload sql.NullTime

	err := row.Scan(&prof.OrganizationID, &prof.ExternalAccountID, &prof.AutoReloadEnabled,
		&prof.AutoReloadThresholdCentic, &prof.AutoReloadAmountCentic, &lastReload)
	if err != nil {
		return nil, err
	}
	if lastReload.Valid {
		prof.LastAutoReloadAt = lastReload.Time
	}
	return &prof, nil
}

func nullTimeOrValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullStringOrValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
