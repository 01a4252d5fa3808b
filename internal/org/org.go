// Package org provides organization records for the billing sweeps.
//
// Organization CRUD and authorization live in the account service; this
// package carries only what auto-reload and orphan cleanup need: the
// organization row, OWNER memberships, and the billing profile.
package org

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrgNotFound     = errors.New("org: not found")
	ErrProfileNotFound = errors.New("org: billing profile not found")
)

// Role is a member's role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Organization is a customer organization. ExternalAccountID references
// the account on the external billing gateway.
type Organization struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ExternalAccountID string    `json:"externalAccountId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Membership links a user to an organization with a role.
type Membership struct {
	UserID string    `json:"userId"`
	OrgID  string    `json:"orgId"`
	Role   Role      `json:"role"`
	Joined time.Time `json:"joinedAt"`
}

// BillingProfile holds an organization's auto-reload settings. Only the
// auto-reload engine writes LastAutoReloadAt; everything else is managed
// by account settings.
type BillingProfile struct {
	OrganizationID            string    `json:"organizationId"`
	ExternalAccountID         string    `json:"externalAccountId"`
	AutoReloadEnabled         bool      `json:"autoReloadEnabled"`
	AutoReloadThresholdCentic int64     `json:"autoReloadThresholdCenticents"`
	AutoReloadAmountCentic    int64     `json:"autoReloadAmountCenticents"`
	LastAutoReloadAt          time.Time `json:"lastAutoReloadAt,omitempty"`
}

// Store persists organizations, memberships, and billing profiles.
type Store interface {
	CreateOrganization(ctx context.Context, o *Organization) error
	CreateMembership(ctx context.Context, m *Membership) error
	CreateProfile(ctx context.Context, p *BillingProfile) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetProfile(ctx context.Context, orgID string) (*BillingProfile, error)

	// ListReloadCandidates returns profiles with auto-reload enabled whose
	// last reload is unset or older than the cooldown cutoff.
	ListReloadCandidates(ctx context.Context, reloadedBefore time.Time, limit int) ([]*BillingProfile, error)

	// MarkReloaded stamps LastAutoReloadAt after a successful purchase.
	MarkReloaded(ctx context.Context, orgID string, at time.Time) error

	// ListMultiOrgOwners returns user IDs owning more than one organization
	// created before the cutoff.
	ListMultiOrgOwners(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)

	// ListOwnedOrganizations returns the organizations a user owns that
	// were created before the cutoff, oldest first.
	ListOwnedOrganizations(ctx context.Context, userID string, createdBefore time.Time) ([]*Organization, error)

	// DeleteOrganization removes an organization, cascading to its
	// memberships and billing profile.
	DeleteOrganization(ctx context.Context, orgID string) error
}
