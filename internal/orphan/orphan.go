// Package orphan removes duplicate free-tier organizations.
//
// An interrupted paid-upgrade flow can leave a user owning a second
// free-tier organization. The cleaner keeps each user's oldest free
// organization and deletes the rest, after a grace period long enough
// that an in-flight upgrade is never mistaken for an orphan.
package orphan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaybill/relaybill/internal/gateway"
	"github.com/relaybill/relaybill/internal/org"
)

// OrgStore is the slice of the org store the cleaner needs.
type OrgStore interface {
	ListMultiOrgOwners(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	ListOwnedOrganizations(ctx context.Context, userID string, createdBefore time.Time) ([]*org.Organization, error)
	DeleteOrganization(ctx context.Context, orgID string) error
}

// SubscriptionGateway is the slice of the billing gateway the cleaner needs.
type SubscriptionGateway interface {
	SubscriptionPlan(ctx context.Context, accountID string) (gateway.PlanTier, error)
	CancelSubscriptions(ctx context.Context, accountID string) error
}

// Cleaner deletes orphaned free-tier organizations.
type Cleaner struct {
	store     OrgStore
	gw        SubscriptionGateway
	logger    *slog.Logger
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleaner creates an orphan cleaner.
func NewCleaner(store OrgStore, gw SubscriptionGateway, grace time.Duration, batchSize int, logger *slog.Logger) *Cleaner {
	if grace <= 0 {
		grace = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Cleaner{
		store:     store,
		gw:        gw,
		logger:    logger,
		grace:     grace,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run scans users owning more than one organization past the grace period
// and deletes all but the oldest free-tier organization per user. Returns
// the number of organizations deleted. Per-organization failures are
// logged and isolated.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.grace)
	owners, err := c.store.ListMultiOrgOwners(ctx, cutoff, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list multi-org owners: %w", err)
	}

	deleted := 0
	for _, userID := range owners {
		n, err := c.cleanupOwner(ctx, userID, cutoff)
		if err != nil {
			c.logger.Error("orphan cleanup failed for user", "user", userID, "error", err)
			continue
		}
		deleted += n
	}
	return deleted, nil
}

// cleanupOwner deletes a single user's surplus free-tier organizations.
func (c *Cleaner) cleanupOwner(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	orgs, err := c.store.ListOwnedOrganizations(ctx, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list owned organizations: %w", err)
	}

	// Oldest first, so the first free org is the keeper.
	var free []*org.Organization
	for _, o := range orgs {
		if c.isFreeTier(ctx, o) {
			free = append(free, o)
		}
	}
	if len(free) <= 1 {
		return 0, nil
	}

	deleted := 0
	for _, o := range free[1:] {
		if o.ExternalAccountID != "" {
			// Best effort; the delete proceeds either way.
			if err := c.gw.CancelSubscriptions(ctx, o.ExternalAccountID); err != nil {
				c.logger.Warn("failed to cancel subscriptions for orphaned organization",
					"org", o.ID, "account", o.ExternalAccountID, "error", err)
			}
		}

		if err := c.store.DeleteOrganization(ctx, o.ID); err != nil {
			c.logger.Error("failed to delete orphaned organization", "org", o.ID, "error", err)
			continue
		}

		c.logger.Info("deleted orphaned organization",
			"org", o.ID, "user", userID, "kept", free[0].ID)
		deleted++
		orphanedOrgsDeleted.Inc()
	}
	return deleted, nil
}

// isFreeTier reports whether the org has no paid subscription. A failed
// plan lookup counts as free.
func (c *Cleaner) isFreeTier(ctx context.Context, o *org.Organization) bool {
	if o.ExternalAccountID == "" {
		return true
	}
	plan, err := c.gw.SubscriptionPlan(ctx, o.ExternalAccountID)
	if err != nil {
		c.logger.Warn("plan lookup failed, assuming free tier", "org", o.ID, "error", err)
		return true
	}
	return plan == gateway.PlanFree
}
