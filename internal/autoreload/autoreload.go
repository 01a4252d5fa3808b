// Package autoreload tops up organization credit when the balance drops
// below the configured threshold.
//
// Reloads are conservative on purpose: no saved payment method means no
// charge, a purchase that wants customer authentication is skipped and
// retried until someone completes it out-of-band, and only an outright
// success advances the cooldown stamp.
package autoreload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaybill/relaybill/internal/gateway"
	"github.com/relaybill/relaybill/internal/org"
	"github.com/relaybill/relaybill/internal/traces"
)

// ProfileStore is the slice of the org store the engine needs.
type ProfileStore interface {
	ListReloadCandidates(ctx context.Context, reloadedBefore time.Time, limit int) ([]*org.BillingProfile, error)
	MarkReloaded(ctx context.Context, orgID string, at time.Time) error
}

// PurchaseGateway is the slice of the billing gateway the engine needs.
type PurchaseGateway interface {
	GetBalance(ctx context.Context, accountID string) (*gateway.Balance, error)
	DefaultPaymentMethod(ctx context.Context, accountID string) (*gateway.PaymentMethod, error)
	CreatePurchase(ctx context.Context, p gateway.PurchaseParams) (*gateway.PurchaseResult, error)
}

// Engine runs one auto-reload pass per invocation.
type Engine struct {
	store     ProfileStore
	gw        PurchaseGateway
	logger    *slog.Logger
	cooldown  time.Duration
	batchSize int
	now       func() time.Time
}

// NewEngine creates an auto-reload engine.
func NewEngine(store ProfileStore, gw PurchaseGateway, cooldown time.Duration, batchSize int, logger *slog.Logger) *Engine {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		store:     store,
		gw:        gw,
		logger:    logger,
		cooldown:  cooldown,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run processes every organization out of cooldown with auto-reload
// enabled and returns the number of successful reloads. Per-organization
// errors are logged and isolated; only the candidate query itself can
// fail the pass.
func (e *Engine) Run(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cooldown)
	profiles, err := e.store.ListReloadCandidates(ctx, cutoff, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list auto-reload candidates: %w", err)
	}

	reloaded := 0
	for _, p := range profiles {
		ok, err := e.reloadOne(ctx, p)
		if err != nil {
			e.logger.Error("auto-reload failed for organization",
				"org", p.OrganizationID, "account", p.ExternalAccountID, "error", err)
			reloadOutcomes.WithLabelValues("error").Inc()
			continue
		}
		if ok {
			reloaded++
		}
	}
	return reloaded, nil
}

// reloadOne returns true only when a purchase succeeded and the cooldown
// stamp was advanced.
func (e *Engine) reloadOne(ctx context.Context, p *org.BillingProfile) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "autoreload.reload",
		traces.OrgID(p.OrganizationID),
		traces.AccountID(p.ExternalAccountID))
	defer span.End()

	bal, err := e.gw.GetBalance(ctx, p.ExternalAccountID)
	if err != nil {
		return false, fmt.Errorf("get balance: %w", err)
	}
	if bal.AvailableCenticents >= p.AutoReloadThresholdCentic {
		reloadOutcomes.WithLabelValues("above_threshold").Inc()
		return false, nil
	}

	pm, err := e.gw.DefaultPaymentMethod(ctx, p.ExternalAccountID)
	if err != nil {
		return false, fmt.Errorf("get default payment method: %w", err)
	}
	if pm == nil {
		e.logger.Warn("auto-reload skipped, no payment method on file",
			"org", p.OrganizationID, "account", p.ExternalAccountID)
		reloadOutcomes.WithLabelValues("no_payment_method").Inc()
		return false, nil
	}

	result, err := e.gw.CreatePurchase(ctx, gateway.PurchaseParams{
		AccountID:        p.ExternalAccountID,
		AmountCenticents: p.AutoReloadAmountCentic,
		PaymentMethodID:  pm.ID,
		IdempotencyKey:   e.idempotencyKey(p.OrganizationID),
		Metadata: map[string]string{
			"org_id": p.OrganizationID,
			"reason": "auto_reload",
		},
	})
	if err != nil {
		return false, fmt.Errorf("create purchase: %w", err)
	}

	switch result.Status {
	case gateway.PurchaseSucceeded:
		if err := e.store.MarkReloaded(ctx, p.OrganizationID, e.now()); err != nil {
			return false, fmt.Errorf("mark reloaded: %w", err)
		}
		e.logger.Info("auto-reload purchase succeeded",
			"org", p.OrganizationID, "amount_centicents", p.AutoReloadAmountCentic, "charge", result.ChargeRef)
		reloadOutcomes.WithLabelValues("succeeded").Inc()
		return true, nil

	case gateway.PurchaseRequiresAction:
		// No stamp: the org stays eligible and keeps failing the same way
		// until the customer completes authentication.
		e.logger.Warn("auto-reload purchase requires customer authentication",
			"org", p.OrganizationID, "account", p.ExternalAccountID)
		reloadOutcomes.WithLabelValues("requires_action").Inc()
		return false, nil

	default:
		e.logger.Warn("auto-reload purchase not completed",
			"org", p.OrganizationID, "status", string(result.Status))
		reloadOutcomes.WithLabelValues("not_completed").Inc()
		return false, nil
	}
}

// idempotencyKey pins retries within one cooldown window to a single
// gateway charge, covering a crash between purchase and MarkReloaded.
func (e *Engine) idempotencyKey(orgID string) string {
	window := e.now().Truncate(e.cooldown)
	return fmt.Sprintf("auto-reload-%s-%d", orgID, window.Unix())
}
