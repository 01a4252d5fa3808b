// Package gateway wraps the external metered-billing provider.
//
// Holds placed by the router live on the gateway; relaybill only ever
// settles or releases them by reference, tops balances up, and inspects
// subscription state. The sweep engines consume narrow slices of this
// interface so tests can substitute fakes.
package gateway

import (
	"context"
	"time"
)

// PurchaseStatus is the gateway's verdict on a purchase attempt.
type PurchaseStatus string

const (
	PurchaseSucceeded       PurchaseStatus = "succeeded"
	PurchaseRequiresAction  PurchaseStatus = "requires_action"
	PurchaseRequiresPayment PurchaseStatus = "requires_payment"
)

// PlanTier is a subscription pricing tier.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanEnterprise PlanTier = "enterprise"
)

// Balance reports an account's available credit.
type Balance struct {
	AvailableCenticents int64 `json:"availableCenticents"`
}

// PaymentMethod is a saved payment instrument.
type PaymentMethod struct {
	ID    string `json:"id"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// PurchaseParams describes a credit top-up purchase.
type PurchaseParams struct {
	AccountID        string
	AmountCenticents int64
	PaymentMethodID  string
	IdempotencyKey   string
	Metadata         map[string]string
}

// PurchaseResult is the outcome of a purchase attempt.
type PurchaseResult struct {
	Status    PurchaseStatus `json:"status"`
	ChargeRef string         `json:"chargeRef,omitempty"`
}

// Gateway is the full billing-provider surface relaybill consumes.
type Gateway interface {
	// Settle charges the actual cost against a hold and releases it.
	Settle(ctx context.Context, holdRef string, costCenticents int64) error

	// Release discards a hold without charging.
	Release(ctx context.Context, holdRef string) error

	// GetBalance returns the account's available credit.
	GetBalance(ctx context.Context, accountID string) (*Balance, error)

	// DefaultPaymentMethod returns the account's saved default payment
	// method, or nil if none is on file.
	DefaultPaymentMethod(ctx context.Context, accountID string) (*PaymentMethod, error)

	// CreatePurchase submits a credit top-up purchase.
	CreatePurchase(ctx context.Context, p PurchaseParams) (*PurchaseResult, error)

	// SubscriptionPlan returns the account's current plan tier.
	SubscriptionPlan(ctx context.Context, accountID string) (PlanTier, error)

	// CancelSubscriptions cancels the account's active subscriptions.
	CancelSubscriptions(ctx context.Context, accountID string) error
}

// withTimeout bounds a gateway call so a stuck provider blocks one row,
// not the whole sweep.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
