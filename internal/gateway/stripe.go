package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/relaybill/relaybill/internal/billing"
)

// Compile-time check that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)

// StripeGateway implements Gateway on Stripe. Holds are manual-capture
// PaymentIntents created by the router; HoldRef is the intent ID.
type StripeGateway struct {
	sc      *client.API
	timeout time.Duration
}

// NewStripeGateway creates a Stripe-backed gateway with a per-call timeout.
func NewStripeGateway(apiKey string, timeout time.Duration) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{sc: sc, timeout: timeout}
}

// Settle captures the hold's PaymentIntent for the actual cost. Stripe
// amounts are whole cents; the ledger meters centicents, so the capture
// rounds up and never charges zero for a non-zero cost.
func (g *StripeGateway) Settle(ctx context.Context, holdRef string, costCenticents int64) error {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(billing.CentsFromCenticents(costCenticents)),
	}
	params.Context = ctx

	if _, err := g.sc.PaymentIntents.Capture(holdRef, params); err != nil {
		if captureAlreadyDone(err) {
			return nil
		}
		return fmt.Errorf("capture %s: %w", holdRef, err)
	}
	return nil
}

// captureAlreadyDone reports whether a capture failed only because an
// earlier attempt already captured the intent. The sweep retries rows
// whose status write failed after a successful charge; that retry must
// read as success, not as a new failure.
func captureAlreadyDone(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) &&
		stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState &&
		stripeErr.PaymentIntent != nil &&
		stripeErr.PaymentIntent.Status == stripe.PaymentIntentStatusSucceeded
}

// Release cancels the hold's PaymentIntent without charging.
func (g *StripeGateway) Release(ctx context.Context, holdRef string) error {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.sc.PaymentIntents.Cancel(holdRef, params); err != nil {
		return fmt.Errorf("cancel %s: %w", holdRef, err)
	}
	return nil
}

// GetBalance reads the customer's credit balance. Stripe stores credit as
// a negative customer balance in cents.
func (g *StripeGateway) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := g.sc.Customers.Get(accountID, params)
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", accountID, err)
	}
	return &Balance{AvailableCenticents: -c.Balance * 100}, nil
}

// DefaultPaymentMethod returns the customer's invoice-settings default
// payment method, or nil if none is saved.
func (g *StripeGateway) DefaultPaymentMethod(ctx context.Context, accountID string) (*PaymentMethod, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	c, err := g.sc.Customers.Get(accountID, params)
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", accountID, err)
	}

	if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return nil, nil
	}
	pm := c.InvoiceSettings.DefaultPaymentMethod
	out := &PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
	}
	return out, nil
}

// CreatePurchase charges the saved payment method off-session. The
// idempotency key makes retries within one reload window single-charge.
func (g *StripeGateway) CreatePurchase(ctx context.Context, p PurchaseParams) (*PurchaseResult, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(billing.CentsFromCenticents(p.AmountCenticents)),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(p.AccountID),
		PaymentMethod: stripe.String(p.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		// Off-session confirmation of a card that wants 3DS comes back as
		// an error, not an intent status.
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeAuthenticationRequired {
			return &PurchaseResult{Status: PurchaseRequiresAction}, nil
		}
		return nil, fmt.Errorf("create purchase for %s: %w", p.AccountID, err)
	}

	return &PurchaseResult{Status: purchaseStatusFromIntent(pi.Status), ChargeRef: pi.ID}, nil
}

// SubscriptionPlan maps the customer's active subscription to a plan tier.
// No active subscription means free.
func (g *StripeGateway) SubscriptionPlan(ctx context.Context, accountID string) (PlanTier, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(accountID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	iter := g.sc.Subscriptions.List(params)
	for iter.Next() {
		if tier := planFromSubscription(iter.Subscription()); tier != PlanFree {
			return tier, nil
		}
	}
	if err := iter.Err(); err != nil {
		return PlanFree, fmt.Errorf("list subscriptions for %s: %w", accountID, err)
	}
	return PlanFree, nil
}

// CancelSubscriptions cancels every active subscription on the account.
func (g *StripeGateway) CancelSubscriptions(ctx context.Context, accountID string) error {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(accountID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	iter := g.sc.Subscriptions.List(params)
	for iter.Next() {
		cancelParams := &stripe.SubscriptionCancelParams{}
		cancelParams.Context = ctx
		if _, err := g.sc.Subscriptions.Cancel(iter.Subscription().ID, cancelParams); err != nil {
			return fmt.Errorf("cancel subscription %s: %w", iter.Subscription().ID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", accountID, err)
	}
	return nil
}

func purchaseStatusFromIntent(s stripe.PaymentIntentStatus) PurchaseStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return PurchaseSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return PurchaseRequiresAction
	default:
		return PurchaseRequiresPayment
	}
}

func planFromSubscription(s *stripe.Subscription) PlanTier {
	if s == nil || s.Items == nil {
		return PlanFree
	}
	for _, item := range s.Items.Data {
		if item.Price == nil {
			continue
		}
		switch PlanTier(item.Price.LookupKey) {
		case PlanStarter:
			return PlanStarter
		case PlanGrowth:
			return PlanGrowth
		case PlanEnterprise:
			return PlanEnterprise
		}
	}
	return PlanFree
}
