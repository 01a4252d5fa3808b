package gateway

import (
	"context"
	"sync"

	"github.com/relaybill/relaybill/internal/idgen"
)

// Compile-time check that DevGateway implements Gateway.
var _ Gateway = (*DevGateway)(nil)

// DevGateway is an in-process gateway for demo/development mode. Every
// operation succeeds; balances start at zero and grow with purchases.
type DevGateway struct {
	balances map[string]int64 // centicents by account
	mu       sync.Mutex
}

// NewDevGateway creates a development gateway.
func NewDevGateway() *DevGateway {
	return &DevGateway{balances: make(map[string]int64)}
}

func (g *DevGateway) Settle(ctx context.Context, holdRef string, costCenticents int64) error {
	return nil
}

func (g *DevGateway) Release(ctx context.Context, holdRef string) error {
	return nil
}

func (g *DevGateway) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Balance{AvailableCenticents: g.balances[accountID]}, nil
}

func (g *DevGateway) DefaultPaymentMethod(ctx context.Context, accountID string) (*PaymentMethod, error) {
	return &PaymentMethod{ID: "pm_dev", Brand: "visa", Last4: "4242"}, nil
}

func (g *DevGateway) CreatePurchase(ctx context.Context, p PurchaseParams) (*PurchaseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[p.AccountID] += p.AmountCenticents
	return &PurchaseResult{Status: PurchaseSucceeded, ChargeRef: idgen.WithPrefix("ch_")}, nil
}

func (g *DevGateway) SubscriptionPlan(ctx context.Context, accountID string) (PlanTier, error) {
	return PlanFree, nil
}

func (g *DevGateway) CancelSubscriptions(ctx context.Context, accountID string) error {
	return nil
}
