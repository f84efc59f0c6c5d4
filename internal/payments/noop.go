package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swapnest/escrowd/internal/escrow"
)

// NoopGateway approves every charge, transfer, and refund. It remembers
// the references it issued so Verify calls behave like a real provider.
// Intended for local development and demos.
type NoopGateway struct {
	mu     sync.Mutex
	issued map[string]bool
	byKey  map[string]string
}

func NewNoopGateway() *NoopGateway {
	return &NoopGateway{
		issued: make(map[string]bool),
		byKey:  make(map[string]string),
	}
}

var _ escrow.Gateway = (*NoopGateway)(nil)

func (g *NoopGateway) Charge(ctx context.Context, buyerID string, amount decimal.Decimal, currency, idemKey string) (string, error) {
	return g.issue("ch", idemKey), nil
}

func (g *NoopGateway) VerifyCharge(ctx context.Context, chargeRef string) (bool, error) {
	return g.known(chargeRef), nil
}

func (g *NoopGateway) Transfer(ctx context.Context, sellerID string, amount decimal.Decimal, currency, idemKey string) (string, error) {
	return g.issue("tr", idemKey), nil
}

func (g *NoopGateway) VerifyTransfer(ctx context.Context, transferRef string) (bool, error) {
	return g.known(transferRef), nil
}

func (g *NoopGateway) Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idemKey string) (string, error) {
	return g.issue("re", idemKey), nil
}

// issue returns the same reference for a repeated idempotency key.
func (g *NoopGateway) issue(prefix, idemKey string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ref, ok := g.byKey[idemKey]; ok {
		return ref
	}
	ref := prefix + "_" + uuid.NewString()
	g.issued[ref] = true
	g.byKey[idemKey] = ref
	return ref
}

func (g *NoopGateway) known(ref string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued[ref]
}
