// Package payments provides payment gateway implementations for the
// escrow engine. The Stripe gateway charges buyers through payment
// intents and pays sellers through connected-account transfers.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/swapnest/escrowd/internal/escrow"
)

// StripeGateway implements escrow.Gateway against the Stripe API.
// Every mutating call carries an idempotency key so the engine can
// safely retry after an ambiguous failure.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
	logger  *slog.Logger
}

// NewStripeGateway creates a gateway bound to the given secret key.
func NewStripeGateway(secretKey string, timeout time.Duration, logger *slog.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:     api,
		timeout: timeout,
		logger:  logger,
	}
}

var _ escrow.Gateway = (*StripeGateway)(nil)

// Charge creates and confirms a payment intent against the buyer's
// saved payment method. The returned reference is the intent ID.
func (g *StripeGateway) Charge(ctx context.Context, buyerID string, amount decimal.Decimal, currency, idemKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		Amount:     stripe.Int64(minorUnits(amount)),
		Currency:   stripe.String(currency),
		Customer:   stripe.String(buyerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", g.classify("charge", err, true)
	}
	g.logger.Info("charge created", "intent", pi.ID, "amount", amount, "currency", currency)
	return pi.ID, nil
}

// VerifyCharge reports whether the payment intent actually captured funds.
func (g *StripeGateway) VerifyCharge(ctx context.Context, chargeRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	pi, err := g.api.PaymentIntents.Get(chargeRef, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return false, nil
		}
		return false, g.classify("verify charge", err, false)
	}
	return pi.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// Transfer moves the held amount to the seller's connected account.
func (g *StripeGateway) Transfer(ctx context.Context, sellerID string, amount decimal.Decimal, currency, idemKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		Amount:      stripe.Int64(minorUnits(amount)),
		Currency:    stripe.String(currency),
		Destination: stripe.String(sellerID),
	}
	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", g.classify("transfer", err, true)
	}
	g.logger.Info("transfer created", "transfer", tr.ID, "amount", amount, "currency", currency)
	return tr.ID, nil
}

// VerifyTransfer reports whether a previously issued transfer went through.
func (g *StripeGateway) VerifyTransfer(ctx context.Context, transferRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tr, err := g.api.Transfers.Get(transferRef, &stripe.TransferParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return false, nil
		}
		return false, g.classify("verify transfer", err, false)
	}
	return tr.Reversed == false && tr.AmountReversed == 0, nil
}

// Refund returns funds to the buyer against the original charge.
func (g *StripeGateway) Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idemKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		PaymentIntent: stripe.String(chargeRef),
		Amount:        stripe.Int64(minorUnits(amount)),
	}
	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return "", g.classify("refund", err, true)
	}
	g.logger.Info("refund created", "refund", rf.ID, "charge", chargeRef)
	return rf.ID, nil
}

// classify maps transport-level failures onto the engine's gateway
// errors. A timeout on a mutating call is ambiguous: the request may
// have landed, so the caller must verify before retrying. Read calls
// carry no side effects and always map to unavailable.
func (g *StripeGateway) classify(op string, err error, mutating bool) error {
	if errors.Is(err, context.DeadlineExceeded) {
		if mutating {
			return fmt.Errorf("stripe %s timed out: %w", op, escrow.ErrGatewayAmbiguous)
		}
		return fmt.Errorf("stripe %s timed out: %w", op, escrow.ErrGatewayUnavailable)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if mutating {
			return fmt.Errorf("stripe %s timed out: %w", op, escrow.ErrGatewayAmbiguous)
		}
		return fmt.Errorf("stripe %s timed out: %w", op, escrow.ErrGatewayUnavailable)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 500 {
		return fmt.Errorf("stripe %s failed with %d: %w", op, stripeErr.HTTPStatusCode, escrow.ErrGatewayUnavailable)
	}

	return fmt.Errorf("stripe %s: %w", op, err)
}

// minorUnits converts a two-decimal amount to the smallest currency unit.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
