package payments

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapnest/escrowd/internal/escrow"
)

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(12050), minorUnits(decimal.RequireFromString("120.50")))
	assert.Equal(t, int64(100), minorUnits(decimal.RequireFromString("1.00")))
	assert.Equal(t, int64(1), minorUnits(decimal.RequireFromString("0.01")))
}

func TestClassifyMutatingTimeoutIsAmbiguous(t *testing.T) {
	g := &StripeGateway{logger: slog.Default(), timeout: time.Second}

	err := g.classify("charge", context.DeadlineExceeded, true)
	assert.True(t, errors.Is(err, escrow.ErrGatewayAmbiguous))
	assert.False(t, errors.Is(err, escrow.ErrGatewayUnavailable))
}

func TestClassifyReadTimeoutIsUnavailable(t *testing.T) {
	g := &StripeGateway{logger: slog.Default(), timeout: time.Second}

	err := g.classify("verify charge", context.DeadlineExceeded, false)
	assert.True(t, errors.Is(err, escrow.ErrGatewayUnavailable))
	assert.False(t, errors.Is(err, escrow.ErrGatewayAmbiguous))
}

func TestClassifyServerErrorIsUnavailable(t *testing.T) {
	g := &StripeGateway{logger: slog.Default(), timeout: time.Second}

	err := g.classify("transfer", &stripe.Error{HTTPStatusCode: 503}, true)
	assert.True(t, errors.Is(err, escrow.ErrGatewayUnavailable))
}

func TestClassifyClientErrorPassesThrough(t *testing.T) {
	g := &StripeGateway{logger: slog.Default(), timeout: time.Second}

	cause := &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}
	err := g.classify("charge", cause, true)
	assert.False(t, errors.Is(err, escrow.ErrGatewayUnavailable))
	assert.False(t, errors.Is(err, escrow.ErrGatewayAmbiguous))

	var stripeErr *stripe.Error
	assert.True(t, errors.As(err, &stripeErr))
}

func TestNoopGatewayIdempotency(t *testing.T) {
	g := NewNoopGateway()
	ctx := context.Background()
	amount := decimal.RequireFromString("50.00")

	ref1, err := g.Charge(ctx, "buyer-1", amount, "USD", "esc-1:charge")
	require.NoError(t, err)
	ref2, err := g.Charge(ctx, "buyer-1", amount, "USD", "esc-1:charge")
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	ok, err := g.VerifyCharge(ctx, ref1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.VerifyCharge(ctx, "ch_unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoopGatewayTransferAndRefund(t *testing.T) {
	g := NewNoopGateway()
	ctx := context.Background()
	amount := decimal.RequireFromString("75.25")

	trRef, err := g.Transfer(ctx, "seller-1", amount, "EUR", "esc-2:release")
	require.NoError(t, err)
	ok, err := g.VerifyTransfer(ctx, trRef)
	require.NoError(t, err)
	assert.True(t, ok)

	rfRef, err := g.Refund(ctx, "ch_x", amount, "esc-2:resolve")
	require.NoError(t, err)
	assert.NotEmpty(t, rfRef)
	assert.NotEqual(t, trRef, rfRef)
}
