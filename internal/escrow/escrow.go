// Package escrow implements the escrow transaction engine.
//
// Flow:
//  1. Buyer creates an escrow for a trade (status created)
//  2. Gateway charge is verified → funds_locked, seller notified
//  3. Seller acknowledges, then marks delivery complete
//  4. Buyer confirms receipt → release authorized → payout → released
//  5. Past the grace window the scheduler confirms and releases instead
//  6. Either party may dispute before release; an arbiter resolves
//
// All state lives in the Store; every write is conditional on the
// escrow's version, so the engine can run as multiple stateless
// processes without in-memory locks.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("escrow not found")
	ErrInvalidAmount       = errors.New("amount must be positive with at most 2 decimal places")
	ErrInvalidCurrency     = errors.New("currency must be a 3-letter ISO code")
	ErrSameParty           = errors.New("buyer and seller must be distinct")
	ErrInvalidState        = errors.New("transition not allowed in current status")
	ErrWrongActor          = errors.New("actor not permitted to perform this transition")
	ErrStateConflict       = errors.New("escrow was modified concurrently, re-read and retry")
	ErrTerminalState       = errors.New("escrow is in a terminal status")
	ErrPaymentNotConfirmed = errors.New("payment gateway did not confirm the charge")
	ErrChargeRefMismatch   = errors.New("escrow already locked with a different charge reference")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayAmbiguous    = errors.New("payment gateway call outcome unknown")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated            Status = "created"             // record exists, no funds held
	StatusFundsLocked        Status = "funds_locked"        // charge verified, funds in trust
	StatusSellerAcknowledged Status = "seller_acknowledged" // seller committed to the trade
	StatusDeliveryConfirmed  Status = "delivery_confirmed"  // seller marked delivery complete
	StatusReleaseAuthorized  Status = "release_authorized"  // buyer (or scheduler) approved payout
	StatusReleased           Status = "released"            // terminal, payout transferred
	StatusDisputed           Status = "disputed"            // open dispute, awaiting arbiter
	StatusCancelled          Status = "cancelled"           // terminal, refund path
)

// Role identifies what an actor is allowed to do.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
)

// Actor is the authenticated identity performing a transition.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the scheduler's identity.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Outcome is an arbiter's resolution decision.
type Outcome string

const (
	OutcomeToSeller Outcome = "to_seller"
	OutcomeToBuyer  Outcome = "to_buyer"
)

// Escrow is the aggregate root: one buyer/seller transaction's funds
// held in trust.
type Escrow struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description,omitempty"`
	PaymentProvider string          `json:"paymentProvider,omitempty"`
	ChargeRef       string          `json:"providerChargeReference,omitempty"`
	PayoutRef       string          `json:"providerPayoutReference,omitempty"`
	RefundRef       string          `json:"providerRefundReference,omitempty"`
	Status          Status          `json:"status"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	CompletionNote  string          `json:"completionNote,omitempty"`
	Resolution      Outcome         `json:"resolution,omitempty"`
	AutoReleased    bool            `json:"autoReleased"`
	Version         int64           `json:"version"`

	// Transition timestamps. Each is set at most once and never cleared.
	CreatedAt       time.Time  `json:"createdAt"`
	LockedAt        *time.Time `json:"lockedAt,omitempty"`
	NotifiedAt      *time.Time `json:"notifiedAt,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	AuthorizedAt    *time.Time `json:"authorizedAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	DisputeOpenedAt *time.Time `json:"disputeOpenedAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusCancelled:
		return true
	}
	return false
}

// Disputable reports whether a dispute may still be opened.
func (e *Escrow) Disputable() bool {
	switch e.Status {
	case StatusFundsLocked, StatusSellerAcknowledged, StatusDeliveryConfirmed:
		return e.DisputeOpenedAt == nil
	}
	return false
}

// transitions is the allowed from→to table. Anything not listed is
// rejected with ErrInvalidState (or ErrTerminalState from a terminal
// status).
var transitions = map[Status][]Status{
	StatusCreated:            {StatusFundsLocked, StatusCancelled},
	StatusFundsLocked:        {StatusSellerAcknowledged, StatusDisputed},
	StatusSellerAcknowledged: {StatusDeliveryConfirmed, StatusReleaseAuthorized, StatusDisputed},
	StatusDeliveryConfirmed:  {StatusReleaseAuthorized, StatusDisputed},
	StatusReleaseAuthorized:  {StatusReleased},
	StatusDisputed:           {StatusReleased, StatusCancelled},
}

// CanTransition reports whether from→to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one row of the append-only audit log.
type Transition struct {
	ID         int64     `json:"id"`
	EscrowID   string    `json:"escrowId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Name       string    `json:"name"`
	ActorID    string    `json:"actorId"`
	ActorRole  Role      `json:"actorRole"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists escrow records. UpdateVersioned performs the
// conditional write: it must apply the update only where the stored
// version equals expectedVersion, and return ErrStateConflict when no
// row matched.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	UpdateVersioned(ctx context.Context, e *Escrow, expectedVersion int64) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error)
	// ListReleasable returns escrows eligible for auto-release: status
	// seller_acknowledged with AcknowledgedAt before the cutoff, or
	// delivery_confirmed with CompletedAt before the cutoff, and no
	// open dispute.
	ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, escrowID string) ([]*Transition, error)
}

// Gateway is the payment/settlement provider contract the engine
// consumes. All mutating calls are idempotent by the caller-supplied
// key, so the engine may retry after ambiguous failures.
type Gateway interface {
	Charge(ctx context.Context, buyerID string, amount decimal.Decimal, currency, idemKey string) (chargeRef string, err error)
	VerifyCharge(ctx context.Context, chargeRef string) (bool, error)
	Transfer(ctx context.Context, sellerID string, amount decimal.Decimal, currency, idemKey string) (transferRef string, err error)
	VerifyTransfer(ctx context.Context, transferRef string) (bool, error)
	Refund(ctx context.Context, chargeRef string, amount decimal.Decimal, idemKey string) (refundRef string, err error)
}

// Notifier receives lifecycle events. Implementations must be
// fire-and-forget; the engine ignores their errors.
type Notifier interface {
	EscrowEvent(ctx context.Context, event string, e *Escrow)
}
