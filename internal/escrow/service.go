package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swapnest/escrowd/internal/metrics"
	"github.com/swapnest/escrowd/internal/traces"
	"github.com/swapnest/escrowd/internal/validation"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Description string `json:"description"`
}

// Service implements the escrow state machine. It holds no escrow
// state of its own: every transition re-reads from the Store and
// commits with a version-conditional write.
type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	logger   *slog.Logger
	provider string
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNotifier adds a fire-and-forget event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithProvider sets the payment provider name stamped on escrows.
func (s *Service) WithProvider(name string) *Service {
	s.provider = name
	return s
}

// Create creates a new escrow in status created. No funds move here.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create")
	defer span.End()

	amount, ok := validation.ParseAmount(req.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidCurrency(req.Currency) {
		return nil, ErrInvalidCurrency
	}
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, ErrSameParty
	}

	e := &Escrow{
		ID:              uuid.NewString(),
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Amount:          amount,
		Currency:        req.Currency,
		Description:     validation.SanitizeString(req.Description, validation.MaxStringLength),
		PaymentProvider: s.provider,
		Status:          StatusCreated,
		Version:         1,
		CreatedAt:       s.now(),
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	s.audit(ctx, e, "", "create", Actor{ID: e.BuyerID, Role: RoleBuyer}, "")
	metrics.TransitionsTotal.WithLabelValues("create", "ok").Inc()
	s.emit(ctx, "escrow.created", e)
	return e, nil
}

// InitiatePayment asks the gateway to start a charge for the buyer and
// records the charge reference. The escrow stays in created until the
// charge is verified.
func (s *Service) InitiatePayment(ctx context.Context, id string, expectedVersion int64, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.InitiatePayment", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "initiate_payment", StatusCreated); err != nil {
		return nil, err
	}

	ref, err := s.gateway.Charge(ctx, e.BuyerID, e.Amount, e.Currency, idemKey(e.ID, "charge"))
	if err != nil {
		return nil, fmt.Errorf("initiate charge: %w", err)
	}

	prev := e.Version
	e.ChargeRef = ref
	if err := s.commit(ctx, e, prev, "initiate_payment", actor, StatusCreated, ""); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyPayment confirms the gateway charge and locks the funds.
// Calling it again with the same reference on an already-locked escrow
// is an idempotent no-op.
func (s *Service) VerifyPayment(ctx context.Context, id string, expectedVersion int64, actor Actor, providerRef string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VerifyPayment", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusFundsLocked {
		if e.ChargeRef == providerRef {
			return e, nil // already locked with this reference
		}
		return nil, ErrChargeRefMismatch
	}
	if err := s.requireStatus(e, "verify_payment", StatusCreated); err != nil {
		return nil, err
	}
	if e.ChargeRef != "" && e.ChargeRef != providerRef {
		return nil, ErrChargeRefMismatch
	}

	confirmed, err := s.gateway.VerifyCharge(ctx, providerRef)
	if err != nil {
		return nil, fmt.Errorf("verify charge: %w", err)
	}
	if !confirmed {
		return nil, ErrPaymentNotConfirmed
	}

	now := s.now()
	prev := e.Version
	e.ChargeRef = providerRef
	e.Status = StatusFundsLocked
	e.LockedAt = &now
	// Seller notification is dispatched right after commit; the stamp
	// records that dispatch.
	e.NotifiedAt = &now
	if err := s.commit(ctx, e, prev, "verify_payment", actor, StatusCreated, ""); err != nil {
		return nil, err
	}
	s.emit(ctx, "escrow.funds_locked", e)
	return e, nil
}

// Acknowledge records the seller's commitment to the trade.
func (s *Service) Acknowledge(ctx context.Context, id string, expectedVersion int64, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Acknowledge", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.SellerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "acknowledge", StatusFundsLocked); err != nil {
		return nil, err
	}

	now := s.now()
	prev := e.Version
	e.Status = StatusSellerAcknowledged
	e.AcknowledgedAt = &now
	if err := s.commit(ctx, e, prev, "acknowledge", actor, StatusFundsLocked, ""); err != nil {
		return nil, err
	}
	s.emit(ctx, "escrow.acknowledged", e)
	return e, nil
}

// Complete records the seller marking delivery done, pending buyer
// confirmation.
func (s *Service) Complete(ctx context.Context, id string, expectedVersion int64, actor Actor, note string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Complete", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.SellerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "complete", StatusSellerAcknowledged); err != nil {
		return nil, err
	}

	now := s.now()
	prev := e.Version
	e.Status = StatusDeliveryConfirmed
	e.CompletedAt = &now
	e.CompletionNote = validation.SanitizeString(note, validation.MaxStringLength)
	if err := s.commit(ctx, e, prev, "complete", actor, StatusSellerAcknowledged, e.CompletionNote); err != nil {
		return nil, err
	}
	s.emit(ctx, "escrow.completed", e)
	return e, nil
}

// Confirm authorizes release. The buyer may confirm before the seller
// marks delivery complete (early confirmation from
// seller_acknowledged is deliberate).
func (s *Service) Confirm(ctx context.Context, id string, expectedVersion int64, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleSystem && actor.ID != e.BuyerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "confirm", StatusSellerAcknowledged, StatusDeliveryConfirmed); err != nil {
		return nil, err
	}

	now := s.now()
	prev := e.Version
	from := e.Status
	e.Status = StatusReleaseAuthorized
	e.ConfirmedAt = &now
	e.AuthorizedAt = &now
	// Authorization by the scheduler is what makes a release "auto";
	// a later payout retry must not relabel a human confirmation.
	e.AutoReleased = actor.Role == RoleSystem
	if err := s.commit(ctx, e, prev, "confirm", actor, from, ""); err != nil {
		return nil, err
	}
	s.emit(ctx, "escrow.confirmed", e)
	return e, nil
}

// Release transfers the payout and finalizes the escrow. The gateway
// call happens before the terminal commit: if the transfer fails the
// status is unchanged and the call is safe to retry. If a previous
// attempt already produced a payout reference, it is verified instead
// of blindly re-issued.
func (s *Service) Release(ctx context.Context, id string, expectedVersion int64, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleSystem && actor.Role != RoleArbiter && actor.ID != e.BuyerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "release", StatusReleaseAuthorized); err != nil {
		return nil, err
	}

	ref, err := s.payout(ctx, e, idemKey(e.ID, "release"))
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("payout: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues("ok").Inc()

	now := s.now()
	prev := e.Version
	e.PayoutRef = ref
	e.Status = StatusReleased
	e.ReleasedAt = &now
	if err := s.commit(ctx, e, prev, "release", actor, StatusReleaseAuthorized, ""); err != nil {
		// Funds moved but the record did not advance. The payout
		// reference makes the retry idempotent, but flag it for
		// operators anyway.
		s.logger.Error("CRITICAL: payout transferred but release commit failed",
			"escrowId", e.ID, "payoutRef", ref, "error", err)
		return nil, err
	}
	if e.AutoReleased {
		metrics.AutoReleasedTotal.Inc()
	}
	s.observeLifetime(e)
	s.emit(ctx, "escrow.released", e)
	return e, nil
}

// Dispute opens a dispute. Either party may open one while funds are
// held and nothing has been released.
func (s *Service) Dispute(ctx context.Context, id string, expectedVersion int64, actor Actor, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.ID != e.BuyerID && actor.ID != e.SellerID {
		return nil, ErrWrongActor
	}
	if !e.Disputable() {
		return s.rejectTransition(e, "dispute")
	}

	now := s.now()
	prev := e.Version
	from := e.Status
	e.Status = StatusDisputed
	e.DisputeOpenedAt = &now
	e.DisputeReason = validation.SanitizeString(reason, validation.MaxStringLength)
	if err := s.commit(ctx, e, prev, "dispute", actor, from, e.DisputeReason); err != nil {
		return nil, err
	}
	s.emit(ctx, "escrow.disputed", e)
	return e, nil
}

// Resolve is the arbiter's terminal, one-shot decision: payout to the
// seller or refund to the buyer. A second resolve on a finished escrow
// is ErrTerminalState, never a silent no-op, so double payouts surface
// in tests instead of in settlement.
func (s *Service) Resolve(ctx context.Context, id string, expectedVersion int64, actor Actor, outcome Outcome) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.EscrowID(id))
	defer span.End()

	if actor.Role != RoleArbiter {
		return nil, ErrWrongActor
	}
	if outcome != OutcomeToSeller && outcome != OutcomeToBuyer {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidState, outcome)
	}

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.requireStatus(e, "resolve", StatusDisputed); err != nil {
		return nil, err
	}

	now := s.now()
	prev := e.Version
	e.Resolution = outcome
	e.ResolvedAt = &now

	switch outcome {
	case OutcomeToSeller:
		ref, err := s.payout(ctx, e, idemKey(e.ID, "resolve"))
		if err != nil {
			metrics.PayoutsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("resolution payout: %w", err)
		}
		metrics.PayoutsTotal.WithLabelValues("ok").Inc()
		e.PayoutRef = ref
		e.Status = StatusReleased
		e.ReleasedAt = &now
	case OutcomeToBuyer:
		ref, err := s.gateway.Refund(ctx, e.ChargeRef, e.Amount, idemKey(e.ID, "refund"))
		if err != nil {
			return nil, fmt.Errorf("resolution refund: %w", err)
		}
		e.RefundRef = ref
		e.Status = StatusCancelled
		e.CancelledAt = &now
	}

	if err := s.commit(ctx, e, prev, "resolve", actor, StatusDisputed, string(outcome)); err != nil {
		s.logger.Error("CRITICAL: resolution funds moved but commit failed",
			"escrowId", e.ID, "outcome", outcome, "error", err)
		return nil, err
	}
	s.observeLifetime(e)
	s.emit(ctx, "escrow.resolved", e)
	return e, nil
}

// Cancel abandons an escrow whose funds were never locked.
func (s *Service) Cancel(ctx context.Context, id string, expectedVersion int64, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id))
	defer span.End()

	e, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleSystem && actor.ID != e.BuyerID {
		return nil, ErrWrongActor
	}
	if err := s.requireStatus(e, "cancel", StatusCreated); err != nil {
		return nil, err
	}

	now := s.now()
	prev := e.Version
	e.Status = StatusCancelled
	e.CancelledAt = &now
	if err := s.commit(ctx, e, prev, "cancel", actor, StatusCreated, ""); err != nil {
		return nil, err
	}
	s.observeLifetime(e)
	s.emit(ctx, "escrow.cancelled", e)
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns escrows involving a party (as buyer or seller).
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit)
}

// History returns the append-only transition log for an escrow.
func (s *Service) History(ctx context.Context, id string) ([]*Transition, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, id)
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// load re-reads the escrow and enforces the caller's If-Match
// precondition. expectedVersion 0 means "whatever is current".
func (s *Service) load(ctx context.Context, id string, expectedVersion int64) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && e.Version != expectedVersion {
		return nil, ErrStateConflict
	}
	return e, nil
}

// requireStatus checks the current status against the allowed set,
// distinguishing terminal violations from plain invalid transitions.
func (s *Service) requireStatus(e *Escrow, transition string, allowed ...Status) error {
	for _, st := range allowed {
		if e.Status == st {
			return nil
		}
	}
	_, err := s.rejectTransition(e, transition)
	return err
}

func (s *Service) rejectTransition(e *Escrow, transition string) (*Escrow, error) {
	if e.IsTerminal() {
		// Always a bug signal: terminal escrows must never be touched.
		s.logger.Error("transition attempted on terminal escrow",
			"escrowId", e.ID, "status", e.Status, "transition", transition)
		metrics.TransitionsTotal.WithLabelValues(transition, "terminal").Inc()
		return nil, ErrTerminalState
	}
	metrics.TransitionsTotal.WithLabelValues(transition, "invalid_state").Inc()
	return nil, ErrInvalidState
}

// payout transfers the escrowed amount to the seller. If a payout
// reference already exists from an ambiguous earlier attempt, it is
// verified first; a confirmed transfer is never re-issued.
func (s *Service) payout(ctx context.Context, e *Escrow, key string) (string, error) {
	if e.PayoutRef != "" {
		confirmed, err := s.gateway.VerifyTransfer(ctx, e.PayoutRef)
		if err != nil {
			return "", err
		}
		if confirmed {
			return e.PayoutRef, nil
		}
	}
	return s.gateway.Transfer(ctx, e.SellerID, e.Amount, e.Currency, key)
}

// commit performs the version-conditional write and appends the audit
// record. The escrow's Version must still hold the pre-transition
// value in prevVersion; on success e.Version is prevVersion+1.
func (s *Service) commit(ctx context.Context, e *Escrow, prevVersion int64, name string, actor Actor, from Status, note string) error {
	e.Version = prevVersion + 1
	if err := s.store.UpdateVersioned(ctx, e, prevVersion); err != nil {
		metrics.TransitionsTotal.WithLabelValues(name, "conflict").Inc()
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(name, "ok").Inc()
	s.audit(ctx, e, from, name, actor, note)
	return nil
}

// audit appends to the transition log. Best-effort: the log is for
// forensics, not correctness.
func (s *Service) audit(ctx context.Context, e *Escrow, from Status, name string, actor Actor, note string) {
	tr := &Transition{
		EscrowID:   e.ID,
		FromStatus: from,
		ToStatus:   e.Status,
		Name:       name,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Note:       note,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendTransition(ctx, tr); err != nil {
		s.logger.Warn("failed to append transition record",
			"escrowId", e.ID, "transition", name, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, event string, e *Escrow) {
	if s.notifier == nil {
		return
	}
	s.notifier.EscrowEvent(ctx, event, e)
}

func (s *Service) observeLifetime(e *Escrow) {
	metrics.EscrowLifetime.Observe(s.now().Sub(e.CreatedAt).Seconds())
}

// idemKey derives the idempotency key for a gateway call from the
// escrow ID and the transition name, so retries of the same transition
// can never double-move money.
func idemKey(escrowID, transition string) string {
	return escrowID + ":" + transition
}
