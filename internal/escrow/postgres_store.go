package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL. All updates are
// conditional on the stored version: the UPDATE matches zero rows when
// another writer got there first, which surfaces as ErrStateConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, seller_id, amount, currency, description,
			payment_provider, charge_ref, payout_ref, refund_ref,
			status, dispute_reason, completion_note, resolution,
			auto_released, version, created_at,
			locked_at, notified_at, acknowledged_at, completed_at,
			confirmed_at, authorized_at, released_at,
			dispute_opened_at, resolved_at, cancelled_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24,
			$25, $26, $27
		)`,
		e.ID, e.BuyerID, e.SellerID, e.Amount.StringFixed(2), e.Currency,
		nullString(e.Description),
		nullString(e.PaymentProvider), nullString(e.ChargeRef),
		nullString(e.PayoutRef), nullString(e.RefundRef),
		string(e.Status), nullString(e.DisputeReason),
		nullString(e.CompletionNote), nullString(string(e.Resolution)),
		e.AutoReleased, e.Version, e.CreatedAt,
		nullTime(e.LockedAt), nullTime(e.NotifiedAt), nullTime(e.AcknowledgedAt),
		nullTime(e.CompletedAt), nullTime(e.ConfirmedAt), nullTime(e.AuthorizedAt),
		nullTime(e.ReleasedAt), nullTime(e.DisputeOpenedAt), nullTime(e.ResolvedAt),
		nullTime(e.CancelledAt),
	)
	return err
}

const escrowColumns = `id, buyer_id, seller_id, amount, currency, description,
		       payment_provider, charge_ref, payout_ref, refund_ref,
		       status, dispute_reason, completion_note, resolution,
		       auto_released, version, created_at,
		       locked_at, notified_at, acknowledged_at, completed_at,
		       confirmed_at, authorized_at, released_at,
		       dispute_opened_at, resolved_at, cancelled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// UpdateVersioned is the single conditional write every transition
// funnels through. Parties, amount, and currency are deliberately not
// in the SET list: they are frozen at creation.
func (p *PostgresStore) UpdateVersioned(ctx context.Context, e *Escrow, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			charge_ref = $1, payout_ref = $2, refund_ref = $3,
			status = $4, dispute_reason = $5, completion_note = $6,
			resolution = $7, auto_released = $8, version = $9,
			locked_at = $10, notified_at = $11, acknowledged_at = $12,
			completed_at = $13, confirmed_at = $14, authorized_at = $15,
			released_at = $16, dispute_opened_at = $17, resolved_at = $18,
			cancelled_at = $19
		WHERE id = $20 AND version = $21`,
		nullString(e.ChargeRef), nullString(e.PayoutRef), nullString(e.RefundRef),
		string(e.Status), nullString(e.DisputeReason), nullString(e.CompletionNote),
		nullString(string(e.Resolution)), e.AutoReleased, e.Version,
		nullTime(e.LockedAt), nullTime(e.NotifiedAt), nullTime(e.AcknowledgedAt),
		nullTime(e.CompletedAt), nullTime(e.ConfirmedAt), nullTime(e.AuthorizedAt),
		nullTime(e.ReleasedAt), nullTime(e.DisputeOpenedAt), nullTime(e.ResolvedAt),
		nullTime(e.CancelledAt),
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Zero rows means either the escrow vanished or someone else
		// advanced the version. Disambiguate for the caller.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE dispute_opened_at IS NULL
		  AND (
		       (status = 'seller_acknowledged' AND acknowledged_at < $1)
		    OR (status = 'delivery_confirmed' AND completed_at < $1)
		  )
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) AppendTransition(ctx context.Context, tr *Transition) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_transitions (
			escrow_id, from_status, to_status, name, actor_id, actor_role, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		tr.EscrowID, nullString(string(tr.FromStatus)), string(tr.ToStatus),
		tr.Name, tr.ActorID, string(tr.ActorRole), nullString(tr.Note), tr.CreatedAt,
	).Scan(&tr.ID)
}

func (p *PostgresStore) ListTransitions(ctx context.Context, escrowID string) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, name, actor_id, actor_role, note, created_at
		FROM escrow_transitions
		WHERE escrow_id = $1
		ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		tr := &Transition{}
		var fromStatus, note sql.NullString
		var role string
		if err := rows.Scan(&tr.ID, &tr.EscrowID, &fromStatus, &tr.ToStatus,
			&tr.Name, &tr.ActorID, &role, &note, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.FromStatus = Status(fromStatus.String)
		tr.ActorRole = Role(role)
		tr.Note = note.String
		result = append(result, tr)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount          string
		description     sql.NullString
		paymentProvider sql.NullString
		chargeRef       sql.NullString
		payoutRef       sql.NullString
		refundRef       sql.NullString
		status          string
		disputeReason   sql.NullString
		completionNote  sql.NullString
		resolution      sql.NullString
		lockedAt        sql.NullTime
		notifiedAt      sql.NullTime
		acknowledgedAt  sql.NullTime
		completedAt     sql.NullTime
		confirmedAt     sql.NullTime
		authorizedAt    sql.NullTime
		releasedAt      sql.NullTime
		disputeOpenedAt sql.NullTime
		resolvedAt      sql.NullTime
		cancelledAt     sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &amount, &e.Currency, &description,
		&paymentProvider, &chargeRef, &payoutRef, &refundRef,
		&status, &disputeReason, &completionNote, &resolution,
		&e.AutoReleased, &e.Version, &e.CreatedAt,
		&lockedAt, &notifiedAt, &acknowledgedAt, &completedAt,
		&confirmedAt, &authorizedAt, &releasedAt,
		&disputeOpenedAt, &resolvedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	e.Status = Status(status)
	e.Description = description.String
	e.PaymentProvider = paymentProvider.String
	e.ChargeRef = chargeRef.String
	e.PayoutRef = payoutRef.String
	e.RefundRef = refundRef.String
	e.DisputeReason = disputeReason.String
	e.CompletionNote = completionNote.String
	e.Resolution = Outcome(resolution.String)
	e.LockedAt = timePtr(lockedAt)
	e.NotifiedAt = timePtr(notifiedAt)
	e.AcknowledgedAt = timePtr(acknowledgedAt)
	e.CompletedAt = timePtr(completedAt)
	e.ConfirmedAt = timePtr(confirmedAt)
	e.AuthorizedAt = timePtr(authorizedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.DisputeOpenedAt = timePtr(disputeOpenedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.CancelledAt = timePtr(cancelledAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
