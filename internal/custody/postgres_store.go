package custody

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists custody records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, actor_id, document_id, amount, method, customer_phone, otp,
	otp_verified, status, collected_at, otp_verified_at, deadline_at, deposited_at,
	bank_reference, late_hours, flagged_late_at, cancelled_at, cancel_reason, updated_at`

// documentReservation is the partial unique index that keeps a document on
// one live payment.
const documentReservation = "idx_payment_custody_document_live"

func (p *PostgresStore) Create(ctx context.Context, c *PaymentCustody) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_custody (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.ActorID, nullString(c.DocumentID), c.Amount, string(c.Method),
		nullString(c.CustomerPhone), c.OTP, c.OTPVerified, string(c.Status),
		c.CollectedAt, nullTime(c.OTPVerifiedAt), c.DeadlineAt, nullTime(c.DepositedAt),
		nullString(c.BankReference), c.LateHours, nullTime(c.FlaggedLateAt),
		nullTime(c.CancelledAt), nullString(c.CancelReason), c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == documentReservation {
		return ErrDocumentReserved
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentCustody, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_custody WHERE id = $1`, id)
	c, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return c, err
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, c *PaymentCustody, from ...Status) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_custody SET
			otp_verified    = $2,
			status          = $3,
			otp_verified_at = $4,
			deposited_at    = $5,
			bank_reference  = $6,
			late_hours      = $7,
			flagged_late_at = $8,
			cancelled_at    = $9,
			cancel_reason   = $10,
			updated_at      = $11
		WHERE id = $1 AND status = ANY($12)`,
		c.ID, c.OTPVerified, string(c.Status), nullTime(c.OTPVerifiedAt),
		nullTime(c.DepositedAt), nullString(c.BankReference), c.LateHours,
		nullTime(c.FlaggedLateAt), nullTime(c.CancelledAt), nullString(c.CancelReason),
		c.UpdatedAt, pq.Array(states),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrInvalidCustodyTransition
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*PaymentCustody, error) {
	if limit <= 0 {
		limit = sweepBatchSize
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_custody
		WHERE status IN ('PENDING_OTP', 'OTP_VERIFIED') AND deadline_at <= $1
		ORDER BY deadline_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*PaymentCustody, error) {
	if limit <= 0 {
		limit = historySize
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_custody
		WHERE actor_id = $1
		ORDER BY collected_at DESC, id DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*PaymentCustody, error) {
	var (
		c                                  PaymentCustody
		method, status                     string
		documentID, phone, bankRef, reason sql.NullString
		verifiedAt, depositedAt, flaggedAt sql.NullTime
		cancelledAt                        sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.ActorID, &documentID, &c.Amount, &method, &phone, &c.OTP,
		&c.OTPVerified, &status, &c.CollectedAt, &verifiedAt, &c.DeadlineAt, &depositedAt,
		&bankRef, &c.LateHours, &flaggedAt, &cancelledAt, &reason, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Method = Method(method)
	c.Status = Status(status)
	c.DocumentID = documentID.String
	c.CustomerPhone = phone.String
	c.BankReference = bankRef.String
	c.CancelReason = reason.String
	c.OTPVerifiedAt = timePtr(verifiedAt)
	c.DepositedAt = timePtr(depositedAt)
	c.FlaggedLateAt = timePtr(flaggedAt)
	c.CancelledAt = timePtr(cancelledAt)
	return &c, nil
}

func scanPayments(rows *sql.Rows) ([]*PaymentCustody, error) {
	var result []*PaymentCustody
	for rows.Next() {
		c, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

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
	v := t.Time
	return &v
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
