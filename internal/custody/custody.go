// Package custody tracks collected payments from the agent's hands to the
// company account.
//
// States:
//
//	PENDING_OTP --otp ok--> OTP_VERIFIED --deposit--> DEPOSITED
//	PENDING_OTP --wrong otp--> FLAGGED_INVALID_OTP
//	PENDING_OTP | OTP_VERIFIED --deadline passed--> FLAGGED_LATE --deposit--> DEPOSITED
//	PENDING_OTP | OTP_VERIFIED --cancel--> CANCELLED
//
// A deposit always needs the customer's code. A payment flagged late before
// its code was verified can still verify it, staying FLAGGED_LATE, and only
// then be deposited.
//
// A payment against a QR document needs a valid scan of that document, and
// a document backs at most one payment that has not been cancelled.
//
// Deposit deadlines are stored on the record and evaluated by a periodic
// Sweeper. Every transition is a compare-and-set on status, so a deadline
// that fires twice flags the payment once. The signal of a flagging
// transition is recorded before the transition commits; if it cannot be
// recorded the payment keeps its state and the caller or the next sweep
// retries.
package custody

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/risk"
)

var (
	ErrPaymentNotFound          = fmt.Errorf("%w: payment not found", faults.ErrNotFound)
	ErrInvalidCustodyTransition = fmt.Errorf("%w: invalid custody transition", faults.ErrStateConflict)
	ErrInvalidOTP               = fmt.Errorf("%w: one-time code does not match", faults.ErrValidation)
	ErrInvalidAmount            = fmt.Errorf("%w: amount must be positive with at most 2 decimals", faults.ErrValidation)
	ErrInvalidMethod            = fmt.Errorf("%w: payment method must be cash, transfer or giro", faults.ErrValidation)
	ErrMissingBankReference     = fmt.Errorf("%w: bank reference is required", faults.ErrValidation)
	ErrCollectionBlocked        = fmt.Errorf("%w: actor is flagged for review", faults.ErrPolicyDenied)
	ErrDocumentReserved         = fmt.Errorf("%w: document already backs another payment", faults.ErrStateConflict)
	ErrOTPNotVerified           = fmt.Errorf("%w: customer has not confirmed the one-time code", ErrInvalidCustodyTransition)
)

const (
	// DefaultDepositDeadline is the custody window before a payment is late.
	DefaultDepositDeadline = 24 * time.Hour
	// DefaultBlockThreshold is the actor score above which collection is refused.
	DefaultBlockThreshold = 0.7
	// OTPLength is the number of characters in a one-time code.
	OTPLength = 6

	historySize = 50
)

// Status is a custody lifecycle state.
type Status string

const (
	StatusPendingOTP        Status = "PENDING_OTP"
	StatusOTPVerified       Status = "OTP_VERIFIED"
	StatusDeposited         Status = "DEPOSITED"
	StatusFlaggedLate       Status = "FLAGGED_LATE"
	StatusFlaggedInvalidOTP Status = "FLAGGED_INVALID_OTP"
	StatusCancelled         Status = "CANCELLED"
)

// awaitingDeposit lists the states a deposit deadline applies to.
var awaitingDeposit = []Status{StatusPendingOTP, StatusOTPVerified}

// Method is how the customer paid.
type Method string

const (
	MethodCash     Method = "cash"
	MethodTransfer Method = "transfer"
	MethodGiro     Method = "giro"
)

// ParseMethod validates a payment method. Empty means cash.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return MethodCash, nil
	case MethodCash, MethodTransfer, MethodGiro:
		return m, nil
	}
	return "", ErrInvalidMethod
}

// PaymentCustody is the custody record of one collected payment.
type PaymentCustody struct {
	ID            string          `json:"id"`
	ActorID       string          `json:"actorId"`
	DocumentID    string          `json:"documentId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method"`
	CustomerPhone string          `json:"-"`
	OTP           string          `json:"-"`
	OTPVerified   bool            `json:"otpVerified"`
	Status        Status          `json:"status"`
	CollectedAt   time.Time       `json:"collectedAt"`
	OTPVerifiedAt *time.Time      `json:"otpVerifiedAt,omitempty"`
	DeadlineAt    time.Time       `json:"deadlineAt"`
	DepositedAt   *time.Time      `json:"depositedAt,omitempty"`
	BankReference string          `json:"bankReference,omitempty"`
	LateHours     float64         `json:"lateHours"`
	FlaggedLateAt *time.Time      `json:"flaggedLateAt,omitempty"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// AwaitingDeposit reports whether the deposit deadline still applies.
func (p *PaymentCustody) AwaitingDeposit() bool {
	return statusIn(p.Status, awaitingDeposit)
}

func (p *PaymentCustody) fact() risk.PaymentFact {
	return risk.PaymentFact{
		PaymentID:   p.ID,
		Amount:      p.Amount,
		Method:      string(p.Method),
		CollectedAt: p.CollectedAt,
		DepositedAt: p.DepositedAt,
	}
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// CollectRequest contains the parameters for recording a collection.
type CollectRequest struct {
	ActorID       string `json:"actorId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Method        string `json:"method"`
	DocumentID    string `json:"documentId"`
	CustomerPhone string `json:"customerPhone"`
}

// Result is the outcome of a custody transition.
type Result struct {
	Payment *PaymentCustody `json:"payment"`
	From    Status          `json:"from"`
	To      Status          `json:"to"`
}

// Store persists custody records and their deadlines.
type Store interface {
	// Create saves a new record. It returns ErrDocumentReserved if p names a
	// document that another payment, not cancelled, already names.
	Create(ctx context.Context, p *PaymentCustody) error
	Get(ctx context.Context, id string) (*PaymentCustody, error)
	// UpdateIfStatus saves p only if the stored status is one of from.
	// Otherwise it returns ErrInvalidCustodyTransition and saves nothing.
	UpdateIfStatus(ctx context.Context, p *PaymentCustody, from ...Status) error
	// ListDue returns payments still awaiting deposit whose deadline is at or
	// before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*PaymentCustody, error)
	// ListByActor returns an actor's payments, most recently collected first.
	ListByActor(ctx context.Context, actorID string, limit int) ([]*PaymentCustody, error)
}

// DeadlineIndex is an optional fast lookup of due deadlines. The store stays
// authoritative; the index may lose or retain stale entries.
type DeadlineIndex interface {
	Schedule(ctx context.Context, paymentID string, at time.Time) error
	Remove(ctx context.Context, paymentID string) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// SignalSink receives fraud signals.
type SignalSink interface {
	Emit(ctx context.Context, sig risk.Signal) error
}

// PatternEvaluator runs payment pattern rules and records their findings.
type PatternEvaluator interface {
	EvaluatePayment(ctx context.Context, actorID, sourceID string, current risk.PaymentFact, history []risk.PaymentFact) ([]risk.Finding, error)
}

// ScoreReader reads an actor's accumulated risk score.
type ScoreReader interface {
	CurrentScore(ctx context.Context, actorID string) (float64, error)
}

// DocumentLedger abstracts the QR ledger so custody doesn't import it.
type DocumentLedger interface {
	EnsurePayable(ctx context.Context, documentID string) error
	MarkPaid(ctx context.Context, documentID string) error
	Cancel(ctx context.Context, documentID string) error
}

// Notifier delivers one-time codes and supervisor alerts.
type Notifier interface {
	SendOtp(ctx context.Context, phone, code string) error
	LateDeposit(ctx context.Context, actorID, paymentID string, lateHours float64) error
}

// Broadcaster streams custody flags to live dashboards.
type Broadcaster interface {
	BroadcastCustodyFlag(actorID, paymentID, status string, lateHours float64)
}

// Signal source ids. One custody event maps to exactly one id.
func collectedSource(id string) string { return id + ":collected" }
func otpSource(id string) string       { return id + ":otp" }
func deadlineSource(id string) string  { return id + ":deadline" }
func depositedSource(id string) string { return id + ":deposited" }
