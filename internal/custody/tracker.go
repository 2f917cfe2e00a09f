package custody

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/risk"
	"github.com/mbd888/fieldguard/internal/syncutil"
	"github.com/mbd888/fieldguard/internal/traces"
)

// Tracker implements the custody state machine.
type Tracker struct {
	store          Store
	sink           SignalSink
	patterns       PatternEvaluator
	scores         ScoreReader
	documents      DocumentLedger
	notifier       Notifier
	index          DeadlineIndex
	broadcaster    Broadcaster
	deadline       time.Duration
	blockThreshold float64
	newOTP         func() string
	locks          syncutil.ShardedMutex
	logger         *slog.Logger
	now            func() time.Time
}

// NewTracker creates a custody tracker that reports signals to sink.
func NewTracker(store Store, sink SignalSink, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:          store,
		sink:           sink,
		deadline:       DefaultDepositDeadline,
		blockThreshold: DefaultBlockThreshold,
		newOTP:         func() string { return idgen.Code(OTPLength, idgen.AlphanumericUpper) },
		logger:         logger,
		now:            time.Now,
	}
}

// WithDeadline sets the custody window.
func (t *Tracker) WithDeadline(d time.Duration) *Tracker {
	if d > 0 {
		t.deadline = d
	}
	return t
}

// WithBlockThreshold sets the actor score above which collection is refused.
func (t *Tracker) WithBlockThreshold(v float64) *Tracker {
	t.blockThreshold = v
	return t
}

// WithPatterns runs payment pattern rules after collections and deposits.
func (t *Tracker) WithPatterns(p PatternEvaluator) *Tracker {
	t.patterns = p
	return t
}

// WithScores enables the collection gate.
func (t *Tracker) WithScores(s ScoreReader) *Tracker {
	t.scores = s
	return t
}

// WithDocuments links payments to QR documents.
func (t *Tracker) WithDocuments(d DocumentLedger) *Tracker {
	t.documents = d
	return t
}

// WithNotifier adds OTP delivery and late-deposit alerts.
func (t *Tracker) WithNotifier(n Notifier) *Tracker {
	t.notifier = n
	return t
}

// WithIndex adds a deadline index.
func (t *Tracker) WithIndex(idx DeadlineIndex) *Tracker {
	t.index = idx
	return t
}

// WithBroadcaster streams custody flags.
func (t *Tracker) WithBroadcaster(b Broadcaster) *Tracker {
	t.broadcaster = b
	return t
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithOTPGenerator replaces the one-time code generator.
func (t *Tracker) WithOTPGenerator(gen func() string) *Tracker {
	t.newOTP = gen
	return t
}

// Collect records a collected payment in PENDING_OTP, sends the customer a
// one-time code and sets the deposit deadline.
func (t *Tracker) Collect(ctx context.Context, req CollectRequest) (*PaymentCustody, error) {
	ctx, span := traces.StartSpan(ctx, "custody.Collect", traces.ActorID(req.ActorID), traces.Amount(req.Amount))
	defer span.End()

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return nil, ErrInvalidAmount
	}
	method, err := ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	if req.ActorID == "" {
		return nil, fmt.Errorf("%w: actorId is required", faults.ErrValidation)
	}

	if t.scores != nil {
		score, err := t.scores.CurrentScore(ctx, req.ActorID)
		if err != nil {
			return nil, fmt.Errorf("read actor score: %w", err)
		}
		if score > t.blockThreshold {
			logging.L(ctx).Warn("collection refused for flagged actor",
				"actorId", req.ActorID, "score", score, "threshold", t.blockThreshold)
			return nil, ErrCollectionBlocked
		}
	}

	if req.DocumentID != "" && t.documents != nil {
		if err := t.documents.EnsurePayable(ctx, req.DocumentID); err != nil {
			return nil, err
		}
	}

	now := t.now()
	p := &PaymentCustody{
		ID:            idgen.WithPrefix("pay_"),
		ActorID:       req.ActorID,
		DocumentID:    req.DocumentID,
		Amount:        amount,
		Method:        method,
		CustomerPhone: req.CustomerPhone,
		OTP:           t.newOTP(),
		Status:        StatusPendingOTP,
		CollectedAt:   now,
		DeadlineAt:    now.Add(t.deadline),
		UpdatedAt:     now,
	}
	if err := t.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDocumentReserved) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create custody record: %w", err)
	}
	metrics.CustodyTransitionsTotal.WithLabelValues(string(StatusPendingOTP)).Inc()
	logging.L(ctx).Info("payment collected",
		"paymentId", p.ID, "actorId", p.ActorID, "amount", p.Amount.String(), "method", p.Method, "deadlineAt", p.DeadlineAt)

	t.schedule(ctx, p)
	if t.notifier != nil && p.CustomerPhone != "" {
		if err := t.notifier.SendOtp(ctx, p.CustomerPhone, p.OTP); err != nil {
			logging.L(ctx).Warn("failed to send one-time code",
				"paymentId", p.ID, "error", fmt.Errorf("%w: %w", faults.ErrDependencyUnavailable, err))
		}
	}
	t.evaluatePatterns(ctx, p, collectedSource(p.ID))
	return p, nil
}

// VerifyOTP checks the customer's one-time code. A wrong code flags the
// payment FLAGGED_INVALID_OTP and records a signal before the error returns.
// A payment already flagged late may still verify its code once, which is
// what a late deposit needs.
func (t *Tracker) VerifyOTP(ctx context.Context, id, code string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "custody.VerifyOTP", traces.PaymentID(id))
	defer span.End()

	unlock := t.locks.Lock(id)
	defer unlock()

	p, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OTPVerified || (p.Status != StatusPendingOTP && p.Status != StatusFlaggedLate) {
		return nil, ErrInvalidCustodyTransition
	}

	now := t.now()
	from := p.Status
	if subtle.ConstantTimeCompare([]byte(code), []byte(p.OTP)) != 1 {
		logging.L(ctx).Warn("invalid one-time code", "paymentId", id, "actorId", p.ActorID)
		if err := t.record(ctx, risk.Signal{
			ActorID:    p.ActorID,
			EntityKind: risk.EntityPayment,
			EntityID:   p.ID,
			Type:       risk.SignalInvalidOTP,
			SourceKind: risk.SourceCustody,
			SourceID:   otpSource(p.ID),
		}); err != nil {
			return nil, err
		}
		p.Status = StatusFlaggedInvalidOTP
		p.UpdatedAt = now
		if err := t.store.UpdateIfStatus(ctx, p, from); err != nil {
			return nil, err
		}
		t.unschedule(ctx, id)
		t.recordTransition(ctx, p, from)
		if t.broadcaster != nil {
			t.broadcaster.BroadcastCustodyFlag(p.ActorID, p.ID, string(p.Status), 0)
		}
		return &Result{Payment: p, From: from, To: p.Status}, ErrInvalidOTP
	}

	if from == StatusPendingOTP {
		p.Status = StatusOTPVerified
	}
	p.OTPVerified = true
	p.OTPVerifiedAt = &now
	p.UpdatedAt = now
	if err := t.store.UpdateIfStatus(ctx, p, from); err != nil {
		return nil, err
	}
	t.recordTransition(ctx, p, from)
	return &Result{Payment: p, From: from, To: p.Status}, nil
}

// ConfirmDeposit records the bank deposit of a payment whose code was
// verified. A payment already flagged late still becomes DEPOSITED; the
// lateness signal stays in the audit trail.
func (t *Tracker) ConfirmDeposit(ctx context.Context, id, bankReference string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "custody.ConfirmDeposit", traces.PaymentID(id))
	defer span.End()

	if bankReference == "" {
		return nil, ErrMissingBankReference
	}

	unlock := t.locks.Lock(id)
	defer unlock()

	p, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusOTPVerified && p.Status != StatusFlaggedLate {
		if p.Status == StatusPendingOTP {
			return nil, ErrOTPNotVerified
		}
		return nil, ErrInvalidCustodyTransition
	}
	if !p.OTPVerified {
		return nil, ErrOTPNotVerified
	}

	now := t.now()
	from := p.Status
	p.LateHours = roundHours(math.Max(0, now.Sub(p.DeadlineAt).Hours()))

	// A deposit that beats the sweeper to a passed deadline is still late.
	// The signal shares the sweeper's source id, so only one is ever kept.
	if from != StatusFlaggedLate && p.LateHours > 0 {
		if err := t.record(ctx, lateSignal(p)); err != nil {
			return nil, err
		}
	}

	p.Status = StatusDeposited
	p.DepositedAt = &now
	p.BankReference = bankReference
	p.UpdatedAt = now
	if err := t.store.UpdateIfStatus(ctx, p, from); err != nil {
		return nil, err
	}
	t.unschedule(ctx, id)
	t.recordTransition(ctx, p, from)
	metrics.CustodyWindow.Observe(now.Sub(p.CollectedAt).Hours())

	if p.DocumentID != "" && t.documents != nil {
		if err := t.documents.MarkPaid(ctx, p.DocumentID); err != nil {
			logging.L(ctx).Warn("failed to mark document paid",
				"paymentId", p.ID, "documentId", p.DocumentID, "error", err)
		}
	}
	t.evaluatePatterns(ctx, p, depositedSource(p.ID))
	return &Result{Payment: p, From: from, To: p.Status}, nil
}

// Cancel voids a payment that has not been deposited or flagged. The
// deadline is dropped and the actor is not flagged. A linked document is
// cancelled too, so a new one must be issued.
func (t *Tracker) Cancel(ctx context.Context, id, reason string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "custody.Cancel", traces.PaymentID(id))
	defer span.End()

	unlock := t.locks.Lock(id)
	defer unlock()

	p, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.AwaitingDeposit() {
		return nil, ErrInvalidCustodyTransition
	}

	now := t.now()
	from := p.Status
	p.Status = StatusCancelled
	p.CancelledAt = &now
	p.CancelReason = reason
	p.UpdatedAt = now
	if err := t.store.UpdateIfStatus(ctx, p, from); err != nil {
		return nil, err
	}
	t.unschedule(ctx, id)
	t.recordTransition(ctx, p, from)

	if p.DocumentID != "" && t.documents != nil {
		if err := t.documents.Cancel(ctx, p.DocumentID); err != nil {
			logging.L(ctx).Warn("failed to cancel document",
				"paymentId", p.ID, "documentId", p.DocumentID, "error", err)
		}
	}
	return &Result{Payment: p, From: from, To: p.Status}, nil
}

// FlagLate moves a payment whose deadline passed to FLAGGED_LATE. It
// reports false without side effects when the payment is no longer
// awaiting deposit or its deadline has not passed.
func (t *Tracker) FlagLate(ctx context.Context, id string) (bool, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	p, err := t.store.Get(ctx, id)
	if errors.Is(err, ErrPaymentNotFound) {
		t.unschedule(ctx, id)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := t.now()
	if !p.AwaitingDeposit() {
		t.unschedule(ctx, id)
		return false, nil
	}
	if now.Before(p.DeadlineAt) {
		return false, nil
	}

	from := p.Status
	p.LateHours = roundHours(now.Sub(p.DeadlineAt).Hours())
	// The deadline stays indexed until the signal is in, so a failed record
	// is retried by the next sweep.
	if err := t.record(ctx, lateSignal(p)); err != nil {
		return false, err
	}

	p.Status = StatusFlaggedLate
	p.FlaggedLateAt = &now
	p.UpdatedAt = now
	err = t.store.UpdateIfStatus(ctx, p, from)
	if errors.Is(err, ErrInvalidCustodyTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.unschedule(ctx, id)
	t.recordTransition(ctx, p, from)
	metrics.SweeperFlagsTotal.Inc()
	logging.L(ctx).Warn("payment flagged late",
		"paymentId", p.ID, "actorId", p.ActorID, "lateHours", p.LateHours, "amount", p.Amount.String())

	if t.broadcaster != nil {
		t.broadcaster.BroadcastCustodyFlag(p.ActorID, p.ID, string(p.Status), p.LateHours)
	}
	if t.notifier != nil {
		if err := t.notifier.LateDeposit(ctx, p.ActorID, p.ID, p.LateHours); err != nil {
			logging.L(ctx).Warn("failed to send late-deposit alert",
				"paymentId", p.ID, "error", fmt.Errorf("%w: %w", faults.ErrDependencyUnavailable, err))
		}
	}
	return true, nil
}

// Get returns a custody record.
func (t *Tracker) Get(ctx context.Context, id string) (*PaymentCustody, error) {
	return t.store.Get(ctx, id)
}

// ListByActor returns an actor's most recent custody records.
func (t *Tracker) ListByActor(ctx context.Context, actorID string, limit int) ([]*PaymentCustody, error) {
	return t.store.ListByActor(ctx, actorID, limit)
}

// load wraps a missing payment into a transition failure, which is what
// callers of a transition see.
func (t *Tracker) load(ctx context.Context, id string) (*PaymentCustody, error) {
	p, err := t.store.Get(ctx, id)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCustodyTransition, err)
	}
	return p, err
}

func lateSignal(p *PaymentCustody) risk.Signal {
	return risk.Signal{
		ActorID:    p.ActorID,
		EntityKind: risk.EntityPayment,
		EntityID:   p.ID,
		Type:       risk.SignalFlaggedLate,
		Magnitude:  p.LateHours,
		SourceKind: risk.SourceCustody,
		SourceID:   deadlineSource(p.ID),
	}
}

// record hands sig to the scoring engine. Callers record before they commit
// the transition the signal describes, and abort it on failure.
func (t *Tracker) record(ctx context.Context, sig risk.Signal) error {
	if t.sink == nil {
		return nil
	}
	if err := t.sink.Emit(ctx, sig); err != nil {
		logging.L(ctx).Error("failed to record custody signal",
			"paymentId", sig.EntityID, "signalType", sig.Type, "error", err)
		return fmt.Errorf("%w: record %s signal: %w", faults.ErrDependencyUnavailable, sig.Type, err)
	}
	return nil
}

func (t *Tracker) evaluatePatterns(ctx context.Context, p *PaymentCustody, sourceID string) {
	if t.patterns == nil {
		return
	}
	recent, err := t.store.ListByActor(ctx, p.ActorID, historySize+1)
	if err != nil {
		logging.L(ctx).Warn("failed to load payment history", "actorId", p.ActorID, "error", err)
		return
	}
	history := make([]risk.PaymentFact, 0, len(recent))
	for _, r := range recent {
		if r.ID != p.ID && r.Status != StatusCancelled {
			history = append(history, r.fact())
		}
	}
	findings, err := t.patterns.EvaluatePayment(ctx, p.ActorID, sourceID, p.fact(), history)
	if err != nil {
		logging.L(ctx).Error("failed to record pattern findings", "paymentId", p.ID, "error", err)
	}
	for _, f := range findings {
		logging.L(ctx).Info("payment pattern detected", "paymentId", p.ID, "actorId", p.ActorID, "rule", f.Rule, "reason", f.Reason)
	}
}

func (t *Tracker) schedule(ctx context.Context, p *PaymentCustody) {
	if t.index == nil {
		return
	}
	if err := t.index.Schedule(ctx, p.ID, p.DeadlineAt); err != nil {
		logging.L(ctx).Warn("failed to index deposit deadline",
			"paymentId", p.ID, "error", fmt.Errorf("%w: %w", faults.ErrDependencyUnavailable, err))
	}
}

func (t *Tracker) unschedule(ctx context.Context, id string) {
	if t.index == nil {
		return
	}
	if err := t.index.Remove(ctx, id); err != nil {
		logging.L(ctx).Warn("failed to drop indexed deadline",
			"paymentId", id, "error", fmt.Errorf("%w: %w", faults.ErrDependencyUnavailable, err))
	}
}

func (t *Tracker) recordTransition(ctx context.Context, p *PaymentCustody, from Status) {
	metrics.CustodyTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
	logging.L(ctx).Info("custody transition", "paymentId", p.ID, "from", from, "to", p.Status)
}

func roundHours(h float64) float64 {
	return math.Round(h*1000) / 1000
}
