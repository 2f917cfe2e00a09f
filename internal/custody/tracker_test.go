package custody

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/risk"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDocs struct {
	mu        sync.Mutex
	closed    map[string]bool
	paid      []string
	cancelled []string
}

func (d *fakeDocs) EnsurePayable(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed[id] {
		return fmt.Errorf("%w: document closed", faults.ErrStateConflict)
	}
	return nil
}

func (d *fakeDocs) MarkPaid(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paid = append(d.paid, id)
	return nil
}

func (d *fakeDocs) Cancel(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return nil
}

// flakySink fails every Emit while down is set.
type flakySink struct {
	mu    sync.Mutex
	inner SignalSink
	down  bool
}

func (s *flakySink) Emit(ctx context.Context, sig risk.Signal) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("risk store unreachable")
	}
	return s.inner.Emit(ctx, sig)
}

func (s *flakySink) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	late  []string
	err   error
}

func (n *fakeNotifier) SendOtp(_ context.Context, phone, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = map[string]string{}
	}
	n.codes[phone] = code
	return n.err
}

func (n *fakeNotifier) LateDeposit(_ context.Context, _, paymentID string, _ float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.late = append(n.late, paymentID)
	return n.err
}

type fixture struct {
	tracker  *Tracker
	engine   *risk.Engine
	signals  *risk.MemoryStore
	clock    *fakeClock
	docs     *fakeDocs
	notifier *fakeNotifier
	index    *MemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: t0}
	signals := risk.NewMemoryStore()
	engine := risk.NewEngine(signals, logger).WithClock(clock.Now)
	f := &fixture{
		engine:   engine,
		signals:  signals,
		clock:    clock,
		docs:     &fakeDocs{closed: map[string]bool{}},
		notifier: &fakeNotifier{},
		index:    NewMemoryIndex(),
	}
	f.tracker = NewTracker(NewMemoryStore(), engine, logger).
		WithPatterns(engine).
		WithScores(engine).
		WithDocuments(f.docs).
		WithNotifier(f.notifier).
		WithIndex(f.index).
		WithClock(clock.Now).
		WithOTPGenerator(func() string { return "A1B2C3" })
	return f
}

func (f *fixture) score(t *testing.T, actorID string) float64 {
	t.Helper()
	s, err := f.engine.CurrentScore(context.Background(), actorID)
	require.NoError(t, err)
	return s
}

func (f *fixture) signalTypes(t *testing.T, paymentID string) []risk.SignalType {
	t.Helper()
	sigs, err := f.signals.ListEntitySignals(context.Background(), risk.EntityPayment, paymentID)
	require.NoError(t, err)
	out := make([]risk.SignalType, len(sigs))
	for i, s := range sigs {
		out[i] = s.Type
	}
	return out
}

func collect(t *testing.T, f *fixture, actorID string) *PaymentCustody {
	t.Helper()
	p, err := f.tracker.Collect(context.Background(), CollectRequest{
		ActorID:       actorID,
		Amount:        "500000",
		Method:        "cash",
		DocumentID:    "nota_1",
		CustomerPhone: "+628123456789",
	})
	require.NoError(t, err)
	return p
}

func TestCollect_CreatesPendingRecord(t *testing.T) {
	f := newFixture(t)
	p := collect(t, f, "agent_1")

	assert.Equal(t, StatusPendingOTP, p.Status)
	assert.True(t, decimal.RequireFromString("500000").Equal(p.Amount))
	assert.Equal(t, t0.Add(DefaultDepositDeadline), p.DeadlineAt)
	assert.Equal(t, "A1B2C3", f.notifier.codes["+628123456789"])

	due, _ := f.index.Due(context.Background(), p.DeadlineAt, 10)
	assert.Equal(t, []string{p.ID}, due)
}

func TestCollect_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "abc", "10.005"} {
		_, err := f.tracker.Collect(ctx, CollectRequest{ActorID: "a", Amount: amount})
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
	}
	_, err := f.tracker.Collect(ctx, CollectRequest{ActorID: "a", Amount: "10.50", Method: "crypto"})
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestCollect_ClosedDocument(t *testing.T) {
	f := newFixture(t)
	f.docs.closed["nota_1"] = true
	_, err := f.tracker.Collect(context.Background(), CollectRequest{ActorID: "a", Amount: "100", DocumentID: "nota_1"})
	assert.True(t, errors.Is(err, faults.ErrStateConflict))
}

func TestCollect_BlockedAboveThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Four QR mismatches put the actor at 0.8.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.engine.Emit(ctx, risk.Signal{
			ActorID: "agent_bad", EntityKind: risk.EntityDocument, EntityID: "doc",
			Type: risk.SignalQRMismatch, SourceKind: risk.SourceScan, SourceID: fmt.Sprintf("scan_%d", i),
		}))
	}

	_, err := f.tracker.Collect(ctx, CollectRequest{ActorID: "agent_bad", Amount: "100"})
	assert.ErrorIs(t, err, ErrCollectionBlocked)
	assert.Equal(t, 403, faults.HTTPStatus(err))

	payments, _ := f.tracker.ListByActor(ctx, "agent_bad", 10)
	assert.Empty(t, payments)
}

func TestVerifyOTP_Success(t *testing.T) {
	f := newFixture(t)
	p := collect(t, f, "agent_1")
	f.clock.Advance(10 * time.Minute)

	res, err := f.tracker.VerifyOTP(context.Background(), p.ID, "A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOTP, res.From)
	assert.Equal(t, StatusOTPVerified, res.To)
	assert.True(t, res.Payment.OTPVerified)
	require.NotNil(t, res.Payment.OTPVerifiedAt)
	assert.Equal(t, t0.Add(10*time.Minute), *res.Payment.OTPVerifiedAt)

	_, err = f.tracker.VerifyOTP(context.Background(), p.ID, "A1B2C3")
	assert.ErrorIs(t, err, ErrInvalidCustodyTransition)
}

func TestVerifyOTP_MismatchFlags(t *testing.T) {
	f := newFixture(t)
	p := collect(t, f, "agent_1")

	res, err := f.tracker.VerifyOTP(context.Background(), p.ID, "a1b2c3")
	require.ErrorIs(t, err, ErrInvalidOTP)
	require.NotNil(t, res)
	assert.Equal(t, StatusFlaggedInvalidOTP, res.Payment.Status)
	assert.Contains(t, f.signalTypes(t, p.ID), risk.SignalInvalidOTP)
	assert.InDelta(t, 0.2, f.score(t, "agent_1"), 1e-9)

	due, _ := f.index.Due(context.Background(), p.DeadlineAt.Add(time.Hour), 10)
	assert.Empty(t, due, "flagged payment leaves the deadline index")
}

func TestVerifyOTP_UnknownPayment(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.VerifyOTP(context.Background(), "pay_missing", "A1B2C3")
	assert.ErrorIs(t, err, ErrInvalidCustodyTransition)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestConfirmDeposit_OnTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := collect(t, f, "agent_1")
	_, err := f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	res, err := f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-778812")
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, res.To)
	assert.Equal(t, 0.0, res.Payment.LateHours)
	assert.Equal(t, "BCA-778812", res.Payment.BankReference)
	assert.Equal(t, []string{"nota_1"}, f.docs.paid)
	assert.Equal(t, 0.0, f.score(t, "agent_1"))
}

func TestConfirmDeposit_RequiresVerifiedOTP(t *testing.T) {
	f := newFixture(t)
	p := collect(t, f, "agent_1")

	_, err := f.tracker.ConfirmDeposit(context.Background(), p.ID, "BCA-1")
	assert.ErrorIs(t, err, ErrInvalidCustodyTransition)

	_, err = f.tracker.ConfirmDeposit(context.Background(), p.ID, "")
	assert.ErrorIs(t, err, ErrMissingBankReference)
}

func TestConfirmDeposit_LateBeforeSweepEmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := collect(t, f, "agent_1")
	_, err := f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	require.NoError(t, err)

	f.clock.Advance(26 * time.Hour)
	res, err := f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Payment.LateHours, 1e-9)
	assert.Equal(t, []risk.SignalType{risk.SignalFlaggedLate}, f.signalTypes(t, p.ID))

	flagged, err := f.tracker.FlagLate(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, flagged)
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)
}

// Collected 500000 cash, OTP verified after 10 minutes, no deposit: one
// minute past the 24h window the payment is flagged late exactly once.
func TestLateDepositScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := collect(t, f, "agent_1")
	f.clock.Advance(10 * time.Minute)
	_, err := f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	require.NoError(t, err)

	f.clock.Advance(23*time.Hour + 40*time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deadline not reached")

	f.clock.Advance(11 * time.Minute)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.tracker.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFlaggedLate, got.Status)
	assert.InDelta(t, 1.0/60, got.LateHours, 0.001)
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)
	assert.Equal(t, []string{p.ID}, f.notifier.late)

	// The deadline firing again changes nothing.
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	flagged, err := f.tracker.FlagLate(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, flagged)
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)

	// A deposit after the flag closes custody and keeps the record of lateness.
	f.clock.Advance(2 * time.Hour)
	res, err := f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-99")
	require.NoError(t, err)
	assert.Equal(t, StatusFlaggedLate, res.From)
	assert.Equal(t, StatusDeposited, res.To)
	assert.Equal(t, []risk.SignalType{risk.SignalFlaggedLate}, f.signalTypes(t, p.ID))
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)
}

func TestFlagLate_ConcurrentFiresFlagOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := collect(t, f, "agent_1")
	f.clock.Advance(25 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flagged int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.tracker.FlagLate(ctx, p.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				flagged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flagged)
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := collect(t, f, "agent_1")

	res, err := f.tracker.Cancel(ctx, p.ID, "customer disputed invoice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.To)
	assert.Equal(t, []string{"nota_1"}, f.docs.cancelled)

	f.clock.Advance(48 * time.Hour)
	flagged, err := f.tracker.FlagLate(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, flagged, "cancelled payment is never flagged late")
	assert.Equal(t, 0.0, f.score(t, "agent_1"))

	_, err = f.tracker.Cancel(ctx, p.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidCustodyTransition)
}

func TestNotifierFailureDoesNotBlockCollection(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("sms gateway down")
	p := collect(t, f, "agent_1")
	assert.Equal(t, StatusPendingOTP, p.Status)
}

func TestCollect_DocumentBacksOnePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := collect(t, f, "agent_1")

	_, err := f.tracker.Collect(ctx, CollectRequest{ActorID: "agent_2", Amount: "500000", DocumentID: "nota_1"})
	assert.ErrorIs(t, err, ErrDocumentReserved)
	assert.Equal(t, 409, faults.HTTPStatus(err))

	// Settling the first payment does not free the document either.
	_, err = f.tracker.VerifyOTP(ctx, first.ID, "A1B2C3")
	require.NoError(t, err)
	_, err = f.tracker.ConfirmDeposit(ctx, first.ID, "BCA-1")
	require.NoError(t, err)
	_, err = f.tracker.Collect(ctx, CollectRequest{ActorID: "agent_1", Amount: "500000", DocumentID: "nota_1"})
	assert.ErrorIs(t, err, ErrDocumentReserved)
}

func TestConfirmDeposit_LateUnverifiedNeedsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := collect(t, f, "agent_1")

	f.clock.Advance(25 * time.Hour)
	flagged, err := f.tracker.FlagLate(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, flagged)

	_, err = f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-1")
	assert.ErrorIs(t, err, ErrOTPNotVerified)
	got, _ := f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusFlaggedLate, got.Status)

	res, err := f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, StatusFlaggedLate, res.To)
	assert.True(t, res.Payment.OTPVerified)

	_, err = f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	assert.ErrorIs(t, err, ErrInvalidCustodyTransition)

	res, err = f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeposited, res.To)
	assert.Equal(t, []risk.SignalType{risk.SignalFlaggedLate}, f.signalTypes(t, p.ID))
}

func TestFlagLate_SignalFailureKeepsPaymentDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &flakySink{inner: f.engine, down: true}
	f.tracker.sink = sink
	sweeper := NewSweeper(f.tracker, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := collect(t, f, "agent_1")
	f.clock.Advance(25 * time.Hour)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, _ := f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusPendingOTP, got.Status)
	assert.Empty(t, f.notifier.late)

	sink.setDown(false)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusFlaggedLate, got.Status)
	assert.Equal(t, []risk.SignalType{risk.SignalFlaggedLate}, f.signalTypes(t, p.ID))
	assert.InDelta(t, 0.05, f.score(t, "agent_1"), 1e-9)
}

func TestVerifyOTP_SignalFailureLeavesPaymentPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &flakySink{inner: f.engine, down: true}
	f.tracker.sink = sink
	p := collect(t, f, "agent_1")

	_, err := f.tracker.VerifyOTP(ctx, p.ID, "WRONG1")
	assert.ErrorIs(t, err, faults.ErrDependencyUnavailable)
	got, _ := f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusPendingOTP, got.Status)

	sink.setDown(false)
	_, err = f.tracker.VerifyOTP(ctx, p.ID, "WRONG1")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	got, _ = f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusFlaggedInvalidOTP, got.Status)
	assert.Contains(t, f.signalTypes(t, p.ID), risk.SignalInvalidOTP)
}

func TestConfirmDeposit_LateSignalFailureAbortsDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &flakySink{inner: f.engine}
	f.tracker.sink = sink
	p := collect(t, f, "agent_1")
	_, err := f.tracker.VerifyOTP(ctx, p.ID, "A1B2C3")
	require.NoError(t, err)

	f.clock.Advance(26 * time.Hour)
	sink.setDown(true)
	_, err = f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-1")
	assert.ErrorIs(t, err, faults.ErrDependencyUnavailable)
	got, _ := f.tracker.Get(ctx, p.ID)
	assert.Equal(t, StatusOTPVerified, got.Status)
	assert.Empty(t, f.docs.paid)

	sink.setDown(false)
	_, err = f.tracker.ConfirmDeposit(ctx, p.ID, "BCA-1")
	require.NoError(t, err)
	assert.Equal(t, []risk.SignalType{risk.SignalFlaggedLate}, f.signalTypes(t, p.ID))
}
