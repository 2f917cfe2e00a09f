package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fieldguard/internal/faults"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(c.Now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("classifier")
	b.RecordFailure("classifier")
	assert.True(t, b.Allow("classifier"), "should still allow before threshold")

	b.RecordFailure("classifier")
	assert.False(t, b.Allow("classifier"))
	assert.Equal(t, StateOpen, b.State("classifier"))
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, c := newTestBreaker(2)
	b.RecordFailure("classifier")
	b.RecordFailure("classifier")
	require.False(t, b.Allow("classifier"))

	c.Advance(time.Minute)
	assert.True(t, b.Allow("classifier"))
	assert.Equal(t, StateHalfOpen, b.State("classifier"))
	assert.False(t, b.Allow("classifier"), "second request during the trial is rejected")
}

func TestBreaker_TrialOutcome(t *testing.T) {
	b, c := newTestBreaker(1)
	b.RecordFailure("a")
	b.RecordFailure("b")
	c.Advance(time.Minute)
	require.True(t, b.Allow("a"))
	require.True(t, b.Allow("b"))

	b.RecordSuccess("a")
	b.RecordFailure("b")

	assert.Equal(t, StateClosed, b.State("a"))
	assert.Equal(t, StateOpen, b.State("b"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("hook-1")
	assert.False(t, b.Allow("hook-1"))
	assert.True(t, b.Allow("hook-2"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx := context.Background()

	require.NoError(t, b.Do(ctx, "k", func(context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, b.Do(ctx, "k", func(context.Context) error { return boom }), boom)

	err := b.Do(ctx, "k", func(context.Context) error {
		t.Fatal("must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, faults.ErrDependencyUnavailable)
}

func TestBreaker_DoIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = b.Do(ctx, "k", func(ctx context.Context) error { return ctx.Err() })
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1)
	got := make(chan State, 1)
	b.OnTransition(func(_ string, _, to State) { got <- to })

	b.RecordFailure("k")
	select {
	case to := <-got:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
