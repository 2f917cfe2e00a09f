package qrledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/risk"
)

type captureSink struct {
	mu      sync.Mutex
	signals []risk.Signal
	err     error
}

func (s *captureSink) Emit(_ context.Context, sig risk.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return s.err
}

func (s *captureSink) types() []risk.SignalType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]risk.SignalType, len(s.signals))
	for i, sig := range s.signals {
		out[i] = sig.Type
	}
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	return NewLedger(NewMemoryStore(), sink, slog.New(slog.NewTextHandler(io.Discard, nil))), sink
}

func TestScan_ReplayOnlyPastThreshold(t *testing.T) {
	l, sink := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Issue(ctx, "doc_1", "H1")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res, err := l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1", EventID: fmt.Sprintf("scan_%d", i)})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, i, res.Ordinal)
		assert.False(t, res.Replay)
	}
	assert.Empty(t, sink.types(), "no signal before the threshold")

	res, err := l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1", EventID: "scan_4"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Replay)
	assert.Equal(t, 4, res.Ordinal)
	assert.Equal(t, []risk.SignalType{risk.SignalQRReplay}, sink.types())
	assert.Equal(t, "scan_4", sink.signals[0].SourceID)
	assert.Equal(t, risk.SourceScan, sink.signals[0].SourceKind)
}

func TestScan_MismatchDoesNotCount(t *testing.T) {
	l, sink := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Issue(ctx, "doc_1", "H1")
	require.NoError(t, err)

	res, err := l.Scan(ctx, "doc_1", "H2", ScanContext{ActorID: "a1", EventID: "scan_1"})
	require.ErrorIs(t, err, ErrQrMismatch)
	assert.ErrorIs(t, err, faults.ErrValidation)
	require.NotNil(t, res)
	assert.False(t, res.Valid)

	doc, err := l.Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, 0, doc.ScanCount)
	assert.Equal(t, StatusActive, doc.Status)

	require.Len(t, sink.signals, 1)
	sig := sink.signals[0]
	assert.Equal(t, risk.SignalQRMismatch, sig.Type)
	assert.Equal(t, "a1", sig.ActorID)
	assert.Equal(t, "doc_1", sig.EntityID)
}

func TestScan_MismatchSignalWeightThroughEngine(t *testing.T) {
	engine := risk.NewEngine(risk.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	l := NewLedger(NewMemoryStore(), engine, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	_, err := l.Issue(ctx, "doc_1", "H1")
	require.NoError(t, err)

	_, err = l.Scan(ctx, "doc_1", "H2", ScanContext{ActorID: "a1", EventID: "scan_1"})
	require.ErrorIs(t, err, ErrQrMismatch)

	page, _, _, err := engine.ListActorSignals(ctx, "a1", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 0.9, page[0].Weight)
}

func TestScan_FirstValidScanMovesToProcessPayment(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Issue(ctx, "doc_1", "H1")

	res, err := l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessPayment, res.Status)
	assert.NotEmpty(t, res.ScanID)
}

func TestScan_ClosedAndUnknownDocuments(t *testing.T) {
	l, sink := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Scan(ctx, "missing", "H1", ScanContext{ActorID: "a1"})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, _ = l.Issue(ctx, "doc_1", "H1")
	_, err = l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1"})
	require.NoError(t, err)
	_, err = l.MarkPaid(ctx, "doc_1")
	require.NoError(t, err)

	_, err = l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1"})
	assert.ErrorIs(t, err, ErrDocumentClosed)
	_, err = l.Scan(ctx, "doc_1", "wrong", ScanContext{ActorID: "a1"})
	assert.ErrorIs(t, err, ErrDocumentClosed, "closed check comes before the hash check")
	assert.Empty(t, sink.signals)
}

func TestScan_ConcurrentOrdinalsAreUnique(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Issue(ctx, "doc_1", "H1")

	const n = 20
	ordinals := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Scan(ctx, "doc_1", "H1", ScanContext{ActorID: "a1", EventID: fmt.Sprintf("s%d", i)})
			if err == nil {
				ordinals <- res.Ordinal
			}
		}(i)
	}
	wg.Wait()
	close(ordinals)

	seen := make(map[int]bool)
	for o := range ordinals {
		assert.False(t, seen[o], "ordinal %d assigned twice", o)
		seen[o] = true
	}
	assert.Len(t, seen, n)
	doc, _ := l.Get(ctx, "doc_1")
	assert.Equal(t, n, doc.ScanCount)
}

func TestScan_SinkFailureDoesNotHideOutcome(t *testing.T) {
	l, sink := newTestLedger(t)
	sink.err = errors.New("risk store down")
	ctx := context.Background()
	_, _ = l.Issue(ctx, "doc_1", "H1")

	_, err := l.Scan(ctx, "doc_1", "bad", ScanContext{ActorID: "a1"})
	assert.ErrorIs(t, err, ErrQrMismatch)
}

func TestLifecycle_NoReactivation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Issue(ctx, "doc_1", "H1")

	_, err := l.MarkPaid(ctx, "doc_1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "an unscanned document cannot be paid")

	_, err = l.Cancel(ctx, "doc_1")
	require.NoError(t, err)
	_, err = l.Cancel(ctx, "doc_1")
	assert.ErrorIs(t, err, ErrDocumentClosed)
	_, err = l.MarkPaid(ctx, "doc_1")
	assert.ErrorIs(t, err, ErrDocumentClosed)
	assert.ErrorIs(t, l.EnsurePayable(ctx, "doc_1"), ErrDocumentClosed)
}

func TestEnsurePayable_RequiresValidScan(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Issue(ctx, "nota_1", "H1")

	assert.ErrorIs(t, l.EnsurePayable(ctx, "nota_1"), ErrNotScanned)

	_, err := l.Scan(ctx, "nota_1", "bad", ScanContext{ActorID: "a1"})
	require.ErrorIs(t, err, ErrQrMismatch)
	assert.ErrorIs(t, l.EnsurePayable(ctx, "nota_1"), ErrNotScanned, "a mismatched scan does not open payment")

	_, err = l.Scan(ctx, "nota_1", "H1", ScanContext{ActorID: "a1"})
	require.NoError(t, err)
	assert.NoError(t, l.EnsurePayable(ctx, "nota_1"))

	_, err = l.MarkPaid(ctx, "nota_1")
	require.NoError(t, err)
	assert.ErrorIs(t, l.EnsurePayable(ctx, "nota_1"), ErrDocumentClosed)
	assert.ErrorIs(t, l.EnsurePayable(ctx, "missing"), ErrDocumentNotFound)
}

func TestIssue(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	doc, err := l.Issue(ctx, "", "H1")
	require.NoError(t, err)
	assert.Contains(t, doc.ID, "doc_")
	assert.Equal(t, StatusActive, doc.Status)

	_, err = l.Issue(ctx, doc.ID, "H2")
	assert.ErrorIs(t, err, ErrDocumentExists)
	_, err = l.Issue(ctx, "doc_x", "")
	assert.ErrorIs(t, err, ErrMissingHash)
}
