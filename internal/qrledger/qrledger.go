// Package qrledger tracks one-time QR documents (notas) and their scans.
//
// Lifecycle:
//
//	ACTIVE --valid scan--> PROCESS_PAYMENT --deposit confirmed--> PAID
//	ACTIVE | PROCESS_PAYMENT --cancel--> CANCELLED
//
// There is no way back to ACTIVE. A failed payment needs a new document.
package qrledger

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/risk"
	"github.com/mbd888/fieldguard/internal/syncutil"
	"github.com/mbd888/fieldguard/internal/traces"
)

var (
	ErrDocumentNotFound  = fmt.Errorf("%w: document not found", faults.ErrNotFound)
	ErrDocumentExists    = fmt.Errorf("%w: document already issued", faults.ErrStateConflict)
	ErrQrMismatch        = fmt.Errorf("%w: presented QR hash does not match the issued document", faults.ErrValidation)
	ErrDocumentClosed    = fmt.Errorf("%w: document is paid or cancelled", faults.ErrStateConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid document transition", faults.ErrStateConflict)
	ErrMissingHash       = fmt.Errorf("%w: issued hash is required", faults.ErrValidation)
	ErrNotScanned        = fmt.Errorf("%w: document has no valid scan", faults.ErrStateConflict)
)

// DefaultReplayThreshold is the last ordinal that does not count as a replay.
const DefaultReplayThreshold = 3

// Status is a document lifecycle state.
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusProcessPayment Status = "PROCESS_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusCancelled      Status = "CANCELLED"
)

// IsClosed reports whether the status rejects further scans.
func (s Status) IsClosed() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Document is an issued one-time QR document.
type Document struct {
	ID         string    `json:"id"`
	IssuedHash string    `json:"-"`
	ScanCount  int       `json:"scanCount"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ScanContext identifies who scanned and which upstream event the scan
// belongs to. EventID becomes the source of any signal the scan produces.
type ScanContext struct {
	ActorID string
	EventID string
}

// ScanResult is the outcome of one scan.
type ScanResult struct {
	ScanID     string `json:"scanId"`
	DocumentID string `json:"documentId"`
	Valid      bool   `json:"valid"`
	Ordinal    int    `json:"ordinal"`
	Replay     bool   `json:"replay"`
	Status     Status `json:"status"`
}

// Store persists documents.
type Store interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// RecordScan atomically increments the scan count of an open document,
	// moving ACTIVE to PROCESS_PAYMENT. It returns ErrDocumentClosed if the
	// document closed since it was read.
	RecordScan(ctx context.Context, id string, at time.Time) (*Document, error)
	// Transition moves a document from one of the given states to to.
	Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Document, error)
}

// SignalSink receives fraud signals.
type SignalSink interface {
	Emit(ctx context.Context, sig risk.Signal) error
}

// Ledger issues documents and validates scans against them.
type Ledger struct {
	store           Store
	sink            SignalSink
	replayThreshold int
	locks           syncutil.ShardedMutex
	logger          *slog.Logger
	now             func() time.Time
}

// NewLedger creates a ledger that reports signals to sink.
func NewLedger(store Store, sink SignalSink, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:           store,
		sink:            sink,
		replayThreshold: DefaultReplayThreshold,
		logger:          logger,
		now:             time.Now,
	}
}

// WithReplayThreshold sets the last scan ordinal that is not a replay.
func (l *Ledger) WithReplayThreshold(n int) *Ledger {
	if n > 0 {
		l.replayThreshold = n
	}
	return l
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Issue creates an ACTIVE document. An empty id is generated.
func (l *Ledger) Issue(ctx context.Context, id, issuedHash string) (*Document, error) {
	if issuedHash == "" {
		return nil, ErrMissingHash
	}
	if id == "" {
		id = idgen.WithPrefix("doc_")
	}
	now := l.now()
	doc := &Document{
		ID:         id,
		IssuedHash: issuedHash,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	l.logger.Info("document issued", "documentId", id)
	return doc, nil
}

// Get returns a document.
func (l *Ledger) Get(ctx context.Context, id string) (*Document, error) {
	return l.store.Get(ctx, id)
}

// EnsurePayable returns nil if the document was validly scanned and is
// waiting for its payment. An ACTIVE document has not been presented to the
// customer yet and cannot back a collection.
func (l *Ledger) EnsurePayable(ctx context.Context, id string) error {
	doc, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch doc.Status {
	case StatusProcessPayment:
		return nil
	case StatusActive:
		return ErrNotScanned
	}
	return ErrDocumentClosed
}

// Scan validates presentedHash against the document and assigns the scan
// ordinal. A mismatch is recorded as a QR_MISMATCH signal before the error
// returns and leaves the scan count unchanged. Ordinals past the replay
// threshold are valid but record a QR_REPLAY signal.
func (l *Ledger) Scan(ctx context.Context, id, presentedHash string, sc ScanContext) (*ScanResult, error) {
	ctx, span := traces.StartSpan(ctx, "qrledger.Scan", traces.DocumentID(id), traces.ActorID(sc.ActorID))
	defer span.End()

	scanID := sc.EventID
	if scanID == "" {
		scanID = idgen.WithPrefix("scan_")
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	doc, err := l.store.Get(ctx, id)
	if err != nil {
		metrics.QRScansTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if doc.Status.IsClosed() {
		metrics.QRScansTotal.WithLabelValues("closed").Inc()
		return nil, ErrDocumentClosed
	}

	result := &ScanResult{ScanID: scanID, DocumentID: id, Status: doc.Status, Ordinal: doc.ScanCount}

	if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(doc.IssuedHash)) != 1 {
		metrics.QRScansTotal.WithLabelValues("mismatch").Inc()
		logging.L(ctx).Warn("QR hash mismatch", "documentId", id, "actorId", sc.ActorID, "scanId", scanID)
		l.emit(ctx, risk.Signal{
			ActorID:    sc.ActorID,
			EntityKind: risk.EntityDocument,
			EntityID:   id,
			Type:       risk.SignalQRMismatch,
			SourceKind: risk.SourceScan,
			SourceID:   scanID,
		})
		return result, ErrQrMismatch
	}

	doc, err = l.store.RecordScan(ctx, id, l.now())
	if err != nil {
		return nil, err
	}
	result.Valid = true
	result.Ordinal = doc.ScanCount
	result.Status = doc.Status

	if doc.ScanCount > l.replayThreshold {
		result.Replay = true
		metrics.QRScansTotal.WithLabelValues("replay").Inc()
		logging.L(ctx).Warn("QR document replayed", "documentId", id, "ordinal", doc.ScanCount, "actorId", sc.ActorID)
		l.emit(ctx, risk.Signal{
			ActorID:    sc.ActorID,
			EntityKind: risk.EntityDocument,
			EntityID:   id,
			Type:       risk.SignalQRReplay,
			Magnitude:  float64(doc.ScanCount),
			SourceKind: risk.SourceScan,
			SourceID:   scanID,
		})
	} else {
		metrics.QRScansTotal.WithLabelValues("valid").Inc()
	}
	return result, nil
}

// emit logs sink failures. A scan outcome stands even if scoring is down.
func (l *Ledger) emit(ctx context.Context, sig risk.Signal) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Emit(ctx, sig); err != nil {
		logging.L(ctx).Error("failed to record scan signal",
			"documentId", sig.EntityID, "signalType", sig.Type, "error", err)
	}
}

// MarkPaid closes a document whose payment was deposited.
func (l *Ledger) MarkPaid(ctx context.Context, id string) (*Document, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	doc, err := l.store.Transition(ctx, id, []Status{StatusProcessPayment}, StatusPaid, l.now())
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("document paid", "documentId", id)
	return doc, nil
}

// Cancel closes an open document.
func (l *Ledger) Cancel(ctx context.Context, id string) (*Document, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	doc, err := l.store.Transition(ctx, id, []Status{StatusActive, StatusProcessPayment}, StatusCancelled, l.now())
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("document cancelled", "documentId", id)
	return doc, nil
}

func allowed(s Status, from []Status) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// transitionError picks the error for a document in status s that is not
// in from.
func transitionError(s Status) error {
	if s.IsClosed() {
		return ErrDocumentClosed
	}
	return ErrInvalidTransition
}
