package visit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/qrledger"
	"github.com/mbd888/fieldguard/internal/risk"
	"github.com/mbd888/fieldguard/internal/traces"
)

// Recorder turns visit claims into outcomes.
type Recorder struct {
	targets    TargetStore
	outcomes   OutcomeStore
	scanner    DocumentScanner
	sink       SignalSink
	tolerances geo.Tolerances
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecorder creates a visit recorder. scanner may be nil when QR
// documents are not in use.
func NewRecorder(targets TargetStore, outcomes OutcomeStore, scanner DocumentScanner, sink SignalSink, logger *slog.Logger) *Recorder {
	return &Recorder{
		targets:    targets,
		outcomes:   outcomes,
		scanner:    scanner,
		sink:       sink,
		tolerances: geo.NewTolerances(geo.DefaultToleranceMeters),
		logger:     logger,
		now:        time.Now,
	}
}

// WithTolerances sets the per-kind geofence radii.
func (r *Recorder) WithTolerances(t geo.Tolerances) *Recorder {
	r.tolerances = t
	return r
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// RecordVisit validates the claimed location and the presented QR code and
// stores the outcome. Location failures and QR mismatches are outcomes,
// not errors; each is recorded as a signal. An unknown target has no
// reference point and fails closed.
func (r *Recorder) RecordVisit(ctx context.Context, claim Claim) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "visit.RecordVisit", traces.ActorID(claim.ActorID))
	defer span.End()

	if err := claim.ClaimedPoint.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	if claim.ClaimedAt.IsZero() {
		claim.ClaimedAt = now
	}
	if claim.ClaimedAt.After(now.Add(maxClockSkew)) {
		return nil, ErrFutureClaim
	}

	target, err := r.targets.Get(ctx, claim.TargetID)
	if err != nil && !errors.Is(err, ErrTargetNotFound) {
		return nil, err
	}

	o := &Outcome{
		VisitID:      idgen.WithPrefix("vst_"),
		ActorID:      claim.ActorID,
		TargetID:     claim.TargetID,
		DocumentID:   claim.DocumentID,
		ClaimedPoint: claim.ClaimedPoint,
		ClaimedAt:    claim.ClaimedAt,
		Flags:        []string{},
		CreatedAt:    now,
	}
	var reference *geo.Point
	if target != nil {
		o.TargetKind = target.Kind
		reference = target.Point
		if o.DocumentID == "" {
			o.DocumentID = target.DocumentID
		}
	}
	span.SetAttributes(traces.VisitID(o.VisitID))

	// The scan runs first so a closed or unknown document rejects the claim
	// before anything is recorded.
	if err := r.scan(ctx, o, claim.PresentedQR); err != nil {
		return nil, err
	}

	loc := geo.Validate(claim.ClaimedPoint, reference, r.tolerances.For(o.TargetKind))
	o.ToleranceMeters = loc.ToleranceMeters
	o.LocationValid = loc.WithinTolerance
	if reference != nil {
		d := loc.DistanceMeters
		o.DistanceMeters = &d
	}
	switch {
	case loc.Flag == geo.FlagNoReference:
		o.Flags = append(o.Flags, FlagNoReference)
	case !loc.WithinTolerance:
		o.Flags = append(o.Flags, FlagOutOfRange)
	}

	if err := r.outcomes.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store visit outcome: %w", err)
	}
	metrics.VisitsTotal.WithLabelValues(o.label()).Inc()

	if o.HasFlag(FlagNoReference) {
		r.emit(ctx, o, risk.SignalNoReference)
	}
	if o.HasFlag(FlagOutOfRange) {
		r.emit(ctx, o, risk.SignalOutOfRange)
	}

	logging.L(ctx).Info("visit recorded",
		"visitId", o.VisitID, "actorId", o.ActorID, "targetId", o.TargetID,
		"locationValid", o.LocationValid, "qrValid", o.QRValid, "flags", o.Flags)
	return o, nil
}

// scan checks the presented QR code. The ledger records its own mismatch
// and replay signals under the visit id.
func (r *Recorder) scan(ctx context.Context, o *Outcome, presented string) error {
	if presented == "" {
		return nil
	}
	if o.DocumentID == "" || r.scanner == nil {
		return ErrNoDocument
	}
	res, err := r.scanner.Scan(ctx, o.DocumentID, presented, qrledger.ScanContext{
		ActorID: o.ActorID,
		EventID: o.VisitID,
	})
	if errors.Is(err, qrledger.ErrQrMismatch) {
		o.Flags = append(o.Flags, FlagQRMismatch)
		if res != nil {
			o.ScanOrdinal = res.Ordinal
		}
		return nil
	}
	if err != nil {
		return err
	}
	o.QRValid = res.Valid
	o.ScanOrdinal = res.Ordinal
	if res.Replay {
		o.Flags = append(o.Flags, FlagQRReplay)
	}
	return nil
}

func (r *Recorder) emit(ctx context.Context, o *Outcome, typ risk.SignalType) {
	if r.sink == nil {
		return
	}
	var magnitude float64
	if o.DistanceMeters != nil {
		magnitude = *o.DistanceMeters
	}
	err := r.sink.Emit(ctx, risk.Signal{
		ActorID:    o.ActorID,
		EntityKind: risk.EntityVisit,
		EntityID:   o.VisitID,
		Type:       typ,
		Magnitude:  magnitude,
		SourceKind: risk.SourceVisit,
		SourceID:   o.VisitID,
	})
	if err != nil {
		logging.L(ctx).Error("failed to record visit signal",
			"visitId", o.VisitID, "signalType", typ, "error", err)
	}
}

// GetOutcome returns a recorded visit.
func (r *Recorder) GetOutcome(ctx context.Context, id string) (*Outcome, error) {
	return r.outcomes.Get(ctx, id)
}

// ListByActor returns an actor's most recent visits.
func (r *Recorder) ListByActor(ctx context.Context, actorID string, limit int) ([]*Outcome, error) {
	return r.outcomes.ListByActor(ctx, actorID, limit)
}

// RegisterTarget creates or updates a target.
func (r *Recorder) RegisterTarget(ctx context.Context, t *Target) (*Target, error) {
	if t.Point != nil {
		if err := t.Point.Validate(); err != nil {
			return nil, err
		}
	}
	now := r.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return r.targets.Upsert(ctx, t)
}

// GetTarget returns a target.
func (r *Recorder) GetTarget(ctx context.Context, id string) (*Target, error) {
	return r.targets.Get(ctx, id)
}
