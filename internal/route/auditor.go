package route

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/risk"
	"github.com/mbd888/fieldguard/internal/traces"
)

// Auditor records traces and audits them.
type Auditor struct {
	store       Store
	sink        SignalSink
	limits      Limits
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuditor creates a route auditor with DefaultLimits.
func NewAuditor(store Store, sink SignalSink, logger *slog.Logger) *Auditor {
	return &Auditor{
		store:  store,
		sink:   sink,
		limits: DefaultLimits(),
		logger: logger,
		now:    time.Now,
	}
}

// WithLimits replaces the feasibility limits.
func (a *Auditor) WithLimits(l Limits) *Auditor {
	a.limits = l
	return a
}

// WithBroadcaster streams deviations.
func (a *Auditor) WithBroadcaster(b Broadcaster) *Auditor {
	a.broadcaster = b
	return a
}

// WithClock replaces the time source.
func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	a.now = now
	return a
}

// Limits returns the active limits.
func (a *Auditor) Limits() Limits {
	return a.limits
}

// SetPlan records the day's start point and planned stops.
func (a *Auditor) SetPlan(ctx context.Context, actorID, date string, start geo.Point, stops []PlannedStop) (*Trace, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if len(stops) > maxPlannedStops {
		return nil, ErrTooManyStops
	}
	for _, s := range stops {
		if err := s.Point.Validate(); err != nil {
			return nil, err
		}
	}

	now := a.now()
	t, err := a.store.SavePlan(ctx, &Trace{
		ActorID:      actorID,
		Date:         date,
		Start:        start,
		PlannedStops: stops,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save route plan: %w", err)
	}
	logging.L(ctx).Info("route plan saved", "actorId", actorID, "date", date, "stops", len(stops))
	return t, nil
}

// AddStop appends a reported GPS stop to the day's trace.
func (a *Auditor) AddStop(ctx context.Context, actorID, date string, point geo.Point, at time.Time) (*Trace, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	if err := point.Validate(); err != nil {
		return nil, err
	}
	now := a.now()
	if at.IsZero() {
		at = now
	}
	return a.store.AppendStop(ctx, actorID, date, ActualStop{Point: point, At: at}, now)
}

// Get returns a trace.
func (a *Auditor) Get(ctx context.Context, actorID, date string) (*Trace, error) {
	return a.store.Get(ctx, actorID, date)
}

// Audit checks the day's plan for feasibility and the reported stops for
// deviations, recording one ROUTE_DEVIATION signal per deviating stop.
// Auditing the same trace again records nothing new for stops already
// flagged.
func (a *Auditor) Audit(ctx context.Context, actorID, date string) (*AuditResult, error) {
	ctx, span := traces.StartSpan(ctx, "route.Audit", traces.ActorID(actorID), traces.TraceID(TraceID(actorID, date)))
	defer span.End()

	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	t, err := a.store.Get(ctx, actorID, date)
	if err != nil {
		return nil, err
	}

	plan := a.limits.Plan(t.Start, t.PlannedStops)
	deviations := a.limits.Deviations(t.Start, t.PlannedStops, t.ActualStops)
	metrics.RouteAuditsTotal.WithLabelValues(strconv.FormatBool(plan.Feasible)).Inc()

	traceID := t.ID()
	for _, d := range deviations {
		a.emit(ctx, t, traceID, d)
	}

	logging.L(ctx).Info("route audited",
		"actorId", actorID, "date", date, "feasible", plan.Feasible,
		"distanceKm", plan.TotalDistanceKm, "deviations", len(deviations))

	if deviations == nil {
		deviations = []Deviation{}
	}
	return &AuditResult{
		ActorID:    actorID,
		Date:       date,
		Plan:       plan,
		Deviations: deviations,
		AuditedAt:  a.now(),
	}, nil
}

// emit records the deviation and streams it the first time it is seen, so
// re-auditing a day does not repeat the alert.
func (a *Auditor) emit(ctx context.Context, t *Trace, traceID string, d Deviation) {
	if a.sink == nil {
		if a.broadcaster != nil {
			a.broadcaster.BroadcastDeviation(t.ActorID, traceID, d.Index, d.DistanceMeters)
		}
		return
	}
	_, created, err := a.sink.Record(ctx, &risk.Signal{
		ActorID:    t.ActorID,
		EntityKind: risk.EntityRoute,
		EntityID:   traceID,
		Type:       risk.SignalRouteDeviation,
		Magnitude:  d.DistanceMeters,
		SourceKind: risk.SourceRoute,
		SourceID:   traceID + "#" + strconv.Itoa(d.Index),
	})
	if err != nil {
		logging.L(ctx).Error("failed to record route deviation",
			"traceId", traceID, "stopIndex", d.Index, "error", err)
		return
	}
	if created && a.broadcaster != nil {
		a.broadcaster.BroadcastDeviation(t.ActorID, traceID, d.Index, d.DistanceMeters)
	}
}
