// Package route audits a field agent's working day: whether the planned
// stops fit in one day, and whether the reported GPS trace stayed on the plan.
package route

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/geo"
	"github.com/mbd888/fieldguard/internal/risk"
)

var (
	ErrTraceNotFound = fmt.Errorf("%w: route trace not found", faults.ErrNotFound)
	ErrInvalidDate   = fmt.Errorf("%w: date must be formatted YYYY-MM-DD", faults.ErrValidation)
	ErrTooManyStops  = fmt.Errorf("%w: too many planned stops", faults.ErrValidation)
)

const (
	// DateLayout is the layout of a working day key.
	DateLayout = "2006-01-02"
	// maxPlannedStops bounds the input size of a plan. Feasibility is
	// judged separately against Limits.MaxStops.
	maxPlannedStops = 100
)

// Limits are the daily feasibility caps and travel assumptions.
type Limits struct {
	MaxDistanceKm            float64 `json:"maxDistanceKm"`
	MaxStops                 int     `json:"maxStops"`
	WorkingHours             float64 `json:"workingHours"`
	DwellMinutes             float64 `json:"dwellMinutes"`
	SpeedKmh                 float64 `json:"speedKmh"`
	DeviationToleranceMeters float64 `json:"deviationToleranceMeters"`
}

// DefaultLimits returns 200 km, 8 stops, 8 working hours, 45 minutes per
// stop at 40 km/h and a 100 m deviation tolerance.
func DefaultLimits() Limits {
	return Limits{
		MaxDistanceKm:            200,
		MaxStops:                 8,
		WorkingHours:             8,
		DwellMinutes:             45,
		SpeedKmh:                 40,
		DeviationToleranceMeters: geo.DefaultToleranceMeters,
	}
}

// PlannedStop is one stop of the day's plan.
type PlannedStop struct {
	ID    string    `json:"id,omitempty"`
	Point geo.Point `json:"point"`
}

// ActualStop is one reported GPS stop.
type ActualStop struct {
	Point geo.Point `json:"point"`
	At    time.Time `json:"at"`
}

// Trace is an actor's plan and reported stops for one working day.
type Trace struct {
	ActorID      string        `json:"actorId"`
	Date         string        `json:"date"`
	Start        geo.Point     `json:"start"`
	PlannedStops []PlannedStop `json:"plannedStops"`
	ActualStops  []ActualStop  `json:"actualStops"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// TraceID identifies a trace in signals and events.
func TraceID(actorID, date string) string {
	return actorID + ":" + date
}

// ID returns the trace id.
func (t *Trace) ID() string {
	return TraceID(t.ActorID, t.Date)
}

// Leg is one hop of the ordered route.
type Leg struct {
	// StopIndex is the stop's position in the planned input.
	StopIndex     int       `json:"stopIndex"`
	StopID        string    `json:"stopId,omitempty"`
	Point         geo.Point `json:"point"`
	DistanceKm    float64   `json:"distanceKm"`
	TravelMinutes float64   `json:"travelMinutes"`
	// ArrivalMinutes is the arrival time in minutes after leaving the start.
	ArrivalMinutes float64 `json:"arrivalMinutes"`
}

// Plan is the feasibility verdict of a planned day.
type Plan struct {
	OrderedRoute     []Leg    `json:"orderedRoute"`
	TotalDistanceKm  float64  `json:"totalDistanceKm"`
	ReturnDistanceKm float64  `json:"returnDistanceKm"`
	TravelMinutes    float64  `json:"travelMinutes"`
	DwellMinutes     float64  `json:"dwellMinutes"`
	TotalMinutes     float64  `json:"totalMinutes"`
	Feasible         bool     `json:"feasible"`
	Violations       []string `json:"violations,omitempty"`
	EfficiencyScore  float64  `json:"efficiencyScore"`
}

// Deviation reasons.
const (
	ReasonOffRoute  = "off_route"
	ReasonUnplanned = "unplanned"
)

// Deviation is an actual stop the plan does not explain.
type Deviation struct {
	// Index is the stop's position in the actual trace.
	Index int       `json:"index"`
	Point geo.Point `json:"point"`
	At    time.Time `json:"at"`
	// NearestStopIndex is -1 when the plan has no stops; DistanceMeters is
	// then measured from the start point.
	NearestStopIndex int     `json:"nearestStopIndex"`
	DistanceMeters   float64 `json:"distanceMeters"`
	Reason           string  `json:"reason"`
}

// AuditResult is the auditRoute output.
type AuditResult struct {
	ActorID    string      `json:"actorId"`
	Date       string      `json:"date"`
	Plan       *Plan       `json:"plan"`
	Deviations []Deviation `json:"deviations"`
	AuditedAt  time.Time   `json:"auditedAt"`
}

// OrderNearest returns the visiting order of stops by the nearest-neighbour
// heuristic from start. Ties go to the stop listed first.
func OrderNearest(start geo.Point, stops []geo.Point) []int {
	visited := make([]bool, len(stops))
	order := make([]int, 0, len(stops))
	current := start
	for range stops {
		best, bestDist := -1, math.Inf(1)
		for i, p := range stops {
			if visited[i] {
				continue
			}
			if d := geo.Distance(current, p); d < bestDist {
				best, bestDist = i, d
			}
		}
		visited[best] = true
		order = append(order, best)
		current = stops[best]
	}
	return order
}

// Plan orders stops and checks the day against the limits. The route
// returns to start, and the return leg counts toward distance and time.
func (l Limits) Plan(start geo.Point, stops []PlannedStop) *Plan {
	points := make([]geo.Point, len(stops))
	for i, s := range stops {
		points[i] = s.Point
	}

	plan := &Plan{OrderedRoute: make([]Leg, 0, len(stops))}
	current := start
	var distance, travel, clock float64
	for _, idx := range OrderNearest(start, points) {
		km := geo.DistanceKm(current, points[idx])
		minutes := l.travelMinutes(km)
		distance += km
		travel += minutes
		clock += minutes
		plan.OrderedRoute = append(plan.OrderedRoute, Leg{
			StopIndex:      idx,
			StopID:         stops[idx].ID,
			Point:          points[idx],
			DistanceKm:     round3(km),
			TravelMinutes:  round3(minutes),
			ArrivalMinutes: round3(clock),
		})
		clock += l.DwellMinutes
		current = points[idx]
	}
	if len(stops) > 0 {
		back := geo.DistanceKm(current, start)
		plan.ReturnDistanceKm = round3(back)
		distance += back
		travel += l.travelMinutes(back)
	}

	dwell := float64(len(stops)) * l.DwellMinutes
	total := travel + dwell
	workMinutes := l.WorkingHours * 60

	plan.TotalDistanceKm = round3(distance)
	plan.TravelMinutes = round3(travel)
	plan.DwellMinutes = round3(dwell)
	plan.TotalMinutes = round3(total)

	if distance > l.MaxDistanceKm {
		plan.Violations = append(plan.Violations,
			fmt.Sprintf("distance %.1f km exceeds %.0f km", distance, l.MaxDistanceKm))
	}
	if len(stops) > l.MaxStops {
		plan.Violations = append(plan.Violations,
			fmt.Sprintf("%d stops exceed %d", len(stops), l.MaxStops))
	}
	if total > workMinutes {
		plan.Violations = append(plan.Violations,
			fmt.Sprintf("%.0f minutes exceed %.0f working minutes", total, workMinutes))
	}
	plan.Feasible = len(plan.Violations) == 0
	plan.EfficiencyScore = l.efficiency(distance, total, len(stops))
	return plan
}

func (l Limits) travelMinutes(km float64) float64 {
	if l.SpeedKmh <= 0 {
		return 0
	}
	return km / l.SpeedKmh * 60
}

// efficiency rewards short, quick days that use the stop budget.
func (l Limits) efficiency(distanceKm, minutes float64, stops int) float64 {
	var d, t, s float64
	if l.MaxDistanceKm > 0 {
		d = 1 - math.Min(distanceKm/l.MaxDistanceKm, 1)
	}
	if l.WorkingHours > 0 {
		t = 1 - math.Min(minutes/(l.WorkingHours*60), 1)
	}
	if l.MaxStops > 0 {
		s = float64(stops) / float64(l.MaxStops)
	}
	return round3(0.3*d + 0.3*t + 0.4*s)
}

// Deviations compares each actual stop with its nearest planned stop.
// A stop farther than the tolerance is off route; with no planned stops at
// all, every actual stop is unplanned.
func (l Limits) Deviations(start geo.Point, planned []PlannedStop, actual []ActualStop) []Deviation {
	tolerance := l.DeviationToleranceMeters
	if tolerance <= 0 {
		tolerance = geo.DefaultToleranceMeters
	}

	var out []Deviation
	for i, a := range actual {
		if len(planned) == 0 {
			out = append(out, Deviation{
				Index:            i,
				Point:            a.Point,
				At:               a.At,
				NearestStopIndex: -1,
				DistanceMeters:   round3(geo.Distance(a.Point, start)),
				Reason:           ReasonUnplanned,
			})
			continue
		}
		nearest, dist := -1, math.Inf(1)
		for j, p := range planned {
			if d := geo.Distance(a.Point, p.Point); d < dist {
				nearest, dist = j, d
			}
		}
		if dist > tolerance {
			out = append(out, Deviation{
				Index:            i,
				Point:            a.Point,
				At:               a.At,
				NearestStopIndex: nearest,
				DistanceMeters:   round3(dist),
				Reason:           ReasonOffRoute,
			})
		}
	}
	return out
}

// ParseDate validates a working day key.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return d, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Store persists traces.
type Store interface {
	// SavePlan creates the trace or replaces its start and planned stops,
	// keeping any actual stops already reported.
	SavePlan(ctx context.Context, t *Trace) (*Trace, error)
	// AppendStop adds an actual stop. It returns ErrTraceNotFound when the
	// day has no plan.
	AppendStop(ctx context.Context, actorID, date string, stop ActualStop, at time.Time) (*Trace, error)
	Get(ctx context.Context, actorID, date string) (*Trace, error)
}

// SignalSink records deviation signals and reports whether each was new.
type SignalSink interface {
	Record(ctx context.Context, sig *risk.Signal) (*risk.Signal, bool, error)
}

// Broadcaster streams deviations to live dashboards.
type Broadcaster interface {
	BroadcastDeviation(actorID, traceID string, stopIndex int, distanceMeters float64)
}
