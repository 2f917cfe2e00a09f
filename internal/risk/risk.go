// Package risk combines weak integrity signals into risk scores.
//
// Two scores exist side by side:
//
//   - The composite score of a set of signals (a visit, a payment, an actor's
//     history) is a capped per-category sum, optionally blended with an
//     external classifier probability.
//   - An actor's riskScore is a decaying accumulator. Each recorded signal
//     adds a fixed per-type increment, capped at 1.0, and a quiet actor decays
//     toward a floor after a cooldown.
//
// Every score change is backed by an append-only Signal that names exactly one
// upstream event. Signals without a traceable source are rejected.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/pagination"
)

var (
	ErrActorNotFound     = fmt.Errorf("%w: actor not found", faults.ErrNotFound)
	ErrUntraceableSignal = fmt.Errorf("%w: risk signal has no traceable source", faults.ErrInvariantViolation)
	ErrDuplicateSignal   = errors.New("risk signal already recorded for this source")
	ErrInvalidEntityKind = fmt.Errorf("%w: unknown entity kind", faults.ErrValidation)
)

// EntityKind is what a signal is about.
type EntityKind string

const (
	EntityActor    EntityKind = "actor"
	EntityPayment  EntityKind = "payment"
	EntityVisit    EntityKind = "visit"
	EntityRoute    EntityKind = "route"
	EntityDocument EntityKind = "document"
)

// ParseEntityKind validates a kind taken from a URL.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(s); k {
	case EntityActor, EntityPayment, EntityVisit, EntityRoute, EntityDocument:
		return k, nil
	}
	return "", ErrInvalidEntityKind
}

// SignalType names a rule category.
type SignalType string

const (
	SignalQRMismatch     SignalType = "QR_MISMATCH"
	SignalQRReplay       SignalType = "QR_REPLAY"
	SignalOutOfRange     SignalType = "OUT_OF_RANGE"
	SignalNoReference    SignalType = "NO_REFERENCE"
	SignalFlaggedLate    SignalType = "FLAGGED_LATE"
	SignalInvalidOTP     SignalType = "FLAGGED_INVALID_OTP"
	SignalAllCash        SignalType = "ALL_CASH"
	SignalFrequencySpike SignalType = "FREQUENCY_SPIKE"
	SignalUnusualAmount  SignalType = "UNUSUAL_AMOUNT"
	SignalFrequentLate   SignalType = "FREQUENT_LATE"
	SignalVeryLate       SignalType = "VERY_LATE"
	SignalRouteDeviation SignalType = "ROUTE_DEVIATION"
)

// SourceKind names the kind of upstream event a signal came from.
type SourceKind string

const (
	SourceVisit   SourceKind = "visit"
	SourceScan    SourceKind = "scan"
	SourceCustody SourceKind = "custody"
	SourceRoute   SourceKind = "route"
)

func (k SourceKind) valid() bool {
	switch k {
	case SourceVisit, SourceScan, SourceCustody, SourceRoute:
		return true
	}
	return false
}

// Signal is one append-only entry of the audit trail.
type Signal struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actorId,omitempty"`
	EntityKind EntityKind `json:"entityKind"`
	EntityID   string     `json:"entityId"`
	Type       SignalType `json:"signalType"`
	// Magnitude is the rule input that scales the weight: late hours for
	// FLAGGED_LATE, deviation meters for ROUTE_DEVIATION. Zero otherwise.
	Magnitude  float64    `json:"magnitude,omitempty"`
	Weight     float64    `json:"weight"`
	SourceKind SourceKind `json:"sourceKind"`
	SourceID   string     `json:"sourceId"`
	ProducedAt time.Time  `json:"producedAt"`
}

// Key is the idempotency key of a signal.
func (s *Signal) Key() string {
	return string(s.SourceKind) + "|" + s.SourceID + "|" + string(s.Type)
}

func (s *Signal) validate() error {
	if s == nil || !s.SourceKind.valid() || s.SourceID == "" {
		return ErrUntraceableSignal
	}
	if s.EntityID == "" || s.Type == "" {
		return fmt.Errorf("%w: signal must name an entity and a type", faults.ErrInvariantViolation)
	}
	if _, err := ParseEntityKind(string(s.EntityKind)); err != nil {
		return fmt.Errorf("%w: %w", faults.ErrInvariantViolation, err)
	}
	return nil
}

// Band is a discretized risk score.
type Band string

const (
	BandLow    Band = "LOW"
	BandMedium Band = "MEDIUM"
	BandHigh   Band = "HIGH"
)

// Band thresholds.
const (
	MediumThreshold = 0.5
	HighThreshold   = 0.8
)

// BandFor returns the band of score.
func BandFor(score float64) Band {
	switch {
	case score >= HighThreshold:
		return BandHigh
	case score >= MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// Actor is a field agent's accumulated risk.
type Actor struct {
	ID                   string     `json:"id"`
	Role                 string     `json:"role,omitempty"`
	RiskScore            float64    `json:"riskScore"`
	LastScoreUpdate      time.Time  `json:"lastScoreUpdate"`
	LastNegativeSignalAt *time.Time `json:"lastNegativeSignalAt,omitempty"`
	LastDecayAt          *time.Time `json:"lastDecayAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// ScoreBump moves an actor's accumulated score while a signal is recorded.
// The store fills Before and After.
type ScoreBump struct {
	ActorID   string
	Increment float64
	At        time.Time
	Before    float64
	After     float64
}

// apply adds the increment to current, capped at 1.
func (b *ScoreBump) apply(current float64) float64 {
	b.Before = current
	b.After = roundScore(math.Min(1, current+b.Increment))
	return b.After
}

// Store persists actors and the signal log.
type Store interface {
	// Commit appends sig and, when bump is non-nil, applies it to the stored
	// actor score in the same unit of work. The read of the current score
	// and the write of the new one are atomic against other writers. It
	// returns ErrDuplicateSignal without saving anything if a signal with the
	// same key exists.
	Commit(ctx context.Context, sig *Signal, bump *ScoreBump) error
	GetActor(ctx context.Context, id string) (*Actor, error)
	// SaveActor creates actor, or updates the role of an existing one and
	// keeps its stored score.
	SaveActor(ctx context.Context, actor *Actor) error
	// SaveDecayed stores a decayed score only if the stored score is still
	// expected and no negative signal arrived since actor was read. It
	// reports false when a concurrent writer got there first.
	SaveDecayed(ctx context.Context, actor *Actor, expected float64) (bool, error)
	// ListActorSignals returns an actor's signals newest first, after cursor.
	ListActorSignals(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Signal, error)
	ListEntitySignals(ctx context.Context, kind EntityKind, entityID string) ([]*Signal, error)
	// ListDecayCandidates returns actors above floor whose last negative
	// signal and last decay both happened before quietSince.
	ListDecayCandidates(ctx context.Context, quietSince time.Time, floor float64, limit int) ([]*Actor, error)
}

// Escalator reports actors entering the HIGH band.
type Escalator interface {
	Escalate(ctx context.Context, actorID string, score float64, reasons []string) error
}

// Broadcaster streams score changes to live dashboards.
type Broadcaster interface {
	BroadcastEscalation(actorID string, score float64, reasons []string)
	BroadcastSignal(actorID, signalType string, score float64)
}
