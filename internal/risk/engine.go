package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/mbd888/fieldguard/internal/faults"
	"github.com/mbd888/fieldguard/internal/idgen"
	"github.com/mbd888/fieldguard/internal/logging"
	"github.com/mbd888/fieldguard/internal/metrics"
	"github.com/mbd888/fieldguard/internal/pagination"
	"github.com/mbd888/fieldguard/internal/syncutil"
	"github.com/mbd888/fieldguard/internal/traces"
)

const (
	topSignalCount   = 5
	maxScoredSignals = 1000
)

// DecayPolicy controls how a quiet actor's score relaxes.
type DecayPolicy struct {
	Cooldown time.Duration
	Factor   float64
	Floor    float64
}

// DefaultDecayPolicy halves the distance to zero every quiet 30 days.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{Cooldown: 30 * 24 * time.Hour, Factor: 0.5, Floor: 0}
}

// Assessment is the composite score of one entity's signals.
type Assessment struct {
	EntityKind            EntityKind             `json:"entityKind"`
	EntityID              string                 `json:"entityId"`
	RuleScore             float64                `json:"ruleScore"`
	ClassifierProbability *float64               `json:"classifierProbability,omitempty"`
	Score                 float64                `json:"score"`
	Band                  Band                   `json:"band"`
	Categories            map[SignalType]float64 `json:"categories"`
	SignalCount           int                    `json:"signalCount"`
	EvaluatedAt           time.Time              `json:"evaluatedAt"`
}

// ActorRisk is the getActorRisk view.
type ActorRisk struct {
	ActorID         string      `json:"actorId"`
	Score           float64     `json:"score"`
	Band            Band        `json:"band"`
	Composite       *Assessment `json:"composite"`
	TopSignals      []*Signal   `json:"topSignals"`
	LastScoreUpdate time.Time   `json:"lastScoreUpdate"`
}

// Engine records signals, maintains actor accumulators and computes
// composite scores.
type Engine struct {
	store       Store
	weights     Weights
	rules       *RuleSet
	decay       DecayPolicy
	classifier  Classifier
	escalator   Escalator
	broadcaster Broadcaster
	locks       *syncutil.ContextShardedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a risk engine backed by store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		weights: DefaultWeights(),
		rules:   NewRuleSet(DefaultPatternRules()...),
		decay:   DefaultDecayPolicy(),
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithWeights replaces the rule table.
func (e *Engine) WithWeights(w Weights) *Engine {
	e.weights = w
	return e
}

// WithPatternRules replaces the payment pattern rules.
func (e *Engine) WithPatternRules(rules ...PatternRule) *Engine {
	e.rules = NewRuleSet(rules...)
	return e
}

// WithDecayPolicy replaces the decay policy.
func (e *Engine) WithDecayPolicy(p DecayPolicy) *Engine {
	e.decay = p
	return e
}

// WithClassifier blends classifier probabilities into composite scores.
func (e *Engine) WithClassifier(c Classifier) *Engine {
	e.classifier = c
	return e
}

// WithEscalator reports actors entering the HIGH band.
func (e *Engine) WithEscalator(esc Escalator) *Engine {
	e.escalator = esc
	return e
}

// WithBroadcaster streams score changes.
func (e *Engine) WithBroadcaster(b Broadcaster) *Engine {
	e.broadcaster = b
	return e
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Weights returns the active rule table.
func (e *Engine) Weights() Weights {
	return e.weights
}

// Emit records sig. A duplicate of an already recorded signal is a no-op.
func (e *Engine) Emit(ctx context.Context, sig Signal) error {
	_, _, err := e.Record(ctx, &sig)
	return err
}

// Record validates sig, assigns its weight and appends it to the log. When
// the signal names an actor, the actor's accumulator moves in the same unit
// of work. It reports whether the signal was new.
func (e *Engine) Record(ctx context.Context, sig *Signal) (*Signal, bool, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Record",
		traces.ActorID(sig.ActorID), traces.SignalType(string(sig.Type)))
	defer span.End()

	if err := sig.validate(); err != nil {
		metrics.SignalsRejectedTotal.WithLabelValues(faults.Code(err)).Inc()
		logging.L(ctx).Error("rejected risk signal",
			"signalType", sig.Type, "entityKind", sig.EntityKind, "entityId", sig.EntityID,
			"sourceKind", sig.SourceKind, "sourceId", sig.SourceID, "error", err)
		return nil, false, err
	}

	now := e.now()
	if sig.ID == "" {
		sig.ID = idgen.WithPrefix("sig_")
	}
	if sig.ProducedAt.IsZero() {
		sig.ProducedAt = now
	}
	sig.Weight = e.weights.WeightOf(sig.Type, sig.Magnitude)

	lockKey := "entity:" + string(sig.EntityKind) + ":" + sig.EntityID
	if sig.ActorID != "" {
		lockKey = "actor:" + sig.ActorID
	}
	unlock, err := e.locks.LockContext(ctx, lockKey)
	if err != nil {
		return nil, false, err
	}

	var bump *ScoreBump
	if sig.ActorID != "" {
		bump = &ScoreBump{ActorID: sig.ActorID, Increment: e.weights.IncrementOf(sig.Type), At: now}
	}

	err = e.store.Commit(ctx, sig, bump)
	unlock()
	if errors.Is(err, ErrDuplicateSignal) {
		logging.L(ctx).Debug("duplicate risk signal ignored", "key", sig.Key())
		return sig, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record risk signal: %w", err)
	}

	metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	logging.L(ctx).Info("risk signal recorded",
		"signalId", sig.ID, "signalType", sig.Type, "weight", sig.Weight,
		"entityKind", sig.EntityKind, "entityId", sig.EntityID, "actorId", sig.ActorID)

	if bump != nil {
		if e.broadcaster != nil {
			e.broadcaster.BroadcastSignal(bump.ActorID, string(sig.Type), bump.After)
		}
		if bump.Before < HighThreshold && bump.After >= HighThreshold {
			e.escalate(ctx, bump.ActorID, bump.After)
		}
	}
	return sig, true, nil
}

func (e *Engine) loadOrNewActor(ctx context.Context, id string, now time.Time) (*Actor, error) {
	actor, err := e.store.GetActor(ctx, id)
	if errors.Is(err, ErrActorNotFound) {
		return &Actor{ID: id, CreatedAt: now, LastScoreUpdate: now}, nil
	}
	return actor, err
}

func (e *Engine) escalate(ctx context.Context, actorID string, score float64) {
	metrics.EscalationsTotal.Inc()

	signals, err := e.store.ListActorSignals(ctx, actorID, nil, maxScoredSignals)
	if err != nil {
		logging.L(ctx).Warn("failed to load signals for escalation", "actorId", actorID, "error", err)
	}
	reasons := reasonsOf(topSignals(signals, topSignalCount))

	logging.L(ctx).Warn("actor escalated to HIGH risk", "actorId", actorID, "score", score, "reasons", reasons)

	if e.broadcaster != nil {
		e.broadcaster.BroadcastEscalation(actorID, score, reasons)
	}
	if e.escalator == nil {
		return
	}
	if err := e.escalator.Escalate(ctx, actorID, score, reasons); err != nil {
		logging.L(ctx).Warn("escalation delivery failed",
			"actorId", actorID, "error", fmt.Errorf("%w: %w", faults.ErrDependencyUnavailable, err))
	}
}

// CurrentScore returns the actor's accumulated score, zero for an actor
// with no signals. The read waits for in-flight updates of the same actor.
func (e *Engine) CurrentScore(ctx context.Context, actorID string) (float64, error) {
	unlock, err := e.locks.LockContext(ctx, "actor:"+actorID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	actor, err := e.store.GetActor(ctx, actorID)
	if errors.Is(err, ErrActorNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return actor.RiskScore, nil
}

// RegisterActor creates or updates an actor's role without touching its score.
func (e *Engine) RegisterActor(ctx context.Context, id, role string) (*Actor, error) {
	unlock, err := e.locks.LockContext(ctx, "actor:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	actor, err := e.loadOrNewActor(ctx, id, now)
	if err != nil {
		return nil, err
	}
	actor.Role = role
	if err := e.store.SaveActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

// Score returns the composite score of signals without a classifier.
func (e *Engine) Score(signals []*Signal) float64 {
	s, _ := e.weights.RuleScore(signals)
	return s
}

// Assess computes the composite score of an entity's signals. For actors
// every signal attributed to the actor counts.
func (e *Engine) Assess(ctx context.Context, kind EntityKind, id string) (*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Assess")
	defer span.End()

	signals, err := e.signalsOf(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return e.assess(ctx, kind, id, signals), nil
}

func (e *Engine) signalsOf(ctx context.Context, kind EntityKind, id string) ([]*Signal, error) {
	if kind == EntityActor {
		return e.store.ListActorSignals(ctx, id, nil, maxScoredSignals)
	}
	return e.store.ListEntitySignals(ctx, kind, id)
}

func (e *Engine) assess(ctx context.Context, kind EntityKind, id string, signals []*Signal) *Assessment {
	rule, categories := e.weights.RuleScore(signals)
	a := &Assessment{
		EntityKind:  kind,
		EntityID:    id,
		RuleScore:   rule,
		Score:       rule,
		Categories:  categories,
		SignalCount: len(signals),
		EvaluatedAt: e.now(),
	}

	if e.classifier != nil && len(signals) > 0 {
		p, err := e.classifier.Predict(ctx, Features(kind, id, signals, rule))
		if err != nil {
			metrics.ClassifierFallbacksTotal.Inc()
			logging.L(ctx).Warn("classifier unavailable, using rule score", "entityKind", kind, "entityId", id, "error", err)
		} else {
			p = clamp01(p)
			a.ClassifierProbability = &p
			a.Score = e.weights.Blend(rule, p)
		}
	}
	a.Band = BandFor(a.Score)
	return a
}

// ActorRisk returns the actor's accumulator, band, composite assessment and
// strongest signals.
func (e *Engine) ActorRisk(ctx context.Context, actorID string) (*ActorRisk, error) {
	ctx, span := traces.StartSpan(ctx, "risk.ActorRisk", traces.ActorID(actorID))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, "actor:"+actorID)
	if err != nil {
		return nil, err
	}
	actor, err := e.store.GetActor(ctx, actorID)
	if err != nil {
		unlock()
		return nil, err
	}
	signals, err := e.store.ListActorSignals(ctx, actorID, nil, maxScoredSignals)
	unlock()
	if err != nil {
		return nil, err
	}

	return &ActorRisk{
		ActorID:         actor.ID,
		Score:           actor.RiskScore,
		Band:            BandFor(actor.RiskScore),
		Composite:       e.assess(ctx, EntityActor, actor.ID, signals),
		TopSignals:      topSignals(signals, topSignalCount),
		LastScoreUpdate: actor.LastScoreUpdate,
	}, nil
}

// ListActorSignals pages through an actor's audit trail, newest first.
func (e *Engine) ListActorSignals(ctx context.Context, actorID string, cursor string, limit int) ([]*Signal, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	signals, err := e.store.ListActorSignals(ctx, actorID, after, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(signals, limit, func(s *Signal) (time.Time, string) {
		return s.ProducedAt, s.ID
	})
	return page, next, more, nil
}

// EvaluatePayment runs the pattern rules for a custody event and records a
// signal per finding. sourceID names the triggering custody event.
func (e *Engine) EvaluatePayment(ctx context.Context, actorID, sourceID string, current PaymentFact, history []PaymentFact) ([]Finding, error) {
	findings := e.rules.Evaluate(history, current)
	var errs []error
	for _, f := range findings {
		err := e.Emit(ctx, Signal{
			ActorID:    actorID,
			EntityKind: EntityPayment,
			EntityID:   current.PaymentID,
			Type:       f.Type,
			Magnitude:  f.Magnitude,
			SourceKind: SourceCustody,
			SourceID:   sourceID,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return findings, errors.Join(errs...)
}

// DecayActor applies every full cooldown window that passed since the
// actor's last negative signal or last decay. It reports whether the score moved.
func (e *Engine) DecayActor(ctx context.Context, actorID string) (bool, error) {
	unlock, err := e.locks.LockContext(ctx, "actor:"+actorID)
	if err != nil {
		return false, err
	}
	defer unlock()

	actor, err := e.store.GetActor(ctx, actorID)
	if err != nil {
		return false, err
	}

	now := e.now()
	p := e.decay
	if p.Cooldown <= 0 || actor.RiskScore <= p.Floor {
		return false, nil
	}

	ref := actor.CreatedAt
	if actor.LastNegativeSignalAt != nil {
		ref = *actor.LastNegativeSignalAt
	}
	if actor.LastDecayAt != nil && actor.LastDecayAt.After(ref) {
		ref = *actor.LastDecayAt
	}
	windows := int(now.Sub(ref) / p.Cooldown)
	if windows < 1 {
		return false, nil
	}

	before := actor.RiskScore
	actor.RiskScore = roundScore(p.Floor + (actor.RiskScore-p.Floor)*math.Pow(p.Factor, float64(windows)))
	decayedAt := ref.Add(time.Duration(windows) * p.Cooldown)
	actor.LastDecayAt = &decayedAt
	actor.LastScoreUpdate = now

	saved, err := e.store.SaveDecayed(ctx, actor, before)
	if err != nil {
		return false, err
	}
	if !saved {
		logging.L(ctx).Debug("actor score moved during decay, retrying next run", "actorId", actor.ID)
		return false, nil
	}
	logging.L(ctx).Info("actor score decayed", "actorId", actor.ID, "from", before, "to", actor.RiskScore, "windows", windows)
	return true, nil
}

// DecayAll decays every eligible actor and returns how many moved.
func (e *Engine) DecayAll(ctx context.Context, limit int) (int, error) {
	if e.decay.Cooldown <= 0 {
		return 0, nil
	}
	candidates, err := e.store.ListDecayCandidates(ctx, e.now().Add(-e.decay.Cooldown), e.decay.Floor, limit)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, a := range candidates {
		ok, err := e.DecayActor(ctx, a.ID)
		if err != nil {
			logging.L(ctx).Warn("failed to decay actor", "actorId", a.ID, "error", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func topSignals(signals []*Signal, n int) []*Signal {
	sorted := make([]*Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].ProducedAt.After(sorted[j].ProducedAt)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func reasonsOf(signals []*Signal) []string {
	seen := make(map[SignalType]bool)
	var reasons []string
	for _, s := range signals {
		if !seen[s.Type] {
			seen[s.Type] = true
			reasons = append(reasons, string(s.Type))
		}
	}
	return reasons
}
