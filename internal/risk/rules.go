package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentFact is the slice of a custody record the pattern rules look at.
type PaymentFact struct {
	PaymentID   string
	Amount      decimal.Decimal
	Method      string
	CollectedAt time.Time
	DepositedAt *time.Time
}

// WindowHours is the custody window, collection to deposit. Zero while undeposited.
func (p PaymentFact) WindowHours() float64 {
	if p.DepositedAt == nil {
		return 0
	}
	return p.DepositedAt.Sub(p.CollectedAt).Hours()
}

// Finding is a pattern rule hit.
type Finding struct {
	Rule      string
	Type      SignalType
	Magnitude float64
	Reason    string
}

// PatternRule inspects an actor's recent payments. history excludes current.
// Collection rules run when current is undeposited, deposit rules when it is.
type PatternRule interface {
	Name() string
	Evaluate(history []PaymentFact, current PaymentFact) *Finding
}

// RuleSet runs all registered pattern rules and reports every hit.
type RuleSet struct {
	rules []PatternRule
}

// NewRuleSet creates a rule set with the given rules.
func NewRuleSet(rules ...PatternRule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Evaluate runs all rules and returns their findings in rule order.
func (r *RuleSet) Evaluate(history []PaymentFact, current PaymentFact) []Finding {
	var out []Finding
	for _, rule := range r.rules {
		if f := rule.Evaluate(history, current); f != nil {
			if f.Rule == "" {
				f.Rule = rule.Name()
			}
			out = append(out, *f)
		}
	}
	return out
}

// DefaultPatternRules returns the built-in payment pattern rules.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		&AllCashRule{MinPayments: 5},
		&UnusualAmountRule{MinHistory: 3, Sigmas: 2},
		&FrequencySpikeRule{RecentIntervals: 3, Ratio: 0.5},
		&FrequentLateRule{MinDeposits: 3, LateAfterHours: 24, Share: 0.3},
		&VeryLateRule{Hours: 72},
	}
}

func byCollectedAt(history []PaymentFact, current PaymentFact) []PaymentFact {
	all := make([]PaymentFact, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, current)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CollectedAt.Before(all[j].CollectedAt) })
	return all
}

// ---------------------------------------------------------------------------
// AllCashRule: the most recent payments were all collected in cash
// ---------------------------------------------------------------------------

type AllCashRule struct {
	MinPayments int
}

func (r *AllCashRule) Name() string { return "all_cash" }

func (r *AllCashRule) Evaluate(history []PaymentFact, current PaymentFact) *Finding {
	if current.DepositedAt != nil {
		return nil
	}
	all := byCollectedAt(history, current)
	if len(all) < r.MinPayments {
		return nil
	}
	for _, p := range all[len(all)-r.MinPayments:] {
		if p.Method != "cash" {
			return nil
		}
	}
	return &Finding{
		Type:   SignalAllCash,
		Reason: fmt.Sprintf("last %d payments were all cash", r.MinPayments),
	}
}

// ---------------------------------------------------------------------------
// UnusualAmountRule: amount far from the actor's mean
// ---------------------------------------------------------------------------

type UnusualAmountRule struct {
	MinHistory int
	Sigmas     float64
}

func (r *UnusualAmountRule) Name() string { return "unusual_amount" }

func (r *UnusualAmountRule) Evaluate(history []PaymentFact, current PaymentFact) *Finding {
	if current.DepositedAt != nil || len(history) < r.MinHistory {
		return nil
	}

	sum := decimal.Zero
	for _, p := range history {
		sum = sum.Add(p.Amount)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(history))))

	variance := 0.0
	for _, p := range history {
		d := p.Amount.Sub(mean).InexactFloat64()
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(history)))
	if std == 0 {
		return nil
	}

	dev := math.Abs(current.Amount.Sub(mean).InexactFloat64())
	if dev <= r.Sigmas*std {
		return nil
	}
	return &Finding{
		Type:      SignalUnusualAmount,
		Magnitude: round3(dev / std),
		Reason:    fmt.Sprintf("amount %s is %.1f standard deviations from mean %s", current.Amount, dev/std, mean.StringFixed(2)),
	}
}

// ---------------------------------------------------------------------------
// FrequencySpikeRule: collections suddenly much closer together
// ---------------------------------------------------------------------------

type FrequencySpikeRule struct {
	RecentIntervals int
	Ratio           float64
}

func (r *FrequencySpikeRule) Name() string { return "frequency_spike" }

func (r *FrequencySpikeRule) Evaluate(history []PaymentFact, current PaymentFact) *Finding {
	if current.DepositedAt != nil {
		return nil
	}
	all := byCollectedAt(history, current)
	if len(all) < 2 {
		return nil
	}

	intervals := make([]float64, 0, len(all)-1)
	for i := 1; i < len(all); i++ {
		intervals = append(intervals, all[i].CollectedAt.Sub(all[i-1].CollectedAt).Hours())
	}
	if len(intervals) <= r.RecentIntervals {
		return nil
	}

	older := mean(intervals[:len(intervals)-r.RecentIntervals])
	recent := mean(intervals[len(intervals)-r.RecentIntervals:])
	if older <= 0 || recent >= older*r.Ratio {
		return nil
	}
	return &Finding{
		Type:      SignalFrequencySpike,
		Magnitude: round3(older / math.Max(recent, 1e-9)),
		Reason:    fmt.Sprintf("recent collection interval %.1fh vs %.1fh before", recent, older),
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// ---------------------------------------------------------------------------
// FrequentLateRule: a large share of deposits came in late
// ---------------------------------------------------------------------------

type FrequentLateRule struct {
	MinDeposits    int
	LateAfterHours float64
	Share          float64
}

func (r *FrequentLateRule) Name() string { return "frequent_late_deposits" }

func (r *FrequentLateRule) Evaluate(history []PaymentFact, current PaymentFact) *Finding {
	if current.DepositedAt == nil {
		return nil
	}
	deposits, late := 0, 0
	count := func(p PaymentFact) {
		if p.DepositedAt == nil {
			return
		}
		deposits++
		if p.WindowHours() > r.LateAfterHours {
			late++
		}
	}
	for _, p := range history {
		count(p)
	}
	count(current)
	if deposits < r.MinDeposits || float64(late) <= float64(deposits)*r.Share {
		return nil
	}
	return &Finding{
		Type:      SignalFrequentLate,
		Magnitude: round3(float64(late) / float64(deposits)),
		Reason:    fmt.Sprintf("%d of %d deposits held more than %.0fh", late, deposits, r.LateAfterHours),
	}
}

// ---------------------------------------------------------------------------
// VeryLateRule: this deposit arrived days after collection
// ---------------------------------------------------------------------------

type VeryLateRule struct {
	Hours float64
}

func (r *VeryLateRule) Name() string { return "very_late_deposit" }

func (r *VeryLateRule) Evaluate(_ []PaymentFact, current PaymentFact) *Finding {
	window := current.WindowHours()
	if current.DepositedAt == nil || window <= r.Hours {
		return nil
	}
	return &Finding{
		Type:      SignalVeryLate,
		Magnitude: round3(window),
		Reason:    fmt.Sprintf("deposited %.1fh after collection", window),
	}
}
