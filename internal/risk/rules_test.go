package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var ruleBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fact(id string, amount int64, method string, collectedHours float64, windowHours *float64) PaymentFact {
	p := PaymentFact{
		PaymentID:   id,
		Amount:      decimal.NewFromInt(amount),
		Method:      method,
		CollectedAt: ruleBase.Add(time.Duration(collectedHours * float64(time.Hour))),
	}
	if windowHours != nil {
		d := p.CollectedAt.Add(time.Duration(*windowHours * float64(time.Hour)))
		p.DepositedAt = &d
	}
	return p
}

func hours(h float64) *float64 { return &h }

func TestAllCashRule(t *testing.T) {
	rule := &AllCashRule{MinPayments: 5}
	cash := []PaymentFact{
		fact("p0", 100, "cash", 0, nil),
		fact("p1", 100, "cash", 1, nil),
		fact("p2", 100, "cash", 2, nil),
		fact("p3", 100, "cash", 3, nil),
	}

	if f := rule.Evaluate(cash, fact("p4", 100, "cash", 4, nil)); f == nil || f.Type != SignalAllCash {
		t.Fatalf("expected ALL_CASH finding, got %+v", f)
	}
	if f := rule.Evaluate(cash, fact("p4", 100, "transfer", 4, nil)); f != nil {
		t.Errorf("transfer breaks the pattern, got %+v", f)
	}
	if f := rule.Evaluate(cash[:3], fact("p4", 100, "cash", 4, nil)); f != nil {
		t.Errorf("four payments are not enough, got %+v", f)
	}
	if f := rule.Evaluate(cash, fact("p4", 100, "cash", 4, hours(2))); f != nil {
		t.Errorf("collection rule must not run on deposit, got %+v", f)
	}
}

func TestUnusualAmountRule(t *testing.T) {
	rule := &UnusualAmountRule{MinHistory: 3, Sigmas: 2}
	history := []PaymentFact{
		fact("p0", 100000, "cash", 0, nil),
		fact("p1", 110000, "cash", 1, nil),
		fact("p2", 90000, "cash", 2, nil),
	}

	f := rule.Evaluate(history, fact("p3", 200000, "cash", 3, nil))
	if f == nil || f.Type != SignalUnusualAmount {
		t.Fatalf("expected UNUSUAL_AMOUNT, got %+v", f)
	}
	if f.Magnitude <= 2 {
		t.Errorf("magnitude = %v, want > 2 sigmas", f.Magnitude)
	}

	if f := rule.Evaluate(history, fact("p3", 105000, "cash", 3, nil)); f != nil {
		t.Errorf("amount within range flagged: %+v", f)
	}
	if f := rule.Evaluate(history[:2], fact("p3", 900000, "cash", 3, nil)); f != nil {
		t.Errorf("too little history flagged: %+v", f)
	}

	flat := []PaymentFact{
		fact("p0", 100000, "cash", 0, nil),
		fact("p1", 100000, "cash", 1, nil),
		fact("p2", 100000, "cash", 2, nil),
	}
	if f := rule.Evaluate(flat, fact("p3", 500000, "cash", 3, nil)); f != nil {
		t.Errorf("zero deviation history must be skipped, got %+v", f)
	}
}

func TestFrequencySpikeRule(t *testing.T) {
	rule := &FrequencySpikeRule{RecentIntervals: 3, Ratio: 0.5}
	var history []PaymentFact
	for i, h := range []float64{0, 24, 48, 72, 96, 98, 100} {
		history = append(history, fact("p"+string(rune('a'+i)), 100, "transfer", h, nil))
	}

	f := rule.Evaluate(history, fact("cur", 100, "transfer", 102, nil))
	if f == nil || f.Type != SignalFrequencySpike {
		t.Fatalf("expected FREQUENCY_SPIKE, got %+v", f)
	}

	steady := history[:5]
	if f := rule.Evaluate(steady, fact("cur", 100, "transfer", 120, nil)); f != nil {
		t.Errorf("steady cadence flagged: %+v", f)
	}
	if f := rule.Evaluate(history[:2], fact("cur", 100, "transfer", 25, nil)); f != nil {
		t.Errorf("too few intervals flagged: %+v", f)
	}
}

func TestFrequentLateRule(t *testing.T) {
	rule := &FrequentLateRule{MinDeposits: 3, LateAfterHours: 24, Share: 0.3}

	history := []PaymentFact{
		fact("p0", 100, "cash", 0, hours(30)),
		fact("p1", 100, "cash", 48, hours(2)),
	}
	f := rule.Evaluate(history, fact("p2", 100, "cash", 96, hours(26)))
	if f == nil || f.Type != SignalFrequentLate {
		t.Fatalf("expected FREQUENT_LATE, got %+v", f)
	}

	onTime := []PaymentFact{
		fact("p0", 100, "cash", 0, hours(30)),
		fact("p1", 100, "cash", 48, hours(2)),
		fact("p2", 100, "cash", 96, hours(3)),
	}
	if f := rule.Evaluate(onTime, fact("p3", 100, "cash", 120, hours(1))); f != nil {
		t.Errorf("1 of 4 late is under 30%%, got %+v", f)
	}
	if f := rule.Evaluate(history, fact("p2", 100, "cash", 96, nil)); f != nil {
		t.Errorf("deposit rule must not run on collection, got %+v", f)
	}
}

func TestVeryLateRule(t *testing.T) {
	rule := &VeryLateRule{Hours: 72}
	if f := rule.Evaluate(nil, fact("p0", 100, "cash", 0, hours(80))); f == nil || f.Type != SignalVeryLate {
		t.Fatalf("expected VERY_LATE, got %+v", f)
	}
	if f := rule.Evaluate(nil, fact("p0", 100, "cash", 0, hours(70))); f != nil {
		t.Errorf("70h flagged as very late: %+v", f)
	}
}

func TestRuleSet_FillsRuleName(t *testing.T) {
	rs := NewRuleSet(&VeryLateRule{Hours: 1})
	findings := rs.Evaluate(nil, fact("p0", 100, "cash", 0, hours(5)))
	if len(findings) != 1 || findings[0].Rule != "very_late_deposit" {
		t.Fatalf("unexpected findings: %+v", findings)
	}
}
