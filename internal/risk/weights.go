package risk

import (
	"math"
	"sort"
)

// Weights is the tunable rule table.
type Weights struct {
	// Base is the composite weight of one occurrence.
	Base map[SignalType]float64
	// Cap bounds the composite contribution of a category.
	Cap map[SignalType]float64
	// Increment is what one occurrence adds to the actor accumulator.
	Increment map[SignalType]float64
	// ReplayFullCount replays count at full weight; later ones halve each time.
	ReplayFullCount int
	// ClassifierWeight is the classifier's share of the blended score.
	ClassifierWeight float64
}

// DefaultWeights returns the standard rule table.
func DefaultWeights() Weights {
	return Weights{
		Base: map[SignalType]float64{
			SignalQRMismatch:     0.9,
			SignalQRReplay:       0.15,
			SignalOutOfRange:     0.4,
			SignalNoReference:    0.4,
			SignalFlaggedLate:    0.2,
			SignalInvalidOTP:     0.8,
			SignalAllCash:        0.2,
			SignalFrequencySpike: 0.15,
			SignalUnusualAmount:  0.1,
			SignalFrequentLate:   0.2,
			SignalVeryLate:       0.3,
			SignalRouteDeviation: 0.05,
		},
		Cap: map[SignalType]float64{
			SignalQRMismatch:     0.9,
			SignalQRReplay:       0.6,
			SignalOutOfRange:     0.8,
			SignalNoReference:    0.8,
			SignalFlaggedLate:    0.6,
			SignalInvalidOTP:     0.8,
			SignalAllCash:        0.2,
			SignalFrequencySpike: 0.15,
			SignalUnusualAmount:  0.3,
			SignalFrequentLate:   0.2,
			SignalVeryLate:       0.3,
			SignalRouteDeviation: 0.5,
		},
		Increment: map[SignalType]float64{
			SignalQRMismatch:     0.2,
			SignalQRReplay:       0.02,
			SignalOutOfRange:     0.05,
			SignalNoReference:    0.05,
			SignalFlaggedLate:    0.05,
			SignalInvalidOTP:     0.2,
			SignalAllCash:        0.05,
			SignalFrequencySpike: 0.03,
			SignalUnusualAmount:  0.02,
			SignalFrequentLate:   0.05,
			SignalVeryLate:       0.05,
			SignalRouteDeviation: 0.03,
		},
		ReplayFullCount:  3,
		ClassifierWeight: 0.3,
	}
}

// WeightOf returns the composite weight of one occurrence of t.
//
// FLAGGED_LATE scales from 0.2 to 0.3 over the first 48 late hours.
// ROUTE_DEVIATION is 0.05 per kilometre, between 0.05 and 0.5.
func (w Weights) WeightOf(t SignalType, magnitude float64) float64 {
	base := w.Base[t]
	switch t {
	case SignalFlaggedLate:
		return round3(base + 0.1*math.Min(math.Max(magnitude, 0)/48, 1))
	case SignalRouteDeviation:
		km := magnitude / 1000
		return round3(math.Min(w.capOf(t), math.Max(base, 0.05*km)))
	}
	return base
}

// IncrementOf returns the accumulator increment for one occurrence of t.
func (w Weights) IncrementOf(t SignalType) float64 {
	return w.Increment[t]
}

func (w Weights) capOf(t SignalType) float64 {
	if c, ok := w.Cap[t]; ok {
		return c
	}
	return 1
}

// RuleScore sums signals per category, applying the replay diminishing
// return and each category cap. The result is clamped to [0, 1].
func (w Weights) RuleScore(signals []*Signal) (float64, map[SignalType]float64) {
	ordered := make([]*Signal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ProducedAt.Before(ordered[j].ProducedAt)
	})

	categories := make(map[SignalType]float64)
	replays := 0
	for _, s := range ordered {
		weight := s.Weight
		if s.Type == SignalQRReplay {
			replays++
			if replays > w.ReplayFullCount {
				weight /= math.Pow(2, float64(replays-w.ReplayFullCount))
			}
		}
		categories[s.Type] += weight
	}

	total := 0.0
	for t, sum := range categories {
		capped := math.Min(sum, w.capOf(t))
		categories[t] = round3(capped)
		total += capped
	}
	return round3(clamp01(total)), categories
}

// Blend combines a rule score with a classifier probability.
func (w Weights) Blend(rule, probability float64) float64 {
	cw := clamp01(w.ClassifierWeight)
	return round3(clamp01((1-cw)*rule + cw*clamp01(probability)))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// roundScore keeps accumulator arithmetic free of float drift.
func roundScore(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
