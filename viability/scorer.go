// Package viability computes the economic and risk assessment of a proposed
// compensation. The scorer is deterministic given its inputs: same amounts,
// same profiles, same clock, same score.
package viability

import (
	"math"
	"time"
)

const (
	weightExpiry      = 0.5
	weightReliability = 0.3
	weightRisk        = 0.2
	expiryHorizonDays = 90
)

// Profiles carries externally supplied counterparty and jurisdiction risk
// inputs. Missing entries fall back to the configured defaults.
type Profiles struct {
	Reliability        map[string]float64 // owner id -> [0,1]
	JurisdictionRisk   map[string]float64 // jurisdiction code -> [0,1]
	DefaultReliability float64
	DefaultRisk        float64
}

// Costs carries the fixed costs deducted from gross savings, in centavos.
type Costs struct {
	Operational int64
	GovFees     int64
}

// Assessment is the scorer output for one candidate or chain step.
type Assessment struct {
	Savings     int64
	DiscountPct float64
	Viability   float64
	Viable      bool
}

// Scorer blends time-to-expiry, counterparty reliability, and jurisdiction
// risk into a [0,1] viability score, and nets fixed costs out of the discount
// savings.
type Scorer struct {
	profiles Profiles
	costs    Costs
	now      func() time.Time
}

func NewScorer(profiles Profiles, costs Costs) *Scorer {
	return &Scorer{
		profiles: profiles,
		costs:    costs,
		now:      time.Now,
	}
}

func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Input describes one candidate for scoring.
type Input struct {
	Amount           int64
	DiscountPct      float64
	CreditExpiresAt  time.Time
	CounterpartyID   string // owner on the far side
	JurisdictionCode string
}

// Score is deterministic: no randomness, no hidden state beyond the injected
// clock.
func (s *Scorer) Score(in Input) Assessment {
	gross := int64(math.Floor(float64(in.Amount) * in.DiscountPct))
	savings := gross - s.costs.Operational - s.costs.GovFees

	daysToExpiry := in.CreditExpiresAt.Sub(s.now()).Hours() / 24
	if daysToExpiry < 0 {
		daysToExpiry = 0
	}
	expiryTerm := math.Min(1, daysToExpiry/expiryHorizonDays)

	reliability := s.lookup(s.profiles.Reliability, in.CounterpartyID, s.profiles.DefaultReliability)
	risk := s.lookup(s.profiles.JurisdictionRisk, in.JurisdictionCode, s.profiles.DefaultRisk)

	viability := weightExpiry*expiryTerm + weightReliability*reliability + weightRisk*(1-risk)

	return Assessment{
		Savings:     savings,
		DiscountPct: in.DiscountPct,
		Viability:   clamp01(viability),
		Viable:      savings > 0,
	}
}

// ScoreStep scores one step of a multilateral chain, spreading the
// operational cost evenly across the chain so a long chain is not charged
// the full cost per hop.
func (s *Scorer) ScoreStep(in Input, stepCount int) Assessment {
	if stepCount < 1 {
		stepCount = 1
	}
	amortized := *s
	amortized.costs = Costs{
		Operational: s.costs.Operational / int64(stepCount),
		GovFees:     s.costs.GovFees / int64(stepCount),
	}
	return amortized.Score(in)
}

func (s *Scorer) lookup(m map[string]float64, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		return clamp01(v)
	}
	return clamp01(def)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
