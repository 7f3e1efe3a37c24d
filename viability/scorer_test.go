package viability

import (
	"math"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testScorer(costs Costs) *Scorer {
	return NewScorer(Profiles{
		Reliability:        map[string]float64{"reliable-co": 1.0, "shaky-co": 0.2},
		JurisdictionRisk:   map[string]float64{"SP": 0.1, "frontier": 0.9},
		DefaultReliability: 0.5,
		DefaultRisk:        0.5,
	}, costs).WithClock(func() time.Time { return testNow })
}

func TestScore_SavingsNetOfCosts(t *testing.T) {
	s := testScorer(Costs{Operational: 50_00, GovFees: 25_00})

	// 150_000_00 * 0.08 = 12_000_00 gross, minus 75_00 costs
	a := s.Score(Input{
		Amount:           150_000_00,
		DiscountPct:      0.08,
		CreditExpiresAt:  testNow.Add(120 * 24 * time.Hour),
		CounterpartyID:   "reliable-co",
		JurisdictionCode: "SP",
	})
	if a.Savings != 12_000_00-75_00 {
		t.Fatalf("savings: %d", a.Savings)
	}
	if !a.Viable {
		t.Fatal("positive savings must be viable")
	}
}

func TestScore_ViabilityWeights(t *testing.T) {
	s := testScorer(Costs{})

	// 120 days out clamps the expiry term at 1; reliability 1.0; risk 0.1
	a := s.Score(Input{
		Amount:           100_00,
		DiscountPct:      0.1,
		CreditExpiresAt:  testNow.Add(120 * 24 * time.Hour),
		CounterpartyID:   "reliable-co",
		JurisdictionCode: "SP",
	})
	want := 0.5*1.0 + 0.3*1.0 + 0.2*(1-0.1)
	if math.Abs(a.Viability-want) > 1e-9 {
		t.Fatalf("viability: got %v want %v", a.Viability, want)
	}
}

func TestScore_ExpiryTermScalesWithin90Days(t *testing.T) {
	s := testScorer(Costs{})

	a := s.Score(Input{
		Amount:           100_00,
		DiscountPct:      0.1,
		CreditExpiresAt:  testNow.Add(45 * 24 * time.Hour),
		CounterpartyID:   "reliable-co",
		JurisdictionCode: "SP",
	})
	want := 0.5*(45.0/90.0) + 0.3*1.0 + 0.2*0.9
	if math.Abs(a.Viability-want) > 1e-9 {
		t.Fatalf("viability: got %v want %v", a.Viability, want)
	}
}

func TestScore_ExpiredCreditContributesNothing(t *testing.T) {
	s := testScorer(Costs{})
	a := s.Score(Input{
		Amount:           100_00,
		DiscountPct:      0.1,
		CreditExpiresAt:  testNow.Add(-24 * time.Hour),
		CounterpartyID:   "reliable-co",
		JurisdictionCode: "SP",
	})
	want := 0.3*1.0 + 0.2*0.9
	if math.Abs(a.Viability-want) > 1e-9 {
		t.Fatalf("viability: got %v want %v", a.Viability, want)
	}
}

func TestScore_NonPositiveSavingsNotViable(t *testing.T) {
	s := testScorer(Costs{Operational: 10_000_00})
	a := s.Score(Input{
		Amount:          100_00,
		DiscountPct:     0.08,
		CreditExpiresAt: testNow.Add(120 * 24 * time.Hour),
	})
	if a.Viable {
		t.Fatalf("savings %d must not be viable", a.Savings)
	}
}

func TestScore_UnknownProfilesFallBack(t *testing.T) {
	s := testScorer(Costs{})
	a := s.Score(Input{
		Amount:           100_00,
		DiscountPct:      0.1,
		CreditExpiresAt:  testNow.Add(120 * 24 * time.Hour),
		CounterpartyID:   "never-seen",
		JurisdictionCode: "nowhere",
	})
	want := 0.5*1.0 + 0.3*0.5 + 0.2*0.5
	if math.Abs(a.Viability-want) > 1e-9 {
		t.Fatalf("viability: got %v want %v", a.Viability, want)
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := testScorer(Costs{Operational: 50_00})
	in := Input{
		Amount:           77_000_00,
		DiscountPct:      0.06,
		CreditExpiresAt:  testNow.Add(30 * 24 * time.Hour),
		CounterpartyID:   "shaky-co",
		JurisdictionCode: "frontier",
	}
	first := s.Score(in)
	for i := 0; i < 5; i++ {
		if got := s.Score(in); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestScoreStep_AmortizesCosts(t *testing.T) {
	s := testScorer(Costs{Operational: 90_00, GovFees: 30_00})
	in := Input{
		Amount:          100_000_00,
		DiscountPct:     0.05,
		CreditExpiresAt: testNow.Add(120 * 24 * time.Hour),
	}

	whole := s.Score(in)
	step := s.ScoreStep(in, 3)
	if step.Savings != whole.Savings+90_00+30_00-30_00-10_00 {
		t.Fatalf("amortized savings: whole=%d step=%d", whole.Savings, step.Savings)
	}
}

func TestParseProfiles(t *testing.T) {
	p, err := ParseProfiles(`
default_reliability = 0.6
default_jurisdiction_risk = 0.4

[reliability]
"owner-a" = 0.95

[jurisdiction_risk]
SP = 0.05
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Reliability["owner-a"] != 0.95 || p.JurisdictionRisk["SP"] != 0.05 {
		t.Fatalf("parsed maps: %+v", p)
	}
	if p.DefaultReliability != 0.6 || p.DefaultRisk != 0.4 {
		t.Fatalf("parsed defaults: %+v", p)
	}
}

func TestParseProfiles_RejectsOutOfRange(t *testing.T) {
	if _, err := ParseProfiles(`
[reliability]
"owner-a" = 1.5
`); err == nil {
		t.Fatal("expected out-of-range error")
	}
}
