// Package match enumerates and ranks direct bilateral compensation
// candidates. The finder is read-only: it proposes, the orchestrator
// disposes.
package match

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"compensa/ledger"
	"compensa/rules"
	"compensa/viability"
)

// Finder pairs available credits against outstanding debts.
type Finder struct {
	table     *rules.Table
	scorer    *viability.Scorer
	minAmount int64
	now       func() time.Time
	idGen     func() string
}

func NewFinder(table *rules.Table, scorer *viability.Scorer, minAmount int64) *Finder {
	return &Finder{
		table:     table,
		scorer:    scorer,
		minAmount: minAmount,
		now:       time.Now,
		idGen:     func() string { return uuid.NewString() },
	}
}

func (f *Finder) WithClock(now func() time.Time) *Finder {
	f.now = now
	return f
}

func (f *Finder) WithIDGenerator(gen func() string) *Finder {
	f.idGen = gen
	return f
}

// FindDirectMatches emits a scored candidate for every compatible
// (credit, debt) pair with positive balances on both sides. Ranking:
// descending savings, then ascending debt due date (clear the most urgent
// debt first), then descending amount. Candidates below the minimum amount
// are dropped.
func (f *Finder) FindDirectMatches(credits []ledger.CreditRecord, debts []ledger.DebtRecord) []Match {
	now := f.now()
	out := make([]Match, 0, 8)

	for ci := range credits {
		c := &credits[ci]
		if !c.Usable(now) {
			continue
		}
		for di := range debts {
			d := &debts[di]
			if !d.Payable() {
				continue
			}
			factor, ok := f.table.CreditCompatible(c, d)
			if !ok {
				continue
			}
			amount, consumed := CompensationAmount(c.AvailableBalance, d.OutstandingBalance, factor)
			if amount < f.minAmount || amount <= 0 {
				continue
			}

			assessment := f.scorer.Score(viability.Input{
				Amount:           amount,
				DiscountPct:      c.DiscountPct,
				CreditExpiresAt:  c.ExpiresAt,
				CounterpartyID:   c.OwnerID,
				JurisdictionCode: d.JurisdictionCode,
			})

			out = append(out, Match{
				ID:               f.idGen(),
				CreditID:         c.ID,
				DebtID:           d.ID,
				CreditOwnerID:    c.OwnerID,
				DebtOwnerID:      d.OwnerID,
				TaxType:          d.TaxType,
				ConversionFactor: factor,
				Amount:           amount,
				CreditConsumed:   consumed,
				Savings:          assessment.Savings,
				DiscountPct:      assessment.DiscountPct,
				Viability:        assessment.Viability,
				Viable:           assessment.Viable,
				DebtDueAt:        d.DueAt,
				CreditExpiresAt:  c.ExpiresAt,
				Status:           StatusProposed,
				CreatedAt:        now,
			})
		}
	}

	Rank(out)
	return out
}

// Rank orders candidates by descending savings, then ascending debt due date,
// then descending amount, with the id as a deterministic tiebreak.
func Rank(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Savings != ms[j].Savings {
			return ms[i].Savings > ms[j].Savings
		}
		if !ms[i].DebtDueAt.Equal(ms[j].DebtDueAt) {
			return ms[i].DebtDueAt.Before(ms[j].DebtDueAt)
		}
		if ms[i].Amount != ms[j].Amount {
			return ms[i].Amount > ms[j].Amount
		}
		return ms[i].ID < ms[j].ID
	})
}

// CompensationAmount computes how much debt a credit clears and how much
// credit that consumes, in centavos. The amount is capped so neither side
// goes negative: the credit can offset at most availableBalance*factor of
// debt, and the debt accepts at most its outstanding balance. The credit
// consumption rounds up so the engine never hands out fractional-centavo
// value.
func CompensationAmount(available, outstanding int64, factor float64) (amount, creditConsumed int64) {
	maxFromCredit := int64(math.Floor(float64(available) * factor))
	amount = outstanding
	if maxFromCredit < amount {
		amount = maxFromCredit
	}
	if amount <= 0 {
		return 0, 0
	}
	creditConsumed = int64(math.Ceil(float64(amount) / factor))
	if creditConsumed > available {
		creditConsumed = available
	}
	return amount, creditConsumed
}
