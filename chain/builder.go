// Package chain extends unmatched debt positions into multilateral netting
// routes. The search is a bounded best-first walk over an arena of
// owner-indexed nodes, not an exhaustive minimum-cost flow: the corpus per
// tax authority is small and the acceptance bar is "no chain beats the chosen
// one by more than epsilon", not exact optimality.
package chain

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"compensa/ledger"
	"compensa/match"
	"compensa/rules"
	"compensa/viability"
)

const DefaultMaxDepth = 4

// Builder searches for closed netting chains.
type Builder struct {
	table     *rules.Table
	scorer    *viability.Scorer
	minAmount int64
	epsilon   int64 // a later chain must beat the kept one by more than this
	log       *slog.Logger
	now       func() time.Time
	idGen     func() string
}

func NewBuilder(table *rules.Table, scorer *viability.Scorer, minAmount, epsilon int64, log *slog.Logger) *Builder {
	return &Builder{
		table:     table,
		scorer:    scorer,
		minAmount: minAmount,
		epsilon:   epsilon,
		log:       log,
		now:       time.Now,
		idGen:     func() string { return uuid.NewString() },
	}
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithIDGenerator(gen func() string) *Builder {
	b.idGen = gen
	return b
}

// arena holds the working graph: owners as integer-indexed nodes pointing at
// record indices, so traversal and the cycle guard stay allocation-light.
type arena struct {
	credits []ledger.CreditRecord
	debts   []ledger.DebtRecord

	ownerIDs   []string
	ownerIndex map[string]int

	creditsByOwner [][]int
	debtsByOwner   [][]int
}

func buildArena(credits []ledger.CreditRecord, debts []ledger.DebtRecord, now time.Time) *arena {
	a := &arena{ownerIndex: make(map[string]int)}

	owner := func(id string) int {
		if idx, ok := a.ownerIndex[id]; ok {
			return idx
		}
		idx := len(a.ownerIDs)
		a.ownerIndex[id] = idx
		a.ownerIDs = append(a.ownerIDs, id)
		a.creditsByOwner = append(a.creditsByOwner, nil)
		a.debtsByOwner = append(a.debtsByOwner, nil)
		return idx
	}

	for _, c := range credits {
		if !c.Usable(now) {
			continue
		}
		idx := owner(c.OwnerID)
		a.credits = append(a.credits, c)
		a.creditsByOwner[idx] = append(a.creditsByOwner[idx], len(a.credits)-1)
	}
	for _, d := range debts {
		if !d.Payable() {
			continue
		}
		idx := owner(d.OwnerID)
		a.debts = append(a.debts, d)
		a.debtsByOwner[idx] = append(a.debtsByOwner[idx], len(a.debts)-1)
	}
	return a
}

// partial is an open search state: the chain built so far plus the debt the
// next step must relieve.
type partial struct {
	steps       []Step
	used        map[edgeKey]struct{}
	bottleneck  int64
	pendingDebt int // index into arena.debts
	savingsEst  int64
}

type frontier []*partial

func (f frontier) Len() int            { return len(f) }
func (f frontier) Less(i, j int) bool  { return f[i].savingsEst > f[j].savingsEst }
func (f frontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)         { *f = append(*f, x.(*partial)) }
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	p := old[n-1]
	*f = old[:n-1]
	return p
}

// BuildChains searches for the best closed chain per root debt. rootDebtIDs
// names the debts direct matching left unresolved; when nil, every payable
// debt seeds the frontier. maxChains bounds expansions explored per root so
// the search stays polynomial.
func (b *Builder) BuildChains(ctx context.Context, credits []ledger.CreditRecord, debts []ledger.DebtRecord, rootDebtIDs []string, maxDepth, maxChains int) []Chain {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxChains <= 0 {
		maxChains = 64
	}
	now := b.now()
	a := buildArena(credits, debts, now)

	roots := make([]int, 0, len(a.debts))
	if rootDebtIDs == nil {
		for i := range a.debts {
			roots = append(roots, i)
		}
	} else {
		want := make(map[string]struct{}, len(rootDebtIDs))
		for _, id := range rootDebtIDs {
			want[id] = struct{}{}
		}
		for i := range a.debts {
			if _, ok := want[a.debts[i].ID]; ok {
				roots = append(roots, i)
			}
		}
	}

	out := make([]Chain, 0, len(roots))
	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		if best := b.searchRoot(ctx, a, root, maxDepth, maxChains, now); best != nil {
			out = append(out, *best)
		}
	}
	return out
}

func (b *Builder) searchRoot(ctx context.Context, a *arena, root, maxDepth, maxChains int, now time.Time) *Chain {
	rootDebt := &a.debts[root]

	var fr frontier
	heap.Init(&fr)
	heap.Push(&fr, &partial{
		used:        map[edgeKey]struct{}{},
		bottleneck:  rootDebt.OutstandingBalance,
		pendingDebt: root,
	})

	var best *Chain
	explored := 0

	for fr.Len() > 0 && explored < maxChains {
		if ctx.Err() != nil {
			return best
		}
		p := heap.Pop(&fr).(*partial)
		explored++

		if len(p.steps) >= maxDepth {
			continue
		}

		debt := &a.debts[p.pendingDebt]
		debtOwner := a.ownerIndex[debt.OwnerID]
		debtEdge := edgeKey{debt.OwnerID, debt.TaxType, debt.Sphere}
		if _, used := p.used[debtEdge]; used {
			continue
		}

		for ownerIdx, creditIdxs := range a.creditsByOwner {
			if ownerIdx == debtOwner {
				continue
			}
			for _, ci := range creditIdxs {
				credit := &a.credits[ci]
				factor, ok := b.table.CreditCompatible(credit, debt)
				if !ok {
					continue
				}
				creditEdge := edgeKey{credit.OwnerID, credit.TaxType, credit.Sphere}
				if _, used := p.used[creditEdge]; used {
					continue
				}

				amount, _ := match.CompensationAmount(credit.AvailableBalance, debt.OutstandingBalance, factor)
				bottleneck := p.bottleneck
				if amount < bottleneck {
					bottleneck = amount
				}
				if bottleneck < b.minAmount || bottleneck <= 0 {
					continue
				}

				next := p.extend(credit, debt, factor, bottleneck, creditEdge, debtEdge)

				// The chain closes when the contributing owner has no
				// modeled obligation of their own left to resolve.
				openDebts := b.openDebts(a, ownerIdx, next.used)
				if len(openDebts) == 0 {
					cand := b.finalize(a, root, next, now)
					if cand != nil && b.better(cand, best) {
						best = cand
					}
					continue
				}

				// Otherwise every open debt of the contributor is a branch:
				// the chain must keep going and relieve one of them.
				for _, di := range openDebts {
					branch := next.clone()
					branch.pendingDebt = di
					branch.savingsEst = b.estimate(branch, now)
					heap.Push(&fr, branch)
				}
			}
		}
	}
	return best
}

func (p *partial) extend(credit *ledger.CreditRecord, debt *ledger.DebtRecord, factor float64, bottleneck int64, creditEdge, debtEdge edgeKey) *partial {
	next := p.clone()
	next.bottleneck = bottleneck
	next.steps = append(next.steps, Step{
		CreditID:      credit.ID,
		DebtID:        debt.ID,
		SourceOwnerID: credit.OwnerID,
		TargetOwnerID: debt.OwnerID,
		TaxType:       debt.TaxType,
		Sphere:        debt.Sphere,
		Factor:        factor,
	})
	next.used[creditEdge] = struct{}{}
	next.used[debtEdge] = struct{}{}
	return next
}

func (p *partial) clone() *partial {
	used := make(map[edgeKey]struct{}, len(p.used)+2)
	for k := range p.used {
		used[k] = struct{}{}
	}
	steps := make([]Step, len(p.steps), len(p.steps)+1)
	copy(steps, p.steps)
	return &partial{
		steps:       steps,
		used:        used,
		bottleneck:  p.bottleneck,
		pendingDebt: p.pendingDebt,
	}
}

// openDebts lists the owner's payable debts whose edges the chain has not
// consumed yet.
func (b *Builder) openDebts(a *arena, ownerIdx int, used map[edgeKey]struct{}) []int {
	var open []int
	for _, di := range a.debtsByOwner[ownerIdx] {
		d := &a.debts[di]
		if _, taken := used[edgeKey{d.OwnerID, d.TaxType, d.Sphere}]; taken {
			continue
		}
		open = append(open, di)
	}
	return open
}

// estimate is the optimistic priority for an open state: the savings the
// chain would earn if it closed right now at the current bottleneck, assuming
// full discount. Real discounts and expiries feed the final score in
// finalize; the estimate only has to order the frontier.
func (b *Builder) estimate(p *partial, now time.Time) int64 {
	var total int64
	for range p.steps {
		assessment := b.scorer.ScoreStep(viability.Input{
			Amount:          p.bottleneck,
			DiscountPct:     1.0,
			CreditExpiresAt: now.Add(90 * 24 * time.Hour),
		}, len(p.steps))
		total += assessment.Savings
	}
	return total
}

// finalize fixes the uniform amount, scores every step against its real
// credit record, and validates closure. A validation failure here is a
// builder bug: log and discard.
func (b *Builder) finalize(a *arena, root int, p *partial, now time.Time) *Chain {
	amount := p.bottleneck
	if amount < b.minAmount {
		return nil
	}

	creditByID := make(map[string]*ledger.CreditRecord, len(a.credits))
	for i := range a.credits {
		creditByID[a.credits[i].ID] = &a.credits[i]
	}

	var savings int64
	minViability := 1.0
	steps := make([]Step, len(p.steps))
	for i, s := range p.steps {
		credit := creditByID[s.CreditID]
		_, consumed := match.CompensationAmount(credit.AvailableBalance, amount, s.Factor)
		s.Amount = amount
		s.CreditConsumed = consumed

		assessment := b.scorer.ScoreStep(viability.Input{
			Amount:           amount,
			DiscountPct:      credit.DiscountPct,
			CreditExpiresAt:  credit.ExpiresAt,
			CounterpartyID:   s.SourceOwnerID,
			JurisdictionCode: credit.JurisdictionCode,
		}, len(p.steps))
		savings += assessment.Savings
		if assessment.Viability < minViability {
			minViability = assessment.Viability
		}
		steps[i] = s
	}

	c := &Chain{
		ID:         b.idGen(),
		RootDebtID: a.debts[root].ID,
		Steps:      steps,
		Amount:     amount,
		Savings:    savings,
		Viability:  minViability,
		Viable:     savings > 0,
		Status:     match.StatusProposed,
		CreatedAt:  now,
	}
	if err := c.Validate(); err != nil {
		b.log.Error("discarding invalid chain", "chain_id", c.ID, "root_debt", c.RootDebtID, "err", err)
		return nil
	}
	return c
}

// better keeps the incumbent unless the challenger exceeds it by more than
// epsilon, so negligible gains do not churn the selection.
func (b *Builder) better(cand, best *Chain) bool {
	if best == nil {
		return true
	}
	return cand.Savings > best.Savings+b.epsilon
}
