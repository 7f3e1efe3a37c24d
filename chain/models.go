package chain

import (
	"errors"
	"fmt"
	"time"

	"compensa/ledger"
	"compensa/match"
)

// ErrCycleDetected signals the builder produced a chain that reuses an
// (owner, tax type, sphere) edge. This is an internal invariant violation:
// the chain is discarded and logged, never repaired.
var ErrCycleDetected = errors.New("chain: cycle detected")

// Step moves value from a credit holder to a debt holder. Amount is the debt
// cleared by the step; every step in a chain carries the same amount, which
// is what nets each intermediate owner to zero.
type Step struct {
	CreditID       string
	DebtID         string
	SourceOwnerID  string // credit holder
	TargetOwnerID  string // debt holder being relieved
	TaxType        string
	Sphere         ledger.Sphere
	Factor         float64
	Amount         int64
	CreditConsumed int64
}

// Chain is an ordered multilateral netting route rooted at one debt that no
// bilateral match could clear.
type Chain struct {
	ID             string
	RootDebtID     string
	Steps          []Step
	Amount         int64 // uniform bottleneck amount
	Savings        int64
	Viability      float64
	Viable         bool
	Status         match.Status
	ManualOverride bool
	FailReason     string
	CreatedAt      time.Time
}

type edgeKey struct {
	ownerID string
	taxType string
	sphere  ledger.Sphere
}

// Validate checks closure and the cycle guard: every intermediate owner's
// incoming step amounts equal its outgoing step amounts, and no
// (owner, tax type, sphere) edge appears twice.
func (c *Chain) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain: empty chain %s", c.ID)
	}

	seen := make(map[edgeKey]struct{}, 2*len(c.Steps))
	for _, s := range c.Steps {
		for _, key := range []edgeKey{
			{s.SourceOwnerID, s.TaxType, s.Sphere},
			{s.TargetOwnerID, s.TaxType, s.Sphere},
		} {
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: edge %s/%s/%s reused in chain %s",
					ErrCycleDetected, key.ownerID, key.taxType, key.sphere, c.ID)
			}
			seen[key] = struct{}{}
		}
	}

	incoming := make(map[string]int64)
	outgoing := make(map[string]int64)
	for _, s := range c.Steps {
		if s.Amount != c.Amount {
			return fmt.Errorf("chain: step amount %d differs from chain amount %d in %s", s.Amount, c.Amount, c.ID)
		}
		incoming[s.TargetOwnerID] += s.Amount
		outgoing[s.SourceOwnerID] += s.Amount
	}

	root := c.Steps[0].TargetOwnerID
	terminal := c.Steps[len(c.Steps)-1].SourceOwnerID
	for owner, in := range incoming {
		if owner == root {
			continue
		}
		if out := outgoing[owner]; out != in {
			return fmt.Errorf("chain: owner %s nets %d incoming vs %d outgoing in %s", owner, in, out, c.ID)
		}
	}
	for owner, out := range outgoing {
		if owner == terminal {
			continue
		}
		if in := incoming[owner]; in != out {
			return fmt.Errorf("chain: owner %s nets %d outgoing vs %d incoming in %s", owner, out, in, c.ID)
		}
	}
	return nil
}
