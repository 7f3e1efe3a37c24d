package external

import (
	"context"
	"fmt"
	"sync/atomic"
)

// StaticGovRegistry issues deterministic protocol numbers without a network.
// It backs local runs and tests where the real registry is unreachable.
type StaticGovRegistry struct {
	seq atomic.Int64
}

func NewStaticGovRegistry() *StaticGovRegistry {
	return &StaticGovRegistry{}
}

func (g *StaticGovRegistry) Register(_ context.Context, targetID string, _ []byte) (string, error) {
	n := g.seq.Add(1)
	return fmt.Sprintf("GOV-%s-%06d", targetID, n), nil
}

// StaticLedgerAnchor echoes the payload hash back as the transaction hash.
type StaticLedgerAnchor struct{}

func NewStaticLedgerAnchor() *StaticLedgerAnchor {
	return &StaticLedgerAnchor{}
}

func (a *StaticLedgerAnchor) Anchor(_ context.Context, _ string, payloadHash string) (string, error) {
	return "tx_" + payloadHash, nil
}
