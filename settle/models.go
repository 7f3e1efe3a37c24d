package settle

import (
	"errors"
	"time"

	"compensa/ledger"
	"compensa/match"
)

var (
	// ErrNotFound signals no match, chain, or settlement with that id.
	ErrNotFound = errors.New("settle: not found")
	// ErrInvalidTransition signals a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("settle: invalid transition")
	// ErrBelowThreshold signals an automatic approval was attempted on a
	// candidate under the viability threshold; a manual override is required.
	ErrBelowThreshold = errors.New("settle: viability below threshold")
	// ErrRegistrationFailure wraps a government registration error or timeout.
	ErrRegistrationFailure = errors.New("settle: government registration failed")
	// ErrAnchorFailure wraps a ledger anchor error or timeout.
	ErrAnchorFailure = errors.New("settle: ledger anchor failed")
)

// TargetKind distinguishes what a settlement record settles.
type TargetKind string

const (
	TargetMatch TargetKind = "match"
	TargetChain TargetKind = "chain"
)

// Record is created when a match or chain enters executing and becomes
// immutable once concluded. It carries the external proof points: the
// government protocol number and the ledger anchor hash.
type Record struct {
	ID             string
	TargetID       string
	Kind           TargetKind
	Amount         int64
	Deltas         []ledger.Delta
	ProtocolNumber string
	AnchorHash     string
	RolledBack     bool
	CreatedAt      time.Time
	ConcludedAt    *time.Time
}

var transitions = map[match.Status][]match.Status{
	match.StatusProposed:  {match.StatusAnalyzing, match.StatusRejected},
	match.StatusAnalyzing: {match.StatusApproved, match.StatusRejected},
	match.StatusApproved:  {match.StatusExecuting, match.StatusRejected},
	match.StatusExecuting: {match.StatusConcluded, match.StatusFailed, match.StatusApproved, match.StatusAnalyzing},
}

// canTransition reports whether the lifecycle permits from -> to. An executing
// candidate falls back to approved when its reservation cannot be acquired,
// and to analyzing when lock-time balances moved (the downgrade path);
// terminal states allow nothing.
func canTransition(from, to match.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
