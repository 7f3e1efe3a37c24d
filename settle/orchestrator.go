// Package settle owns the settlement lifecycle. It is the only component
// that mutates ledger balances, and it does so exclusively between Reserve
// and Commit on the registry. External calls happen after the ledger delta is
// committed and the reservations released, so a slow registry or anchor never
// blocks unrelated settlements.
package settle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"compensa/chain"
	"compensa/event"
	"compensa/ledger"
	"compensa/match"
	"compensa/metrics"
	"compensa/viability"
)

// GovRegistry registers a concluded compensation with the tax authority and
// returns the official protocol number.
type GovRegistry interface {
	Register(ctx context.Context, targetID string, payload []byte) (string, error)
}

// LedgerAnchor records the settlement hash on an external distributed ledger
// for tamper evidence and returns the transaction hash.
type LedgerAnchor interface {
	Anchor(ctx context.Context, targetID string, payloadHash string) (string, error)
}

// Config bounds the orchestrator's retries and external calls.
type Config struct {
	ViabilityThreshold float64
	LockRetries        int
	LockRetryDelay     time.Duration
	ExternalTimeout    time.Duration
}

// Orchestrator drives matches and chains from proposed to concluded.
type Orchestrator struct {
	registry *ledger.Registry
	store    ledger.Store
	setStore Store
	scorer   *viability.Scorer
	gov      GovRegistry
	anchor   LedgerAnchor
	events   *event.Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	mu          sync.Mutex
	matches     map[string]*match.Match
	chains      map[string]*chain.Chain
	settlements map[string]*Record

	now   func() time.Time
	idGen func() string
}

func NewOrchestrator(registry *ledger.Registry, store ledger.Store, setStore Store, scorer *viability.Scorer,
	gov GovRegistry, anchor LedgerAnchor, events *event.Recorder, m *metrics.Metrics, log *slog.Logger, cfg Config) *Orchestrator {
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 25 * time.Millisecond
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 10 * time.Second
	}
	return &Orchestrator{
		registry:    registry,
		store:       store,
		setStore:    setStore,
		scorer:      scorer,
		gov:         gov,
		anchor:      anchor,
		events:      events,
		metrics:     m,
		log:         log,
		cfg:         cfg,
		matches:     make(map[string]*match.Match),
		chains:      make(map[string]*chain.Chain),
		settlements: make(map[string]*Record),
		now:         time.Now,
		idGen:       func() string { return uuid.NewString() },
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	o.idGen = gen
	return o
}

// SubmitMatch takes ownership of a scored candidate. Proposals move to
// analyzing immediately because the finder scores before submitting.
func (o *Orchestrator) SubmitMatch(m match.Match) match.Match {
	m.Status = match.StatusProposed
	o.mu.Lock()
	stored := m
	o.matches[m.ID] = &stored
	o.mu.Unlock()

	o.events.Emit(event.Event{
		Key:  m.ID,
		Type: event.TypeMatchProposed,
		Payload: map[string]any{
			"credit_id": m.CreditID,
			"debt_id":   m.DebtID,
			"amount":    m.Amount,
			"savings":   m.Savings,
			"viability": m.Viability,
		},
	})
	if o.metrics != nil {
		o.metrics.CandidatesProposed.Inc()
	}

	o.transitionMatch(&stored, match.StatusAnalyzing, "")
	return stored
}

// SubmitChain takes ownership of a built chain.
func (o *Orchestrator) SubmitChain(c chain.Chain) chain.Chain {
	c.Status = match.StatusProposed
	o.mu.Lock()
	stored := c
	o.chains[c.ID] = &stored
	o.mu.Unlock()

	o.events.Emit(event.Event{
		Key:  c.ID,
		Type: event.TypeChainProposed,
		Payload: map[string]any{
			"root_debt_id": c.RootDebtID,
			"steps":        len(c.Steps),
			"amount":       c.Amount,
			"savings":      c.Savings,
			"viability":    c.Viability,
		},
	})
	if o.metrics != nil {
		o.metrics.ChainsProposed.Inc()
	}

	o.transitionChain(&stored, match.StatusAnalyzing, "")
	return stored
}

// Approve moves an analyzed match or chain to approved. Below the viability
// threshold (or with non-positive savings) approval requires override=true;
// the override is flagged on the record and logged with the actor.
func (o *Orchestrator) Approve(id, actorID string, override bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.matches[id]; ok {
		if !canTransition(m.Status, match.StatusApproved) {
			return fmt.Errorf("%w: %s -> approved", ErrInvalidTransition, m.Status)
		}
		if !m.Viable || m.Viability < o.cfg.ViabilityThreshold {
			if !override {
				return fmt.Errorf("%w: viability %.2f, savings %d", ErrBelowThreshold, m.Viability, m.Savings)
			}
			m.ManualOverride = true
			o.log.Warn("manual override approval", "match_id", id, "actor_id", actorID,
				"viability", m.Viability, "savings", m.Savings)
		}
		o.transitionMatchLocked(m, match.StatusApproved, "")
		return nil
	}
	if c, ok := o.chains[id]; ok {
		if !canTransition(c.Status, match.StatusApproved) {
			return fmt.Errorf("%w: %s -> approved", ErrInvalidTransition, c.Status)
		}
		if !c.Viable || c.Viability < o.cfg.ViabilityThreshold {
			if !override {
				return fmt.Errorf("%w: viability %.2f, savings %d", ErrBelowThreshold, c.Viability, c.Savings)
			}
			c.ManualOverride = true
			o.log.Warn("manual override approval", "chain_id", id, "actor_id", actorID,
				"viability", c.Viability, "savings", c.Savings)
		}
		o.transitionChainLocked(c, match.StatusApproved, "")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Reject terminates a match or chain before execution.
func (o *Orchestrator) Reject(id, actorID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.matches[id]; ok {
		if !canTransition(m.Status, match.StatusRejected) {
			return fmt.Errorf("%w: %s -> rejected", ErrInvalidTransition, m.Status)
		}
		o.log.Info("match rejected", "match_id", id, "actor_id", actorID, "reason", reason)
		o.transitionMatchLocked(m, match.StatusRejected, reason)
		return nil
	}
	if c, ok := o.chains[id]; ok {
		if !canTransition(c.Status, match.StatusRejected) {
			return fmt.Errorf("%w: %s -> rejected", ErrInvalidTransition, c.Status)
		}
		o.log.Info("chain rejected", "chain_id", id, "actor_id", actorID, "reason", reason)
		o.transitionChainLocked(c, match.StatusRejected, reason)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Execute runs an approved match or chain through settlement.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	o.mu.Lock()
	_, isMatch := o.matches[id]
	_, isChain := o.chains[id]
	o.mu.Unlock()

	switch {
	case isMatch:
		return o.executeMatch(ctx, id)
	case isChain:
		return o.executeChain(ctx, id)
	default:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
}

func (o *Orchestrator) executeMatch(ctx context.Context, id string) error {
	o.mu.Lock()
	m, ok := o.matches[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.Status != match.StatusApproved {
		o.mu.Unlock()
		return fmt.Errorf("%w: execute from %s", ErrInvalidTransition, m.Status)
	}
	// Claim the match before releasing the lock so a concurrent Execute
	// fails fast instead of racing this one to the reservation.
	o.transitionMatchLocked(m, match.StatusExecuting, "")
	o.mu.Unlock()

	creditIDs := []string{m.CreditID}
	debtIDs := []string{m.DebtID}

	if err := o.reserve(ctx, creditIDs, debtIDs); err != nil {
		o.transitionMatch(m, match.StatusApproved, "reservation not acquired")
		return err
	}

	// Balances are authoritative only now, under the reservation.
	credit, err := o.registry.Credit(m.CreditID)
	if err != nil {
		o.registry.Abort(creditIDs, debtIDs)
		o.transitionMatch(m, match.StatusApproved, "reservation released")
		return err
	}
	debt, err := o.registry.Debt(m.DebtID)
	if err != nil {
		o.registry.Abort(creditIDs, debtIDs)
		o.transitionMatch(m, match.StatusApproved, "reservation released")
		return err
	}

	if credit.Expired(o.now()) {
		o.registry.Abort(creditIDs, debtIDs)
		o.failMatch(m, fmt.Errorf("%w: credit %s", ledger.ErrExpiredRecord, credit.ID))
		return fmt.Errorf("%w: credit %s", ledger.ErrExpiredRecord, credit.ID)
	}

	amount, consumed := match.CompensationAmount(credit.AvailableBalance, debt.OutstandingBalance, m.ConversionFactor)
	if amount != m.Amount {
		o.registry.Abort(creditIDs, debtIDs)
		o.downgradeMatch(m, credit, debt, amount, consumed)
		return fmt.Errorf("%w: proposed %d, lock-time %d", ledger.ErrInsufficientBalance, m.Amount, amount)
	}

	deltas := []ledger.Delta{
		{RecordID: m.CreditID, Kind: ledger.DeltaCredit, Amount: m.CreditConsumed},
		{RecordID: m.DebtID, Kind: ledger.DeltaDebt, Amount: m.Amount},
	}
	rec := o.newSettlement(ctx, m.ID, TargetMatch, m.Amount, deltas)

	if err := o.commitLedger(ctx, rec, []ledger.CreditRecord{credit}, []ledger.DebtRecord{debt}); err != nil {
		o.failMatch(m, err)
		return err
	}

	payload, hash := o.settlementPayload(rec, m, nil)
	if err := o.externalCalls(ctx, rec, payload, hash); err != nil {
		o.failMatch(m, err)
		return err
	}

	o.concludeSettlement(ctx, rec)
	o.transitionMatch(m, match.StatusConcluded, "")
	return nil
}

func (o *Orchestrator) executeChain(ctx context.Context, id string) error {
	o.mu.Lock()
	c, ok := o.chains[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Status != match.StatusApproved {
		o.mu.Unlock()
		return fmt.Errorf("%w: execute from %s", ErrInvalidTransition, c.Status)
	}
	// Claim the chain before releasing the lock so a concurrent Execute
	// fails fast instead of racing this one to the reservation.
	o.transitionChainLocked(c, match.StatusExecuting, "")
	o.mu.Unlock()

	var creditIDs, debtIDs []string
	for _, s := range c.Steps {
		creditIDs = append(creditIDs, s.CreditID)
		debtIDs = append(debtIDs, s.DebtID)
	}

	if err := o.reserve(ctx, creditIDs, debtIDs); err != nil {
		o.transitionChain(c, match.StatusApproved, "reservation not acquired")
		return err
	}

	// Verify every step at lock time before the first balance moves. The
	// bottleneck is recomputed over all steps so a shortfall downgrades the
	// chain to the uniform amount the book still supports.
	now := o.now()
	credits := make([]ledger.CreditRecord, len(c.Steps))
	debts := make([]ledger.DebtRecord, len(c.Steps))
	bottleneck := c.Amount
	for i, s := range c.Steps {
		credit, err := o.registry.Credit(s.CreditID)
		if err != nil {
			o.registry.Abort(creditIDs, debtIDs)
			o.transitionChain(c, match.StatusApproved, "reservation released")
			return err
		}
		debt, err := o.registry.Debt(s.DebtID)
		if err != nil {
			o.registry.Abort(creditIDs, debtIDs)
			o.transitionChain(c, match.StatusApproved, "reservation released")
			return err
		}
		if credit.Expired(now) {
			o.registry.Abort(creditIDs, debtIDs)
			o.failChain(c, fmt.Errorf("%w: credit %s", ledger.ErrExpiredRecord, credit.ID))
			return fmt.Errorf("%w: credit %s", ledger.ErrExpiredRecord, credit.ID)
		}
		stepMax, _ := match.CompensationAmount(credit.AvailableBalance, debt.OutstandingBalance, s.Factor)
		if stepMax < bottleneck {
			bottleneck = stepMax
		}
		credits[i] = credit
		debts[i] = debt
	}
	if bottleneck < c.Amount {
		o.registry.Abort(creditIDs, debtIDs)
		o.downgradeChain(c, credits, bottleneck)
		return fmt.Errorf("%w: proposed %d, lock-time bottleneck %d", ledger.ErrInsufficientBalance, c.Amount, bottleneck)
	}

	deltas := make([]ledger.Delta, 0, 2*len(c.Steps))
	for _, s := range c.Steps {
		deltas = append(deltas,
			ledger.Delta{RecordID: s.CreditID, Kind: ledger.DeltaCredit, Amount: s.CreditConsumed},
			ledger.Delta{RecordID: s.DebtID, Kind: ledger.DeltaDebt, Amount: s.Amount},
		)
	}
	rec := o.newSettlement(ctx, c.ID, TargetChain, c.Amount, deltas)

	// Steps commit in chain order: step i's delta lands only after step i-1
	// committed, because each step's available amount depends on the
	// previous step's net result.
	var committed []ledger.Delta
	for i := range c.Steps {
		stepDeltas := deltas[2*i : 2*i+2]
		if err := o.registry.Commit(stepDeltas); err != nil {
			o.abandonChainCommit(ctx, rec, committed, creditIDs[i:], debtIDs[i:])
			o.failChain(c, err)
			return err
		}
		committed = append(committed, stepDeltas...)
		if err := o.persistDeltas(ctx, stepDeltas, []ledger.CreditRecord{credits[i]}, []ledger.DebtRecord{debts[i]}); err != nil {
			o.abandonChainCommit(ctx, rec, committed, creditIDs[i+1:], debtIDs[i+1:])
			o.failChain(c, err)
			return err
		}
	}

	payload, hash := o.settlementPayload(rec, nil, c)
	if err := o.externalCalls(ctx, rec, payload, hash); err != nil {
		o.failChain(c, err)
		return err
	}

	o.concludeSettlement(ctx, rec)
	o.transitionChain(c, match.StatusConcluded, "")
	return nil
}

// reserve acquires the per-record reservations with a bounded retry budget.
func (o *Orchestrator) reserve(ctx context.Context, creditIDs, debtIDs []string) error {
	attempts := o.cfg.LockRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		if err = o.registry.Reserve(creditIDs, debtIDs); err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrLockConflict) {
			return err
		}
		if o.metrics != nil {
			o.metrics.LockConflicts.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.LockRetryDelay):
		}
	}
	return fmt.Errorf("settle: reservation exhausted %d attempts: %w", attempts, err)
}

// commitLedger applies the full delta set to the registry and persists each
// new balance with its pre-commit version. Reservations are released by the
// commit itself; they are never held across external calls.
func (o *Orchestrator) commitLedger(ctx context.Context, rec *Record, credits []ledger.CreditRecord, debts []ledger.DebtRecord) error {
	if err := o.registry.Commit(rec.Deltas); err != nil {
		var creditIDs, debtIDs []string
		for _, dl := range rec.Deltas {
			if dl.Kind == ledger.DeltaCredit {
				creditIDs = append(creditIDs, dl.RecordID)
			} else {
				debtIDs = append(debtIDs, dl.RecordID)
			}
		}
		o.registry.Abort(creditIDs, debtIDs)
		return err
	}
	if err := o.persistDeltas(ctx, rec.Deltas, credits, debts); err != nil {
		o.rollback(ctx, rec)
		return err
	}
	return nil
}

// persistDeltas writes post-commit balances through the store using the
// versions captured at lock time, so a concurrent writer elsewhere surfaces
// as a version conflict instead of a lost update.
func (o *Orchestrator) persistDeltas(ctx context.Context, deltas []ledger.Delta, credits []ledger.CreditRecord, debts []ledger.DebtRecord) error {
	creditByID := make(map[string]ledger.CreditRecord, len(credits))
	for _, c := range credits {
		creditByID[c.ID] = c
	}
	debtByID := make(map[string]ledger.DebtRecord, len(debts))
	for _, d := range debts {
		debtByID[d.ID] = d
	}

	for _, dl := range deltas {
		switch dl.Kind {
		case ledger.DeltaCredit:
			pre := creditByID[dl.RecordID]
			newBalance := pre.AvailableBalance - dl.Amount
			status := ledger.CreditAvailable
			if newBalance == 0 {
				status = ledger.CreditConsumed
			}
			if err := o.store.CommitCreditDelta(ctx, dl.RecordID, newBalance, status, pre.Version); err != nil {
				return err
			}
		case ledger.DeltaDebt:
			pre := debtByID[dl.RecordID]
			newBalance := pre.OutstandingBalance - dl.Amount
			status := ledger.DebtOutstanding
			if newBalance == 0 {
				status = ledger.DebtSettled
			}
			if err := o.store.CommitDebtDelta(ctx, dl.RecordID, newBalance, status, pre.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

// externalCalls runs government registration then ledger anchoring, each
// under its own timeout. Any failure after the ledger committed triggers the
// compensating rollback so the ledger is never left partially debited.
func (o *Orchestrator) externalCalls(ctx context.Context, rec *Record, payload []byte, payloadHash string) error {
	protocol, err := o.timedCall(ctx, "gov_registry", func(cctx context.Context) (string, error) {
		return o.gov.Register(cctx, rec.TargetID, payload)
	})
	if err != nil {
		o.rollback(ctx, rec)
		return fmt.Errorf("%w: %v", ErrRegistrationFailure, err)
	}
	rec.ProtocolNumber = protocol

	hash, err := o.timedCall(ctx, "ledger_anchor", func(cctx context.Context) (string, error) {
		return o.anchor.Anchor(cctx, rec.TargetID, payloadHash)
	})
	if err != nil {
		o.rollback(ctx, rec)
		return fmt.Errorf("%w: %v", ErrAnchorFailure, err)
	}
	rec.AnchorHash = hash
	return nil
}

func (o *Orchestrator) timedCall(ctx context.Context, system string, call func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ExternalTimeout)
	defer cancel()
	start := time.Now()
	out, err := call(cctx)
	if o.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.ExternalCallSeconds.WithLabelValues(system, outcome).Observe(time.Since(start).Seconds())
	}
	return out, err
}

// rollback applies the compensating transaction for an already-committed
// ledger delta. It is idempotent: a second call on the same settlement is a
// no-op.
func (o *Orchestrator) rollback(ctx context.Context, rec *Record) {
	o.mu.Lock()
	if rec.RolledBack {
		o.mu.Unlock()
		return
	}
	rec.RolledBack = true
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.Rollbacks.Inc()
	}

	o.revertAndPersist(ctx, rec.Deltas)

	if o.setStore != nil {
		if err := o.setStore.MarkRolledBack(ctx, rec.ID); err != nil {
			o.log.Error("mark settlement rolled back", "settlement_id", rec.ID, "err", err)
		}
	}
}

// revertAndPersist applies the compensating deltas in memory and writes the
// restored balances through the store. Current registry versions are
// authoritative after the revert; a store version conflict here means an
// out-of-band writer moved the row and is logged for the operator.
func (o *Orchestrator) revertAndPersist(ctx context.Context, deltas []ledger.Delta) {
	if err := o.registry.Revert(deltas); err != nil {
		o.log.Error("ledger revert failed", "err", err)
		return
	}
	for _, dl := range deltas {
		switch dl.Kind {
		case ledger.DeltaCredit:
			c, err := o.registry.Credit(dl.RecordID)
			if err != nil {
				o.log.Error("rollback load credit", "record_id", dl.RecordID, "err", err)
				continue
			}
			if err := o.store.CommitCreditDelta(ctx, c.ID, c.AvailableBalance, c.Status, c.Version-1); err != nil {
				o.log.Error("rollback persist credit", "record_id", dl.RecordID, "err", err)
			}
		case ledger.DeltaDebt:
			d, err := o.registry.Debt(dl.RecordID)
			if err != nil {
				o.log.Error("rollback load debt", "record_id", dl.RecordID, "err", err)
				continue
			}
			if err := o.store.CommitDebtDelta(ctx, d.ID, d.OutstandingBalance, d.Status, d.Version-1); err != nil {
				o.log.Error("rollback persist debt", "record_id", dl.RecordID, "err", err)
			}
		}
	}
}

// abandonChainCommit unwinds a chain whose commit stopped partway: committed
// step deltas are compensated and persisted, reservations on the remaining
// steps are released. The settlement record is marked rolled back so a later
// rollback call is a no-op.
func (o *Orchestrator) abandonChainCommit(ctx context.Context, rec *Record, committed []ledger.Delta, remainingCredits, remainingDebts []string) {
	o.mu.Lock()
	alreadyRolled := rec.RolledBack
	rec.RolledBack = true
	o.mu.Unlock()

	o.registry.Abort(remainingCredits, remainingDebts)
	if alreadyRolled || len(committed) == 0 {
		return
	}
	if o.metrics != nil {
		o.metrics.Rollbacks.Inc()
	}
	o.revertAndPersist(ctx, committed)
	if o.setStore != nil {
		if err := o.setStore.MarkRolledBack(ctx, rec.ID); err != nil {
			o.log.Error("mark settlement rolled back", "settlement_id", rec.ID, "err", err)
		}
	}
}

func (o *Orchestrator) newSettlement(ctx context.Context, targetID string, kind TargetKind, amount int64, deltas []ledger.Delta) *Record {
	rec := &Record{
		ID:        o.idGen(),
		TargetID:  targetID,
		Kind:      kind,
		Amount:    amount,
		Deltas:    deltas,
		CreatedAt: o.now(),
	}
	o.mu.Lock()
	o.settlements[rec.ID] = rec
	o.mu.Unlock()

	if o.setStore != nil {
		if err := o.setStore.Insert(ctx, *rec); err != nil {
			o.log.Error("persist settlement record", "settlement_id", rec.ID, "err", err)
		}
	}
	return rec
}

func (o *Orchestrator) concludeSettlement(ctx context.Context, rec *Record) {
	now := o.now()
	o.mu.Lock()
	rec.ConcludedAt = &now
	o.mu.Unlock()

	if o.setStore != nil {
		if err := o.setStore.Conclude(ctx, rec.ID, rec.ProtocolNumber, rec.AnchorHash, now); err != nil {
			o.log.Error("conclude settlement record", "settlement_id", rec.ID, "err", err)
		}
	}
	if o.metrics != nil {
		o.metrics.SettlementsConcluded.Inc()
	}
}

// downgradeMatch re-scores a match whose balances moved between proposal and
// lock time and hands it back for re-approval at the recomputed amount.
func (o *Orchestrator) downgradeMatch(m *match.Match, credit ledger.CreditRecord, debt ledger.DebtRecord, amount, consumed int64) {
	assessment := o.scorer.Score(viability.Input{
		Amount:           amount,
		DiscountPct:      credit.DiscountPct,
		CreditExpiresAt:  credit.ExpiresAt,
		CounterpartyID:   credit.OwnerID,
		JurisdictionCode: debt.JurisdictionCode,
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(m.Status, match.StatusAnalyzing) {
		o.log.Error("downgrade discarded", "match_id", m.ID, "status", m.Status)
		return
	}
	m.Amount = amount
	m.CreditConsumed = consumed
	m.Savings = assessment.Savings
	m.Viability = assessment.Viability
	m.Viable = assessment.Viable
	o.transitionMatchLocked(m, match.StatusAnalyzing, "balance moved since proposal")
}

// downgradeChain re-scores a chain at the lock-time bottleneck, mirroring the
// builder's finalize arithmetic, and hands it back for re-approval.
func (o *Orchestrator) downgradeChain(c *chain.Chain, credits []ledger.CreditRecord, amount int64) {
	var savings int64
	minViability := 1.0
	steps := make([]chain.Step, len(c.Steps))
	for i, s := range c.Steps {
		credit := credits[i]
		_, consumed := match.CompensationAmount(credit.AvailableBalance, amount, s.Factor)
		s.Amount = amount
		s.CreditConsumed = consumed

		assessment := o.scorer.ScoreStep(viability.Input{
			Amount:           amount,
			DiscountPct:      credit.DiscountPct,
			CreditExpiresAt:  credit.ExpiresAt,
			CounterpartyID:   s.SourceOwnerID,
			JurisdictionCode: credit.JurisdictionCode,
		}, len(c.Steps))
		savings += assessment.Savings
		if assessment.Viability < minViability {
			minViability = assessment.Viability
		}
		steps[i] = s
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(c.Status, match.StatusAnalyzing) {
		o.log.Error("downgrade discarded", "chain_id", c.ID, "status", c.Status)
		return
	}
	c.Amount = amount
	c.Steps = steps
	c.Savings = savings
	c.Viability = minViability
	c.Viable = savings > 0
	o.transitionChainLocked(c, match.StatusAnalyzing, "balance moved since proposal")
}

func (o *Orchestrator) failMatch(m *match.Match, cause error) {
	if o.metrics != nil {
		o.metrics.SettlementsFailed.Inc()
	}
	o.transitionMatch(m, match.StatusFailed, cause.Error())
}

func (o *Orchestrator) failChain(c *chain.Chain, cause error) {
	if o.metrics != nil {
		o.metrics.SettlementsFailed.Inc()
	}
	o.transitionChain(c, match.StatusFailed, cause.Error())
}

func (o *Orchestrator) transitionMatch(m *match.Match, to match.Status, reason string) {
	o.mu.Lock()
	o.transitionMatchLocked(m, to, reason)
	o.mu.Unlock()
}

func (o *Orchestrator) transitionMatchLocked(m *match.Match, to match.Status, reason string) {
	from := m.Status
	if !canTransition(from, to) {
		o.log.Error("transition discarded", "match_id", m.ID, "from", from, "to", to, "reason", reason)
		return
	}
	m.Status = to
	if to == match.StatusFailed || to == match.StatusRejected {
		m.FailReason = reason
	}
	o.events.Emit(event.Event{
		Key:    m.ID,
		Type:   event.TypeMatchStateChanged,
		From:   string(from),
		To:     string(to),
		Reason: reason,
	})
}

func (o *Orchestrator) transitionChain(c *chain.Chain, to match.Status, reason string) {
	o.mu.Lock()
	o.transitionChainLocked(c, to, reason)
	o.mu.Unlock()
}

func (o *Orchestrator) transitionChainLocked(c *chain.Chain, to match.Status, reason string) {
	from := c.Status
	if !canTransition(from, to) {
		o.log.Error("transition discarded", "chain_id", c.ID, "from", from, "to", to, "reason", reason)
		return
	}
	c.Status = to
	if to == match.StatusFailed || to == match.StatusRejected {
		c.FailReason = reason
	}
	o.events.Emit(event.Event{
		Key:    c.ID,
		Type:   event.TypeChainStateChanged,
		From:   string(from),
		To:     string(to),
		Reason: reason,
	})
}

// settlementPayload serializes what the external systems need and hashes it
// for anchoring. Deterministic: same settlement, same bytes, same hash.
func (o *Orchestrator) settlementPayload(rec *Record, m *match.Match, c *chain.Chain) ([]byte, string) {
	body := map[string]any{
		"settlement_id": rec.ID,
		"target_id":     rec.TargetID,
		"kind":          rec.Kind,
		"amount":        rec.Amount,
	}
	if m != nil {
		body["credit_id"] = m.CreditID
		body["debt_id"] = m.DebtID
		body["conversion_factor"] = m.ConversionFactor
	}
	if c != nil {
		steps := make([]map[string]any, len(c.Steps))
		for i, s := range c.Steps {
			steps[i] = map[string]any{
				"credit_id":    s.CreditID,
				"debt_id":      s.DebtID,
				"source_owner": s.SourceOwnerID,
				"target_owner": s.TargetOwnerID,
				"amount":       s.Amount,
			}
		}
		body["steps"] = steps
	}
	payload, err := json.Marshal(body)
	if err != nil {
		// map[string]any of scalars cannot fail to marshal
		o.log.Error("marshal settlement payload", "settlement_id", rec.ID, "err", err)
		payload = []byte("{}")
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:])
}

// Match returns a copy of a tracked match.
func (o *Orchestrator) Match(id string) (match.Match, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.matches[id]; ok {
		return *m, nil
	}
	return match.Match{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Chain returns a copy of a tracked chain.
func (o *Orchestrator) Chain(id string) (chain.Chain, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.chains[id]; ok {
		return *c, nil
	}
	return chain.Chain{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Settlement returns a copy of a settlement record by id or target id.
func (o *Orchestrator) Settlement(id string) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.settlements[id]; ok {
		return *rec, nil
	}
	for _, rec := range o.settlements {
		if rec.TargetID == id {
			return *rec, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Matches lists tracked matches, for the API layer.
func (o *Orchestrator) Matches() []match.Match {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]match.Match, 0, len(o.matches))
	for _, m := range o.matches {
		out = append(out, *m)
	}
	return out
}

// Chains lists tracked chains, for the API layer.
func (o *Orchestrator) Chains() []chain.Chain {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]chain.Chain, 0, len(o.chains))
	for _, c := range o.chains {
		out = append(out, *c)
	}
	return out
}
