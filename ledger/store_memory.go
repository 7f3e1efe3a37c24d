package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store in memory for tests and standalone runs.
type MemoryStore struct {
	mu      sync.Mutex
	credits map[string]CreditRecord
	debts   map[string]DebtRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credits: make(map[string]CreditRecord),
		debts:   make(map[string]DebtRecord),
	}
}

// SeedCredit inserts or replaces a credit record.
func (s *MemoryStore) SeedCredit(c CreditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[c.ID] = c
}

// SeedDebt inserts or replaces a debt record.
func (s *MemoryStore) SeedDebt(d DebtRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debts[d.ID] = d
}

func (s *MemoryStore) LoadRecords(_ context.Context, filter Filter) ([]CreditRecord, []DebtRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var credits []CreditRecord
	for _, c := range s.credits {
		if matchesCredit(filter, c) {
			credits = append(credits, c)
		}
	}
	var debts []DebtRecord
	for _, d := range s.debts {
		if matchesDebt(filter, d) {
			debts = append(debts, d)
		}
	}
	return credits, debts, nil
}

func (s *MemoryStore) CommitCreditDelta(_ context.Context, id string, newBalance int64, newStatus CreditStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[id]
	if !ok {
		return fmt.Errorf("%w: credit %s", ErrRecordNotFound, id)
	}
	if c.Version != expectedVersion {
		return fmt.Errorf("%w: credit %s expected version %d, have %d", ErrVersionConflict, id, expectedVersion, c.Version)
	}
	c.AvailableBalance = newBalance
	c.Status = newStatus
	c.Version++
	s.credits[id] = c
	return nil
}

func (s *MemoryStore) CommitDebtDelta(_ context.Context, id string, newBalance int64, newStatus DebtStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debts[id]
	if !ok {
		return fmt.Errorf("%w: debt %s", ErrRecordNotFound, id)
	}
	if d.Version != expectedVersion {
		return fmt.Errorf("%w: debt %s expected version %d, have %d", ErrVersionConflict, id, expectedVersion, d.Version)
	}
	d.OutstandingBalance = newBalance
	d.Status = newStatus
	d.Version++
	s.debts[id] = d
	return nil
}

// Credit returns the stored credit record, for test assertions.
func (s *MemoryStore) Credit(id string) (CreditRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[id]
	return c, ok
}

// Debt returns the stored debt record, for test assertions.
func (s *MemoryStore) Debt(id string) (DebtRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debts[id]
	return d, ok
}

func matchesCredit(f Filter, c CreditRecord) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.TaxType != "" && c.TaxType != f.TaxType {
		return false
	}
	if f.Sphere != "" && c.Sphere != f.Sphere {
		return false
	}
	if f.JurisdictionCode != "" && c.JurisdictionCode != f.JurisdictionCode {
		return false
	}
	return true
}

func matchesDebt(f Filter, d DebtRecord) bool {
	if f.OwnerID != "" && d.OwnerID != f.OwnerID {
		return false
	}
	if f.TaxType != "" && d.TaxType != f.TaxType {
		return false
	}
	if f.Sphere != "" && d.Sphere != f.Sphere {
		return false
	}
	if f.JurisdictionCode != "" && d.JurisdictionCode != f.JurisdictionCode {
		return false
	}
	return true
}
