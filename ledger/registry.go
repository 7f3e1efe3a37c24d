package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRecordNotFound signals the registry has no record with that id.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrLockConflict signals another settlement holds a reservation on a
	// record this one needs. Retryable.
	ErrLockConflict = errors.New("ledger: concurrent lock conflict")
	// ErrInsufficientBalance signals a balance moved between proposal and
	// lock time.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrExpiredRecord signals a credit expired between proposal and lock time.
	ErrExpiredRecord = errors.New("ledger: record expired")
	// ErrInvalidBalance signals a delta would drive a balance negative or
	// above its face value.
	ErrInvalidBalance = errors.New("ledger: invalid balance")
)

// Registry is the in-process ownership registry: the single source of truth
// for available amounts while the engine runs. Only the settlement
// orchestrator mutates balances, and only between Reserve and Commit/Abort.
type Registry struct {
	mu      sync.Mutex
	credits map[string]*CreditRecord
	debts   map[string]*DebtRecord
}

func NewRegistry() *Registry {
	return &Registry{
		credits: make(map[string]*CreditRecord),
		debts:   make(map[string]*DebtRecord),
	}
}

// Load replaces the registry contents with fresh copies of the given records.
func (r *Registry) Load(credits []CreditRecord, debts []DebtRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = make(map[string]*CreditRecord, len(credits))
	r.debts = make(map[string]*DebtRecord, len(debts))
	for i := range credits {
		c := credits[i]
		r.credits[c.ID] = &c
	}
	for i := range debts {
		d := debts[i]
		r.debts[d.ID] = &d
	}
}

// Snapshot returns copies of every record for read-only analysis.
func (r *Registry) Snapshot() ([]CreditRecord, []DebtRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	credits := make([]CreditRecord, 0, len(r.credits))
	for _, c := range r.credits {
		credits = append(credits, *c)
	}
	debts := make([]DebtRecord, 0, len(r.debts))
	for _, d := range r.debts {
		debts = append(debts, *d)
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].ID < credits[j].ID })
	sort.Slice(debts, func(i, j int) bool { return debts[i].ID < debts[j].ID })
	return credits, debts
}

// Credit returns a copy of the credit record.
func (r *Registry) Credit(id string) (CreditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credits[id]
	if !ok {
		return CreditRecord{}, fmt.Errorf("%w: credit %s", ErrRecordNotFound, id)
	}
	return *c, nil
}

// Debt returns a copy of the debt record.
func (r *Registry) Debt(id string) (DebtRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.debts[id]
	if !ok {
		return DebtRecord{}, fmt.Errorf("%w: debt %s", ErrRecordNotFound, id)
	}
	return *d, nil
}

// Reserve places exclusive reservations on every listed record. Ids are
// processed in ascending order so two settlements contending on overlapping
// sets resolve deterministically. A record already reserved by another
// settlement fails the whole reservation immediately; nothing blocks.
func (r *Registry) Reserve(creditIDs, debtIDs []string) error {
	creditIDs = sortedCopy(creditIDs)
	debtIDs = sortedCopy(debtIDs)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range creditIDs {
		c, ok := r.credits[id]
		if !ok {
			return fmt.Errorf("%w: credit %s", ErrRecordNotFound, id)
		}
		if c.Status == CreditReserved {
			return fmt.Errorf("%w: credit %s", ErrLockConflict, id)
		}
		if c.Status != CreditAvailable {
			return fmt.Errorf("%w: credit %s is %s", ErrLockConflict, id, c.Status)
		}
	}
	for _, id := range debtIDs {
		d, ok := r.debts[id]
		if !ok {
			return fmt.Errorf("%w: debt %s", ErrRecordNotFound, id)
		}
		if d.Status == DebtReserved {
			return fmt.Errorf("%w: debt %s", ErrLockConflict, id)
		}
		if d.Status != DebtOutstanding {
			return fmt.Errorf("%w: debt %s is %s", ErrLockConflict, id, d.Status)
		}
	}

	for _, id := range creditIDs {
		r.credits[id].Status = CreditReserved
	}
	for _, id := range debtIDs {
		r.debts[id].Status = DebtReserved
	}
	return nil
}

// Abort releases reservations without mutating balances, restoring the
// pre-reservation statuses.
func (r *Registry) Abort(creditIDs, debtIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range creditIDs {
		if c, ok := r.credits[id]; ok && c.Status == CreditReserved {
			c.Status = CreditAvailable
		}
	}
	for _, id := range debtIDs {
		if d, ok := r.debts[id]; ok && d.Status == DebtReserved {
			d.Status = DebtOutstanding
		}
	}
}

// Commit applies the deltas to reserved records, bumps their versions, and
// releases the reservations with final statuses. The whole commit is
// validated before any balance moves so a bad delta leaves the registry
// untouched.
func (r *Registry) Commit(deltas []Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dl := range deltas {
		if dl.Amount <= 0 {
			return fmt.Errorf("%w: non-positive delta on %s", ErrInvalidBalance, dl.RecordID)
		}
		switch dl.Kind {
		case DeltaCredit:
			c, ok := r.credits[dl.RecordID]
			if !ok {
				return fmt.Errorf("%w: credit %s", ErrRecordNotFound, dl.RecordID)
			}
			if c.Status != CreditReserved {
				return fmt.Errorf("ledger: commit on unreserved credit %s", dl.RecordID)
			}
			if c.AvailableBalance < dl.Amount {
				return fmt.Errorf("%w: credit %s has %d, delta %d", ErrInsufficientBalance, dl.RecordID, c.AvailableBalance, dl.Amount)
			}
		case DeltaDebt:
			d, ok := r.debts[dl.RecordID]
			if !ok {
				return fmt.Errorf("%w: debt %s", ErrRecordNotFound, dl.RecordID)
			}
			if d.Status != DebtReserved {
				return fmt.Errorf("ledger: commit on unreserved debt %s", dl.RecordID)
			}
			if d.OutstandingBalance < dl.Amount {
				return fmt.Errorf("%w: debt %s has %d, delta %d", ErrInsufficientBalance, dl.RecordID, d.OutstandingBalance, dl.Amount)
			}
		default:
			return fmt.Errorf("ledger: unknown delta kind %q", dl.Kind)
		}
	}

	for _, dl := range deltas {
		switch dl.Kind {
		case DeltaCredit:
			c := r.credits[dl.RecordID]
			c.AvailableBalance -= dl.Amount
			c.Version++
			if c.AvailableBalance == 0 {
				c.Status = CreditConsumed
			} else {
				c.Status = CreditAvailable
			}
		case DeltaDebt:
			d := r.debts[dl.RecordID]
			d.OutstandingBalance -= dl.Amount
			d.Version++
			if d.OutstandingBalance == 0 {
				d.Status = DebtSettled
			} else {
				d.Status = DebtOutstanding
			}
		}
	}
	return nil
}

// Revert is the compensating transaction for Commit: it re-credits the delta
// amounts and restores active statuses. A record another settlement reserved
// after our commit released it keeps its reservation; the holder re-verifies
// balances at lock time anyway. Reverting records whose balances already
// carry the compensation is the caller's bug to avoid; the orchestrator
// guards it with the settlement record's rolledBack flag.
func (r *Registry) Revert(deltas []Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dl := range deltas {
		switch dl.Kind {
		case DeltaCredit:
			c, ok := r.credits[dl.RecordID]
			if !ok {
				return fmt.Errorf("%w: credit %s", ErrRecordNotFound, dl.RecordID)
			}
			if c.AvailableBalance+dl.Amount > c.FaceValue {
				return fmt.Errorf("%w: revert would exceed face value of %s", ErrInvalidBalance, dl.RecordID)
			}
			c.AvailableBalance += dl.Amount
			c.Version++
			if c.Status != CreditReserved {
				c.Status = CreditAvailable
			}
		case DeltaDebt:
			d, ok := r.debts[dl.RecordID]
			if !ok {
				return fmt.Errorf("%w: debt %s", ErrRecordNotFound, dl.RecordID)
			}
			if d.OutstandingBalance+dl.Amount > d.Principal+d.Accrued {
				return fmt.Errorf("%w: revert would exceed principal+accrued of %s", ErrInvalidBalance, dl.RecordID)
			}
			d.OutstandingBalance += dl.Amount
			d.Version++
			if d.Status != DebtReserved {
				d.Status = DebtOutstanding
			}
		default:
			return fmt.Errorf("ledger: unknown delta kind %q", dl.Kind)
		}
	}
	return nil
}

// MarkExpired flips every credit past expiry to expired and returns the ids
// it touched. Reserved credits are skipped; the settlement holding them
// re-checks expiry at lock time.
func (r *Registry) MarkExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, c := range r.credits {
		if c.Status == CreditAvailable && c.Expired(now) {
			c.Status = CreditExpired
			c.Version++
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
