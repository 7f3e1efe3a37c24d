package ledger

import (
	"context"
	"errors"
)

// ErrVersionConflict signals the store row moved since the record was loaded.
// The caller rolls back its in-memory delta and re-analyzes.
var ErrVersionConflict = errors.New("ledger: version conflict")

// Filter narrows which records LoadRecords returns. Zero values match all.
type Filter struct {
	OwnerID          string
	TaxType          string
	Sphere           Sphere
	JurisdictionCode string
}

// Store is the persistence collaborator behind the registry. Implementations
// must enforce optimistic versioning on CommitDelta.
type Store interface {
	LoadRecords(ctx context.Context, filter Filter) ([]CreditRecord, []DebtRecord, error)
	// CommitDelta persists a new balance for one record iff the stored
	// version still equals expectedVersion, returning ErrVersionConflict
	// otherwise. Status accompanies the balance so consumed/settled records
	// round-trip correctly.
	CommitCreditDelta(ctx context.Context, id string, newBalance int64, newStatus CreditStatus, expectedVersion int64) error
	CommitDebtDelta(ctx context.Context, id string, newBalance int64, newStatus DebtStatus, expectedVersion int64) error
}
