package ledger

import "time"

// Sphere is the jurisdiction tier a tax credit or debt belongs to.
type Sphere string

const (
	SphereFederal   Sphere = "federal"
	SphereState     Sphere = "state"
	SphereMunicipal Sphere = "municipal"
)

type CreditStatus string

const (
	CreditAvailable CreditStatus = "available"
	CreditReserved  CreditStatus = "reserved"
	CreditConsumed  CreditStatus = "consumed"
	CreditExpired   CreditStatus = "expired"
)

type DebtStatus string

const (
	DebtOutstanding DebtStatus = "outstanding"
	DebtReserved    DebtStatus = "reserved"
	DebtSettled     DebtStatus = "settled"
)

// All monetary amounts are int64 centavos. Conversions round toward the
// credit holder paying at most one extra centavo, never less.

// CreditRecord is a tax credit position held by an owner.
type CreditRecord struct {
	ID               string
	TaxType          string
	Sphere           Sphere
	JurisdictionCode string
	FaceValue        int64
	AvailableBalance int64
	DiscountPct      float64 // market discount, supplied externally
	IssuedAt         time.Time
	ExpiresAt        time.Time
	OwnerID          string
	Status           CreditStatus
	Version          int64
}

// Expired reports whether the credit is past its expiry at the given instant.
func (c *CreditRecord) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Usable reports whether the credit can participate in a new proposal.
func (c *CreditRecord) Usable(now time.Time) bool {
	return c.Status == CreditAvailable && c.AvailableBalance > 0 && !c.Expired(now)
}

// DebtRecord is a tax obligation held by an owner.
type DebtRecord struct {
	ID                 string
	TaxType            string
	Sphere             Sphere
	JurisdictionCode   string
	Principal          int64
	Accrued            int64 // interest plus penalty
	OutstandingBalance int64
	DueAt              time.Time
	OwnerID            string
	Status             DebtStatus
	Version            int64
}

// Payable reports whether the debt can participate in a new proposal.
func (d *DebtRecord) Payable() bool {
	return d.Status == DebtOutstanding && d.OutstandingBalance > 0
}

// DeltaKind distinguishes which balance a Delta mutates.
type DeltaKind string

const (
	DeltaCredit DeltaKind = "credit"
	DeltaDebt   DeltaKind = "debt"
)

// Delta is a single balance decrement applied during settlement. Amount is
// always positive; rollback re-credits the same amount.
type Delta struct {
	RecordID string    `json:"record_id"`
	Kind     DeltaKind `json:"kind"`
	Amount   int64     `json:"amount"`
}
