package match

import "time"

// Status is the settlement lifecycle shared by bilateral matches and
// multilateral chains.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAnalyzing Status = "analyzing"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusConcluded Status = "concluded"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusConcluded || s == StatusRejected || s == StatusFailed
}

// Match pairs one credit against one debt. Amount is denominated on the debt
// side; the credit side consumes Amount divided by the conversion factor.
type Match struct {
	ID               string
	CreditID         string
	DebtID           string
	CreditOwnerID    string
	DebtOwnerID      string
	TaxType          string
	ConversionFactor float64
	Amount           int64 // centavos of debt cleared
	CreditConsumed   int64 // centavos of credit spent
	Savings          int64
	DiscountPct      float64
	Viability        float64
	Viable           bool
	DebtDueAt        time.Time
	CreditExpiresAt  time.Time
	Status           Status
	ManualOverride   bool
	FailReason       string
	CreatedAt        time.Time
}
