// Package rules holds the credit/debt compatibility table. The table is
// supplied externally and versioned; nothing here encodes tax law beyond the
// identity rule that a credit always offsets a debt of the same type in the
// same sphere at factor 1.0.
package rules

import (
	"errors"
	"fmt"

	"compensa/ledger"
)

// ErrIncompatible signals no conversion entry exists for the pair.
var ErrIncompatible = errors.New("rules: incompatible tax type")

type pairKey struct {
	creditTaxType string
	creditSphere  ledger.Sphere
	debtTaxType   string
	debtSphere    ledger.Sphere
}

// Table is a pure lookup from (credit tax type, sphere) x (debt tax type,
// sphere) to a conversion factor. Safe for concurrent reads; never mutated
// after construction.
type Table struct {
	version string
	entries map[pairKey]float64
}

// Entry is one explicit conversion allowance.
type Entry struct {
	CreditTaxType string
	CreditSphere  ledger.Sphere
	DebtTaxType   string
	DebtSphere    ledger.Sphere
	Factor        float64
}

// NewTable builds a table from explicit entries.
func NewTable(version string, entries []Entry) (*Table, error) {
	t := &Table{
		version: version,
		entries: make(map[pairKey]float64, len(entries)),
	}
	for _, e := range entries {
		if e.Factor <= 0 || e.Factor > 1 {
			return nil, fmt.Errorf("rules: entry %s/%s -> %s/%s has factor %v, want (0,1]",
				e.CreditTaxType, e.CreditSphere, e.DebtTaxType, e.DebtSphere, e.Factor)
		}
		key := pairKey{e.CreditTaxType, e.CreditSphere, e.DebtTaxType, e.DebtSphere}
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("rules: duplicate entry %s/%s -> %s/%s",
				e.CreditTaxType, e.CreditSphere, e.DebtTaxType, e.DebtSphere)
		}
		t.entries[key] = e.Factor
	}
	return t, nil
}

// Version identifies which external table revision is loaded.
func (t *Table) Version() string { return t.version }

// Factor returns the conversion factor from a credit position to a debt
// position, or false when the pair cannot compensate. Same tax type in the
// same sphere always converts at 1.0.
func (t *Table) Factor(creditTaxType string, creditSphere ledger.Sphere, debtTaxType string, debtSphere ledger.Sphere) (float64, bool) {
	if creditTaxType == debtTaxType && creditSphere == debtSphere {
		return 1.0, true
	}
	f, ok := t.entries[pairKey{creditTaxType, creditSphere, debtTaxType, debtSphere}]
	return f, ok
}

// CreditCompatible reports whether the credit record can offset the debt
// record, returning the factor when it can.
func (t *Table) CreditCompatible(c *ledger.CreditRecord, d *ledger.DebtRecord) (float64, bool) {
	return t.Factor(c.TaxType, c.Sphere, d.TaxType, d.Sphere)
}
