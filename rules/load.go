package rules

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"compensa/ledger"
)

type tableFile struct {
	Version    string      `toml:"version"`
	Conversion []entryFile `toml:"conversion"`
}

type entryFile struct {
	CreditTaxType string  `toml:"credit_tax_type"`
	CreditSphere  string  `toml:"credit_sphere"`
	DebtTaxType   string  `toml:"debt_tax_type"`
	DebtSphere    string  `toml:"debt_sphere"`
	Factor        float64 `toml:"factor"`
}

// LoadFile reads a versioned conversion table from TOML, e.g.:
//
//	version = "2026-01"
//
//	[[conversion]]
//	credit_tax_type = "PIS_COFINS"
//	credit_sphere   = "federal"
//	debt_tax_type   = "IRPJ"
//	debt_sphere     = "federal"
//	factor          = 1.0
func LoadFile(path string) (*Table, error) {
	var tf tableFile
	if _, err := toml.DecodeFile(path, &tf); err != nil {
		return nil, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	return fromFile(tf)
}

// Parse reads a conversion table from TOML source text.
func Parse(data string) (*Table, error) {
	var tf tableFile
	if _, err := toml.Decode(data, &tf); err != nil {
		return nil, fmt.Errorf("rules: decode table: %w", err)
	}
	return fromFile(tf)
}

func fromFile(tf tableFile) (*Table, error) {
	if tf.Version == "" {
		return nil, fmt.Errorf("rules: table missing version")
	}
	entries := make([]Entry, 0, len(tf.Conversion))
	for _, e := range tf.Conversion {
		sphereA, err := parseSphere(e.CreditSphere)
		if err != nil {
			return nil, err
		}
		sphereB, err := parseSphere(e.DebtSphere)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			CreditTaxType: e.CreditTaxType,
			CreditSphere:  sphereA,
			DebtTaxType:   e.DebtTaxType,
			DebtSphere:    sphereB,
			Factor:        e.Factor,
		})
	}
	return NewTable(tf.Version, entries)
}

func parseSphere(s string) (ledger.Sphere, error) {
	switch ledger.Sphere(s) {
	case ledger.SphereFederal, ledger.SphereState, ledger.SphereMunicipal:
		return ledger.Sphere(s), nil
	}
	return "", fmt.Errorf("rules: unknown sphere %q", s)
}
