package viability

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type profilesFile struct {
	DefaultReliability float64            `toml:"default_reliability"`
	DefaultRisk        float64            `toml:"default_jurisdiction_risk"`
	Reliability        map[string]float64 `toml:"reliability"`
	JurisdictionRisk   map[string]float64 `toml:"jurisdiction_risk"`
}

// LoadProfiles reads counterparty reliability and jurisdiction risk factors
// from TOML. Both maps are externally maintained market data, like the
// conversion table.
func LoadProfiles(path string) (Profiles, error) {
	var pf profilesFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return Profiles{}, fmt.Errorf("viability: decode %s: %w", path, err)
	}
	return fromProfilesFile(pf)
}

// ParseProfiles reads profiles from TOML source text.
func ParseProfiles(data string) (Profiles, error) {
	var pf profilesFile
	if _, err := toml.Decode(data, &pf); err != nil {
		return Profiles{}, fmt.Errorf("viability: decode profiles: %w", err)
	}
	return fromProfilesFile(pf)
}

func fromProfilesFile(pf profilesFile) (Profiles, error) {
	for owner, v := range pf.Reliability {
		if v < 0 || v > 1 {
			return Profiles{}, fmt.Errorf("viability: reliability for %s out of [0,1]: %v", owner, v)
		}
	}
	for code, v := range pf.JurisdictionRisk {
		if v < 0 || v > 1 {
			return Profiles{}, fmt.Errorf("viability: jurisdiction risk for %s out of [0,1]: %v", code, v)
		}
	}
	p := Profiles{
		Reliability:        pf.Reliability,
		JurisdictionRisk:   pf.JurisdictionRisk,
		DefaultReliability: pf.DefaultReliability,
		DefaultRisk:        pf.DefaultRisk,
	}
	if p.Reliability == nil {
		p.Reliability = map[string]float64{}
	}
	if p.JurisdictionRisk == nil {
		p.JurisdictionRisk = map[string]float64{}
	}
	return p, nil
}
