package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegionProfile is a jurisdiction-specific overlay: data residency and
// retention rules plus the threat-intel lists that differ per region.
type RegionProfile struct {
	Name          string          `yaml:"name" json:"name"`
	Code          string          `yaml:"code" json:"code"`
	DataResidency string          `yaml:"data_residency" json:"data_residency"`
	Compliance    []string        `yaml:"compliance,omitempty" json:"compliance,omitempty"`
	Retention     RetentionRules  `yaml:"retention" json:"retention"`
	ThreatIntel   ThreatIntel     `yaml:"threat_intel" json:"threat_intel"`
	Networking    NetworkingRules `yaml:"networking" json:"networking"`
}

// RetentionRules override ledger retention per jurisdiction.
type RetentionRules struct {
	LedgerDays     int  `yaml:"ledger_days" json:"ledger_days"`
	EvidenceDays   int  `yaml:"evidence_days" json:"evidence_days"`
	RightToErasure bool `yaml:"right_to_erasure,omitempty" json:"right_to_erasure,omitempty"`
}

// ThreatIntel carries the region's blocklists for the detector.
type ThreatIntel struct {
	CryptoPoolDomains []string `yaml:"crypto_pool_domains,omitempty" json:"crypto_pool_domains,omitempty"`
	TorExitIPs        []string `yaml:"tor_exit_ips,omitempty" json:"tor_exit_ips,omitempty"`
}

// NetworkingRules control which egress destinations hosted jobs may reach.
type NetworkingRules struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "open"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*RegionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RegionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*RegionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RegionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RegionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply folds the profile into the loaded config: retention overrides the
// ledger default and the threat-intel lists are appended to the detector's.
func (p *RegionProfile) Apply(cfg *Config) {
	if p.Retention.LedgerDays > 0 {
		cfg.Ledger.RetentionDays = p.Retention.LedgerDays
	}
	cfg.Detector.CryptoPoolDomains = append(cfg.Detector.CryptoPoolDomains, p.ThreatIntel.CryptoPoolDomains...)
	cfg.Detector.TorExitIPs = append(cfg.Detector.TorExitIPs, p.ThreatIntel.TorExitIPs...)
}

// EgressAllowed reports whether a hostname passes the region's networking
// policy. Unknown modes default to open.
func (p *RegionProfile) EgressAllowed(hostname string) bool {
	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
