package classifier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the configurable marker lists. The external program's wording
// is not a stable contract, so these are data rather than code.
type Rules struct {
	// ThroughputUnits mark progress-bar lines when paired with a percentage.
	ThroughputUnits []string `yaml:"throughput_units"`
	// VerboseMarkers mark diagnostic chatter that is only logged.
	VerboseMarkers []string `yaml:"verbose_markers"`
	// CriticalCodes mark error lines that must reach the user.
	CriticalCodes []string `yaml:"critical_codes"`
}

// DefaultRules returns the built-in marker lists.
func DefaultRules() Rules {
	return Rules{
		ThroughputUnits: []string{"Mbps"},
		VerboseMarkers: []string{
			"[INFO]",
			"Processing message",
			"Starting direct file download",
			"Connection to",
			"File lives in another DC",
		},
		CriticalCodes: []string{
			"CHAT_FORWARDS_RESTRICTED",
			"AUTH_KEY_INVALID",
			"USER_DEACTIVATED_BAN",
			"PHONE_NUMBER_INVALID",
			"SESSION_EXPIRED",
		},
	}
}

// LoadRules reads a YAML rule file and merges it over DefaultRules. A list
// present in the file replaces the matching default list; absent lists keep
// their defaults. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read classifier rules %s: %w", path, err)
	}

	var override struct {
		ThroughputUnits *[]string `yaml:"throughput_units"`
		VerboseMarkers  *[]string `yaml:"verbose_markers"`
		CriticalCodes   *[]string `yaml:"critical_codes"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return rules, fmt.Errorf("parse classifier rules %s: %w", path, err)
	}

	if override.ThroughputUnits != nil {
		rules.ThroughputUnits = *override.ThroughputUnits
	}
	if override.VerboseMarkers != nil {
		rules.VerboseMarkers = *override.VerboseMarkers
	}
	if override.CriticalCodes != nil {
		rules.CriticalCodes = *override.CriticalCodes
	}
	return rules, nil
}
