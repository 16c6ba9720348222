// Package fixtures loads known-liquidation fixture files used by the
// verify command and conformance tests: for each protocol, an ordered
// list of real transactions with their expected liquidator and user.
package fixtures

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Entry is one known liquidation.
type Entry struct {
	Block       uint64 `json:"block"`
	TxHash      string `json:"tx_hash"`
	Liquidator  string `json:"liquidator"`
	User        string `json:"user"`
	Description string `json:"description,omitempty"`
}

// Set maps protocol name to its ordered fixture entries.
type Set map[string][]Entry

// Load reads a fixture set from a JSON file.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	for protocol, entries := range set {
		for i, entry := range entries {
			if entry.TxHash == "" {
				return nil, fmt.Errorf("fixture %s[%d]: tx_hash is required", protocol, i)
			}
			if entry.Liquidator == "" || entry.User == "" {
				return nil, fmt.Errorf("fixture %s[%d]: liquidator and user are required", protocol, i)
			}
		}
	}

	return set, nil
}

// Protocols returns fixture protocol names in sorted order.
func (s Set) Protocols() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
