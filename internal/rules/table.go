// Package rules maps detected technologies to the tool invocations that
// should run against a target.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const FallbackTemplate = "nuclei -u {target} -silent"

// Rule is the set of command templates run when its technology is detected.
type Rule struct {
	Commands []string `json:"commands" yaml:"commands"`
}

// Table maps a technology name to its rule. Lookups are case-insensitive.
type Table map[string]Rule

// Load reads a rule table from a JSON or YAML file.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, err
	}
	table, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Table{}, fmt.Errorf("failed to parse rule table %s: %w", path, err)
	}
	return table, nil
}

// Parse decodes a rule table. ext selects the decoder; anything other than
// .yaml/.yml is tried as JSON first.
func Parse(data []byte, ext string) (Table, error) {
	table := Table{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &table); err != nil {
			return Table{}, err
		}
	default:
		if err := json.Unmarshal(data, &table); err != nil {
			if yerr := yaml.Unmarshal(data, &table); yerr != nil {
				return Table{}, err
			}
		}
	}
	return table, nil
}

// index groups rule names by their lowercased form, sorted for a stable
// dispatch order when names differ only in case.
func (t Table) index() map[string][]string {
	idx := make(map[string][]string, len(t))
	for name := range t {
		key := strings.ToLower(name)
		idx[key] = append(idx[key], name)
	}
	for _, names := range idx {
		sort.Strings(names)
	}
	return idx
}
