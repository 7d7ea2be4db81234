package scope

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// ErrNoInScopeDomains is returned when a scope names nothing to test.
var ErrNoInScopeDomains = errors.New("scope contains no in-scope domains")

type scopeDocument struct {
	InScopeDomains             []string `json:"in_scope_domains" yaml:"in_scope_domains"`
	OutOfScopeDomains          []string `json:"out_of_scope_domains" yaml:"out_of_scope_domains"`
	ExcludedVulnerabilities    []string `json:"excluded_vulnerabilities" yaml:"excluded_vulnerabilities"`
	ExcludedVulnerabilityTypes []string `json:"excluded_vulnerability_types" yaml:"excluded_vulnerability_types"`
}

// LoadScopeFile reads a structured scope object in JSON or YAML. The
// format follows the file extension; unknown extensions are tried as
// JSON first, then YAML.
func LoadScopeFile(path string) (*types.ScopeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope file: %w", err)
	}
	return ParseScope(data, filepath.Ext(path))
}

func ParseScope(data []byte, ext string) (*types.ScopeConfig, error) {
	var doc scopeDocument
	var err error

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		if err = json.Unmarshal(data, &doc); err != nil {
			doc = scopeDocument{}
			err = yaml.Unmarshal(data, &doc)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse scope: %w", err)
	}

	cfg := &types.ScopeConfig{
		InScopeDomains:          cleanList(doc.InScopeDomains),
		OutOfScopeDomains:       cleanList(doc.OutOfScopeDomains),
		ExcludedVulnerabilities: cleanList(append(doc.ExcludedVulnerabilities, doc.ExcludedVulnerabilityTypes...)),
	}
	if len(cfg.InScopeDomains) == 0 {
		return cfg, ErrNoInScopeDomains
	}
	return cfg, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadList reads a newline-delimited file, skipping blank lines and lines
// starting with '#'. A missing file yields an empty list and os.ErrNotExist
// so callers can degrade with a warning.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadList(f)
}

func ReadList(r io.Reader) ([]string, error) {
	var items []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading list: %w", err)
	}
	return items, nil
}
