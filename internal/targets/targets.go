// Package targets loads and normalizes the target list.
package targets

import (
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
)

// Normalize promotes a bare host to HTTPS. Full URLs keep everything but
// the scheme, which is lowercased.
func Normalize(target string) string {
	target = strings.TrimSpace(target)
	if scheme, rest, ok := strings.Cut(target, "://"); ok {
		if strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https") {
			return strings.ToLower(scheme) + "://" + rest
		}
	}
	return "https://" + target
}

// Load reads a newline-delimited target file and normalizes each entry,
// dropping duplicates while keeping the first occurrence's position.
func Load(path string) ([]string, error) {
	raw, err := scope.LoadList(path)
	if err != nil {
		return nil, err
	}
	return NormalizeAll(raw), nil
}

func NormalizeAll(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if strings.TrimSpace(t) == "" {
			continue
		}
		n := Normalize(t)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
