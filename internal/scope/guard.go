// Package scope decides whether a target may be acted upon.
package scope

import (
	"strings"
)

// IsAllowed reports whether target survives the deny list. A target is
// denied when any pattern is a substring of it; matching is case-sensitive.
func IsAllowed(target string, denyPatterns []string) bool {
	_, denied := matchDeny(target, denyPatterns)
	return !denied
}

func matchDeny(target string, denyPatterns []string) (string, bool) {
	for _, pattern := range denyPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(target, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// Decision explains why a target was allowed or denied.
type Decision struct {
	Allowed bool
	Reason  string
	Pattern string
}

// Guard combines the deny list with the out-of-scope domains of the
// program scope. Both checks must pass. Guard is immutable and safe for
// concurrent use.
type Guard struct {
	deny       []string
	outOfScope []string
}

func NewGuard(deny, outOfScope []string) *Guard {
	return &Guard{
		deny:       append([]string(nil), deny...),
		outOfScope: append([]string(nil), outOfScope...),
	}
}

// Check evaluates target before any other per-target work.
func (g *Guard) Check(target string) Decision {
	if g == nil {
		return Decision{Allowed: true}
	}
	if pattern, denied := matchDeny(target, g.deny); denied {
		return Decision{Reason: "deny list", Pattern: pattern}
	}
	host := HostOf(target)
	for _, pattern := range g.outOfScope {
		if Match(host, pattern) {
			return Decision{Reason: "out of scope", Pattern: pattern}
		}
	}
	return Decision{Allowed: true}
}

func (g *Guard) Allowed(target string) bool {
	return g.Check(target).Allowed
}

// DenyPatterns returns a copy of the configured deny list.
func (g *Guard) DenyPatterns() []string {
	return append([]string(nil), g.deny...)
}
