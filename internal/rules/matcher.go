package rules

import "strings"

// MatchResult is the outcome of matching one technology profile.
type MatchResult struct {
	Commands  []CommandSpec
	Triggered []string
	Fallback  bool
	// Invalid holds templates that could not be tokenized.
	Invalid []string
}

// Match selects the commands for the detected technologies. Each rule fires
// at most once even when several detected names resolve to it. When nothing
// triggers, the generic nuclei fallback is returned.
func Match(all []string, table Table, target, proxy string) MatchResult {
	var res MatchResult
	idx := table.index()
	triggered := make(map[string]bool)

	for _, tech := range all {
		for _, name := range idx[strings.ToLower(strings.TrimSpace(tech))] {
			if triggered[name] {
				continue
			}
			triggered[name] = true
			res.Triggered = append(res.Triggered, name)

			for _, tmpl := range table[name].Commands {
				spec, err := ParseCommand(tmpl, target)
				if err != nil {
					res.Invalid = append(res.Invalid, tmpl)
					continue
				}
				res.Commands = append(res.Commands, spec.WithProxy(proxy))
			}
		}
	}

	if len(res.Triggered) == 0 {
		spec, _ := ParseCommand(FallbackTemplate, target)
		res.Commands = []CommandSpec{spec.WithProxy(proxy)}
		res.Fallback = true
	}
	return res
}
