// Package parser turns external tool output into alerts and follow-up URLs.
package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const snippetLimit = 500

// Result is what one successful tool run produced.
type Result struct {
	Alerts []types.Alert
	// URLs are result locations worth probing further, e.g. for IDOR.
	URLs []string
	// Skipped counts output records that could not be decoded.
	Skipped int
}

type rule func(cmd rules.CommandSpec, stdout string) Result

// Rules are tried in order; the first rule whose tool matches handles the
// output. Tools without a rule are not parsed for severity.
var toolRules = []struct {
	tool  string
	parse rule
}{
	{"nuclei", parseNuclei},
	{"dalfox", parseDalfox},
	{"sqlmap", parseSQLMap},
}

// Parse classifies stdout of a successful run of cmd.
func Parse(cmd rules.CommandSpec, stdout string) Result {
	if parse := ruleFor(cmd); parse != nil {
		return parse(cmd, stdout)
	}
	return Result{}
}

// ruleFor matches the tool's name first. Wrapped invocations such as
// "python3 sqlmap.py" are then recognized by substring over the tool and its
// arguments, skipping URL arguments so the target cannot name a tool.
func ruleFor(cmd rules.CommandSpec) rule {
	name := cmd.Name()
	for _, r := range toolRules {
		if name == r.tool {
			return r.parse
		}
	}

	words := []string{strings.ToLower(cmd.Tool)}
	for _, a := range cmd.Args {
		if !strings.Contains(a, "://") {
			words = append(words, strings.ToLower(a))
		}
	}
	for _, r := range toolRules {
		for _, w := range words {
			if strings.Contains(w, r.tool) {
				return r.parse
			}
		}
	}
	return nil
}

// Evidence renders the standard alert evidence for a command's output.
func Evidence(cmd rules.CommandSpec, stdout string) string {
	return fmt.Sprintf("Command: %s\nOutput Snippet:\n%s", cmd.Redacted(), Truncate(stdout, snippetLimit))
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func parseNuclei(cmd rules.CommandSpec, stdout string) Result {
	var res Result
	lower := strings.ToLower(stdout)

	switch {
	case strings.Contains(lower, "[critical]"):
		res.Alerts = append(res.Alerts, types.Alert{
			Title:    "CRITICAL Vulnerability Found!",
			Category: "nuclei",
			Evidence: Evidence(cmd, stdout),
			Severity: types.SeverityCritical,
		})
	case strings.Contains(lower, "[high]"):
		res.Alerts = append(res.Alerts, types.Alert{
			Title:    "HIGH Vulnerability Found!",
			Category: "nuclei",
			Evidence: Evidence(cmd, stdout),
			Severity: types.SeverityHigh,
		})
	}

	res.URLs = resultURLs(stdout)
	return res
}

// resultURLs takes the last http(s) field of each output line, which is
// where nuclei prints the matched location.
func resultURLs(stdout string) []string {
	seen := make(map[string]bool)
	var urls []string

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		for i := len(fields) - 1; i >= 0; i-- {
			f := strings.Trim(fields[i], "[]\"'")
			if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
				if !seen[f] {
					seen[f] = true
					urls = append(urls, f)
				}
				break
			}
		}
	}
	return urls
}

func parseDalfox(cmd rules.CommandSpec, stdout string) Result {
	var res Result

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// dalfox --format json may wrap records in an array; strip the
		// brackets and trailing commas so each record decodes alone.
		line = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
		line = strings.TrimSuffix(line, ",")
		if line == "" {
			continue
		}

		var finding map[string]interface{}
		if err := json.Unmarshal([]byte(line), &finding); err != nil {
			res.Skipped++
			continue
		}
		if len(finding) == 0 {
			continue
		}

		res.Alerts = append(res.Alerts, types.Alert{
			Title:    "Verified XSS Found",
			Category: "XSS",
			Evidence: fmt.Sprintf("Command: %s\nFinding:\n%s", cmd.Redacted(), Truncate(line, snippetLimit)),
			Severity: types.SeverityCritical,
		})
		if u, ok := finding["data"].(string); ok && u != "" {
			res.URLs = append(res.URLs, u)
		}
	}
	return res
}

func parseSQLMap(cmd rules.CommandSpec, stdout string) Result {
	if !strings.Contains(stdout, "available databases") {
		return Result{}
	}
	return Result{Alerts: []types.Alert{{
		Title:    "SQL Injection Confirmed",
		Category: "SQLi",
		Evidence: Evidence(cmd, stdout),
		Severity: types.SeverityCritical,
	}}}
}
