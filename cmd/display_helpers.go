package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return string(severity)
	}
}

func colorDecision(allowed bool) string {
	if allowed {
		return color.New(color.FgGreen).Sprint("✓ allowed")
	}
	return color.New(color.FgRed).Sprint("✗ denied")
}

func printRunSummary(sum orchestrator.RunSummary) {
	fmt.Println()
	color.New(color.Bold).Println("Scan summary")
	fmt.Printf("  Run ID:     %s\n", sum.RunID)
	fmt.Printf("  Targets:    %d (%d processed, %d denied)\n", sum.Targets, sum.Processed, sum.Denied)
	fmt.Printf("  Commands:   %d\n", sum.Commands)
	if sum.Findings > 0 {
		color.Yellow("  Findings:   %d\n", sum.Findings)
	} else {
		fmt.Printf("  Findings:   0\n")
	}
	fmt.Printf("  Duration:   %s\n", sum.Duration.Round(time.Second))
}

func printProfile(target string, p types.TechnologyProfile) {
	color.New(color.Bold).Printf("%s\n", target)
	row := func(label string, values []string) {
		if len(values) == 0 {
			values = []string{"-"}
		}
		fmt.Printf("  %-11s %s\n", label+":", strings.Join(values, ", "))
	}
	row("Frameworks", p.Frameworks)
	row("CMS", p.CMS)
	row("Servers", p.Servers)
	row("Languages", p.Languages)
	row("All", p.All)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
