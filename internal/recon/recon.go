// Package recon expands the in-scope roots into live HTTP targets:
// subdomain enumeration, scope filtering, DNS resolution, then a liveness
// probe.
package recon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/targets"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const aliveFile = "alive.txt"

// Dispatcher runs one command with retry semantics.
type Dispatcher interface {
	Execute(ctx context.Context, spec rules.CommandSpec) executor.Result
}

type Recon struct {
	dispatch  Dispatcher
	resolver  *Resolver
	subfinder string
	httpx     string
	outputDir string
	logger    *logger.Logger
}

// New builds the recon stage. A nil resolver skips the DNS filter.
func New(dispatch Dispatcher, resolver *Resolver, tools config.ToolsConfig, outputDir string, log *logger.Logger) *Recon {
	return &Recon{
		dispatch:  dispatch,
		resolver:  resolver,
		subfinder: orDefault(tools.Subfinder, "subfinder"),
		httpx:     orDefault(tools.Httpx, "httpx"),
		outputDir: outputDir,
		logger:    log.WithComponent("recon"),
	}
}

// Summary counts what each stage kept.
type Summary struct {
	Roots      int
	Discovered int
	InScope    int
	Resolved   int
	Alive      []string
}

// Run enumerates subdomains of the in-scope roots and returns the live
// URLs. Tool failures shrink the result instead of failing the run.
func (r *Recon) Run(ctx context.Context, sc *types.ScopeConfig) (Summary, error) {
	var sum Summary
	start := time.Now()
	ctx, span := r.logger.StartOperation(ctx, "recon.run")
	defer func() {
		r.logger.FinishOperation(ctx, span, "recon.run", start, nil,
			"discovered", sum.Discovered,
			"alive", len(sum.Alive))
	}()

	roots := scope.SeedHosts(sc.InScopeDomains)
	sum.Roots = len(roots)
	if len(roots) == 0 {
		return sum, fmt.Errorf("no enumerable roots in scope")
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return sum, fmt.Errorf("failed to create output dir: %w", err)
	}

	subs, err := r.enumerate(ctx, roots)
	if err != nil {
		return sum, err
	}
	sum.Discovered = len(subs)

	candidates := dedupe(append(roots, subs...))
	var inScope []string
	for _, host := range candidates {
		if scope.FilterDomains(host, sc.InScopeDomains, sc.OutOfScopeDomains) {
			inScope = append(inScope, host)
		} else {
			r.logger.Debugw("Dropping out-of-scope host", "host", host)
		}
	}
	sum.InScope = len(inScope)

	resolved := inScope
	if r.resolver != nil {
		resolved = r.resolver.Filter(ctx, inScope)
	}
	sum.Resolved = len(resolved)
	r.logger.Infow("Recon filtering complete",
		"roots", sum.Roots,
		"discovered", sum.Discovered,
		"in_scope", sum.InScope,
		"resolved", sum.Resolved,
	)
	if len(resolved) == 0 {
		return sum, nil
	}

	alive, err := r.probe(ctx, resolved)
	if err != nil {
		return sum, err
	}
	sum.Alive = alive
	return sum, nil
}

func (r *Recon) enumerate(ctx context.Context, roots []string) ([]string, error) {
	input, cleanup, err := writeTemp("subfinder_targets_*.txt", roots)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res := r.dispatch.Execute(ctx, rules.CommandSpec{
		Tool: r.subfinder,
		Args: []string{"-dL", input, "-silent", "-t", "50", "-timeout", "10"},
	})
	if !res.Succeeded {
		r.logger.Warnw("Subfinder produced no results, continuing with roots only", "attempts", res.Attempts)
		return nil, nil
	}
	return lines(res.Outcome.Stdout), nil
}

func (r *Recon) probe(ctx context.Context, hosts []string) ([]string, error) {
	input, cleanup, err := writeTemp("httpx_targets_*.txt", hosts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out := filepath.Join(r.outputDir, aliveFile)
	_ = os.Remove(out)
	res := r.dispatch.Execute(ctx, rules.CommandSpec{
		Tool: r.httpx,
		Args: []string{"-l", input, "-o", out, "-silent", "-mc", "200,301,302,403,404", "-timeout", "10"},
	})
	if !res.Succeeded {
		r.logger.Warnw("Liveness probe did not complete", "attempts", res.Attempts)
	}

	found := lines(res.Outcome.Stdout)
	if fromFile, err := scope.LoadList(out); err == nil {
		found = append(found, fromFile...)
	}
	return targets.NormalizeAll(found), nil
}

func writeTemp(pattern string, items []string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.WriteString(strings.Join(items, "\n") + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close %s: %w", f.Name(), err)
	}
	return f.Name(), cleanup, nil
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func dedupe(hosts []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hosts {
		key := strings.ToLower(strings.TrimSuffix(h, "."))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
