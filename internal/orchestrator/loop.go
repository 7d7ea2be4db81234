// Package orchestrator drives each in-scope target through fingerprinting,
// rule-matched tool dispatch, attack modules, client-side script
// extraction and IDOR probing.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/attack"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/extraction"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/idor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/proxy"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/recon"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/targets"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// Collaborators, narrowed to what the loop calls.
type (
	Dispatcher interface {
		Execute(ctx context.Context, spec rules.CommandSpec) executor.Result
	}
	Extractor interface {
		Extract(ctx context.Context, target string) extraction.Report
	}
	Prober interface {
		Probe(ctx context.Context, rawURL string) []idor.Result
	}
	CandidateSource interface {
		Discover(ctx context.Context, page string) ([]string, error)
	}
	AttackRunner interface {
		Run(ctx context.Context, target string, excluded map[attack.Module]bool) attack.Report
	}
	Recon interface {
		Run(ctx context.Context, sc *types.ScopeConfig) (recon.Summary, error)
	}
)

// Deps wires the loop. Guard, Fingerprinter, Dispatcher and Store are
// required; the rest are skipped when nil.
type Deps struct {
	Guard         *scope.Guard
	Fingerprinter core.Fingerprinter
	Rules         rules.Table
	Rotator       *proxy.Rotator
	Dispatcher    Dispatcher
	Store         core.ResultStore
	Alerter       core.Alerter
	Extractor     Extractor
	Prober        Prober
	Candidates    CandidateSource
	Attacks       AttackRunner
	Recon         Recon
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
}

type Options struct {
	Mode              types.Mode
	Workers           int
	Excluded          []string
	MaxIDORCandidates int
	// InScope extends the hosts whose tool-reported URLs may be probed
	// beyond the target's own host.
	InScope []string
	// RunID names the run; a new one is generated when empty.
	RunID string
	// OnTargetDone is called after each target Run finishes, including
	// denied ones, but not for targets cut short by cancellation.
	OnTargetDone func(ctx context.Context, rep TargetReport)
}

type Orchestrator struct {
	deps     Deps
	opts     Options
	excluded map[attack.Module]bool
	logger   *logger.Logger
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Mode == "" {
		opts.Mode = types.ModeFull
	}
	if opts.MaxIDORCandidates < 1 {
		opts.MaxIDORCandidates = 25
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		excluded: attack.Excluded(opts.Excluded),
		logger:   deps.Logger.WithComponent("orchestrator"),
	}
}

// WithRunHooks returns a copy bound to runID that calls done after each
// finished target.
func (o *Orchestrator) WithRunHooks(runID string, done func(ctx context.Context, rep TargetReport)) *Orchestrator {
	c := *o
	c.opts.RunID = runID
	c.opts.OnTargetDone = done
	return &c
}

// TargetReport is what happened to one target.
type TargetReport struct {
	Target      string
	Denied      bool
	DenyReason  string
	Profile     types.TechnologyProfile
	Match       rules.MatchResult
	Commands    []executor.Result
	Attack      attack.Report
	Extraction  extraction.Report
	IDORProbed  int
	IDORFlagged int
}

// RunSummary aggregates a whole run.
type RunSummary struct {
	RunID     string
	Targets   int
	Processed int
	Denied    int
	Commands  int
	Findings  int
	Duration  time.Duration
}

// Discover returns the run's targets for the configured mode: recon output
// in recon and full modes, plus explicit targets. With neither, the
// in-scope roots themselves are used.
func (o *Orchestrator) Discover(ctx context.Context, sc *types.ScopeConfig, explicit []string) ([]string, error) {
	list := targets.NormalizeAll(explicit)

	if o.deps.Recon != nil && (o.opts.Mode == types.ModeRecon || o.opts.Mode == types.ModeFull) {
		sum, err := o.deps.Recon.Run(ctx, sc)
		if err != nil {
			o.logger.LogError(ctx, err, "orchestrator.recon")
		} else {
			for _, alive := range sum.Alive {
				o.recordScan(ctx, alive, types.ScanTypeRecon, types.SeverityInfo, map[string]interface{}{
					"source": "httpx",
				})
			}
			list = targets.NormalizeAll(append(list, sum.Alive...))
		}
	}

	if len(list) == 0 {
		list = targets.NormalizeAll(scope.SeedHosts(sc.InScopeDomains))
	}
	return list, nil
}

// Run processes targets on a bounded pool and sends the completion alert.
// It returns early only when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, list []string) (RunSummary, error) {
	sum := RunSummary{RunID: o.opts.RunID, Targets: len(list)}
	if sum.RunID == "" {
		sum.RunID = uuid.New().String()
	}
	log := o.logger.WithRunID(sum.RunID)
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "orchestrator.run",
		"targets", len(list),
		"workers", o.opts.Workers,
		"mode", o.opts.Mode,
	)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	for _, target := range list {
		if gctx.Err() != nil {
			break
		}
		target := target
		g.Go(func() error {
			rep, err := o.ProcessTarget(gctx, target)
			if err == nil && o.opts.OnTargetDone != nil {
				o.opts.OnTargetDone(gctx, rep)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case rep.Denied:
				sum.Denied++
			case err == nil:
				sum.Processed++
			}
			sum.Commands += len(rep.Commands)
			sum.Findings += rep.Extraction.NewSecrets + rep.IDORFlagged
			for _, c := range rep.Commands {
				sum.Findings += len(c.Parsed.Alerts)
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.Duration = time.Since(start)

	err := ctx.Err()
	log.FinishOperation(ctx, span, "orchestrator.run", start, err,
		"processed", sum.Processed,
		"denied", sum.Denied,
		"commands", sum.Commands,
	)

	o.alert(context.WithoutCancel(ctx), types.Alert{
		Title:    "Scan Finished",
		Category: "Status",
		Evidence: fmt.Sprintf("Cassandra has finished the mission.\nTargets: %d processed, %d denied\nCommands: %d\nFindings: %d",
			sum.Processed, sum.Denied, sum.Commands, sum.Findings),
		Severity: types.SeverityInfo,
	})
	return sum, err
}

// ProcessJob adapts the per-target pipeline to the distributed worker. The
// job's mode, when set, overrides the configured one. Out-of-scope targets
// complete without error.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *types.Job) error {
	mode := o.opts.Mode
	switch job.Mode {
	case types.ModeRecon, types.ModeAttack, types.ModeFull:
		mode = job.Mode
	}
	_, err := o.process(ctx, job.Target, mode)
	return err
}

// ProcessTarget runs the per-target pipeline. Steps are strictly ordered;
// a failing step is logged and the next one still runs. The error is
// non-nil only when ctx ends.
func (o *Orchestrator) ProcessTarget(ctx context.Context, target string) (TargetReport, error) {
	return o.process(ctx, target, o.opts.Mode)
}

func (o *Orchestrator) process(ctx context.Context, target string, mode types.Mode) (TargetReport, error) {
	rep := TargetReport{Target: target}

	if d := o.deps.Guard.Check(target); !d.Allowed {
		rep.Denied = true
		rep.DenyReason = d.Reason
		o.logger.Warnw("Skipping target outside scope", "target", target, "reason", d.Reason)
		o.deps.Metrics.TargetDenied()
		return rep, nil
	}

	url := targets.Normalize(target)
	rep.Target = url
	log := o.logger.WithTarget(url)
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "orchestrator.process_target")
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "orchestrator.process_target", start, err,
			"commands", len(rep.Commands),
			"idor_flagged", rep.IDORFlagged)
	}()

	// Fingerprint
	profile, fpErr := o.deps.Fingerprinter.Fingerprint(ctx, url)
	if fpErr != nil {
		log.LogError(ctx, fpErr, "orchestrator.fingerprint")
	}
	rep.Profile = profile
	o.recordScan(ctx, url, types.ScanTypeFingerprint, types.SeverityInfo, profile.Details())
	log.Infow("Identified technologies", "technologies", profile.All)
	if err = ctx.Err(); err != nil {
		return rep, err
	}

	// Rule-matched commands
	proxyAddr, _ := o.deps.Rotator.Next()
	rep.Match = rules.Match(profile.All, o.deps.Rules, url, proxyAddr)
	for _, tmpl := range rep.Match.Invalid {
		log.Warnw("Skipping unparsable command template", "template", tmpl)
	}
	if rep.Match.Fallback {
		log.Infow("No technology rules matched, running generic scan")
	} else {
		log.Infow("Technology rules matched", "rules", rep.Match.Triggered)
	}

	var idorSeeds []string
	for _, spec := range rep.Match.Commands {
		if err = ctx.Err(); err != nil {
			return rep, err
		}
		res := o.deps.Dispatcher.Execute(ctx, spec)
		rep.Commands = append(rep.Commands, res)
		o.recordCommand(ctx, url, res)
		idorSeeds = append(idorSeeds, res.Parsed.URLs...)
	}

	// Attack modules
	if o.deps.Attacks != nil && (mode == types.ModeAttack || mode == types.ModeFull) {
		rep.Attack = o.deps.Attacks.Run(ctx, url, o.excluded)
		for _, res := range rep.Attack.Results {
			rep.Commands = append(rep.Commands, res)
			o.recordCommand(ctx, url, res)
		}
	}
	if err = ctx.Err(); err != nil {
		return rep, err
	}

	// Script extraction always runs.
	if o.deps.Extractor != nil {
		rep.Extraction = o.deps.Extractor.Extract(ctx, url)
	}
	if err = ctx.Err(); err != nil {
		return rep, err
	}

	// IDOR
	if o.deps.Prober != nil {
		for _, candidate := range o.idorCandidates(ctx, log, url, idorSeeds) {
			if err = ctx.Err(); err != nil {
				return rep, err
			}
			rep.IDORProbed++
			for _, r := range o.deps.Prober.Probe(ctx, candidate) {
				if !r.Flagged {
					continue
				}
				rep.IDORFlagged++
				o.recordScan(ctx, url, types.ScanTypeIDOR, types.SeverityHigh, map[string]interface{}{
					"url":        r.BaselineURL,
					"attack_url": r.AttackURL,
					"similarity": r.Ratio,
					"truncated":  r.Truncated,
				})
			}
		}
	}

	o.deps.Metrics.TargetProcessed()
	return rep, nil
}

// idorCandidates merges the target, URLs reported by tools and crawled
// links, keeping in-scope URLs that carry numeric identifiers. Tool URLs
// must sit on the target's host or an in-scope domain.
func (o *Orchestrator) idorCandidates(ctx context.Context, log *logger.Logger, target string, seeds []string) []string {
	all := []string{target}
	host := scope.HostOf(target)
	for _, s := range seeds {
		if o.onScopedHost(host, s) {
			all = append(all, s)
		} else {
			log.Debugw("Ignoring tool URL on foreign host", "url", s)
		}
	}
	if o.deps.Candidates != nil {
		crawled, err := o.deps.Candidates.Discover(ctx, target)
		if err != nil {
			log.Debugw("Candidate crawl failed", "error", err)
		}
		all = append(all, crawled...)
	}

	seen := make(map[string]bool)
	var out []string
	for _, c := range all {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if !hasMutationPoint(c) || !o.deps.Guard.Allowed(c) {
			continue
		}
		out = append(out, c)
		if len(out) >= o.opts.MaxIDORCandidates {
			break
		}
	}
	return out
}

func (o *Orchestrator) onScopedHost(targetHost, raw string) bool {
	h := scope.HostOf(raw)
	if h == "" {
		return false
	}
	if h == targetHost {
		return true
	}
	for _, pattern := range o.opts.InScope {
		if scope.Match(h, pattern) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordCommand(ctx context.Context, target string, res executor.Result) {
	details := map[string]interface{}{
		"command":      res.Spec.Redacted(),
		"exit_code":    res.Outcome.ExitCode,
		"attempts":     res.Attempts,
		"succeeded":    res.Succeeded,
		"rate_limited": res.RateLimited,
		"duration_ms":  res.Outcome.Duration.Milliseconds(),
		"alerts":       len(res.Parsed.Alerts),
	}
	if res.Err != nil {
		details["error"] = res.Err.Error()
	}
	o.recordScan(ctx, target, types.ToolScanType(res.Spec.Name()), res.Severity(), details)
}

// recordScan persists best-effort; a store failure never stops the loop.
func (o *Orchestrator) recordScan(ctx context.Context, target string, st types.ScanType, sev types.Severity, details map[string]interface{}) {
	rec := &types.ScanRecord{
		Target:    target,
		ScanType:  st,
		Severity:  sev,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err := o.deps.Store.RecordScan(ctx, rec); err != nil {
		o.logger.LogError(ctx, err, "orchestrator.record_scan", "target", target, "scan_type", st)
	}
}

func (o *Orchestrator) alert(ctx context.Context, a types.Alert) {
	if o.deps.Alerter != nil {
		o.deps.Alerter.Alert(ctx, a)
	}
}
