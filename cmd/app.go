package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/alert"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/attack"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/credentials"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/database"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/executor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/extraction"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/fingerprint"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/idor"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/proxy"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/recon"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/scope"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// app holds every component a scan needs, built once per command.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    core.ResultStore
	metrics  *metrics.Metrics
	notifier *alert.Notifier
	session  *credentials.Session
	client   *http.Client
	rotator  *proxy.Rotator
	guard    *scope.Guard
	exec     *executor.Executor
	fp       core.Fingerprinter
	extract  *extraction.Pipeline
	detector *idor.Detector
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	store, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	a.store = store
	a.notifier = alert.FromConfig(cfg.Alerting, log, a.metrics)

	orch := cfg.Orchestrator
	a.session = credentials.LoadSession(orch.StorageState, log)

	a.rotator, err = proxy.LoadRotator(orch.ProxyFile)
	if err != nil {
		log.Warnw("Proxy list unavailable, running without rotation", "path", orch.ProxyFile, "error", err)
		a.rotator = proxy.NewRotator(nil)
	}

	deny, err := scope.LoadList(orch.DenyFile)
	if err != nil {
		log.Warnw("Deny list unavailable, only scope exclusions apply", "path", orch.DenyFile, "error", err)
	}
	a.guard = scope.NewGuard(deny, nil)

	a.client, err = httpclient.New(httpclient.Config{
		Timeout:         cfg.HTTP.Timeout,
		Proxy:           cfg.HTTP.Proxy,
		Cookie:          a.session.Cookie(),
		FollowRedirects: true,
		MaxRedirects:    10,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			BurstSize:         cfg.HTTP.BurstSize,
			JitterMin:         cfg.HTTP.JitterMin,
			JitterMax:         cfg.HTTP.JitterMax,
		}),
	})
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to build http client: %w", err)
	}

	runner := executor.ProcessRunner{Timeout: cfg.Executor.CommandTimeout}
	a.exec = executor.New(runner, cfg.Executor, log,
		executor.WithRotator(a.rotator),
		executor.WithAlerter(a.notifier),
		executor.WithMetrics(a.metrics),
	)
	a.fp = fingerprint.NewDefault(log, a.client, cfg.Tools.Httpx)

	collector := extraction.NewChromeCollector(extraction.ChromeOptions{
		Headless:   cfg.Extraction.Headless,
		ChromePath: cfg.Extraction.ChromePath,
		Proxy:      cfg.HTTP.Proxy,
		UserAgent:  httpclient.RandomUserAgent(),
		Timeout:    cfg.Extraction.PageTimeout,
		Cookies:    a.session.BrowserCookies(),
	})
	a.extract = extraction.New(collector, a.client, a.store, log,
		extraction.WithAlerter(a.notifier),
		extraction.WithMetrics(a.metrics),
		extraction.WithMaxScripts(cfg.Extraction.MaxScripts),
	)
	a.detector = idor.NewDetector(a.client, log,
		idor.WithAlerter(a.notifier),
		idor.WithMetrics(a.metrics),
		idor.WithBand(cfg.IDOR.SimilarityLow, cfg.IDOR.SimilarityHigh),
	)
	return a, nil
}

// orchestrator assembles the scan loop. sc may be nil when no scope file
// was given; out-of-scope exclusions then come from the deny list alone.
func (a *app) orchestrator(sc *types.ScopeConfig, mode types.Mode, workers int) (*orchestrator.Orchestrator, error) {
	orch := a.cfg.Orchestrator
	table, err := loadRuleTable(orch.RulesFile, a.log)
	if err != nil {
		return nil, err
	}

	guard := a.guard
	var excluded, inScope []string
	if sc != nil {
		guard = scope.NewGuard(guard.DenyPatterns(), sc.OutOfScopeDomains)
		excluded = sc.ExcludedVulnerabilities
		inScope = sc.InScopeDomains
	}

	deps := orchestrator.Deps{
		Guard:         guard,
		Fingerprinter: a.fp,
		Rules:         table,
		Rotator:       a.rotator,
		Dispatcher:    a.exec,
		Store:         a.store,
		Alerter:       a.notifier,
		Attacks: attack.New(a.exec, a.client, a.cfg.Attack, a.cfg.Tools, a.session.Cookie(),
			filepath.Join(orch.OutputDir, "findings"), a.log),
		Recon: recon.New(a.exec,
			recon.NewResolver(5*time.Second, 50, a.cfg.Tools.Resolver),
			a.cfg.Tools, orch.OutputDir, a.log),
		Metrics: a.metrics,
		Logger:  a.log,
	}
	if a.cfg.Extraction.Enabled {
		deps.Extractor = a.extract
	}
	if a.cfg.IDOR.Enabled {
		deps.Prober = a.detector
		deps.Candidates = idor.Crawler{Client: a.client, Limit: a.cfg.IDOR.MaxCandidates}
	}

	return orchestrator.New(deps, orchestrator.Options{
		Mode:              mode,
		Workers:           workers,
		Excluded:          excluded,
		InScope:           inScope,
		MaxIDORCandidates: a.cfg.IDOR.MaxCandidates,
	}), nil
}

// loadRuleTable reads the technology rules. A missing file leaves the table
// empty so every target gets the generic scan; a malformed one is an error.
func loadRuleTable(path string, log *logger.Logger) (rules.Table, error) {
	table, err := rules.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnw("Rule table not found, running the generic scan only", "path", path)
		return rules.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load technology rules: %w", err)
	}
	return table, nil
}

// serveMetrics exposes /metrics for the lifetime of ctx when enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
			a.log.Warnw("Metrics endpoint stopped", "addr", a.cfg.Metrics.Addr, "error", err)
		}
	}()
}

// Close drains pending alerts before closing the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.notifier.Close(ctx); err != nil {
		a.log.Warnw("Alerts still pending at shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warnw("Failed to close result store", "error", err)
	}
}
