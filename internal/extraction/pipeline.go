// Package extraction harvests the scripts a page loads and scans them for
// leaked credentials and internal API paths.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const maxScriptBytes = 10 << 20

// Report summarizes one extraction pass.
type Report struct {
	Target       string
	Scripts      int
	Analyzed     int
	NewSecrets   int
	NewEndpoints int
	// Skipped is set when the page never became idle.
	Skipped bool
}

type Pipeline struct {
	collector  ScriptCollector
	client     *http.Client
	store      core.ResultStore
	alerter    core.Alerter
	logger     *logger.Logger
	metrics    *metrics.Metrics
	cache      *bodyCache
	maxScripts int
}

type Option func(*Pipeline)

func WithAlerter(a core.Alerter) Option     { return func(p *Pipeline) { p.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithMaxScripts caps how many script URLs are fetched per page. Zero means
// no cap.
func WithMaxScripts(n int) Option { return func(p *Pipeline) { p.maxScripts = n } }

func New(collector ScriptCollector, client *http.Client, store core.ResultStore, log *logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		collector: collector,
		client:    client,
		store:     store,
		logger:    log.WithComponent("extraction"),
		cache:     newBodyCache(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract loads target in the browser, fetches every script it requested and
// persists the novel findings. Failures are logged; nothing is returned as
// an error.
func (p *Pipeline) Extract(ctx context.Context, target string) Report {
	start := time.Now()
	log := p.logger.WithTarget(target)
	ctx, span := log.StartOperation(ctx, "extraction.extract")
	report := Report{Target: target}
	defer func() {
		log.FinishOperation(ctx, span, "extraction.extract", start, nil,
			"scripts", report.Scripts,
			"new_secrets", report.NewSecrets,
			"new_endpoints", report.NewEndpoints)
	}()

	scripts, err := p.collector.Collect(ctx, target)
	if err != nil {
		if errors.Is(err, ErrPageTimeout) {
			log.Warnw("Page load timed out, skipping extraction", "error", err)
			report.Skipped = true
			return report
		}
		log.Warnw("Failed to load page", "error", err)
		return report
	}

	if p.maxScripts > 0 && len(scripts) > p.maxScripts {
		log.Infow("Capping script list", "found", len(scripts), "cap", p.maxScripts)
		scripts = scripts[:p.maxScripts]
	}
	report.Scripts = len(scripts)
	log.Infow("Collected script resources", "count", len(scripts))

	for _, src := range scripts {
		if ctx.Err() != nil {
			return report
		}
		body, ok := p.fetch(ctx, log, src)
		if !ok {
			continue
		}
		if !p.cache.firstSight(target, body) {
			log.Debugw("Skipping already analyzed script body", "source", src)
			continue
		}
		report.Analyzed++
		secrets, endpoints := p.Analyze(ctx, target, src, string(body))
		report.NewSecrets += secrets
		report.NewEndpoints += endpoints
	}
	return report
}

func (p *Pipeline) fetch(ctx context.Context, log *logger.Logger, src string) ([]byte, bool) {
	start := time.Now()
	resp, err := httpclient.Get(ctx, p.client, src)
	if err != nil {
		log.Warnw("Failed to fetch script", "source", src, "error", err)
		return nil, false
	}
	log.LogHTTPRequest(ctx, http.MethodGet, src, resp.StatusCode, time.Since(start))
	if resp.StatusCode != http.StatusOK {
		httpclient.CloseBody(resp)
		log.Debugw("Ignoring script with non-200 status", "source", src, "status", resp.StatusCode)
		return nil, false
	}
	body, err := httpclient.ReadBody(resp, maxScriptBytes)
	if err != nil {
		log.Warnw("Failed to read script", "source", src, "error", err)
		return nil, false
	}
	return body, true
}

// Analyze scans one script body and persists what has not been seen for
// target. Only secrets raise alerts, and only when this call stored them.
func (p *Pipeline) Analyze(ctx context.Context, target, source, body string) (newSecrets, newEndpoints int) {
	log := p.logger.WithTarget(target)

	for _, m := range FindSecrets(body) {
		log.Warnw("Potential secret found", "type", m.Type, "source", source)

		exists, err := p.store.SecretExists(ctx, target, m.Value)
		if err != nil {
			log.LogError(ctx, err, "extraction.secret_exists", "source", source)
			continue
		}
		if exists {
			continue
		}
		inserted, err := p.store.InsertSecret(ctx, &types.SecretFinding{
			Target:     target,
			SecretType: m.Type,
			Value:      m.Value,
			SourceURL:  source,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			log.LogError(ctx, err, "extraction.insert_secret", "source", source)
			continue
		}
		if !inserted {
			continue
		}

		newSecrets++
		p.metrics.Finding("secret")
		log.LogFinding(ctx, "Secret Found!", "Secret Leak", string(types.SeverityHigh), "type", m.Type, "source", source)
		if p.alerter != nil {
			p.alerter.Alert(ctx, types.Alert{
				Title:    "Secret Found!",
				Category: "Secret Leak",
				Evidence: fmt.Sprintf("Type: %s\nTarget: %s\nValue: %s\nSource: %s", m.Type, target, m.Value, source),
				Severity: types.SeverityHigh,
			})
		}
	}

	endpoints := FindEndpoints(body)
	if len(endpoints) > 0 {
		log.Infow("Found endpoints", "count", len(endpoints), "source", source)
	}
	for _, ep := range endpoints {
		exists, err := p.store.EndpointExists(ctx, target, ep)
		if err != nil {
			log.LogError(ctx, err, "extraction.endpoint_exists", "source", source)
			continue
		}
		if exists {
			continue
		}
		inserted, err := p.store.InsertEndpoint(ctx, &types.EndpointFinding{
			Target:    target,
			Endpoint:  ep,
			SourceURL: source,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			log.LogError(ctx, err, "extraction.insert_endpoint", "source", source)
			continue
		}
		if inserted {
			newEndpoints++
			p.metrics.Finding("endpoint")
		}
	}
	return newSecrets, newEndpoints
}
