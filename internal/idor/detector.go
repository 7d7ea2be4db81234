// Package idor probes URLs for broken object-level authorization by
// incrementing numeric identifiers and comparing the responses.
package idor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// maxCompareBytes bounds each body fed to Similarity. Longer bodies are
// compared on their prefix and the result is marked Truncated.
const maxCompareBytes = 128 << 10

// Result is the outcome of probing one mutation point.
type Result struct {
	Point          MutationPoint
	BaselineURL    string
	AttackURL      string
	BaselineStatus int
	AttackStatus   int
	Ratio          float64
	Flagged        bool
	// Truncated is set when either body exceeded maxCompareBytes.
	Truncated bool
	// Err is set when the point was abandoned.
	Err error
}

type Detector struct {
	client  *http.Client
	low     float64
	high    float64
	alerter core.Alerter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*Detector)

func WithAlerter(a core.Alerter) Option     { return func(d *Detector) { d.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }

// WithBand sets the exclusive similarity band that flags a response pair.
func WithBand(low, high float64) Option {
	return func(d *Detector) { d.low, d.high = low, high }
}

func NewDetector(client *http.Client, log *logger.Logger, opts ...Option) *Detector {
	d := &Detector{
		client: client,
		low:    0.90,
		high:   1.0,
		logger: log.WithComponent("idor"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Flag reports whether an attack response is suspiciously similar to the
// baseline: successful, close, and not identical.
func (d *Detector) Flag(attackStatus int, ratio float64) bool {
	return attackStatus == http.StatusOK && ratio > d.low && ratio < d.high
}

// Probe tests every mutation point of rawURL independently. Network
// failures abandon only the affected point.
func (d *Detector) Probe(ctx context.Context, rawURL string) []Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		d.logger.Debugw("Skipping unparsable URL", "url", rawURL, "error", err)
		return nil
	}
	points := MutationPoints(u)
	if len(points) == 0 {
		return nil
	}

	log := d.logger.WithTarget(rawURL)
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "idor.probe", "points", len(points))
	flagged := 0
	defer func() {
		log.FinishOperation(ctx, span, "idor.probe", start, nil, "flagged", flagged)
	}()

	results := make([]Result, 0, len(points))
	for _, p := range points {
		if ctx.Err() != nil {
			break
		}
		res := d.probePoint(ctx, log, u, rawURL, p)
		if res.Flagged {
			flagged++
		}
		results = append(results, res)
	}
	return results
}

func (d *Detector) probePoint(ctx context.Context, log *logger.Logger, u *url.URL, rawURL string, p MutationPoint) Result {
	res := Result{Point: p, BaselineURL: rawURL}

	attackURL, ok := Mutate(u, p)
	if !ok {
		res.Err = fmt.Errorf("cannot mutate %s point %d", p.Kind, p.Index)
		return res
	}
	res.AttackURL = attackURL

	baseStatus, baseBody, baseCut, err := d.get(ctx, rawURL)
	if err != nil {
		log.Warnw("Baseline request failed", "error", err)
		res.Err = err
		return res
	}
	res.BaselineStatus = baseStatus
	if baseStatus != http.StatusOK {
		return res
	}

	attackStatus, attackBody, attackCut, err := d.get(ctx, attackURL)
	if err != nil {
		log.Warnw("Mutated request failed", "attack_url", attackURL, "error", err)
		res.Err = err
		return res
	}
	res.AttackStatus = attackStatus
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Truncated = baseCut || attackCut
	if res.Truncated {
		log.Infow("Comparing truncated response bodies",
			"attack_url", attackURL,
			"compared_bytes", maxCompareBytes)
	}
	res.Ratio = Similarity(baseBody, attackBody)
	res.Flagged = d.Flag(attackStatus, res.Ratio)

	log.Debugw("Compared responses",
		"attack_url", attackURL,
		"attack_status", attackStatus,
		"ratio", res.Ratio,
	)

	if res.Flagged {
		d.metrics.Finding("idor")
		evidence := fmt.Sprintf("%s -> %s (Similarity: %.2f)", rawURL, attackURL, res.Ratio)
		log.LogFinding(ctx, "Potential IDOR Found", "IDOR", string(types.SeverityHigh),
			"attack_url", attackURL, "ratio", res.Ratio, "truncated", res.Truncated)
		if d.alerter != nil {
			d.alerter.Alert(ctx, types.Alert{
				Title:    "Potential IDOR Found",
				Category: "IDOR",
				Evidence: evidence,
				Severity: types.SeverityHigh,
			})
		}
	}
	return res
}

// get fetches rawURL and returns at most maxCompareBytes of its body,
// reporting whether the body was cut.
func (d *Detector) get(ctx context.Context, rawURL string) (int, string, bool, error) {
	start := time.Now()
	resp, err := httpclient.Get(ctx, d.client, rawURL)
	if err != nil {
		return 0, "", false, err
	}
	d.logger.LogHTTPRequest(ctx, http.MethodGet, rawURL, resp.StatusCode, time.Since(start))
	body, err := httpclient.ReadBody(resp, maxCompareBytes+1)
	if err != nil {
		return resp.StatusCode, "", false, err
	}
	if len(body) > maxCompareBytes {
		return resp.StatusCode, string(body[:maxCompareBytes]), true, nil
	}
	return resp.StatusCode, string(body), false, nil
}
