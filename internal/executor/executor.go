// Package executor dispatches external tools with retry, rate-limit backoff
// and proxy rotation.
package executor

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/parser"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/proxy"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/rules"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// rateLimitSignatures mark a failed run as throttled when found in stderr.
var rateLimitSignatures = []string{
	"429",
	"Too Many Requests",
}

const stderrLogLimit = 100

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result describes the last dispatch of a command.
type Result struct {
	// Spec is the command as last dispatched, including any rotated proxy.
	Spec        rules.CommandSpec
	Outcome     types.CommandOutcome
	Attempts    int
	Succeeded   bool
	RateLimited int
	Parsed      parser.Result
	Err         error
}

// Severity is the highest alert severity parsed from the output.
func (r Result) Severity() types.Severity {
	sev := types.SeverityInfo
	for _, a := range r.Parsed.Alerts {
		sev = sev.Max(a.Severity)
	}
	return sev
}

type Executor struct {
	runner  Runner
	cfg     config.ExecutorConfig
	logger  *logger.Logger
	rotator *proxy.Rotator
	alerter core.Alerter
	metrics *metrics.Metrics
	sleep   Sleeper
	backoff func(min, max time.Duration) time.Duration
}

type Option func(*Executor)

func WithRotator(r *proxy.Rotator) Option   { return func(e *Executor) { e.rotator = r } }
func WithAlerter(a core.Alerter) Option     { return func(e *Executor) { e.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithSleeper(s Sleeper) Option          { return func(e *Executor) { e.sleep = s } }

// WithBackoff replaces the uniform random rate-limit wait.
func WithBackoff(f func(min, max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.backoff = f }
}

func New(runner Runner, cfg config.ExecutorConfig, log *logger.Logger, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{
		runner:  runner,
		cfg:     cfg,
		logger:  log.WithComponent("executor"),
		sleep:   contextSleep,
		backoff: uniformBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func uniformBackoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// Execute runs spec until it succeeds or the attempt budget is spent.
// Failures are logged, never returned as errors, and a panic in a
// collaborator is recovered into Result.Err.
func (e *Executor) Execute(ctx context.Context, spec rules.CommandSpec) (res Result) {
	log := e.logger.WithTool(spec.Name())
	res.Spec = spec

	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, "executor.execute", "command", res.Spec.Redacted())
			res.Succeeded = false
		}
	}()

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		res.Attempts = attempt

		log.Infow("Executing command", "command", res.Spec.Redacted(), "attempt", attempt)
		outcome, err := e.runner.Run(ctx, res.Spec.Tool, res.Spec.Argv())
		res.Outcome = outcome
		res.Err = err

		if err == nil && outcome.ExitCode == 0 {
			e.metrics.CommandFinished(spec.Name(), "success", outcome.Duration)
			res.Succeeded = true
			res.Parsed = parser.Parse(res.Spec, outcome.Stdout)
			for _, a := range res.Parsed.Alerts {
				log.LogFinding(ctx, a.Title, a.Category, string(a.Severity), "command", res.Spec.Redacted())
				if e.alerter != nil {
					e.alerter.Alert(ctx, a)
				}
			}
			if res.Parsed.Skipped > 0 {
				log.Debugw("Skipped undecodable output records", "count", res.Parsed.Skipped)
			}
			return res
		}

		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}

		if isRateLimited(outcome.Stderr) {
			res.RateLimited++
			e.metrics.CommandFinished(spec.Name(), "rate_limited", outcome.Duration)
			wait := e.backoff(e.cfg.RateLimitBackoffMin, e.cfg.RateLimitBackoffMax)
			log.Warnw("Rate limited, backing off", "wait", wait.String(), "attempt", attempt)
			if e.sleep(ctx, wait) != nil {
				res.Err = ctx.Err()
				return res
			}
			if p, ok := e.rotator.Next(); ok {
				res.Spec = res.Spec.WithProxy(p)
				log.Infow("Rotated proxy", "proxy", p)
			}
		} else {
			e.metrics.CommandFinished(spec.Name(), "failed", outcome.Duration)
			fields := []interface{}{
				"attempt", attempt,
				"exit_code", outcome.ExitCode,
				"stderr", parser.Truncate(outcome.Stderr, stderrLogLimit),
			}
			if err != nil {
				fields = append(fields, "error", err.Error())
			}
			log.Warnw("Command failed", fields...)
		}

		if attempt < e.cfg.MaxAttempts {
			if e.sleep(ctx, e.cfg.Cooldown) != nil {
				res.Err = ctx.Err()
				return res
			}
		}
	}

	log.Warnw("Command abandoned after retries", "command", res.Spec.Redacted(), "attempts", res.Attempts)
	return res
}

func isRateLimited(stderr string) bool {
	for _, sig := range rateLimitSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}
