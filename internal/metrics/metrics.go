// Package metrics exposes run counters for Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the run's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	targetsTotal     *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	rateLimitedTotal *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	findingsTotal    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		targetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cassandra_targets_total",
				Help: "Targets processed, by outcome (processed, denied)",
			},
			[]string{"outcome"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cassandra_commands_total",
				Help: "External tool dispatches, by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cassandra_command_duration_seconds",
				Help:    "External tool run time in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tool"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cassandra_rate_limited_total",
				Help: "Dispatches that hit a rate-limit signature",
			},
			[]string{"tool"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cassandra_alerts_total",
				Help: "Alerts raised, by severity and delivery outcome",
			},
			[]string{"severity", "outcome"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cassandra_findings_total",
				Help: "New findings persisted, by kind (secret, endpoint, idor)",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.targetsTotal,
		m.commandsTotal,
		m.commandDuration,
		m.rateLimitedTotal,
		m.alertsTotal,
		m.findingsTotal,
	)
	return m
}

func (m *Metrics) TargetProcessed() {
	if m == nil {
		return
	}
	m.targetsTotal.WithLabelValues("processed").Inc()
}

func (m *Metrics) TargetDenied() {
	if m == nil {
		return
	}
	m.targetsTotal.WithLabelValues("denied").Inc()
}

// CommandFinished records one dispatch. outcome is "success", "failed" or
// "rate_limited".
func (m *Metrics) CommandFinished(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(tool, outcome).Inc()
	m.commandDuration.WithLabelValues(tool).Observe(d.Seconds())
	if outcome == "rate_limited" {
		m.rateLimitedTotal.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) AlertSent(severity string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	m.alertsTotal.WithLabelValues(severity, outcome).Inc()
}

func (m *Metrics) Finding(kind string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
