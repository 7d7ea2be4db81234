package alert

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/config"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const defaultQueueSize = 256

// Notifier queues alerts and delivers them in the background. Alert never
// blocks: a full queue drops the alert, and sink failures are logged and
// swallowed. Each alert is attempted once per sink.
type Notifier struct {
	sinks   []core.AlertSink
	timeout time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics

	queue  chan queued
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type queued struct {
	ctx   context.Context
	alert types.Alert
}

type Option func(*Notifier)

func WithMetrics(m *metrics.Metrics) Option { return func(n *Notifier) { n.metrics = m } }

// WithQueueSize bounds the number of undelivered alerts.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan queued, size)
		}
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option { return func(n *Notifier) { n.timeout = d } }

func NewNotifier(log *logger.Logger, sinks []core.AlertSink, opts ...Option) *Notifier {
	n := &Notifier{
		sinks:   sinks,
		timeout: 10 * time.Second,
		logger:  log.WithComponent("notifier"),
		queue:   make(chan queued, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n
}

// FromConfig builds a Notifier with a Discord sink when a webhook is
// configured, and a log sink otherwise.
func FromConfig(cfg config.AlertingConfig, log *logger.Logger, m *metrics.Metrics) *Notifier {
	var sinks []core.AlertSink
	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, NewDiscord(cfg.DiscordWebhookURL, cfg.Timeout))
	} else {
		log.WithComponent("notifier").Warnw("No Discord webhook configured, alerts will only be logged")
		sinks = append(sinks, NewLogSink(log))
	}
	return NewNotifier(log, sinks,
		WithQueueSize(cfg.QueueSize),
		WithTimeout(cfg.Timeout),
		WithMetrics(m),
	)
}

// Alert enqueues a for delivery.
func (n *Notifier) Alert(ctx context.Context, a types.Alert) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.logger.Debugw("Dropping alert after shutdown", "title", a.Title)
		return
	}

	// Delivery must outlive the scan step that raised the alert.
	item := queued{ctx: context.WithoutCancel(ctx), alert: a}
	select {
	case n.queue <- item:
	default:
		n.logger.Warnw("Alert queue full, dropping alert",
			"title", a.Title,
			"severity", a.Severity,
		)
		n.metrics.AlertSent(string(a.Severity), false)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered or
// for ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for item := range n.queue {
		n.deliver(item)
	}
}

func (n *Notifier) deliver(item queued) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.LogPanic(item.ctx, r, "alert.deliver", "title", item.alert.Title)
		}
	}()

	for _, sink := range n.sinks {
		ctx, cancel := context.WithTimeout(item.ctx, n.timeout)
		err := sink.Send(ctx, item.alert)
		cancel()

		n.metrics.AlertSent(string(item.alert.Severity), err == nil)
		if err != nil {
			n.logger.Errorw("Failed to send alert",
				"title", item.alert.Title,
				"severity", item.alert.Severity,
				"error", err,
			)
			continue
		}
		n.logger.Debugw("Alert delivered", "title", item.alert.Title)
	}
}
