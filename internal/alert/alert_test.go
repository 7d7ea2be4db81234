package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []types.Alert
	err    error
	block  chan struct{}
}

func (s *recordingSink) Send(_ context.Context, a types.Alert) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestColor(t *testing.T) {
	assert.Equal(t, 15548997, Color(types.SeverityCritical))
	assert.Equal(t, 15158332, Color(types.SeverityHigh))
	assert.Equal(t, 16776960, Color(types.SeverityMedium))
	assert.Equal(t, 3447003, Color(types.SeverityLow))
	assert.Equal(t, 9807270, Color(types.SeverityInfo))
	assert.Equal(t, 9807270, Color(types.Severity("BOGUS")))
}

func TestDiscordSend(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, time.Second)
	d.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	err := d.Send(context.Background(), types.Alert{
		Title:    "Secret Found!",
		Category: "Secret Leak",
		Evidence: "Type: AWS Access Key\nTarget: https://example.com",
		Severity: types.SeverityHigh,
	})
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	embed := got.Embeds[0]
	assert.Equal(t, "🚨 Secret Found!", embed.Title)
	assert.Equal(t, "**Category:** Secret Leak\nType: AWS Access Key\nTarget: https://example.com", embed.Description)
	assert.Equal(t, 15158332, embed.Color)
	assert.Equal(t, "Cassandra • 2025-03-04 05:06:07", embed.Footer.Text)
}

func TestDiscordSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "Invalid Webhook Token"}`))
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, time.Second).Send(context.Background(), types.Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Invalid Webhook Token")
}

func TestDiscordSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := NewDiscord(addr, time.Second).Send(context.Background(), types.Alert{Title: "x"})
	assert.Error(t, err)
}

func TestNotifierDelivers(t *testing.T) {
	sink := &recordingSink{}
	m := metrics.New()
	n := NewNotifier(logger.NewNop(), []core.AlertSink{sink}, WithMetrics(m))

	for i := 0; i < 5; i++ {
		n.Alert(context.Background(), types.Alert{Title: "t", Severity: types.SeverityHigh})
	}
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, 5, sink.count())
	assert.Contains(t, scrape(t, m), `cassandra_alerts_total{outcome="delivered",severity="HIGH"} 5`)
}

func TestNotifierSwallowsSinkErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}
	m := metrics.New()
	n := NewNotifier(logger.NewNop(), []core.AlertSink{failing, ok}, WithMetrics(m))

	n.Alert(context.Background(), types.Alert{Title: "t", Severity: types.SeverityCritical})
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, 1, failing.count(), "attempted exactly once")
	assert.Equal(t, 1, ok.count())
	body := scrape(t, m)
	assert.Contains(t, body, `cassandra_alerts_total{outcome="failed",severity="CRITICAL"} 1`)
	assert.Contains(t, body, `cassandra_alerts_total{outcome="delivered",severity="CRITICAL"} 1`)
}

func TestNotifierDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	n := NewNotifier(logger.NewNop(), []core.AlertSink{sink}, WithQueueSize(1))

	start := time.Now()
	for i := 0; i < 10; i++ {
		n.Alert(context.Background(), types.Alert{Title: "t"})
	}
	assert.Less(t, time.Since(start), time.Second, "Alert must not block")

	close(sink.block)
	require.NoError(t, n.Close(context.Background()))
	assert.LessOrEqual(t, sink.count(), 2)
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestNotifierCancelledCallerStillDelivers(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(logger.NewNop(), []core.AlertSink{sink})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Alert(ctx, types.Alert{Title: "t"})
	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestNotifierAfterClose(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(logger.NewNop(), []core.AlertSink{sink})
	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))

	n.Alert(context.Background(), types.Alert{Title: "late"})
	assert.Equal(t, 0, sink.count())
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, NewLogSink(logger.NewNop()).Send(context.Background(), types.Alert{Title: "t"}))
}
