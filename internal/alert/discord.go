// Package alert delivers findings to operators. Scanners hand alerts to a
// Notifier, which queues them and forwards each one to its sinks at most
// once without ever blocking the scan.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/cassandra/internal/logger"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

const footerTimeFormat = "2006-01-02 15:04:05"

// Embed colors by severity, as Discord decimal RGB.
var severityColors = map[types.Severity]int{
	types.SeverityCritical: 15548997,
	types.SeverityHigh:     15158332,
	types.SeverityMedium:   16776960,
	types.SeverityLow:      3447003,
	types.SeverityInfo:     9807270,
}

// Color returns the embed color for sev; unknown severities render grey.
func Color(sev types.Severity) int {
	if c, ok := severityColors[sev]; ok {
		return c
	}
	return severityColors[types.SeverityInfo]
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Footer      discordFooter `json:"footer"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// Discord posts alerts to a Discord webhook as a single embed.
type Discord struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discord{
		url:    webhookURL,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Payload renders the webhook body for a.
func (d *Discord) Payload(a types.Alert) ([]byte, error) {
	desc := a.Evidence
	if a.Category != "" {
		desc = fmt.Sprintf("**Category:** %s\n%s", a.Category, a.Evidence)
	}
	return json.Marshal(discordPayload{
		Embeds: []discordEmbed{{
			Title:       "🚨 " + a.Title,
			Description: desc,
			Color:       Color(a.Severity),
			Footer:      discordFooter{Text: "Cassandra • " + d.now().Format(footerTimeFormat)},
		}},
	})
}

func (d *Discord) Send(ctx context.Context, a types.Alert) error {
	body, err := d.Payload(a)
	if err != nil {
		return fmt.Errorf("failed to encode discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpclient.DoWithContext(ctx, d.client, req)
	if err != nil {
		return fmt.Errorf("discord webhook request failed: %w", err)
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// LogSink writes alerts to the structured log. It is the only sink when no
// webhook is configured.
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithComponent("alert")}
}

func (s *LogSink) Send(_ context.Context, a types.Alert) error {
	s.logger.Infow("Alert",
		"title", a.Title,
		"category", a.Category,
		"severity", a.Severity,
		"evidence", a.Evidence,
	)
	return nil
}
