// Package alerts delivers best-effort operator notifications over NATS
// and an optional Discord-style webhook. Delivery failures are returned
// to the caller for logging but must never fail the operation that
// raised the alert.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/utils/logging"
	"github.com/terminal-bench/minechain/pkg/circuit"
	"github.com/terminal-bench/minechain/pkg/messaging"
)

// webhook embed colors per severity.
var severityColors = map[string]int{
	"warning":  16776960,
	"critical": 16711680,
	"info":     3447003,
}

// Notifier fans alerts out to the configured sinks.
type Notifier struct {
	nats       *messaging.Client
	webhookURL string
	httpClient *http.Client
	breaker    *circuit.Breaker
	source     string
}

// New builds a notifier. Either sink may be absent: a nil NATS client
// or empty webhook URL disables that path. Webhook delivery sits behind
// a circuit breaker so a dead endpoint stops costing a 5s timeout per
// alert.
func New(nats *messaging.Client, webhookURL, source string) *Notifier {
	return &Notifier{
		nats:       nats,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "alert-webhook",
			MaxFailures: 3,
			Timeout:     time.Minute,
			HalfOpenMax: 1,
		}),
		source: source,
	}
}

// Notify publishes one alert to every configured sink. It returns the
// first delivery error, after attempting all sinks.
func (n *Notifier) Notify(ctx context.Context, severity, message string, fields map[string]interface{}) error {
	var firstErr error
	if n.nats != nil {
		if err := n.publishNATS(ctx, severity, message, fields); err != nil {
			firstErr = err
		}
	}
	if n.webhookURL != "" {
		err := n.breaker.Execute(ctx, func() error {
			return n.postWebhook(ctx, severity, message, fields)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) publishNATS(ctx context.Context, severity, message string, fields map[string]interface{}) error {
	ev, err := messaging.NewEvent(messaging.EventTypeAlert, n.source, messaging.AlertEvent{
		Severity: severity,
		Message:  message,
		Fields:   fields,
	})
	if err != nil {
		return errors.Wrap(err, "alerts: build event")
	}
	return errors.Wrap(n.nats.Publish(ctx, messaging.EventTypeAlert, ev), "alerts: publish")
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []webhookField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
}

func (n *Notifier) postWebhook(ctx context.Context, severity, message string, fields map[string]interface{}) error {
	embed := webhookEmbed{
		Title:       fmt.Sprintf("Ledger %s", severity),
		Description: message,
		Color:       severityColors[severity],
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		embed.Fields = append(embed.Fields, webhookField{Name: k, Value: fmt.Sprint(v), Inline: true})
	}
	body, err := json.Marshal(map[string]interface{}{"embeds": []webhookEmbed{embed}})
	if err != nil {
		return errors.Wrap(err, "alerts: marshal webhook")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "alerts: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "alerts: post webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("alerts: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogOnly is an Alerter that only writes to the log. Used when no sink
// is configured.
type LogOnly struct{}

func (LogOnly) Notify(_ context.Context, severity, message string, fields map[string]interface{}) error {
	entry := logging.Entry()
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	switch severity {
	case "critical":
		entry.Error(message)
	case "warning":
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	return nil
}
