// Package monitoring forwards detected changes and missing-value warnings to
// an external webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/events"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertChangeDetected AlertType = "change_detected"
	AlertMissingValues  AlertType = "missing_values"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config configures webhook delivery. An empty WebhookURL disables it.
type Config struct {
	WebhookURL    string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	MissingValues bool          `yaml:"missing_values" mapstructure:"missing_values"`
}

// Alerter turns pipeline events into alerts and posts them to the webhook
// from a background sender, so publishers never wait on the network.
type Alerter struct {
	cfg    Config
	client *http.Client
	queue  chan Alert
	wg     sync.WaitGroup
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewAlerter creates an Alerter. Call Start before publishing and Close on
// shutdown.
func NewAlerter(cfg Config) *Alerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan Alert, cfg.QueueSize),
		log:    zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Evaluate maps one event to the alerts it should raise. Silent changes
// (those produced while recalculating history) raise nothing.
func (a *Alerter) Evaluate(ev events.Event) []Alert {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case events.ChangeCreated:
		if !e.Notify {
			return nil
		}
		return []Alert{{
			Type:     AlertChangeDetected,
			Severity: "high",
			Message: fmt.Sprintf("%s changed in test %d (%s)",
				e.Variable, e.TestID, e.Model),
			Details: map[string]any{
				"test_id":     e.TestID,
				"variable_id": e.Change.VariableID,
				"dataset_id":  e.Change.DatasetID,
				"fingerprint": e.Fingerprint,
				"timestamp":   e.Change.Timestamp,
				"description": e.Change.Description,
			},
			Timestamp: now,
		}}
	case events.MissingValues:
		if !a.cfg.MissingValues {
			return nil
		}
		return []Alert{{
			Type:     AlertMissingValues,
			Severity: "low",
			Message:  fmt.Sprintf("dataset %d produced no value for %d variable(s)", e.DatasetID, len(e.Variables)),
			Details: map[string]any{
				"test_id":    e.TestID,
				"run_id":     e.RunID,
				"dataset_id": e.DatasetID,
				"variables":  e.Variables,
			},
			Timestamp: now,
		}}
	}
	return nil
}

// Handler returns an events.Handler that enqueues alerts. When the queue is
// full the alert is dropped with a warning.
func (a *Alerter) Handler() events.Handler {
	return func(_ context.Context, ev events.Event) {
		for _, alert := range a.Evaluate(ev) {
			a.enqueue(alert)
		}
	}
}

func (a *Alerter) enqueue(alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- alert:
	default:
		a.log.Warn("alert queue full, dropping alert", zap.String("type", string(alert.Type)))
	}
}

// Start launches the sender. It stops when Close drains the queue.
func (a *Alerter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for alert := range a.queue {
			a.SendAlerts(ctx, []Alert{alert})
		}
	}()
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (a *Alerter) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.log.Debug("alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
