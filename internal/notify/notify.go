// Package notify delivers operator alerts. Delivery is fire-and-forget:
// failures here are logged and never fail the job that raised them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity)
}

// LogNotifier writes notifications to the service log. Used as the default
// channel and as the fallback when no webhook is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string, severity Severity) {
	ev := n.Log.Info()
	switch severity {
	case SeverityWarning:
		ev = n.Log.Warn()
	case SeverityError:
		ev = n.Log.Error()
	}
	ev.Str("severity", string(severity)).Msg(message)
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook posts notifications to an HTTP endpoint.
type Webhook struct {
	cfg WebhookConfig
	hc  *http.Client
	log zerolog.Logger
}

func NewWebhook(cfg WebhookConfig, log zerolog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Webhook{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (n *Webhook) Notify(ctx context.Context, message string, severity Severity) {
	body, _ := json.Marshal(map[string]string{
		"message":  message,
		"severity": string(severity),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Msg("build notification request")
		return
	}
	req.Header.Set("content-type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		n.log.Error().Err(err).Str("severity", string(severity)).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.log.Error().Int("status", resp.StatusCode).Str("severity", string(severity)).
			Msg("notification rejected")
	}
}
