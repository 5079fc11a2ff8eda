package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

const requestTimeout = 5 * time.Second

var httpClient = &http.Client{Timeout: requestTimeout}

// post sends one JSON body. 4xx responses are permanent failures; network
// errors and 5xx are retried by the caller.
func post(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
	}
	return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
}

// WebhookChannel posts alerts to a generic HTTP endpoint in generic,
// pagerduty, or slack format.
type WebhookChannel struct {
	channelBase
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg ChannelConfig, opts ...ChannelOption) *WebhookChannel {
	return &WebhookChannel{channelBase: newBase(cfg, opts), client: httpClient}
}

// Send posts the alert with retry.
func (w *WebhookChannel) Send(ctx context.Context, a model.Alert) (model.DeliveryResult, error) {
	body, err := FormatPayload(w.cfg.Format, a)
	if err != nil {
		return formatFailure(w.cfg.Name, err)
	}
	return w.retry.deliver(ctx, w.cfg.Name, w.now, func(ctx context.Context) error {
		return post(ctx, w.client, w.cfg.URL, w.cfg.Headers, body)
	})
}

// SlackChannel posts to a Slack incoming webhook, routing by severity.
type SlackChannel struct {
	channelBase
	client *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(cfg ChannelConfig, opts ...ChannelOption) *SlackChannel {
	return &SlackChannel{channelBase: newBase(cfg, opts), client: httpClient}
}

// Send posts the alert to the severity's Slack channel with retry.
func (s *SlackChannel) Send(ctx context.Context, a model.Alert) (model.DeliveryResult, error) {
	body, err := formatSlack(a, SlackChannelFor(a.Severity, s.cfg.Channels))
	if err != nil {
		return formatFailure(s.cfg.Name, err)
	}
	return s.retry.deliver(ctx, s.cfg.Name, s.now, func(ctx context.Context) error {
		return post(ctx, s.client, s.cfg.URL, s.cfg.Headers, body)
	})
}

// SendDigest posts a summary of alerts to the compliance channel.
func (s *SlackChannel) SendDigest(ctx context.Context, alerts []model.Alert) (model.DeliveryResult, error) {
	body, err := formatSlackDigest(alerts, SlackChannelFor(model.SeverityLow, s.cfg.Channels))
	if err != nil {
		return formatFailure(s.cfg.Name, err)
	}
	return s.retry.deliver(ctx, s.cfg.Name, s.now, func(ctx context.Context) error {
		return post(ctx, s.client, s.cfg.URL, s.cfg.Headers, body)
	})
}

func formatFailure(service string, err error) (model.DeliveryResult, error) {
	err = fmt.Errorf("format payload: %w", err)
	return model.DeliveryResult{Error: err.Error()},
		errs.Integration(service+" delivery failed", map[string]string{"service": service, "retries": "0"}, err)
}
