package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sink delivers one alert to an external destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// WebhookSink POSTs alerts as JSON.
type WebhookSink struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(name, url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return w.name }

// Send posts the alert; any non-2xx answer is a failure.
func (w *WebhookSink) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}
	return nil
}
