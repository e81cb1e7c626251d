package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookBody is the JSON POSTed to a webhook delivery target.
type WebhookBody struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	EndedAt    string `json:"endedAt"`
	DurationMs int64  `json:"durationMs"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebhookSender posts job results to http(s) targets.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a sender with a bounded timeout.
func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSender{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "webhook"),
	}
}

// ValidateWebhookURL accepts only well-formed http(s) URLs, trimming
// surrounding whitespace first. Loopback, private, and link-local
// address literals are rejected.
func ValidateWebhookURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("scheduler: invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheduler: webhook url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("scheduler: webhook url missing host")
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return "", fmt.Errorf("scheduler: webhook url host %q is not routable", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return "", fmt.Errorf("scheduler: webhook url host %q is not routable", host)
		}
	}
	return trimmed, nil
}

// Send POSTs the body to the target URL.
func (w *WebhookSender) Send(ctx context.Context, target string, body WebhookBody) error {
	validated, err := ValidateWebhookURL(target)
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, validated, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("scheduler: webhook returned %d", resp.StatusCode)
	}
	return nil
}
