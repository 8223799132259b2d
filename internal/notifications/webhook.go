package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/systmms/tunrot/internal/config"
	"github.com/systmms/tunrot/internal/logging"
)

// Webhook defaults.
const (
	defaultWebhookTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialWait    = time.Second
	maxErrorBody          = 512
)

// RetryConfig controls redelivery of a failed webhook call.
type RetryConfig struct {
	MaxAttempts int

	// InitialWait is the pause after the first failure; it doubles after
	// each further failure.
	InitialWait time.Duration
}

// WebhookConfig describes one webhook destination.
type WebhookConfig struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string

	// Events limits delivery to these event types. Empty means all.
	Events []string

	Retry   *RetryConfig
	Timeout time.Duration
}

// WebhookProvider posts rotation events as JSON.
type WebhookProvider struct {
	config WebhookConfig
	client *http.Client
	clock  clock.Clock
}

// NewWebhookProvider fills in defaults for cfg.
func NewWebhookProvider(cfg WebhookConfig) *WebhookProvider {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}

	retry := RetryConfig{}
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialWait <= 0 {
		retry.InitialWait = defaultInitialWait
	}
	cfg.Retry = &retry

	return &WebhookProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock.RealClock{},
	}
}

// Name identifies the provider in log lines.
func (p *WebhookProvider) Name() string {
	if p.config.Name == "" {
		return "webhook"
	}
	return "webhook:" + p.config.Name
}

// SupportsEvent applies the Events filter.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

// Validate rejects destinations that could never accept a delivery.
func (p *WebhookProvider) Validate(_ context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(p.config.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}
	switch p.config.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return nil
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}
}

// webhookPayload is the JSON body. It never carries token values.
type webhookPayload struct {
	Event      EventType `json:"event"`
	RotationID string    `json:"rotation_id,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Role       string    `json:"role,omitempty"`
	Services   []string  `json:"services,omitempty"`
	FinalizeAt string    `json:"finalize_at,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newPayload(event Event) webhookPayload {
	out := webhookPayload{
		Event:      event.Type,
		RotationID: event.RotationID,
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
		Role:       event.Role,
		Services:   event.Services,
		Actor:      event.Actor,
	}
	if !event.FinalizeAt.IsZero() {
		out.FinalizeAt = event.FinalizeAt.UTC().Format(time.RFC3339)
	}
	if event.Error != nil {
		out.Error = event.Error.Error()
	}
	return out
}

// Send delivers event, backing off between attempts.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(newPayload(event))
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	attempts := p.config.Retry.MaxAttempts
	wait := p.config.Retry.InitialWait
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = p.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
		wait *= 2
	}
}

func (p *WebhookProvider) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, p.config.Method, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if msg := strings.TrimSpace(string(snippet)); msg != "" {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

// FromConfig builds a manager with one webhook provider per configured
// hook. A nil config yields a manager with no providers.
func FromConfig(cfg *config.NotificationConfig, logger *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return NewManager(0, logger), nil
	}

	m := NewManager(cfg.QueueSize, logger)
	for _, hook := range cfg.Webhooks {
		wc := WebhookConfig{
			Name:    hook.Name,
			URL:     hook.URL,
			Method:  hook.Method,
			Headers: hook.Headers,
			Events:  hook.Events,
			Timeout: time.Duration(hook.TimeoutSeconds) * time.Second,
		}
		if hook.Retry != nil {
			wc.Retry = &RetryConfig{MaxAttempts: hook.Retry.MaxAttempts}
		}

		provider := NewWebhookProvider(wc)
		if err := provider.Validate(context.Background()); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", hook.Name, err)
		}
		m.RegisterProvider(provider)
	}
	return m, nil
}
