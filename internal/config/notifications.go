package config

import (
	"net/url"

	dserrors "github.com/systmms/tunrot/internal/errors"
)

// NotificationConfig holds configuration for rotation notifications.
type NotificationConfig struct {
	// QueueSize bounds the async delivery queue (default: 100).
	QueueSize int `yaml:"queue_size,omitempty"`

	// Webhooks configuration for custom webhook notifications.
	Webhooks []WebhookNotificationConfig `yaml:"webhooks,omitempty"`
}

// WebhookNotificationConfig holds configuration for custom webhook notifications.
type WebhookNotificationConfig struct {
	// Name is a human-readable name for this webhook.
	Name string `yaml:"name"`

	// URL is the webhook endpoint URL.
	URL string `yaml:"url"`

	// Method is the HTTP method to use (default: POST).
	Method string `yaml:"method,omitempty"`

	// Headers are additional HTTP headers to include.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Events specifies which rotation events trigger notifications.
	// Valid values: staged, cancelled, finalized, reload_failed, write_failed.
	// If empty, all events are sent.
	Events []string `yaml:"events,omitempty"`

	// Retry configuration.
	Retry *WebhookRetryConfig `yaml:"retry,omitempty"`

	// Timeout in seconds (default: 10).
	TimeoutSeconds int `yaml:"timeout,omitempty"`
}

// WebhookRetryConfig holds retry configuration for webhooks.
type WebhookRetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// KnownEvents are the event names a webhook may subscribe to.
var KnownEvents = []string{"staged", "cancelled", "finalized", "reload_failed", "write_failed"}

func (w *WebhookNotificationConfig) applyDefaults() {
	if w.Method == "" {
		w.Method = "POST"
	}
	if w.TimeoutSeconds == 0 {
		w.TimeoutSeconds = 10
	}
	if w.Retry == nil {
		w.Retry = &WebhookRetryConfig{}
	}
	if w.Retry.MaxAttempts == 0 {
		w.Retry.MaxAttempts = 3
	}
}

func (n *NotificationConfig) validate() error {
	if n.QueueSize < 0 {
		return dserrors.ConfigError{Field: "notifications.queue_size", Value: n.QueueSize, Message: "queue size cannot be negative"}
	}
	for _, w := range n.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return dserrors.ConfigError{
				Field:      "notifications.webhooks." + w.Name + ".url",
				Value:      w.URL,
				Message:    "must be an absolute URL",
				Suggestion: "Use https://hooks.example.com/path",
			}
		}
		for _, e := range w.Events {
			if !isKnownEvent(e) {
				return dserrors.ConfigError{
					Field:      "notifications.webhooks." + w.Name + ".events",
					Value:      e,
					Message:    "unknown event",
					Suggestion: "Valid events: staged, cancelled, finalized, reload_failed, write_failed",
				}
			}
		}
	}
	return nil
}

func isKnownEvent(e string) bool {
	for _, k := range KnownEvents {
		if k == e {
			return true
		}
	}
	return false
}
