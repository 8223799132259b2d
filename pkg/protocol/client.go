package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/secure"
	"github.com/systmms/tunrot/pkg/rotation"
)

// DefaultTimeout bounds a single poll when none is configured.
const DefaultTimeout = 15 * time.Second

// PollResult is the server's answer. Pending is nil when no rotation is
// staged; LastFinalized is only filled in by servers that expose it.
type PollResult struct {
	Pending       *rotation.PendingRotation
	LastFinalized *rotation.FinalizedRotation
}

// Poller fetches the pending rotation from a rotation server.
type Poller interface {
	Poll(ctx context.Context) (PollResult, error)
}

// Client polls the pull endpoint of a rotation server.
type Client struct {
	endpoint   string
	credential *secure.Key
	timeout    time.Duration
	http       *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. to trust a private CA.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, credential *secure.Key, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: must be http(s)://host[:port]", baseURL)
	}
	if credential == nil {
		return nil, fmt.Errorf("rotation key is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		endpoint:   strings.TrimRight(u.String(), "/") + PendingPath,
		credential: credential,
		timeout:    timeout,
		http:       &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL being polled.
func (c *Client) Endpoint() string { return c.endpoint }

// Poll fetches the pending rotation. Errors wrap ErrTransientNetwork,
// ErrAuthentication or ErrMalformedPayload where they apply.
func (c *Client) Poll(ctx context.Context) (PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tunrot-agent")
	if err := c.credential.Use(func(secret []byte) error {
		req.Header.Set(CredentialHeader, string(secret))
		return nil
	}); err != nil {
		return PollResult{}, fmt.Errorf("rotation key unavailable: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %w", dserrors.ErrTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: reading response: %w", dserrors.ErrTransientNetwork, err)
	}
	if len(body) > MaxResponseBytes {
		return PollResult{}, fmt.Errorf("%w: response exceeds %d bytes", dserrors.ErrMalformedPayload, MaxResponseBytes)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodePending(body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return PollResult{}, fmt.Errorf("%w: server answered %s", dserrors.ErrAuthentication, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return PollResult{}, fmt.Errorf("%w: server answered %s%s", dserrors.ErrTransientNetwork, resp.Status, errorSuffix(body))
	default:
		return PollResult{}, fmt.Errorf("unexpected poll response %s%s", resp.Status, errorSuffix(body))
	}
}

func decodePending(body []byte) (PollResult, error) {
	if err := ValidatePendingResponse(body); err != nil {
		return PollResult{}, fmt.Errorf("%w: %w", dserrors.ErrMalformedPayload, err)
	}

	var resp PendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PollResult{}, fmt.Errorf("%w: %w", dserrors.ErrMalformedPayload, err)
	}

	result := PollResult{LastFinalized: resp.LastFinalized}
	if resp.Status == StatusPending {
		if err := resp.Rotation.Validate(); err != nil {
			return PollResult{}, err
		}
		result.Pending = resp.Rotation
	}
	if result.LastFinalized != nil {
		if err := result.LastFinalized.Tokens.Validate(); err != nil {
			return PollResult{}, fmt.Errorf("%w: last finalized rotation: %w", dserrors.ErrMalformedPayload, err)
		}
	}
	return result, nil
}

func errorSuffix(body []byte) string {
	var e ErrorResponse
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		return ""
	}
	return ": " + e.Error
}
