package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/secure"
)

func newTestClient(t *testing.T, url, credential string, timeout time.Duration) *Client {
	t.Helper()
	key, err := secure.NewKey(credential)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	c, err := NewClient(url, key, timeout)
	require.NoError(t, err)
	return c
}

func TestClientPollPending(t *testing.T) {
	srv := httptest.NewServer(NewHandler(HandlerOptions{Source: &fakeSource{pending: samplePending()}}))
	defer srv.Close()

	result, err := newTestClient(t, srv.URL, testCredential, time.Second).Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Pending)
	assert.Equal(t, samplePending(), result.Pending)
	assert.Nil(t, result.LastFinalized)
}

func TestClientPollNone(t *testing.T) {
	srv := httptest.NewServer(NewHandler(HandlerOptions{Source: &fakeSource{finalized: sampleFinalized()}, ExposeFinalized: true}))
	defer srv.Close()

	result, err := newTestClient(t, srv.URL+"/", testCredential, time.Second).Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Pending)
	require.NotNil(t, result.LastFinalized)
	assert.Equal(t, "r0", result.LastFinalized.RotationID)
}

func TestClientPollAuthFailure(t *testing.T) {
	srv := httptest.NewServer(NewHandler(HandlerOptions{Source: &fakeSource{pending: samplePending()}}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "wrong-key", time.Second).Poll(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrAuthentication)
}

func TestClientPollClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"pending rotation record unavailable"}`))
			},
			want: dserrors.ErrTransientNetwork,
		},
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			want: dserrors.ErrAuthentication,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":`))
			},
			want: dserrors.ErrMalformedPayload,
		},
		{
			name: "schema violation",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"pending","rotation":{"rotation_id":"r1","tokens":{}}}`))
			},
			want: dserrors.ErrMalformedPayload,
		},
		{
			name: "oversized body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"none","pad":"` + strings.Repeat("x", MaxResponseBytes) + `"}`))
			},
			want: dserrors.ErrMalformedPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, testCredential, time.Second).Poll(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClientPollTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(t, srv.URL, testCredential, 50*time.Millisecond).Poll(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrTransientNetwork)
}

func TestClientPollUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, testCredential, time.Second).Poll(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrTransientNetwork)
}

func TestClientSendsCredentialInHeader(t *testing.T) {
	var gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(CredentialHeader)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"status":"none"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, testCredential, time.Second).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testCredential, gotHeader)
	assert.Empty(t, gotQuery)
}

func TestNewClientValidation(t *testing.T) {
	key, err := secure.NewKey(testCredential)
	require.NoError(t, err)
	defer key.Destroy()

	_, err = NewClient("tunnel.example.com", key, time.Second)
	assert.Error(t, err)
	_, err = NewClient("ftp://tunnel.example.com", key, time.Second)
	assert.Error(t, err)
	_, err = NewClient("https://tunnel.example.com", nil, time.Second)
	assert.Error(t, err)

	c, err := NewClient("https://tunnel.example.com:7443/base/", key, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.example.com:7443/base"+PendingPath, c.Endpoint())
	assert.Equal(t, DefaultTimeout, c.timeout)
}
