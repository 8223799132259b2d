package errors_test

import (
	stderrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/tunrot/internal/errors"
)

func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Details: Connection timeout")
	assert.Contains(t, errMsg, "Try: Check network connectivity")
}

func TestUserErrorFallsBackToWrapped(t *testing.T) {
	t.Parallel()

	inner := stderrors.New("disk full")
	err := errors.UserError{Err: inner}

	assert.Equal(t, "disk full", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Field:      "client.server_url",
		Value:      "tunnel.example.com",
		Message:    "must be an absolute URL",
		Suggestion: "Use https://host:port",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "client.server_url")
	assert.Contains(t, errMsg, "tunnel.example.com")
	assert.Contains(t, errMsg, "must be an absolute URL")
	assert.Contains(t, errMsg, "https://host:port")
}

func TestCommandErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.CommandError{
		Command:  "systemctl reload rathole",
		ExitCode: 1,
		Message:  "unit not found",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "systemctl reload rathole")
	assert.Contains(t, errMsg, "exit code: 1")
	assert.Contains(t, errMsg, "unit not found")
}

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("stage: %w", errors.ErrAlreadyPending), "already_pending"},
		{errors.ErrNoPendingRotation, "no_pending_rotation"},
		{fmt.Errorf("poll: %w", errors.ErrAuthentication), "authentication"},
		{fmt.Errorf("decode: %w", errors.ErrMalformedPayload), "malformed_payload"},
		{fmt.Errorf("poll: %w", errors.ErrTransientNetwork), "transient_network"},
		{fmt.Errorf("reload: %w", errors.ErrReloadFailure), "reload"},
		{fmt.Errorf("rename: %w", errors.ErrWriteFailure), "write"},
		{errors.ErrBlocked, "blocked"},
		{stderrors.New("something else"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Kind(tt.err))
		})
	}
}

func TestBlockedWrapsWriteFailure(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, errors.ErrBlocked, errors.ErrWriteFailure)
}

func TestForOperator(t *testing.T) {
	t.Parallel()

	err := errors.ForOperator("stage", fmt.Errorf("rotation abc: %w", errors.ErrAlreadyPending))

	var userErr errors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "stage failed", userErr.Message)
	assert.Contains(t, userErr.Suggestion, "tunrot rotation cancel")
	assert.ErrorIs(t, err, errors.ErrAlreadyPending)

	plain := stderrors.New("unrelated")
	assert.Same(t, plain, errors.ForOperator("stage", plain))
	assert.NoError(t, errors.ForOperator("stage", nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, errors.IsRetryable(nil))
	assert.True(t, errors.IsRetryable(fmt.Errorf("poll: %w", errors.ErrTransientNetwork)))
	assert.True(t, errors.IsRetryable(fmt.Errorf("get: %w", timeoutErr{})))
	assert.True(t, errors.IsRetryable(stderrors.New("dial tcp: connection refused")))
	assert.False(t, errors.IsRetryable(errors.ErrAuthentication))
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, errors.SimplifyError(nil))

	userErr := errors.UserError{Message: "already friendly"}
	assert.Equal(t, userErr, errors.SimplifyError(userErr))

	simplified := errors.SimplifyError(fmt.Errorf("load: %w", stderrors.New("yaml: line 3: did not find expected key")))
	var cfgErr errors.ConfigError
	require.ErrorAs(t, simplified, &cfgErr)
	assert.Equal(t, "Invalid YAML format", cfgErr.Message)

	simplified = errors.SimplifyError(fmt.Errorf("open: %w", stderrors.New("open /etc/tunrot: permission denied")))
	var permErr errors.UserError
	require.ErrorAs(t, simplified, &permErr)
	assert.Equal(t, "Permission denied", permErr.Message)
}
