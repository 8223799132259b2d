package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Rotation protocol failures. Callers wrap these with %w and test with errors.Is.
var (
	// ErrAlreadyPending is returned by Stage when a rotation is outstanding
	// and the conflict policy rejects overwrites.
	ErrAlreadyPending = errors.New("a rotation is already pending")

	// ErrNoPendingRotation is returned by Cancel when there is nothing to cancel.
	ErrNoPendingRotation = errors.New("no pending rotation")

	// ErrAuthentication means the caller's rotation credential was rejected.
	ErrAuthentication = errors.New("authentication failed")

	// ErrMalformedPayload covers invalid token sets and undecodable responses.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTransientNetwork covers connection errors and timed-out polls.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrReloadFailure means the service reload hook failed.
	ErrReloadFailure = errors.New("service reload failed")

	// ErrWriteFailure means a config write or rename failed.
	ErrWriteFailure = errors.New("config write failed")

	// ErrBlocked is returned while a previous finalize write failure awaits
	// operator confirmation.
	ErrBlocked = fmt.Errorf("coordinator blocked pending operator confirmation: %w", ErrWriteFailure)
)

// Kind returns a short stable label for err, suitable for metrics and audit
// entries. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrNoPendingRotation):
		return "no_pending_rotation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrReloadFailure):
		return "reload"
	case errors.Is(err, ErrWriteFailure):
		return "write"
	default:
		return "internal"
	}
}

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// CommandError represents a failed external command such as a reload hook
type CommandError struct {
	Command    string
	ExitCode   int
	Message    string
	Suggestion string
}

func (e CommandError) Error() string {
	msg := fmt.Sprintf("Command '%s' failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code: %d)", e.ExitCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// ForOperator turns a rotation error into a UserError with a suggestion the
// operator can act on. Errors without a known suggestion are returned as is.
func ForOperator(operation string, err error) error {
	if err == nil {
		return nil
	}

	var suggestion string
	switch {
	case errors.Is(err, ErrBlocked):
		suggestion = "Inspect the tokens file and audit log, then run 'tunrot rotation unblock'"
	case errors.Is(err, ErrAlreadyPending):
		suggestion = "Run 'tunrot rotation cancel' first, or set server.conflict_policy to 'replace'"
	case errors.Is(err, ErrNoPendingRotation):
		suggestion = "Nothing to do. 'tunrot rotation status' shows the current state"
	case errors.Is(err, ErrAuthentication):
		suggestion = "Check that the client rotation_key matches the server rotation_key"
	case errors.Is(err, ErrMalformedPayload):
		suggestion = "Tokens must be non-empty and use the form service=value"
	case errors.Is(err, ErrWriteFailure):
		suggestion = "Check free space and permissions on the state directory and tokens file"
	case errors.Is(err, ErrTransientNetwork):
		suggestion = "Check connectivity to the rotation server; the agent retries on its next poll"
	default:
		return err
	}

	return UserError{
		Message:    fmt.Sprintf("%s failed", operation),
		Details:    err.Error(),
		Suggestion: suggestion,
		Err:        err,
	}
}

// IsRetryable checks if an error is worth retrying on the next cycle
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientNetwork) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	var cmdErr CommandError
	if errors.As(err, &cmdErr) {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
