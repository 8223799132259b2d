//go:build !windows

package reload

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	dserrors "github.com/systmms/tunrot/internal/errors"
)

var signals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
}

// SignalReloader sends a signal to the process named in a pid file.
type SignalReloader struct {
	pidFile string
	signal  syscall.Signal
}

// NewSignalReloader accepts signal names with or without the SIG prefix.
func NewSignalReloader(pidFile, signal string) (*SignalReloader, error) {
	name := strings.TrimPrefix(strings.ToUpper(signal), "SIG")
	sig, ok := signals[name]
	if !ok {
		return nil, dserrors.ConfigError{
			Field:      "reload.signal",
			Value:      signal,
			Message:    "unsupported signal",
			Suggestion: "Use HUP, USR1, USR2, INT or TERM",
		}
	}
	return &SignalReloader{pidFile: pidFile, signal: sig}, nil
}

// Reload reads the pid file and signals the process.
func (r *SignalReloader) Reload(_ context.Context, _ string) error {
	data, err := os.ReadFile(r.pidFile)
	if err != nil {
		return fmt.Errorf("%w: %w", dserrors.ErrReloadFailure, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("%w: pid file %s does not hold a pid", dserrors.ErrReloadFailure, r.pidFile)
	}
	if err := syscall.Kill(pid, r.signal); err != nil {
		return fmt.Errorf("%w: signal %v to pid %d: %w", dserrors.ErrReloadFailure, r.signal, pid, err)
	}
	return nil
}
