// Package reload tells the local tunnel service to pick up a new tokens file.
package reload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/systmms/tunrot/internal/config"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/pkg/exec"
)

// Reloader signals the service layer after its tokens changed. Failures
// wrap dserrors.ErrReloadFailure.
type Reloader interface {
	Reload(ctx context.Context, rotationID string) error
}

// Func adapts a function to Reloader.
type Func func(ctx context.Context, rotationID string) error

// Reload calls f.
func (f Func) Reload(ctx context.Context, rotationID string) error {
	return f(ctx, rotationID)
}

// Nop reloads nothing. Used when the service watches its tokens file itself.
type Nop struct{}

// Reload does nothing.
func (Nop) Reload(context.Context, string) error { return nil }

// CommandReloader runs a command such as "systemctl reload rathole".
// The rotation id is exported to the command as TUNROT_ROTATION_ID.
type CommandReloader struct {
	argv        []string
	timeout     time.Duration
	logger      *logging.Logger
	newExecutor func(env []string) exec.CommandExecutor
}

// NewCommandReloader builds a reloader for argv. The command never runs
// through a shell.
func NewCommandReloader(argv []string, timeout time.Duration, logger *logging.Logger) *CommandReloader {
	return &CommandReloader{
		argv:    argv,
		timeout: timeout,
		logger:  logger,
		newExecutor: func(env []string) exec.CommandExecutor {
			return &exec.RealCommandExecutor{Env: env}
		},
	}
}

// Reload runs the command and waits for it, bounded by the timeout.
func (r *CommandReloader) Reload(ctx context.Context, rotationID string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	command := strings.Join(r.argv, " ")
	r.logger.Debug("Running reload command: %s", command)

	executor := r.newExecutor([]string{"TUNROT_ROTATION_ID=" + rotationID})
	_, stderr, err := executor.Execute(ctx, r.argv[0], r.argv[1:]...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() != nil {
			msg = fmt.Sprintf("timed out after %s", r.timeout)
		}
		return fmt.Errorf("%w: %w", dserrors.ErrReloadFailure, dserrors.CommandError{
			Command:    command,
			ExitCode:   exec.ExitCode(err),
			Message:    msg,
			Suggestion: "Check the service manager logs; the new tokens are already on disk",
		})
	}
	return nil
}

// FromConfig picks a reloader from a reload section: command first, then
// pid file signal, otherwise Nop.
func FromConfig(cfg config.ReloadConfig, logger *logging.Logger) (Reloader, error) {
	switch {
	case len(cfg.Command) > 0:
		return NewCommandReloader(cfg.Command, cfg.Timeout, logger), nil
	case cfg.PIDFile != "":
		return NewSignalReloader(cfg.PIDFile, cfg.Signal)
	default:
		logger.Debug("No reload hook configured; relying on the service to watch its tokens file")
		return Nop{}, nil
	}
}
