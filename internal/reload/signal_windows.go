package reload

import (
	"context"
	"errors"
)

// SignalReloader is unsupported on Windows.
type SignalReloader struct{}

// NewSignalReloader always fails on Windows.
func NewSignalReloader(_, _ string) (*SignalReloader, error) {
	return nil, errors.New("signal reload is not supported on windows; use reload.command")
}

// Reload is never reached.
func (r *SignalReloader) Reload(context.Context, string) error { return nil }
