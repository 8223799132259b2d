package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/fsutil"
)

// SyncOutcome is the result of the last sync attempt.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomeFailure SyncOutcome = "failure"
)

// SyncState is the agent's private record of its last poll. It is never
// shared with the server.
type SyncState struct {
	LastSyncAttempt     time.Time   `json:"last_sync_attempt" yaml:"last_sync_attempt"`
	LastSyncOutcome     SyncOutcome `json:"last_sync_outcome,omitempty" yaml:"last_sync_outcome,omitempty"`
	LastKnownRotationID string      `json:"last_known_rotation_id,omitempty" yaml:"last_known_rotation_id,omitempty"`
	LastSuccess         time.Time   `json:"last_success,omitempty" yaml:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// LoadState reads the sync state at path. A missing file is the zero state.
func LoadState(path string) (SyncState, error) {
	var st SyncState
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("failed to read sync state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return SyncState{}, fmt.Errorf("%w: sync state %s: %w", dserrors.ErrMalformedPayload, path, err)
	}
	return st, nil
}

// SaveState atomically replaces the sync state at path.
func SaveState(path string, st SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %w", dserrors.ErrWriteFailure, err)
	}
	return nil
}
