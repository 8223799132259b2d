package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/fsutil"
	"github.com/systmms/tunrot/pkg/tokens"
)

// State file names inside the coordinator state directory.
const (
	PendingFile   = "pending.json"
	FinalizedFile = "finalized.json"
	BlockedFile   = "BLOCKED"
	LockFile      = "coordinator.lock"
)

// PendingRotation is a staged token set awaiting finalization. At most one
// exists at a time.
type PendingRotation struct {
	RotationID   string          `json:"rotation_id"`
	Tokens       tokens.TokenSet `json:"tokens"`
	CreatedAt    time.Time       `json:"created_at"`
	FinalizeAt   time.Time       `json:"finalize_at"`
	GraceMinutes int             `json:"grace_minutes"`
	InitiatedBy  string          `json:"initiated_by,omitempty"`
}

// Clone returns a deep copy.
func (p *PendingRotation) Clone() *PendingRotation {
	if p == nil {
		return nil
	}
	c := *p
	c.Tokens = p.Tokens.Clone()
	return &c
}

// Due reports whether the finalize time has been reached.
func (p *PendingRotation) Due(now time.Time) bool {
	return !now.Before(p.FinalizeAt)
}

// Validate checks a record read from disk or the wire.
func (p *PendingRotation) Validate() error {
	if p.RotationID == "" {
		return fmt.Errorf("%w: rotation id is empty", dserrors.ErrMalformedPayload)
	}
	if p.FinalizeAt.IsZero() {
		return fmt.Errorf("%w: finalize time is missing", dserrors.ErrMalformedPayload)
	}
	if err := p.Tokens.Validate(); err != nil {
		return fmt.Errorf("%w: %w", dserrors.ErrMalformedPayload, err)
	}
	return nil
}

// FinalizedRotation remembers the last rotation promoted into the active
// token set, so clients that missed the pending window can still converge.
type FinalizedRotation struct {
	RotationID  string          `json:"rotation_id"`
	Tokens      tokens.TokenSet `json:"tokens"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// Clone returns a deep copy.
func (f *FinalizedRotation) Clone() *FinalizedRotation {
	if f == nil {
		return nil
	}
	c := *f
	c.Tokens = f.Tokens.Clone()
	return &c
}

// RecordStore persists coordinator state files in one directory.
type RecordStore struct {
	dir string
}

// NewRecordStore returns a store rooted at dir.
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

// Dir returns the state directory.
func (s *RecordStore) Dir() string { return s.dir }

func (s *RecordStore) path(name string) string { return filepath.Join(s.dir, name) }

// LoadPending returns the pending record, or nil when none exists.
func (s *RecordStore) LoadPending() (*PendingRotation, error) {
	var p PendingRotation
	ok, err := s.readJSON(PendingFile, &p)
	if err != nil || !ok {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("pending record is invalid: %w", err)
	}
	return &p, nil
}

// SavePending atomically replaces the pending record.
func (s *RecordStore) SavePending(p *PendingRotation) error {
	return s.writeJSON(PendingFile, p)
}

// DeletePending removes the pending record.
func (s *RecordStore) DeletePending() error {
	if err := fsutil.RemoveIfExists(s.path(PendingFile)); err != nil {
		return fmt.Errorf("%w: failed to remove pending record: %w", dserrors.ErrWriteFailure, err)
	}
	return nil
}

// LoadFinalized returns the last finalized rotation, or nil.
func (s *RecordStore) LoadFinalized() (*FinalizedRotation, error) {
	var f FinalizedRotation
	ok, err := s.readJSON(FinalizedFile, &f)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

// SaveFinalized atomically replaces the finalized record.
func (s *RecordStore) SaveFinalized(f *FinalizedRotation) error {
	return s.writeJSON(FinalizedFile, f)
}

// Blocked returns the reason recorded in the BLOCKED marker.
func (s *RecordStore) Blocked() (string, bool, error) {
	data, err := os.ReadFile(s.path(BlockedFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// SetBlocked writes the BLOCKED marker.
func (s *RecordStore) SetBlocked(reason string) error {
	return fsutil.WriteFileAtomic(s.path(BlockedFile), []byte(reason+"\n"), 0o600)
}

// ClearBlocked removes the BLOCKED marker.
func (s *RecordStore) ClearBlocked() error {
	return fsutil.RemoveIfExists(s.path(BlockedFile))
}

func (s *RecordStore) readJSON(name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %w", dserrors.ErrMalformedPayload, name, err)
	}
	return true, nil
}

func (s *RecordStore) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := fsutil.WriteFileAtomic(s.path(name), data, 0o600); err != nil {
		return fmt.Errorf("%w: %w", dserrors.ErrWriteFailure, err)
	}
	return nil
}
