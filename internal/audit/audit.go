// Package audit keeps the append-only record of rotation events. Entries are
// written one JSON object per line so the log stays greppable and survives
// partial writes: a torn final line is skipped on read.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event identifies what happened.
type Event string

const (
	EventStage       Event = "STAGE"
	EventCancel      Event = "CANCEL"
	EventFinalize    Event = "FINALIZE"
	EventSyncAttempt Event = "SYNC_ATTEMPT"
	EventUnblock     Event = "UNBLOCK"
)

// Outcome is the result recorded with an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNoop    Outcome = "noop"
)

// Entry is one audit record. Entries are never modified after append.
type Entry struct {
	Timestamp  time.Time `json:"ts"`
	Event      Event     `json:"event"`
	RotationID string    `json:"rotation_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// Filter narrows Read results. Zero values match everything.
type Filter struct {
	Event      Event
	RotationID string
	Since      time.Time
	// Limit keeps only the newest Limit entries when positive.
	Limit int
}

func (f Filter) matches(e Entry) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.RotationID != "" && e.RotationID != f.RotationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Log is an append-only audit sink.
type Log interface {
	Append(entry Entry) error
	Read(filter Filter) ([]Entry, error)
}

// FileLog implements Log on a local file.
type FileLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileLog creates an audit log at path. The file is created on first append.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path, now: time.Now}
}

// WithClock overrides the timestamp source for entries appended without one.
func (l *FileLog) WithClock(now func() time.Time) *FileLog {
	l.now = now
	return l
}

// Path returns the log file location
func (l *FileLog) Path() string {
	return l.path
}

// Append writes entry as a single line and syncs it to disk
func (l *FileLog) Append(entry Entry) error {
	if entry.Event == "" {
		return fmt.Errorf("audit entry has no event")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	torn, err := endsTorn(f)
	if err != nil {
		return fmt.Errorf("failed to inspect audit log: %w", err)
	}
	if torn {
		// Terminate the torn tail so this entry starts on its own line.
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return f.Sync()
}

// endsTorn reports whether f is non-empty and lacks a trailing newline.
func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Read returns matching entries in append order
func (l *FileLog) Read(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries := []Entry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // torn or foreign line
		}
		if filter.matches(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

var _ Log = (*FileLog)(nil)
