package tokens

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/systmms/tunrot/internal/fsutil"
)

// backupTimeFormat keys backups by the UTC time they were taken.
const backupTimeFormat = "20060102T150405.000000000Z"

// Store persists the active TokenSet of one role (server or client).
type Store interface {
	// Load returns the active set. A missing file yields an empty set.
	Load() (TokenSet, error)

	// Save replaces the active set. The previous file, if any, is first
	// copied to an immutable backup which is returned.
	Save(set TokenSet) (*Backup, error)

	// ListBackups returns the backups taken so far, newest first.
	ListBackups() ([]Backup, error)

	// Path returns the location of the active tokens file.
	Path() string
}

// Backup is an immutable snapshot of the tokens file taken right before an
// overwrite. Backups exist for manual recovery only.
type Backup struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
}

// fileFormat is the on-disk layout of a tokens file.
type fileFormat struct {
	Services TokenSet `yaml:"services"`
}

// FileStore implements Store on a YAML file.
type FileStore struct {
	path      string
	backupDir string
	now       func() time.Time
}

// NewFileStore creates a store for path keeping backups in backupDir.
func NewFileStore(path, backupDir string) *FileStore {
	return &FileStore{
		path:      path,
		backupDir: backupDir,
		now:       time.Now,
	}
}

// WithClock overrides the time source used to key backups.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

// Path returns the tokens file path
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the active set
func (s *FileStore) Load() (TokenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TokenSet{}, nil
		}
		return nil, fmt.Errorf("failed to read tokens file: %w", err)
	}
	return decode(data)
}

// Save backs up the current file and atomically writes set in its place
func (s *FileStore) Save(set TokenSet) (*Backup, error) {
	data, err := yaml.Marshal(fileFormat{Services: set})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokens: %w", err)
	}

	backup, err := s.backupCurrent()
	if err != nil {
		return nil, err
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return backup, err
	}
	return backup, nil
}

func (s *FileStore) backupCurrent() (*Backup, error) {
	current, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tokens file for backup: %w", err)
	}

	ts := s.now().UTC()
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(s.path), ts.Format(backupTimeFormat))
	target := filepath.Join(s.backupDir, name)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("backup %s already exists", target)
	}

	if err := fsutil.WriteFileAtomic(target, current, 0o400); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	return &Backup{Timestamp: ts, Path: target, Size: int64(len(current))}, nil
}

// ListBackups returns backups of this store's file, newest first
func (s *FileStore) ListBackups() ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Backup{}, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	prefix := filepath.Base(s.path) + "."
	backups := make([]Backup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsTempFile(name) || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
		ts, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue // not one of ours
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		backups = append(backups, Backup{
			Timestamp: ts,
			Path:      filepath.Join(s.backupDir, name),
			Size:      size,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// ReadBackup decodes the token set held in a backup file.
func ReadBackup(b Backup) (TokenSet, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (TokenSet, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tokens file: %w", err)
	}
	if f.Services == nil {
		return TokenSet{}, nil
	}
	return f.Services, nil
}

var _ Store = (*FileStore)(nil)
