package fsutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "tokens.yaml")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files may be left behind")
}

// Not parallel: swaps package-level hooks.
func TestWriteFileAtomic_CrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	require.NoError(t, WriteFileAtomic(path, []byte("services:\n  ssh: A\n"), 0o600))

	origRename := rename
	t.Cleanup(func() { rename = origRename })
	rename = func(string, string) error { return errors.New("simulated crash") }

	err := WriteFileAtomic(path, []byte("services:\n  ssh: B\n"), 0o600)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated crash")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "services:\n  ssh: A\n", string(data), "previous version must survive")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileAtomic_SyncFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.json")

	origSync := syncFile
	t.Cleanup(func() { syncFile = origSync })
	syncFile = func(*os.File) error { return errors.New("EIO") }

	require.Error(t, WriteFileAtomic(path, []byte("{}"), 0o600))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveIfExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending.json")
	require.NoError(t, RemoveIfExists(path))

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	require.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestIsTempFile(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTempFile("/var/lib/tunrot/.tmp-pending.json-1234"))
	assert.False(t, IsTempFile("/var/lib/tunrot/pending.json"))
}

func TestLock_Exclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "coordinator.lock")
	first := NewLock(path)
	second := NewLock(path)

	require.NoError(t, first.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.Error(t, second.Acquire(ctx), "second holder must wait for the first")

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire(context.Background()))
	require.NoError(t, second.Release())
	assert.Equal(t, path, first.Path())
}
