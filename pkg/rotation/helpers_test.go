package rotation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/systmms/tunrot/internal/audit"
	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/notifications"
	"github.com/systmms/tunrot/internal/secure"
	"github.com/systmms/tunrot/pkg/tokens"
)

const testKey = "rotation-key-0123456789"

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type recordingTrigger struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newRecordingTrigger() *recordingTrigger {
	return &recordingTrigger{scheduled: map[string]time.Time{}}
}

func (r *recordingTrigger) Schedule(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[id] = at
}

func (r *recordingTrigger) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Notify(e notifications.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []notifications.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifications.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingReloader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingReloader) Reload(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

// failingStore wraps a real store and fails Save on demand.
type failingStore struct {
	tokens.Store
	failSave bool
}

func (f *failingStore) Save(set tokens.TokenSet) (*tokens.Backup, error) {
	if f.failSave {
		return nil, errors.New("no space left on device")
	}
	return f.Store.Save(set)
}

type harness struct {
	coord    *Coordinator
	clock    *testingclock.FakeClock
	store    *failingStore
	dir      string
	trigger  *recordingTrigger
	reloader *recordingReloader
	notifier *recordingNotifier
	audit    *audit.FileLog
}

type harnessOption func(*CoordinatorOptions)

func withPolicy(p ConflictPolicy) harnessOption {
	return func(o *CoordinatorOptions) { o.Policy = p }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	dir := t.TempDir()
	fc := testingclock.NewFakeClock(t0)
	fs := tokens.NewFileStore(filepath.Join(dir, "server-tokens.yaml"), filepath.Join(dir, "state", "backups")).
		WithClock(fc.Now)
	_, err := fs.Save(tokens.TokenSet{"svc1": "A"})
	require.NoError(t, err)

	key, err := secure.NewKey(testKey)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	h := &harness{
		clock:    fc,
		store:    &failingStore{Store: fs},
		dir:      filepath.Join(dir, "state"),
		trigger:  newRecordingTrigger(),
		reloader: &recordingReloader{},
		notifier: &recordingNotifier{},
	}
	h.audit = audit.NewFileLog(filepath.Join(h.dir, "audit.log"))

	o := CoordinatorOptions{
		StateDir:    h.dir,
		Tokens:      h.store,
		RotationKey: key,
		Clock:       fc,
		Trigger:     h.trigger,
		Reloader:    h.reloader,
		Audit:       h.audit,
		Notifier:    h.notifier,
		Logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h.coord, err = NewCoordinator(o)
	require.NoError(t, err)
	return h
}

func (h *harness) active(t *testing.T) tokens.TokenSet {
	t.Helper()
	set, err := h.store.Load()
	require.NoError(t, err)
	return set
}

func (h *harness) entries(t *testing.T, filter audit.Filter) []audit.Entry {
	t.Helper()
	entries, err := h.audit.Read(filter)
	require.NoError(t, err)
	return entries
}
