package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/tunrot/internal/logging"
)

// recorder is a Provider that remembers what it was sent.
type recorder struct {
	name    string
	accepts map[EventType]bool
	err     error
	block   chan struct{}

	mu   sync.Mutex
	sent []Event
}

func newRecorder(name string, accepts ...EventType) *recorder {
	if len(accepts) == 0 {
		accepts = AllEventTypes()
	}
	r := &recorder{name: name, accepts: map[EventType]bool{}}
	for _, e := range accepts {
		r.accepts[e] = true
	}
	return r
}

func (r *recorder) Name() string { return r.name }
func (r *recorder) SupportsEvent(e EventType) bool { return r.accepts[e] }
func (r *recorder) Validate(context.Context) error { return nil }

func (r *recorder) Send(ctx context.Context, event Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, event)
	r.mu.Unlock()
	return r.err
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, e := range r.sent {
		out = append(out, e.RotationID)
	}
	return out
}

func startManager(t *testing.T, queueSize int, logger *logging.Logger, providers ...Provider) *Manager {
	t.Helper()
	m := NewManager(queueSize, logger)
	for _, p := range providers {
		m.RegisterProvider(p)
	}
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestManagerFlushesQueueOnStop(t *testing.T) {
	t.Parallel()

	a, b := newRecorder("a"), newRecorder("b")
	m := startManager(t, 10, nil, a, b)

	m.Notify(Event{Type: EventTypeStaged, RotationID: "r1"})
	m.Notify(Event{Type: EventTypeFinalized, RotationID: "r1"})
	m.Stop()

	assert.Equal(t, []string{"r1", "r1"}, a.ids())
	assert.Equal(t, []string{"r1", "r1"}, b.ids())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.False(t, a.sent[0].Timestamp.IsZero())
	assert.Equal(t, EventTypeFinalized, a.sent[1].Type)
}

func TestManagerRespectsProviderFilter(t *testing.T) {
	t.Parallel()

	failures := newRecorder("failures", EventTypeWriteFailed, EventTypeReloadFailed)
	m := startManager(t, 10, nil, failures)

	m.Notify(Event{Type: EventTypeStaged, RotationID: "r1"})
	m.Notify(Event{Type: EventTypeWriteFailed, RotationID: "r2"})
	m.Notify(Event{Type: EventTypeCancelled, RotationID: "r3"})
	m.Notify(Event{Type: EventTypeReloadFailed, RotationID: "r4"})
	m.Stop()

	assert.Equal(t, []string{"r2", "r4"}, failures.ids())
}

func TestManagerDropsOnOverflow(t *testing.T) {
	t.Parallel()

	slow := newRecorder("slow")
	slow.block = make(chan struct{})
	m := startManager(t, 2, logging.Discard(), slow)

	// One event is held by the worker, two fill the queue, the rest drop.
	for i := 0; i < 10; i++ {
		m.Notify(Event{Type: EventTypeStaged})
	}
	assert.GreaterOrEqual(t, m.DroppedCount(), int64(7))

	close(slow.block)
	m.Stop()
	assert.LessOrEqual(t, len(slow.ids()), 3)
}

func TestManagerIgnoresEventsWhenStopped(t *testing.T) {
	t.Parallel()

	r := newRecorder("r")
	m := NewManager(10, nil)
	m.RegisterProvider(r)

	m.Notify(Event{Type: EventTypeStaged, RotationID: "before"})

	m.Start(context.Background())
	m.Start(context.Background())
	m.Notify(Event{Type: EventTypeStaged, RotationID: "during"})
	m.Stop()
	m.Stop()

	m.Notify(Event{Type: EventTypeStaged, RotationID: "after"})

	assert.Equal(t, []string{"during"}, r.ids())
	assert.Zero(t, m.DroppedCount())
}

func TestManagerStopLeavesNothingQueued(t *testing.T) {
	t.Parallel()

	rec := newRecorder("hook", EventTypeStaged)
	m := startManager(t, 1000, logging.Discard(), rec)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					m.Notify(Event{Type: EventTypeStaged, RotationID: "r"})
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	m.Stop()
	assert.Zero(t, len(m.queue), "events enqueued after stop")

	time.Sleep(10 * time.Millisecond)
	close(done)
	wg.Wait()
	assert.Zero(t, len(m.queue))
}

func TestManagerCanRestart(t *testing.T) {
	t.Parallel()

	r := newRecorder("r")
	m := NewManager(10, nil)
	m.RegisterProvider(r)

	m.Start(context.Background())
	m.Notify(Event{Type: EventTypeStaged, RotationID: "r1"})
	m.Stop()

	m.Start(context.Background())
	m.Notify(Event{Type: EventTypeCancelled, RotationID: "r1"})
	m.Stop()

	assert.Len(t, r.ids(), 2)
}

func TestManagerLogsDeliveryFailures(t *testing.T) {
	t.Parallel()

	var buf safeBuffer
	broken := newRecorder("broken")
	broken.err = errors.New("503 from hook")
	m := startManager(t, 10, logging.NewWithWriter(&buf, false, true), broken)

	m.Notify(Event{Type: EventTypeReloadFailed, RotationID: "r9"})
	m.Stop()

	assert.Contains(t, buf.String(), "broken: failed to deliver reload_failed notification: 503 from hook")
}

func TestManagerStopsWithParentContext(t *testing.T) {
	t.Parallel()

	r := newRecorder("r")
	m := NewManager(10, nil)
	m.RegisterProvider(r)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	m.Notify(Event{Type: EventTypeStaged, RotationID: "r1"})
	cancel()

	require.Eventually(t, func() bool { return len(r.ids()) == 1 }, 5*time.Second, time.Millisecond)
	m.Stop()
}

func TestNopNotifier(t *testing.T) {
	t.Parallel()

	var n Notifier = Nop{}
	assert.NotPanics(t, func() { n.Notify(Event{Type: EventTypeStaged}) })
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
