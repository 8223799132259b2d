package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/systmms/tunrot/internal/logging"
	"github.com/systmms/tunrot/internal/metrics"
)

const (
	// DefaultQueueSize bounds the number of undelivered events.
	DefaultQueueSize = 100

	// flushTimeout caps delivery of each event still queued at shutdown.
	flushTimeout = 5 * time.Second
)

// Manager fans rotation events out to providers from a single background
// worker. Notify never blocks: a full queue drops the event and counts it.
type Manager struct {
	logger  *logging.Logger
	metrics *metrics.Recorder
	queue   chan Event

	mu        sync.RWMutex
	providers []Provider
	stop      context.CancelFunc
	stopped   chan struct{}

	dropped atomic.Int64
}

// NewManager returns a stopped manager. A non-positive queueSize means
// DefaultQueueSize.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		logger:  logger,
		metrics: metrics.NewRecorder(),
		queue:   make(chan Event, queueSize),
	}
}

// RegisterProvider adds a destination.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a snapshot of the registered destinations.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Provider(nil), m.providers...)
}

// Start launches the delivery worker. Events sent before Start are ignored.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.stopped = make(chan struct{})
	go m.run(workerCtx, m.stopped)
}

// Stop halts the worker once everything already queued has been attempted.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, stopped := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Notify enqueues event for delivery.
func (m *Manager) Notify(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Stop takes the write lock, so nothing is enqueued once its flush begins.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stop == nil {
		return
	}

	select {
	case m.queue <- event:
	default:
		m.dropped.Add(1)
		m.metrics.RecordNotificationDropped()
		m.logger.Warn("notification queue full, dropped %s event for rotation %s", event.Type, event.RotationID)
	}
}

// DroppedCount reports how many events overflowed the queue.
func (m *Manager) DroppedCount() int64 {
	return m.dropped.Load()
}

func (m *Manager) run(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	for {
		select {
		case event := <-m.queue:
			m.deliver(ctx, event)
		case <-ctx.Done():
			m.flush()
			return
		}
	}
}

// flush delivers what is left in the queue, each event on its own deadline
// since the worker context is already cancelled.
func (m *Manager) flush() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			m.deliver(ctx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) deliver(ctx context.Context, event Event) {
	for _, p := range m.Providers() {
		if !p.SupportsEvent(event.Type) {
			continue
		}
		if err := p.Send(ctx, event); err != nil {
			m.logger.Warn("%s: failed to deliver %s notification: %v", p.Name(), event.Type, err)
		}
	}
}
