package rotation

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// FinalizeDue tells the coordinator that a rotation's grace period is over.
type FinalizeDue struct {
	RotationID string
	DueAt      time.Time
}

type armed struct {
	rotationID string
	at         time.Time
}

// Scheduler emits a FinalizeDue message when the armed deadline passes. At
// most one rotation is armed; arming another replaces it.
type Scheduler struct {
	clock clock.Clock
	out   chan FinalizeDue
	wake  chan struct{}

	mu    sync.Mutex
	armed *armed
}

// NewScheduler creates a scheduler driven by clk.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		clock: clk,
		out:   make(chan FinalizeDue, 1),
		wake:  make(chan struct{}, 1),
	}
}

// C delivers FinalizeDue messages.
func (s *Scheduler) C() <-chan FinalizeDue { return s.out }

// Schedule arms the deadline for rotationID. Re-arming the same rotation
// with the same deadline is a no-op.
func (s *Scheduler) Schedule(rotationID string, at time.Time) {
	s.mu.Lock()
	if s.armed != nil && s.armed.rotationID == rotationID && s.armed.at.Equal(at) {
		s.mu.Unlock()
		return
	}
	s.armed = &armed{rotationID: rotationID, at: at}
	s.mu.Unlock()
	s.poke()
}

// Cancel disarms the deadline if it belongs to rotationID.
func (s *Scheduler) Cancel(rotationID string) {
	s.mu.Lock()
	if s.armed == nil || s.armed.rotationID != rotationID {
		s.mu.Unlock()
		return
	}
	s.armed = nil
	s.mu.Unlock()
	s.poke()
}

// Armed returns the currently armed rotation.
func (s *Scheduler) Armed() (rotationID string, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return "", time.Time{}, false
	}
	return s.armed.rotationID, s.armed.at, true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer until ctx is done. A deadline already in the past
// fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		current := s.armed
		s.mu.Unlock()

		var timer clock.Timer
		var fire <-chan time.Time
		if current != nil {
			wait := current.at.Sub(s.clock.Now())
			if wait <= 0 {
				if !s.emit(ctx, current) {
					return nil
				}
				continue
			}
			timer = s.clock.NewTimer(wait)
			fire = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			if !s.emit(ctx, current) {
				return nil
			}
		}
	}
}

// emit disarms current, if still armed, and delivers its message. It
// returns false when ctx ended first.
func (s *Scheduler) emit(ctx context.Context, current *armed) bool {
	s.mu.Lock()
	if s.armed != current {
		s.mu.Unlock()
		return true
	}
	s.armed = nil
	s.mu.Unlock()

	select {
	case s.out <- FinalizeDue{RotationID: current.rotationID, DueAt: current.at}:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ FinalizeTrigger = (*Scheduler)(nil)
