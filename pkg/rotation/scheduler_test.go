package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func startScheduler(t *testing.T) (*Scheduler, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(t0)
	s := NewScheduler(fc)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, fc
}

func waitForTimer(t *testing.T, fc *testingclock.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
}

func receive(t *testing.T, s *Scheduler) FinalizeDue {
	t.Helper()
	select {
	case msg := <-s.C():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no FinalizeDue message")
		return FinalizeDue{}
	}
}

func assertSilent(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case msg := <-s.C():
		t.Fatalf("unexpected FinalizeDue for %s", msg.RotationID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerFiresAtDeadline(t *testing.T) {
	s, fc := startScheduler(t)

	due := t0.Add(5 * time.Minute)
	s.Schedule("r1", due)
	waitForTimer(t, fc)

	fc.Step(4 * time.Minute)
	assertSilent(t, s)

	fc.Step(time.Minute)
	msg := receive(t, s)
	assert.Equal(t, "r1", msg.RotationID)
	assert.Equal(t, due, msg.DueAt)

	_, _, ok := s.Armed()
	assert.False(t, ok, "a fired deadline is disarmed")
}

func TestSchedulerPastDeadlineFiresImmediately(t *testing.T) {
	s, _ := startScheduler(t)

	s.Schedule("late", t0.Add(-time.Hour))
	assert.Equal(t, "late", receive(t, s).RotationID)
}

func TestSchedulerZeroGraceFiresImmediately(t *testing.T) {
	s, _ := startScheduler(t)

	s.Schedule("now", t0)
	assert.Equal(t, "now", receive(t, s).RotationID)
}

func TestSchedulerCancelDisarms(t *testing.T) {
	s, fc := startScheduler(t)

	s.Schedule("r1", t0.Add(5*time.Minute))
	waitForTimer(t, fc)

	s.Cancel("other")
	_, _, ok := s.Armed()
	assert.True(t, ok, "cancelling a different rotation leaves the deadline armed")

	s.Cancel("r1")
	require.Eventually(t, func() bool { return !fc.HasWaiters() }, time.Second, time.Millisecond)

	fc.Step(10 * time.Minute)
	assertSilent(t, s)
}

func TestSchedulerRearmReplacesDeadline(t *testing.T) {
	s, fc := startScheduler(t)

	s.Schedule("r1", t0.Add(5*time.Minute))
	waitForTimer(t, fc)
	s.Schedule("r2", t0.Add(10*time.Minute))

	id, at, ok := s.Armed()
	require.True(t, ok)
	assert.Equal(t, "r2", id)
	assert.Equal(t, t0.Add(10*time.Minute), at)

	// The superseded timer may still fire; it must not emit r1.
	fc.Step(5 * time.Minute)
	assertSilent(t, s)

	waitForTimer(t, fc)
	fc.Step(5 * time.Minute)
	assert.Equal(t, "r2", receive(t, s).RotationID)
}

func TestSchedulerScheduleSameDeadlineIsNoop(t *testing.T) {
	s, fc := startScheduler(t)

	due := t0.Add(time.Minute)
	s.Schedule("r1", due)
	waitForTimer(t, fc)
	s.Schedule("r1", due)
	s.Schedule("r1", due)

	fc.Step(time.Minute)
	assert.Equal(t, "r1", receive(t, s).RotationID)
	assertSilent(t, s)
}

func TestSchedulerRunStopsOnContext(t *testing.T) {
	s := NewScheduler(testingclock.NewFakeClock(t0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
