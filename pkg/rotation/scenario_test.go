package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/tunrot/internal/audit"
	"github.com/systmms/tunrot/pkg/tokens"
)

// runDaemon wires a scheduler and finalizer to h the way the server does.
func runDaemon(t *testing.T, h *harness) *Scheduler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sched := NewScheduler(h.clock)
	h.coord.SetTrigger(sched)
	go func() { _ = sched.Run(ctx) }()
	go func() { _ = h.coord.RunFinalizer(ctx, sched.C()) }()
	return sched
}

func TestRotationLifecycle(t *testing.T) {
	h := newHarness(t)
	runDaemon(t, h)
	ctx := context.Background()

	// T0: stage with a five minute grace period.
	id, err := h.coord.StageRotation(ctx, tokens.TokenSet{"svc1": "B"}, 5, "cli:ops")
	require.NoError(t, err)
	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)

	// T0+1: a client polls and sees the staged token while A is still active.
	h.clock.Step(time.Minute)
	p, ok, err := h.coord.GetPending(testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, p.RotationID)
	assert.Equal(t, "B", p.Tokens["svc1"])
	assert.Equal(t, tokens.TokenSet{"svc1": "A"}, h.active(t))

	// T0+5: the deadline passes and the server promotes B.
	h.clock.Step(4 * time.Minute)
	require.Eventually(t, func() bool {
		set, err := h.store.Load()
		return err == nil && set["svc1"] == "B"
	}, 2*time.Second, 5*time.Millisecond)

	// T0+6: nothing is pending; the finalized id is visible.
	h.clock.Step(time.Minute)
	_, ok, err = h.coord.GetPending(testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	f, ok, err := h.coord.LastFinalized(testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, f.RotationID)

	finals := h.entries(t, audit.Filter{Event: audit.EventFinalize, RotationID: id})
	require.Len(t, finals, 1)
	assert.Equal(t, ActorScheduler, finals[0].Actor)
}

func TestCancelledRotationNeverFinalizes(t *testing.T) {
	h := newHarness(t)
	sched := runDaemon(t, h)
	ctx := context.Background()

	id, err := h.coord.StageRotation(ctx, tokens.TokenSet{"svc1": "B"}, 5, "cli:ops")
	require.NoError(t, err)
	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)

	h.clock.Step(2 * time.Minute)
	_, err = h.coord.CancelPending(ctx, "cli:ops")
	require.NoError(t, err)

	_, _, armed := sched.Armed()
	assert.False(t, armed)

	h.clock.Step(10 * time.Minute)
	assert.Never(t, func() bool {
		set, err := h.store.Load()
		return err != nil || set["svc1"] != "A"
	}, 200*time.Millisecond, 10*time.Millisecond)

	assert.Empty(t, h.entries(t, audit.Filter{Event: audit.EventFinalize, RotationID: id}))
}

func TestZeroGraceFinalizesImmediately(t *testing.T) {
	h := newHarness(t)
	runDaemon(t, h)

	_, err := h.coord.StageRotation(context.Background(), tokens.TokenSet{"svc1": "B"}, 0, "cli:ops")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		set, err := h.store.Load()
		return err == nil && set["svc1"] == "B"
	}, 2*time.Second, 5*time.Millisecond)
}
