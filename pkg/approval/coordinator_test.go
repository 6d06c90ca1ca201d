package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrflow/corrflow/pkg/bus"
	"github.com/corrflow/corrflow/pkg/models"
)

func newCoordinator(t *testing.T) (*Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	c := NewCoordinator(b, nil)
	t.Cleanup(c.Shutdown)
	return c, b
}

func TestRegisterAndResolve(t *testing.T) {
	c, b := newCoordinator(t)
	sub := b.Subscribe()

	gate, err := c.RegisterGate(models.ApprovalGateDescriptor{
		GateID:    "g1",
		TimeoutMS: 60_000,
	}, "i1", "m1", "wf1", map[string]any{"reason": "high temp"})
	require.NoError(t, err)
	assert.Equal(t, models.GateStatusPending, gate.Status)

	pending := c.ListPending()
	require.Len(t, pending, 1)

	err = c.Resolve(models.ApprovalDecision{
		GateID:    "g1",
		Decision:  models.DecisionApproved,
		DecidedBy: "alice",
		DecidedAt: time.Now(),
	})
	require.NoError(t, err)

	// Synthetic trigger event on the bus.
	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.DriverHumanApproval, ev.DriverID)
		assert.Equal(t, "g1", ev.Payload["gate_id"])
		assert.Equal(t, models.DecisionApproved, ev.Payload["decision"])
		assert.Equal(t, "alice", ev.Payload["decided_by"])
		snapshot, ok := ev.Payload["context_snapshot"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "high temp", snapshot["reason"])
	case <-time.After(time.Second):
		t.Fatal("no synthetic event emitted")
	}

	got, ok := c.Get("g1")
	require.True(t, ok)
	assert.Equal(t, models.GateStatusApproved, got.Status)
	assert.Empty(t, c.ListPending())
}

func TestResolveUnknownGate(t *testing.T) {
	c, _ := newCoordinator(t)

	err := c.Resolve(models.ApprovalDecision{GateID: "nope", Decision: models.DecisionApproved})
	assert.ErrorIs(t, err, ErrGateNotFound)
}

func TestResolveNonPendingGateEmitsNothing(t *testing.T) {
	c, b := newCoordinator(t)

	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g1", TimeoutMS: 60_000}, "i1", "m1", "wf1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Resolve(models.ApprovalDecision{GateID: "g1", Decision: models.DecisionRejected, DecidedBy: "bob"}))

	sub := b.Subscribe()
	err = c.Resolve(models.ApprovalDecision{GateID: "g1", Decision: models.DecisionApproved, DecidedBy: "mallory"})
	assert.ErrorIs(t, err, ErrGateNotPending)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInvalidDecision(t *testing.T) {
	c, _ := newCoordinator(t)
	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g1"}, "", "", "", nil)
	require.NoError(t, err)

	err = c.Resolve(models.ApprovalDecision{GateID: "g1", Decision: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestTimeoutEmitsTimedOutDecision(t *testing.T) {
	c, b := newCoordinator(t)
	sub := b.Subscribe()

	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g1", TimeoutMS: 20}, "i1", "m1", "wf1", nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.DecisionTimedOut, ev.Payload["decision"])
		assert.Equal(t, "system:timeout", ev.Payload["decided_by"])
	case <-time.After(time.Second):
		t.Fatal("no timeout event emitted")
	}

	got, ok := c.Get("g1")
	require.True(t, ok)
	assert.Equal(t, models.GateStatusTimedOut, got.Status)
}

func TestTimeoutFallbackDecision(t *testing.T) {
	c, b := newCoordinator(t)
	sub := b.Subscribe()

	_, err := c.RegisterGate(models.ApprovalGateDescriptor{
		GateID:           "g1",
		TimeoutMS:        20,
		FallbackDecision: models.DecisionRejected,
	}, "i1", "m1", "wf1", nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.DecisionRejected, ev.Payload["decision"])
	case <-time.After(time.Second):
		t.Fatal("no timeout event emitted")
	}
}

func TestCancelGateEmitsNoEvent(t *testing.T) {
	c, b := newCoordinator(t)
	sub := b.Subscribe()

	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g1", TimeoutMS: 60_000}, "i1", "m1", "wf1", nil)
	require.NoError(t, err)

	assert.True(t, c.CancelGate("g1"))
	assert.False(t, c.CancelGate("g1"))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAllForInstance(t *testing.T) {
	c, _ := newCoordinator(t)

	for _, id := range []string{"g1", "g2"} {
		_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: id, TimeoutMS: 60_000}, "i1", "m1", "wf1", nil)
		require.NoError(t, err)
	}
	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g3", TimeoutMS: 60_000}, "other", "m1", "wf1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, c.CancelAllForInstance("i1"))

	pending, total := c.Summary()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 3, total)
}

func TestWatchReceivesDecisions(t *testing.T) {
	c, _ := newCoordinator(t)
	ch, cancel := c.Watch()
	defer cancel()

	_, err := c.RegisterGate(models.ApprovalGateDescriptor{GateID: "g1", TimeoutMS: 60_000}, "i1", "m1", "wf1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Resolve(models.ApprovalDecision{GateID: "g1", Decision: models.DecisionApproved, DecidedBy: "alice"}))

	select {
	case d := <-ch:
		assert.Equal(t, "g1", d.GateID)
		assert.Equal(t, models.DecisionApproved, d.Decision)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive decision")
	}
}
