package demo_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/sagaflow/internal/demo"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/outbox"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/saga"
)

func submitDefault(t *testing.T) demo.OrderInput {
	t.Helper()
	return demo.OrderInput{
		Customer: "c1",
		Items:    []demo.OrderItem{{ProductID: "p1", Quantity: 2}},
		Total:    20.00,
	}
}

func waitTerminal(t *testing.T, ctx context.Context, h *demo.Harness, sagaID string) *saga.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := h.Coordinator.GetStatus(ctx, sagaID)
		require.NoError(t, err)
		if inst.Status.IsTerminal() {
			return inst
		}
		h.DrainOutboxes(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("saga did not reach terminal status in time")
	return nil
}

func TestScenario_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	h, err := demo.NewHarness(store, "coord-1", demo.HarnessOptions{})
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	input, _ := json.Marshal(submitDefault(t))
	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	require.NoError(t, err)

	inst := waitTerminal(t, ctx, h, sagaID)
	require.Equal(t, saga.StatusCompleted, inst.Status)
	for _, sr := range inst.StepResults {
		assert.Equal(t, saga.StepOK, sr.Status)
	}

	h.DrainOutboxes(ctx)
	for _, st := range []outbox.Store{h.Order.Outbox(), h.Inventory.Outbox(), h.Payment.Outbox()} {
		rows, err := st.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, rows, "all outbox rows should be delivered")
	}
}

func TestScenario_PaymentDeclined(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	h, err := demo.NewHarness(store, "coord-1", demo.HarnessOptions{
		PaymentDecline: func(in demo.OrderInput) bool { return true },
	})
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	input, _ := json.Marshal(submitDefault(t))
	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	require.NoError(t, err)

	inst := waitTerminal(t, ctx, h, sagaID)
	require.Equal(t, saga.StatusCompensated, inst.Status)

	assert.Equal(t, saga.StepCompensated, inst.StepResults[0].Status) // createOrder
	assert.Equal(t, saga.StepCompensated, inst.StepResults[1].Status) // reserveInventory
	assert.Equal(t, saga.StepFailed, inst.StepResults[2].Status)      // processPayment
}

func TestScenario_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	h, err := demo.NewHarness(store, "coord-1", demo.HarnessOptions{InventoryFailFirstN: 2})
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	input, _ := json.Marshal(submitDefault(t))
	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	require.NoError(t, err)

	inst := waitTerminal(t, ctx, h, sagaID)
	require.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, saga.StepOK, inst.StepResults[1].Status)
	assert.Equal(t, 3, inst.StepResults[1].AttemptCount, "two transient failures plus the succeeding attempt")
}

// TestScenario_OutboxBusUnavailable checks that outbox rows accumulate as
// PENDING while the bus is unavailable instead of being dropped or
// dead-lettered, so they can still be delivered once it recovers.
func TestScenario_OutboxBusUnavailable(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	h, err := demo.NewHarness(store, "coord-1", demo.HarnessOptions{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Bus.Close()) // every Publish now fails with "bus is closed"

	input, _ := json.Marshal(submitDefault(t))
	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Coordinator.Start(ctx))
	defer h.Coordinator.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var inst *saga.Instance
	for time.Now().Before(deadline) {
		inst, err = h.Coordinator.GetStatus(ctx, sagaID)
		require.NoError(t, err)
		if inst.Status == saga.StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, saga.StatusCompleted, inst.Status)

	h.DrainOutboxes(ctx) // bus still closed: publishes fail, attempt_count increments

	rows, err := h.Order.Outbox().FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, outbox.StatusPending, rows[0].Status)
	assert.Equal(t, 1, rows[0].AttemptCount)
}

// TestScenario_CompensationFailure checks that when one step's
// compensation fails, other steps still get compensated, the saga
// reaches COMPENSATION_FAILED rather than silently succeeding, and the
// instance remains queryable afterward.
func TestScenario_CompensationFailure(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	h, err := demo.NewHarness(store, "coord-1", demo.HarnessOptions{
		PaymentDecline:          func(in demo.OrderInput) bool { return true },
		InventoryFailCompensate: true,
	})
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	input, _ := json.Marshal(submitDefault(t))
	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	require.NoError(t, err)

	inst := waitTerminal(t, ctx, h, sagaID)
	require.Equal(t, saga.StatusCompensationFailed, inst.Status)
	assert.Equal(t, saga.StepCompensationFailed, inst.StepResults[1].Status) // reserveInventory
	assert.Equal(t, saga.StepCompensated, inst.StepResults[0].Status)        // createOrder still compensated

	// Instance remains queryable for operator retry.
	again, err := h.Coordinator.GetStatus(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensationFailed, again.Status)
}
