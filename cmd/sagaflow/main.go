// Command sagaflow runs the order-fulfillment saga against in-memory
// order, inventory, and payment participants, demonstrating the
// coordinator and outbox relay end to end without any external service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randalmurphal/sagaflow/internal/demo"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/saga"
)

func main() {
	decline := flag.Bool("decline-payment", false, "make the payment participant decline every charge")
	failInventory := flag.Int("fail-inventory-first", 0, "fail reserveInventory this many times before succeeding")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	opts := demo.HarnessOptions{
		Stock:               map[string]int{"sku-1": 100, "sku-2": 40},
		InventoryFailFirstN: *failInventory,
	}
	if *decline {
		opts.PaymentDecline = func(demo.OrderInput) bool { return true }
	}

	h, err := demo.NewHarness(saga.NewMemoryStore(), "sagaflow-demo", opts)
	if err != nil {
		logger.Error("failed to build harness", "error", err)
		os.Exit(1)
	}
	defer h.Close()

	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start harness", "error", err)
		os.Exit(1)
	}
	defer h.Stop(ctx)

	input, err := json.Marshal(demo.OrderInput{
		Customer: "cust-42",
		Items: []demo.OrderItem{
			{ProductID: "sku-1", Quantity: 2},
			{ProductID: "sku-2", Quantity: 1},
		},
		Total: 129.97,
	})
	if err != nil {
		logger.Error("failed to encode order input", "error", err)
		os.Exit(1)
	}

	sagaID, err := h.Coordinator.Submit(ctx, demo.DefinitionName, input, saga.SubmitOptions{})
	if err != nil {
		logger.Error("submit failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("submitted saga %s\n", sagaID)

	inst := awaitTerminal(ctx, h, sagaID)

	fmt.Printf("\nsaga %s finished with status %s\n", inst.SagaID, inst.Status)
	for _, sr := range inst.StepResults {
		fmt.Printf("  %-20s %-20s handle=%s attempts=%d\n", sr.StepName, sr.Status, sr.Handle, sr.AttemptCount)
	}
}

// awaitTerminal polls GetStatus and drains every participant's outbox
// until the saga reaches a terminal status.
func awaitTerminal(ctx context.Context, h *demo.Harness, sagaID string) *saga.Instance {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := h.Coordinator.GetStatus(ctx, sagaID)
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if inst.Status.IsTerminal() {
			h.DrainOutboxes(ctx)
			return inst
		}
		h.DrainOutboxes(ctx)
		time.Sleep(20 * time.Millisecond)
	}
	inst, _ := h.Coordinator.GetStatus(ctx, sagaID)
	return inst
}
