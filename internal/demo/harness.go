package demo

import (
	"context"
	"fmt"

	"github.com/randalmurphal/sagaflow/pkg/sagaflow/eventbus"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/outbox"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/participant"
	"github.com/randalmurphal/sagaflow/pkg/sagaflow/saga"
)

// DefinitionName is the saga definition the harness registers: an order
// fulfillment flow of createOrder, reserveInventory, processPayment.
const DefinitionName = "order-fulfillment"

// Harness wires the saga coordinator, the three demo participants behind
// resilient adapters, and one outbox relay per participant into a single
// runnable system, so cmd/sagaflow and integration tests can drive the
// order fulfillment saga end to end without any external service.
type Harness struct {
	Coordinator *saga.Coordinator
	Bus         eventbus.Bus

	Order     *OrderParticipant
	Inventory *InventoryParticipant
	Payment   *PaymentParticipant

	orderRelay     *outbox.Relay
	inventoryRelay *outbox.Relay
	paymentRelay   *outbox.Relay
}

// HarnessOptions customizes participant behavior, for tests driving
// retry, decline, and compensation-failure scenarios.
type HarnessOptions struct {
	Stock                   map[string]int
	InventoryFailFirstN     int
	InventoryFailCompensate bool
	PaymentDecline          func(in OrderInput) bool
	AdapterConfig           participant.AdapterConfig
	RelayConfig             outbox.RelayConfig
	CoordinatorConfig       saga.CoordinatorConfig
}

// NewHarness builds a fully wired demo system persisting saga state to
// store. ownerID identifies this coordinator instance for leasing.
func NewHarness(store saga.Store, ownerID string, opts HarnessOptions) (*Harness, error) {
	if opts.Stock == nil {
		opts.Stock = map[string]int{"p1": 100, "p2": 100}
	}

	orderP, err := NewOrderParticipant()
	if err != nil {
		return nil, fmt.Errorf("order participant: %w", err)
	}
	inventoryP, err := NewInventoryParticipant(opts.Stock)
	if err != nil {
		orderP.Close()
		return nil, fmt.Errorf("inventory participant: %w", err)
	}
	inventoryP.FailFirstN = opts.InventoryFailFirstN
	inventoryP.FailCompensate = opts.InventoryFailCompensate

	paymentP, err := NewPaymentParticipant()
	if err != nil {
		orderP.Close()
		inventoryP.Close()
		return nil, fmt.Errorf("payment participant: %w", err)
	}
	paymentP.Decline = opts.PaymentDecline

	bus := eventbus.NewBus(eventbus.DefaultBusConfig)

	orderAdapter := participant.NewAdapter(orderP, opts.AdapterConfig)
	inventoryAdapter := participant.NewAdapter(inventoryP, opts.AdapterConfig)
	paymentAdapter := participant.NewAdapter(paymentP, opts.AdapterConfig)

	def := &saga.Definition{
		Name: DefinitionName,
		Steps: []saga.StepDefinition{
			{
				Name:       "createOrder",
				Invoke:     stepHandler(orderAdapter, "createOrder"),
				Compensate: compensationHandler(orderAdapter, "createOrder"),
			},
			{
				Name:       "reserveInventory",
				Invoke:     stepHandler(inventoryAdapter, "reserveInventory"),
				Compensate: compensationHandler(inventoryAdapter, "reserveInventory"),
			},
			{
				Name:       "processPayment",
				Invoke:     stepHandler(paymentAdapter, "processPayment"),
				Compensate: compensationHandler(paymentAdapter, "processPayment"),
			},
		},
	}

	coordinator := saga.NewCoordinator(store, ownerID, opts.CoordinatorConfig)
	if err := coordinator.Register(def); err != nil {
		orderP.Close()
		inventoryP.Close()
		paymentP.Close()
		return nil, fmt.Errorf("register definition: %w", err)
	}

	return &Harness{
		Coordinator:    coordinator,
		Bus:            bus,
		Order:          orderP,
		Inventory:      inventoryP,
		Payment:        paymentP,
		orderRelay:     outbox.NewRelay(orderP.Outbox(), bus, "order", opts.RelayConfig),
		inventoryRelay: outbox.NewRelay(inventoryP.Outbox(), bus, "inventory", opts.RelayConfig),
		paymentRelay:   outbox.NewRelay(paymentP.Outbox(), bus, "payment", opts.RelayConfig),
	}, nil
}

// Start begins the coordinator's recovery loop and all three outbox relays.
func (h *Harness) Start(ctx context.Context) error {
	if err := h.Coordinator.Start(ctx); err != nil {
		return err
	}
	h.orderRelay.Start(ctx)
	h.inventoryRelay.Start(ctx)
	h.paymentRelay.Start(ctx)
	return nil
}

// Stop stops the coordinator and all relays.
func (h *Harness) Stop(ctx context.Context) error {
	h.orderRelay.Stop()
	h.inventoryRelay.Stop()
	h.paymentRelay.Stop()
	return h.Coordinator.Stop(ctx)
}

// DrainOutboxes runs one synchronous poll of every relay, for tests that
// want deterministic delivery without waiting on the poll ticker.
func (h *Harness) DrainOutboxes(ctx context.Context) {
	h.orderRelay.ProcessOnce(ctx)
	h.inventoryRelay.ProcessOnce(ctx)
	h.paymentRelay.ProcessOnce(ctx)
}

// Close releases every participant's underlying database.
func (h *Harness) Close() error {
	h.Order.Close()
	h.Inventory.Close()
	h.Payment.Close()
	return h.Bus.Close()
}

func stepHandler(client participant.Client, stepName string) saga.StepHandler {
	return func(ctx context.Context, idempotencyKey string, input []byte) (string, int, error) {
		if ar, ok := client.(participant.AttemptReporter); ok {
			return ar.InvokeAttempts(ctx, stepName, idempotencyKey, input)
		}
		handle, err := client.Invoke(ctx, stepName, idempotencyKey, input)
		return handle, 1, err
	}
}

func compensationHandler(client participant.Client, stepName string) saga.CompensationHandler {
	return func(ctx context.Context, idempotencyKey string, handle string) error {
		return client.Compensate(ctx, stepName, idempotencyKey, handle)
	}
}
