// Package eventbus is the publish side of the outbox pipeline: the
// Message envelope and a small in-memory pub/sub Bus the outbox relay
// drains delivered rows into.
//
// # Event Interface
//
// Messages implement Event, which carries identity, correlation, and the
// aggregate ID the relay uses to order delivery:
//
//	type OrderCreated struct {
//	    eventbus.BaseEvent[OrderPayload]
//	}
//
//	evt := eventbus.New("order.created", "orders", aggregateID, OrderPayload{...})
//
// # Correlation
//
//	parent := eventbus.New("saga.started", "orders", sagaID, payload)
//	child := eventbus.NewFromParent(parent, "order.created", "orders", orderPayload)
//	// child.CorrelationID() == parent.ID()
//	// child.CausationID() == parent.ID()
//
// # Bus
//
// LocalBus provides in-memory pub/sub with fan-out. A relay publishes
// each aggregate's pending rows from a single goroutine, in
// created_at order, so subscribers observe that aggregate's messages
// in order even though delivery to different subscribers fans out:
//
//	bus := eventbus.NewBus(eventbus.BusConfig{
//	    BufferSize:     256,
//	    DeduplicateTTL: 5 * time.Minute,
//	})
//
//	sub := bus.Subscribe([]string{"order.created"}, handler)
//	defer sub.Unsubscribe()
//
//	bus.Publish(ctx, evt)
package eventbus
