// Package core is the base of the kernel: the event context, the event
// type, the dispatch loop and the event bus.
//
// # Scheduling
//
// A Loop owns one dispatch goroutine that runs submitted jobs strictly in
// submission order. The bus enqueues one job per fired event, so every
// inline listener sees events in the order they were fired. Listeners
// registered with Async run on their own goroutine and give no ordering
// guarantee relative to each other. Blocking work (file and database IO)
// goes through Loop.RunBlocking, which bounds concurrency with a weighted
// semaphore.
//
// # Contexts
//
// Context is the causal metadata attached to events, state changes and
// service calls. It is not a context.Context; cancellation flows through
// the standard context package, and WithEventContext carries a Context
// inside one.
//
// # Usage
//
//	loop := core.NewLoop(8)
//	loop.Start()
//	defer loop.Stop(ctx)
//
//	bus := core.NewBus(loop)
//	unsub := bus.Listen("state_changed", func(ev core.Event) {
//	    logger.Info("changed", "entity_id", ev.Data["entity_id"])
//	})
//	defer unsub()
//
//	bus.Fire("my_event", map[string]any{"answer": 42})
package core
