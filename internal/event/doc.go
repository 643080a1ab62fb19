// Package event provides an in-process publish/subscribe bus and the typed
// events reqtree components use to report progress without depending on
// each other.
//
// The tree validator, scheduler, event stream and human-in-the-loop gate
// publish; metrics collectors and the CLI subscribe:
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypeNodePruned, func(e event.Event) {
//	    pe := e.(event.NodePrunedEvent)
//	    fmt.Printf("auto-pruned %d branch(es) under %s\n", pe.Pruned, pe.NodeID)
//	})
//
// Publish is synchronous. Handlers run on the publisher's goroutine and
// must not call back into the component that published.
package event
