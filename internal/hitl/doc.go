// Package hitl holds requirement nodes that cannot proceed without answers
// from a person.
//
// A node enters the gate when the progress stream reports that it needs
// input. Answers (or skips) are posted to the validation service with a
// revalidation request, and the node's eventual revalidation result is
// handed back to the caller so it can be merged like any other completion.
//
// # State machine
//
//	validating -> awaiting_input -> resumed -> passed | failed
//
// A resumed node may be asked for input again, which returns it to
// awaiting_input.
//
// # Usage
//
//	gate := hitl.NewGate(client, hitl.WithBus(bus), hitl.WithSessionID(id))
//
//	gate.Suspend(hitl.PendingQuestion{NodeID: "REQ-004", Questions: qs})
//
//	err := gate.SubmitAnswers(ctx, "REQ-004", []validation.Answer{{QuestionID: "q1", Answer: "200ms"}})
//	// or
//	err = gate.Skip(ctx, "REQ-004", "q1")
//
//	// When the stream delivers revalidation_complete:
//	if res, ok := gate.Resolve("REQ-004", result); ok {
//		sched.Submit(res)
//	}
//
// # Slot accounting
//
// Suspended nodes never hold a root concurrency slot. The root tree that
// produced the node completes normally and the revalidated result later
// replaces the node's earlier result in the batch.
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use via an internal mutex.
// Network calls and event publication happen outside the mutex.
package hitl
