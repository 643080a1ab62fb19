package event

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/Iron-Ham/reqtree/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeNodeSplit, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var got NodePrunedEvent
	bus.Subscribe(TypeNodePruned, func(e Event) {
		got = e.(NodePrunedEvent)
	})

	bus.Publish(NewNodePrunedEvent("s1", "REQ-001", 1, 2))

	if got.NodeID != "REQ-001" {
		t.Errorf("NodeID = %q, want %q", got.NodeID, "REQ-001")
	}
	if got.Pruned != 1 || got.Kept != 2 {
		t.Errorf("Pruned/Kept = %d/%d, want 1/2", got.Pruned, got.Kept)
	}
	if got.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(TypeRootAdmitted, func(e Event) { order = append(order, "specific-1") })
	bus.Subscribe(TypeRootAdmitted, func(e Event) { order = append(order, "specific-2") })

	bus.Publish(NewRootAdmittedEvent("s", "REQ-1", 1, 1))

	want := []string{"specific-1", "specific-2", "all"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBus_NoMatchingHandlers(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypeStreamConnected, func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})
	bus.Publish(NewStreamExhaustedEvent("s", 5))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := map[string]int{}
	id1 := bus.Subscribe(TypeNodeSplit, func(e Event) { calls["one"]++ })
	bus.Subscribe(TypeNodeSplit, func(e Event) { calls["two"]++ })

	if !bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return true when subscription exists")
	}
	if bus.Unsubscribe(id1) {
		t.Error("second Unsubscribe should return false")
	}
	if bus.Unsubscribe("missing") {
		t.Error("Unsubscribe should return false for unknown ID")
	}

	bus.Publish(NewNodeSplitEvent("s", "REQ-1", 0, []string{"REQ-1.1"}))

	if calls["one"] != 0 {
		t.Error("unsubscribed handler should not be called")
	}
	if calls["two"] != 1 {
		t.Error("remaining handler should still be called")
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypeNodeSplit, func(Event) {})
	bus.Subscribe(TypeNodePruned, func(Event) {})
	bus.SubscribeAll(func(Event) {})

	if bus.SubscriptionCount() != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewLoggerWithWriter(&buf, logging.LevelDebug)))

	secondCalled := false
	bus.Subscribe(TypeNodeFailed, func(e Event) { panic("boom") })
	bus.Subscribe(TypeNodeFailed, func(e Event) { secondCalled = true })

	bus.Publish(NewNodeFailedEvent("s", "REQ-1", 0, errors.New("x"), 0))

	if !secondCalled {
		t.Error("handler after a panicking one should still run")
	}

	entries, _ := logging.ReadEntries(&buf)
	if len(entries) != 1 || entries[0].Message != "event handler panicked" {
		t.Fatalf("entries = %+v, want one panic record", entries)
	}
	if entries[0].Attrs["event_type"] != TypeNodeFailed {
		t.Errorf("event_type = %v, want %q", entries[0].Attrs["event_type"], TypeNodeFailed)
	}
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(NewRootCompletedEvent("s", "r", 1, 0, 1))
		}()
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeNodeSplit, func(Event) {})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewNodeValidatedEvent("s", "n", 0, true, false, 0.9, 0), TypeNodeValidated},
		{NewNodeFailedEvent("s", "n", 0, nil, 0), TypeNodeFailed},
		{NewNodeSplitEvent("s", "n", 0, nil), TypeNodeSplit},
		{NewNodePrunedEvent("s", "n", 1, 1), TypeNodePruned},
		{NewNodeFallbackEvent("s", "n", 3), TypeNodeFallback},
		{NewNodeDepthLimitedEvent("s", "n", 5, 5), TypeNodeDepthLimited},
		{NewNodeBudgetEvent("s", "n", "r", 64), TypeNodeBudget},
		{NewRootAdmittedEvent("s", "r", 1, 1), TypeRootAdmitted},
		{NewRootCompletedEvent("s", "r", 1, 0, 1), TypeRootCompleted},
		{NewSessionCompletedEvent("s", 1, 1, 0, 0), TypeSessionCompleted},
		{NewSessionCanceledEvent("s", 2, 1), TypeSessionCanceled},
		{NewStreamConnectedEvent("s", false), TypeStreamConnected},
		{NewStreamReconnectingEvent("s", 1, 0, nil), TypeStreamReconnecting},
		{NewStreamExhaustedEvent("s", 5), TypeStreamExhausted},
		{NewInputRequestedEvent("s", "n", 2), TypeInputRequested},
		{NewInputSubmittedEvent("s", "n", false), TypeInputSubmitted},
		{NewInputResolvedEvent("s", "n", true, 0.8), TypeInputResolved},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
		})
	}
}
