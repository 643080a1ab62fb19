package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier such as "node.split".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers
const (
	TypeNodeValidated    = "node.validated"
	TypeNodeFailed       = "node.failed"
	TypeNodeSplit        = "node.split"
	TypeNodePruned       = "node.pruned"
	TypeNodeFallback     = "node.fallback"
	TypeNodeDepthLimited = "node.depth_limited"
	TypeNodeBudget       = "node.budget_exceeded"

	TypeRootAdmitted     = "root.admitted"
	TypeRootCompleted    = "root.completed"
	TypeSessionCompleted = "session.completed"
	TypeSessionCanceled  = "session.canceled"

	TypeStreamConnected    = "stream.connected"
	TypeStreamReconnecting = "stream.reconnecting"
	TypeStreamExhausted    = "stream.exhausted"

	TypeInputRequested = "hitl.awaiting_input"
	TypeInputSubmitted = "hitl.resumed"
	TypeInputResolved  = "hitl.resolved"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Tree Events
// -----------------------------------------------------------------------------

// NodeValidatedEvent is emitted after a validate call returns a result.
type NodeValidatedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Depth     int
	Passed    bool
	Score     float64
	Split     bool
	Duration  time.Duration
}

// NewNodeValidatedEvent creates a NodeValidatedEvent.
func NewNodeValidatedEvent(sessionID, nodeID string, depth int, passed, split bool, score float64, d time.Duration) NodeValidatedEvent {
	return NodeValidatedEvent{
		baseEvent: newBaseEvent(TypeNodeValidated),
		SessionID: sessionID,
		NodeID:    nodeID,
		Depth:     depth,
		Passed:    passed,
		Score:     score,
		Split:     split,
		Duration:  d,
	}
}

// NodeFailedEvent is emitted when a validate call errors and the node is
// recorded as a synthetic failure.
type NodeFailedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Depth     int
	Err       error
	Duration  time.Duration
}

// NewNodeFailedEvent creates a NodeFailedEvent.
func NewNodeFailedEvent(sessionID, nodeID string, depth int, err error, d time.Duration) NodeFailedEvent {
	return NodeFailedEvent{
		baseEvent: newBaseEvent(TypeNodeFailed),
		SessionID: sessionID,
		NodeID:    nodeID,
		Depth:     depth,
		Err:       err,
		Duration:  d,
	}
}

// NodeSplitEvent is emitted when a node is decomposed into children.
type NodeSplitEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Depth     int
	ChildIDs  []string
}

// NewNodeSplitEvent creates a NodeSplitEvent.
func NewNodeSplitEvent(sessionID, nodeID string, depth int, childIDs []string) NodeSplitEvent {
	return NodeSplitEvent{
		baseEvent: newBaseEvent(TypeNodeSplit),
		SessionID: sessionID,
		NodeID:    nodeID,
		Depth:     depth,
		ChildIDs:  childIDs,
	}
}

// NodePrunedEvent is emitted when failing descendants of a split node are
// discarded in favor of passing ones.
type NodePrunedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Pruned    int
	Kept      int
}

// NewNodePrunedEvent creates a NodePrunedEvent.
func NewNodePrunedEvent(sessionID, nodeID string, pruned, kept int) NodePrunedEvent {
	return NodePrunedEvent{
		baseEvent: newBaseEvent(TypeNodePruned),
		SessionID: sessionID,
		NodeID:    nodeID,
		Pruned:    pruned,
		Kept:      kept,
	}
}

// NodeFallbackEvent is emitted when every descendant of a split failed and
// the parent's own result is kept instead.
type NodeFallbackEvent struct {
	baseEvent
	SessionID      string
	NodeID         string
	FailedChildren int
}

// NewNodeFallbackEvent creates a NodeFallbackEvent.
func NewNodeFallbackEvent(sessionID, nodeID string, failedChildren int) NodeFallbackEvent {
	return NodeFallbackEvent{
		baseEvent:      newBaseEvent(TypeNodeFallback),
		SessionID:      sessionID,
		NodeID:         nodeID,
		FailedChildren: failedChildren,
	}
}

// NodeDepthLimitedEvent is emitted when a node is dropped at the depth cap.
type NodeDepthLimitedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Depth     int
	MaxDepth  int
}

// NewNodeDepthLimitedEvent creates a NodeDepthLimitedEvent.
func NewNodeDepthLimitedEvent(sessionID, nodeID string, depth, maxDepth int) NodeDepthLimitedEvent {
	return NodeDepthLimitedEvent{
		baseEvent: newBaseEvent(TypeNodeDepthLimited),
		SessionID: sessionID,
		NodeID:    nodeID,
		Depth:     depth,
		MaxDepth:  maxDepth,
	}
}

// NodeBudgetEvent is emitted when a node is dropped because its tree has
// already dispatched the maximum number of nodes.
type NodeBudgetEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	RootID    string
	Limit     int
}

// NewNodeBudgetEvent creates a NodeBudgetEvent.
func NewNodeBudgetEvent(sessionID, nodeID, rootID string, limit int) NodeBudgetEvent {
	return NodeBudgetEvent{
		baseEvent: newBaseEvent(TypeNodeBudget),
		SessionID: sessionID,
		NodeID:    nodeID,
		RootID:    rootID,
		Limit:     limit,
	}
}

// -----------------------------------------------------------------------------
// Scheduler Events
// -----------------------------------------------------------------------------

// RootAdmittedEvent is emitted when a root takes a concurrency slot.
type RootAdmittedEvent struct {
	baseEvent
	SessionID string
	RootID    string
	Active    int
	Started   int
}

// NewRootAdmittedEvent creates a RootAdmittedEvent.
func NewRootAdmittedEvent(sessionID, rootID string, active, started int) RootAdmittedEvent {
	return RootAdmittedEvent{
		baseEvent: newBaseEvent(TypeRootAdmitted),
		SessionID: sessionID,
		RootID:    rootID,
		Active:    active,
		Started:   started,
	}
}

// RootCompletedEvent is emitted when a root's tree finishes and its slot frees.
type RootCompletedEvent struct {
	baseEvent
	SessionID string
	RootID    string
	Results   int
	Active    int
	Completed int
}

// NewRootCompletedEvent creates a RootCompletedEvent.
func NewRootCompletedEvent(sessionID, rootID string, results, active, completed int) RootCompletedEvent {
	return RootCompletedEvent{
		baseEvent: newBaseEvent(TypeRootCompleted),
		SessionID: sessionID,
		RootID:    rootID,
		Results:   results,
		Active:    active,
		Completed: completed,
	}
}

// SessionCompletedEvent is emitted once every root has completed.
type SessionCompletedEvent struct {
	baseEvent
	SessionID string
	Roots     int
	Passed    int
	Failed    int
	Split     int
}

// NewSessionCompletedEvent creates a SessionCompletedEvent.
func NewSessionCompletedEvent(sessionID string, roots, passed, failed, split int) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent: newBaseEvent(TypeSessionCompleted),
		SessionID: sessionID,
		Roots:     roots,
		Passed:    passed,
		Failed:    failed,
		Split:     split,
	}
}

// SessionCanceledEvent is emitted when a session is cancelled before completion.
type SessionCanceledEvent struct {
	baseEvent
	SessionID string
	Started   int
	Completed int
}

// NewSessionCanceledEvent creates a SessionCanceledEvent.
func NewSessionCanceledEvent(sessionID string, started, completed int) SessionCanceledEvent {
	return SessionCanceledEvent{
		baseEvent: newBaseEvent(TypeSessionCanceled),
		SessionID: sessionID,
		Started:   started,
		Completed: completed,
	}
}

// -----------------------------------------------------------------------------
// Stream Events
// -----------------------------------------------------------------------------

// StreamConnectedEvent is emitted each time the progress stream opens.
type StreamConnectedEvent struct {
	baseEvent
	SessionID string
	Reconnect bool
}

// NewStreamConnectedEvent creates a StreamConnectedEvent.
func NewStreamConnectedEvent(sessionID string, reconnect bool) StreamConnectedEvent {
	return StreamConnectedEvent{
		baseEvent: newBaseEvent(TypeStreamConnected),
		SessionID: sessionID,
		Reconnect: reconnect,
	}
}

// StreamReconnectingEvent is emitted when a reconnect is scheduled.
type StreamReconnectingEvent struct {
	baseEvent
	SessionID string
	Attempt   int
	Delay     time.Duration
	Err       error
}

// NewStreamReconnectingEvent creates a StreamReconnectingEvent.
func NewStreamReconnectingEvent(sessionID string, attempt int, delay time.Duration, err error) StreamReconnectingEvent {
	return StreamReconnectingEvent{
		baseEvent: newBaseEvent(TypeStreamReconnecting),
		SessionID: sessionID,
		Attempt:   attempt,
		Delay:     delay,
		Err:       err,
	}
}

// StreamExhaustedEvent is emitted when the stream stops reconnecting.
type StreamExhaustedEvent struct {
	baseEvent
	SessionID string
	Attempts  int
}

// NewStreamExhaustedEvent creates a StreamExhaustedEvent.
func NewStreamExhaustedEvent(sessionID string, attempts int) StreamExhaustedEvent {
	return StreamExhaustedEvent{
		baseEvent: newBaseEvent(TypeStreamExhausted),
		SessionID: sessionID,
		Attempts:  attempts,
	}
}

// -----------------------------------------------------------------------------
// Human-in-the-loop Events
// -----------------------------------------------------------------------------

// InputRequestedEvent is emitted when a node is suspended awaiting answers.
type InputRequestedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Questions int
}

// NewInputRequestedEvent creates an InputRequestedEvent.
func NewInputRequestedEvent(sessionID, nodeID string, questions int) InputRequestedEvent {
	return InputRequestedEvent{
		baseEvent: newBaseEvent(TypeInputRequested),
		SessionID: sessionID,
		NodeID:    nodeID,
		Questions: questions,
	}
}

// InputSubmittedEvent is emitted when answers (or a skip) were accepted by
// the service and the node resumed validation.
type InputSubmittedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Skipped   bool
}

// NewInputSubmittedEvent creates an InputSubmittedEvent.
func NewInputSubmittedEvent(sessionID, nodeID string, skipped bool) InputSubmittedEvent {
	return InputSubmittedEvent{
		baseEvent: newBaseEvent(TypeInputSubmitted),
		SessionID: sessionID,
		NodeID:    nodeID,
		Skipped:   skipped,
	}
}

// InputResolvedEvent is emitted when a resumed node's revalidation completes.
type InputResolvedEvent struct {
	baseEvent
	SessionID string
	NodeID    string
	Passed    bool
	Score     float64
}

// NewInputResolvedEvent creates an InputResolvedEvent.
func NewInputResolvedEvent(sessionID, nodeID string, passed bool, score float64) InputResolvedEvent {
	return InputResolvedEvent{
		baseEvent: newBaseEvent(TypeInputResolved),
		SessionID: sessionID,
		NodeID:    nodeID,
		Passed:    passed,
		Score:     score,
	}
}
