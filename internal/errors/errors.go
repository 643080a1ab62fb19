// Package errors provides centralized error definitions and error handling utilities
// for reqtree. It defines the validation pipeline's error taxonomy, semantic error
// types, error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Pipeline errors describe where in a batch run a failure happened:
//   - ServiceError: the remote scoring service answered with a failure
//   - TransportError: a request failed to complete (network, timeout, decode)
//   - DepthLimitError: a node was dropped because the tree reached max depth
//   - CancelledError: work stopped because the session was cancelled
//   - StreamError: the progress stream gave up reconnecting
//
// Semantic errors represent common conditions:
//   - ValidationError: invalid input or configuration
//   - NotFoundError: a node has no pending questions to answer
//   - TimeoutError: a service request exceeded its deadline
//
// # Usage
//
//	err := errors.NewServiceError("validate call failed", cause).
//	    WithNodeID("REQ-001").WithStatusCode(502)
//
//	if errors.IsRetryable(err) { ... }
//	if errors.IsCanceled(err) { ... }
//
// # Propagation
//
// Node-level errors never abort a batch. Callers degrade them into failing
// results and keep going; only cancellation ends a session early.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Pipeline sentinel errors
var (
	// ErrServiceFailure indicates the remote service reported a failure.
	ErrServiceFailure = New("validation service failure")
	// ErrTransport indicates a request did not complete.
	ErrTransport = New("transport failure")
	// ErrDepthLimit indicates a node exceeded the configured tree depth.
	ErrDepthLimit = New("depth limit exceeded")
	// ErrStreamExhausted indicates the event stream stopped reconnecting.
	ErrStreamExhausted = New("event stream retries exhausted")
	// ErrAlreadyDispatched indicates a node was submitted for validation twice.
	ErrAlreadyDispatched = New("node already dispatched")
	// ErrNodeBudgetExceeded indicates a tree produced more nodes than allowed.
	ErrNodeBudgetExceeded = New("node budget exceeded")
)

// Session sentinel errors
var (
	// ErrSessionCanceled indicates that the session was cancelled.
	ErrSessionCanceled = New("session canceled")
	// ErrSessionStarted indicates Start was called on a running scheduler.
	ErrSessionStarted = New("session already started")
	// ErrNodeNotFound indicates that a node could not be found.
	ErrNodeNotFound = New("node not found")
	// ErrNotAwaitingInput indicates that a node has no pending questions.
	ErrNotAwaitingInput = New("node is not awaiting input")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ReqtreeError is the base interface for all reqtree errors.
type ReqtreeError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Pipeline Errors
// -----------------------------------------------------------------------------

// ServiceError represents a non-success answer from the remote validation service.
//
// Example:
//
//	err := errors.NewServiceError("validate call failed", nil).
//	    WithNodeID("REQ-001").WithStatusCode(502)
//	fmt.Println(err) // "service error [node=REQ-001, status=502]: validate call failed"
type ServiceError struct {
	baseError
	NodeID     string
	StatusCode int
}

// NewServiceError creates a new ServiceError.
func NewServiceError(message string, cause error) *ServiceError {
	return &ServiceError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithNodeID adds a node ID to the error context.
func (e *ServiceError) WithNodeID(id string) *ServiceError {
	e.NodeID = id
	return e
}

// WithStatusCode records the HTTP status returned by the service.
// 5xx and 429 responses are marked retryable.
func (e *ServiceError) WithStatusCode(code int) *ServiceError {
	e.StatusCode = code
	e.retryable = code >= 500 || code == 429
	return e
}

// Error returns the formatted error message.
func (e *ServiceError) Error() string {
	var parts []string
	if e.NodeID != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.NodeID))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return e.format("service error", parts)
}

// Is checks if this error matches the target.
func (e *ServiceError) Is(target error) bool {
	if _, ok := target.(*ServiceError); ok {
		return true
	}
	if target == ErrServiceFailure {
		return true
	}
	return e.baseError.Is(target)
}

// TransportError represents a request that failed to complete.
type TransportError struct {
	baseError
	NodeID string
	URL    string
}

// NewTransportError creates a new TransportError. Transport failures are
// retryable by default.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithNodeID adds a node ID to the error context.
func (e *TransportError) WithNodeID(id string) *TransportError {
	e.NodeID = id
	return e
}

// WithURL adds the request URL to the error context.
func (e *TransportError) WithURL(url string) *TransportError {
	e.URL = url
	return e
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	var parts []string
	if e.NodeID != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.NodeID))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("url=%s", e.URL))
	}
	return e.format("transport error", parts)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	if target == ErrTransport {
		return true
	}
	return e.baseError.Is(target)
}

// DepthLimitError records a node dropped at the depth cap. It is never shown
// to end users; it exists so the drop is observable in logs and tests.
type DepthLimitError struct {
	baseError
	NodeID   string
	Depth    int
	MaxDepth int
}

// NewDepthLimitError creates a new DepthLimitError.
func NewDepthLimitError(nodeID string, depth, maxDepth int) *DepthLimitError {
	return &DepthLimitError{
		baseError: baseError{
			message:   "node dropped at depth limit",
			severity:  SeverityWarning,
			retryable: false,
		},
		NodeID:   nodeID,
		Depth:    depth,
		MaxDepth: maxDepth,
	}
}

// Error returns the formatted error message.
func (e *DepthLimitError) Error() string {
	return e.format("depth limit", []string{
		fmt.Sprintf("node=%s", e.NodeID),
		fmt.Sprintf("depth=%d", e.Depth),
		fmt.Sprintf("max=%d", e.MaxDepth),
	})
}

// Is checks if this error matches the target.
func (e *DepthLimitError) Is(target error) bool {
	if _, ok := target.(*DepthLimitError); ok {
		return true
	}
	if target == ErrDepthLimit {
		return true
	}
	return e.baseError.Is(target)
}

// CancelledError represents work abandoned because its session was cancelled.
type CancelledError struct {
	baseError
	NodeID string
}

// NewCancelledError creates a new CancelledError.
func NewCancelledError(nodeID string, cause error) *CancelledError {
	return &CancelledError{
		baseError: baseError{
			message:   "canceled",
			cause:     cause,
			severity:  SeverityInfo,
			retryable: false,
		},
		NodeID: nodeID,
	}
}

// Error returns the formatted error message.
func (e *CancelledError) Error() string {
	var parts []string
	if e.NodeID != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.NodeID))
	}
	return e.format("cancelled", parts)
}

// Is checks if this error matches the target.
func (e *CancelledError) Is(target error) bool {
	if _, ok := target.(*CancelledError); ok {
		return true
	}
	if target == ErrCanceled {
		return true
	}
	return e.baseError.Is(target)
}

// StreamError represents a terminal failure of the progress event stream.
type StreamError struct {
	baseError
	SessionID string
	Attempts  int
}

// NewStreamError creates a new StreamError.
func NewStreamError(message string, cause error) *StreamError {
	return &StreamError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *StreamError) WithSessionID(id string) *StreamError {
	e.SessionID = id
	return e
}

// WithAttempts records how many connection attempts were made.
func (e *StreamError) WithAttempts(n int) *StreamError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *StreamError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return e.format("stream error", parts)
}

// Is checks if this error matches the target.
func (e *StreamError) Is(target error) bool {
	if _, ok := target.(*StreamError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("node", "REQ-004")
//	fmt.Println(err) // "node 'REQ-004' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:  SeverityWarning,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("threshold must be in (0,1]").
//	    WithField("threshold").WithValue(1.5)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents a service request that did not answer within its
// per-request deadline. Timeouts are retryable.
type TimeoutError struct {
	baseError
	NodeID    string
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithNodeID adds a node ID to the error context.
func (e *TimeoutError) WithNodeID(id string) *TimeoutError {
	e.NodeID = id
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("timeout error [node=%s]: %s (timeout: %s)", e.NodeID, e.Operation, e.Duration)
	}
	return fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}

	var rtErr ReqtreeError
	if As(err, &rtErr) {
		return rtErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsCanceled reports whether err stems from cancellation, either a
// CancelledError or a context cancellation.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrCanceled) || Is(err, ErrSessionCanceled) || Is(err, context.Canceled)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ReqtreeError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var rtErr ReqtreeError
	if As(err, &rtErr) {
		return rtErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
