package validation

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/retry"
)

// Retrying applies a retry.Policy to a Validator. Each node's attempts are
// recorded in a retry.Manager for reporting. With MaxRetries zero it makes
// exactly one attempt.
type Retrying struct {
	next    Validator
	policy  retry.Policy
	manager *retry.Manager
	logger  *logging.Logger
}

// NewRetrying wraps next. A nil manager gets a fresh one; a nil logger
// discards output.
func NewRetrying(next Validator, policy retry.Policy, manager *retry.Manager, logger *logging.Logger) *Retrying {
	if next == nil {
		panic("validation: NewRetrying requires a non-nil validator")
	}
	if manager == nil {
		manager = retry.NewManager()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Retrying{next: next, policy: policy, manager: manager, logger: logger}
}

// Validate calls the wrapped Validator under the retry policy.
func (r *Retrying) Validate(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error) {
	var result requirement.NodeResult
	err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			r.logger.Info("retrying validate call", "node_id", node.ID, "attempt", attempt)
		}
		res, err := r.next.Validate(ctx, node, sessionID, threshold, maxIterations)
		if !errors.IsCanceled(err) {
			r.manager.RecordAttempt(node.ID, r.policy.MaxRetries, err)
		}
		result = res
		return err
	})
	if err != nil {
		var cancelled *errors.CancelledError
		if errors.As(err, &cancelled) && cancelled.NodeID == "" {
			cancelled.NodeID = node.ID
		}
		return requirement.NodeResult{}, err
	}
	return result, nil
}

// Manager returns the attempt bookkeeping.
func (r *Retrying) Manager() *retry.Manager {
	return r.manager
}

// Limited caps the number of validate calls in flight across every tree
// sharing it.
type Limited struct {
	next Validator
	sem  *semaphore.Weighted
}

// NewLimited wraps next with a cap of n concurrent calls. n must be positive.
func NewLimited(next Validator, n int) *Limited {
	if next == nil {
		panic("validation: NewLimited requires a non-nil validator")
	}
	if n < 1 {
		panic("validation: NewLimited requires a positive limit")
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(int64(n))}
}

// Validate waits for a permit, then calls the wrapped Validator.
func (l *Limited) Validate(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return requirement.NodeResult{}, errors.NewCancelledError(node.ID, err)
	}
	defer l.sem.Release(1)
	return l.next.Validate(ctx, node, sessionID, threshold, maxIterations)
}
