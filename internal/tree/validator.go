// Package tree validates one requirement and, when the service splits it,
// its descendants. Children of a split are validated concurrently, failing
// branches are pruned, and if every descendant fails the parent's own
// result is kept.
package tree

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// Defaults used when options are not supplied.
const (
	DefaultThreshold     = 0.7
	DefaultMaxIterations = 3
	DefaultMaxDepth      = 5
	DefaultMaxNodes      = 64
)

// Outcome is what one root's tree produced.
type Outcome struct {
	// Results are the accepted leaves, in child order.
	Results []requirement.NodeResult

	Dispatched   int // nodes sent to the validation client
	Splits       int // nodes whose result was split into children
	Pruned       int // failing descendants discarded in favor of passing ones
	Fallbacks    int // splits where every descendant failed
	DepthDropped int // nodes dropped at the depth cap
	BudgetDrops  int // nodes dropped because the tree hit its node cap
	Failures     int // validate calls that errored and were recorded as failures

	// Cancelled is set when cancellation was observed. Results is then
	// empty and the outcome must not be merged.
	Cancelled bool
}

// Validator runs tree validations for one session. It is safe for
// concurrent use by many roots.
type Validator struct {
	client        validation.Validator
	sessionID     string
	threshold     float64
	maxIterations int
	maxDepth      int
	maxNodes      int
	ledger        *Ledger
	bus           *event.Bus
	logger        *logging.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithSessionID sets the session the validate calls belong to.
func WithSessionID(id string) Option {
	return func(v *Validator) { v.sessionID = id }
}

// WithThreshold sets the pass threshold used for pruning.
func WithThreshold(threshold float64) Option {
	return func(v *Validator) { v.threshold = threshold }
}

// WithMaxIterations sets the fix-loop budget forwarded to the service.
func WithMaxIterations(n int) Option {
	return func(v *Validator) { v.maxIterations = n }
}

// WithMaxDepth sets the default depth cap for ValidateTree.
func WithMaxDepth(depth int) Option {
	return func(v *Validator) { v.maxDepth = depth }
}

// WithMaxNodes caps the number of nodes one root may dispatch.
func WithMaxNodes(n int) Option {
	return func(v *Validator) { v.maxNodes = n }
}

// WithLedger shares a dispatch ledger, typically one per session.
func WithLedger(l *Ledger) Option {
	return func(v *Validator) {
		if l != nil {
			v.ledger = l
		}
	}
}

// WithBus publishes tree events on bus.
func WithBus(bus *event.Bus) Option {
	return func(v *Validator) { v.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a Validator that sends nodes to client.
func New(client validation.Validator, opts ...Option) *Validator {
	if client == nil {
		panic("tree: New requires a non-nil validation client")
	}
	v := &Validator{
		client:        client,
		threshold:     DefaultThreshold,
		maxIterations: DefaultMaxIterations,
		maxDepth:      DefaultMaxDepth,
		maxNodes:      DefaultMaxNodes,
		ledger:        NewLedger(),
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.WithSession(v.sessionID).WithPhase("tree")
	return v
}

// Ledger returns the dispatch ledger.
func (v *Validator) Ledger() *Ledger {
	return v.ledger
}

// ValidateTree validates node and its split descendants using the
// configured depth cap.
func (v *Validator) ValidateTree(ctx context.Context, node requirement.Node) Outcome {
	return v.ValidateTreeWithDepth(ctx, node, node.Depth, v.maxDepth)
}

// ValidateTreeWithDepth validates node as if it sat at depth, stopping at
// maxDepth. It never returns an error: failed calls degrade into failing
// results so the batch keeps moving.
func (v *Validator) ValidateTreeWithDepth(ctx context.Context, node requirement.Node, depth, maxDepth int) Outcome {
	r := &run{v: v, rootID: node.ID, maxDepth: maxDepth}
	results := r.walk(ctx, node, depth)

	out := r.outcome()
	if ctx.Err() != nil {
		out.Cancelled = true
		return out
	}
	out.Results = results
	return out
}

// run holds the counters for one root's tree.
type run struct {
	v        *Validator
	rootID   string
	maxDepth int

	dispatched   atomic.Int32
	splits       atomic.Int32
	pruned       atomic.Int32
	fallbacks    atomic.Int32
	depthDropped atomic.Int32
	budgetDrops  atomic.Int32
	failures     atomic.Int32
}

func (r *run) outcome() Outcome {
	return Outcome{
		Dispatched:   int(r.dispatched.Load()),
		Splits:       int(r.splits.Load()),
		Pruned:       int(r.pruned.Load()),
		Fallbacks:    int(r.fallbacks.Load()),
		DepthDropped: int(r.depthDropped.Load()),
		BudgetDrops:  int(r.budgetDrops.Load()),
		Failures:     int(r.failures.Load()),
	}
}

func (r *run) walk(ctx context.Context, node requirement.Node, depth int) []requirement.NodeResult {
	v := r.v
	log := v.logger.WithNode(node.ID).WithDepth(depth)

	if depth >= r.maxDepth {
		r.depthDropped.Add(1)
		log.Warn("depth limit reached", "max_depth", r.maxDepth,
			"error", errors.NewDepthLimitError(node.ID, depth, r.maxDepth).Error())
		v.publish(event.NewNodeDepthLimitedEvent(v.sessionID, node.ID, depth, r.maxDepth))
		return nil
	}

	if ctx.Err() != nil {
		return nil
	}

	// Reserve a budget slot before claiming so concurrent siblings cannot
	// overshoot the cap.
	if int(r.dispatched.Add(1)) > v.maxNodes {
		r.dispatched.Add(-1)
		r.budgetDrops.Add(1)
		log.Warn("node budget exceeded", "root_id", r.rootID, "max_nodes", v.maxNodes,
			"error", errors.ErrNodeBudgetExceeded.Error())
		v.publish(event.NewNodeBudgetEvent(v.sessionID, node.ID, r.rootID, v.maxNodes))
		return nil
	}

	if !v.ledger.Claim(node.ID) {
		r.dispatched.Add(-1)
		log.Warn("node already dispatched", "error", errors.ErrAlreadyDispatched.Error())
		return nil
	}

	start := time.Now()
	result, err := v.client.Validate(ctx, node, v.sessionID, v.threshold, v.maxIterations)
	elapsed := time.Since(start)

	if ctx.Err() != nil || errors.IsCanceled(err) {
		return nil
	}
	if err != nil {
		r.failures.Add(1)
		// Transient failures that survived retries are warnings; service
		// rejections and unclassified errors are errors.
		logFn := log.Error
		if errors.GetSeverity(err) < errors.SeverityError {
			logFn = log.Warn
		}
		logFn("validate call failed", "error", err.Error(), "retryable", errors.IsRetryable(err))
		v.publish(event.NewNodeFailedEvent(v.sessionID, node.ID, depth, err, elapsed))
		return []requirement.NodeResult{requirement.FailedResult(node)}
	}

	result.NodeID = node.ID
	v.publish(event.NewNodeValidatedEvent(v.sessionID, node.ID, depth, result.Passed, result.IsSplit(), result.Score, elapsed))

	if !result.IsSplit() {
		return []requirement.NodeResult{result}
	}

	r.splits.Add(1)
	children := node.Children(result.SplitChildTexts)
	for i := range children {
		children[i].Depth = depth + 1
	}
	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
	}
	log.Info("node split", "children", len(children))
	v.publish(event.NewNodeSplitEvent(v.sessionID, node.ID, depth, childIDs))

	// Every child is started before any is awaited.
	perChild := make([][]requirement.NodeResult, len(children))
	var g errgroup.Group
	for i, child := range children {
		g.Go(func() error {
			perChild[i] = r.walk(ctx, child, depth+1)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}

	var childResults []requirement.NodeResult
	for _, rs := range perChild {
		childResults = append(childResults, rs...)
	}

	var passing []requirement.NodeResult
	for _, cr := range childResults {
		if cr.PassesThreshold(v.threshold) {
			passing = append(passing, cr)
		}
	}

	if len(passing) == 0 && len(childResults) > 0 {
		r.fallbacks.Add(1)
		log.Warn("all split children failed, keeping original result", "failed_children", len(childResults))
		v.publish(event.NewNodeFallbackEvent(v.sessionID, node.ID, len(childResults)))
		return []requirement.NodeResult{result}
	}

	pruned := len(childResults) - len(passing)
	r.pruned.Add(int32(pruned))
	log.Info("auto-pruned branches", "pruned", pruned, "kept", len(passing))
	v.publish(event.NewNodePrunedEvent(v.sessionID, node.ID, pruned, len(passing)))
	return passing
}

func (v *Validator) publish(e event.Event) {
	if v.bus != nil {
		v.bus.Publish(e)
	}
}
