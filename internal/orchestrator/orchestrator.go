// Package orchestrator wires the validation pipeline together for a single
// batch session.
//
// An Orchestrator owns every piece of per-session state: the validate client
// and its decorators, the tree validator with its dispatch ledger, the
// scheduler and aggregator, the human-in-the-loop gate, the progress stream
// subscription and the metrics collector. Nothing is shared between sessions,
// so two Orchestrators can run side by side in one process.
//
// # Lifecycle
//
//	o, err := orchestrator.New(orchestrator.Config{SessionID: id, Settings: cfg})
//	if err != nil { ... }
//	defer o.Close()
//
//	if err := o.Run(ctx, queue); err != nil { ... }
//	result, err := o.Wait(ctx)
//
// Cancel stops the session early; Close releases everything and may be
// called at any point.
package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/Iron-Ham/reqtree/internal/aggregate"
	"github.com/Iron-Ham/reqtree/internal/config"
	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/hitl"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/metrics"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/retry"
	"github.com/Iron-Ham/reqtree/internal/scheduler"
	"github.com/Iron-Ham/reqtree/internal/stream"
	"github.com/Iron-Ham/reqtree/internal/tree"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// Config holds required dependencies for creating an Orchestrator.
type Config struct {
	SessionID string
	Settings  *config.Config
}

type orchestratorConfig struct {
	validator  validation.Validator
	answerer   validation.Answerer
	bus        *event.Bus
	logger     *logging.Logger
	httpClient *http.Client
	collector  *metrics.Collector
}

// Option configures an Orchestrator.
type Option func(*orchestratorConfig)

// WithValidator replaces the HTTP validate client. The retry and in-flight
// decorators still apply.
func WithValidator(v validation.Validator) Option {
	return func(c *orchestratorConfig) { c.validator = v }
}

// WithAnswerer replaces the HTTP answer client.
func WithAnswerer(a validation.Answerer) Option {
	return func(c *orchestratorConfig) { c.answerer = a }
}

// WithBus publishes session events on bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(c *orchestratorConfig) { c.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *orchestratorConfig) { c.logger = logger }
}

// WithHTTPClient sets the HTTP client used for the service and the stream.
// It must not set a Timeout; request timeouts come from the settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *orchestratorConfig) { c.httpClient = hc }
}

// WithMetrics records into collector instead of a fresh one.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *orchestratorConfig) { c.collector = collector }
}

// Orchestrator runs one batch session.
type Orchestrator struct {
	sessionID string
	settings  *config.Config
	logger    *logging.Logger
	bus       *event.Bus

	retrying   *validation.Retrying
	trees      *tree.Validator
	sched      *scheduler.Scheduler
	gate       *hitl.Gate
	collector  *metrics.Collector
	dedupe     *stream.Deduper
	httpClient *http.Client

	subIDs []string

	// inputMu makes resolving a node and merging its result one step, and
	// guards inputs, which is closed and replaced after every resolution.
	inputMu sync.Mutex
	inputs  chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool
	handle  *stream.Handle
	nodes   map[string]*NodeState
	diffs   map[string][]Diff
}

// New creates an Orchestrator for one session.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("orchestrator: SessionID is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("orchestrator: Settings is required")
	}
	if errs := cfg.Settings.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	oc := &orchestratorConfig{}
	for _, opt := range opts {
		opt(oc)
	}
	if oc.logger == nil {
		oc.logger = logging.NopLogger()
	}
	if oc.bus == nil {
		oc.bus = event.NewBus(event.WithLogger(oc.logger))
	}
	if oc.collector == nil {
		oc.collector = metrics.NewCollector()
	}

	s := cfg.Settings
	logger := oc.logger.WithSession(cfg.SessionID)

	var client *validation.Client
	if oc.validator == nil || oc.answerer == nil {
		clientOpts := []validation.ClientOption{
			validation.WithTimeout(s.API.RequestTimeout()),
			validation.WithAuthToken(s.API.AuthToken),
			validation.WithPaths(s.API.ValidatePath, s.API.AnswerPath),
			validation.WithLogger(logger),
		}
		if oc.httpClient != nil {
			clientOpts = append(clientOpts, validation.WithHTTPClient(oc.httpClient))
		}
		client = validation.NewClient(s.API.BaseURL, clientOpts...)
	}
	base := oc.validator
	if base == nil {
		base = client
	}
	answerer := oc.answerer
	if answerer == nil {
		answerer = client
	}

	// The in-flight cap sits under the retry loop so backoff waits do not
	// hold a permit.
	limited := base
	if s.Validation.GlobalMaxInFlight > 0 {
		limited = validation.NewLimited(base, s.Validation.GlobalMaxInFlight)
	}
	retrying := validation.NewRetrying(limited, retry.Policy{
		MaxRetries:   s.Retry.MaxRetries,
		InitialDelay: s.Retry.InitialDelay(),
		MaxDelay:     s.Retry.MaxDelay(),
	}, nil, logger.WithPhase("validate"))

	trees := tree.New(retrying,
		tree.WithSessionID(cfg.SessionID),
		tree.WithThreshold(s.Validation.Threshold),
		tree.WithMaxIterations(s.Validation.MaxIterations),
		tree.WithMaxDepth(s.Validation.MaxDepth),
		tree.WithMaxNodes(s.Validation.MaxNodesPerTree),
		tree.WithBus(oc.bus),
		tree.WithLogger(oc.logger),
	)
	sched := scheduler.New(cfg.SessionID, trees,
		scheduler.WithAggregator(aggregate.New()),
		scheduler.WithBus(oc.bus),
		scheduler.WithLogger(oc.logger),
	)
	gate := hitl.NewGate(answerer,
		hitl.WithSessionID(cfg.SessionID),
		hitl.WithBus(oc.bus),
		hitl.WithLogger(oc.logger),
	)

	o := &Orchestrator{
		sessionID:  cfg.SessionID,
		settings:   s,
		logger:     logger,
		bus:        oc.bus,
		retrying:   retrying,
		trees:      trees,
		sched:      sched,
		gate:       gate,
		collector:  oc.collector,
		dedupe:     stream.NewDeduper(),
		httpClient: oc.httpClient,
		nodes:      make(map[string]*NodeState),
		diffs:      make(map[string][]Diff),
		inputs:     make(chan struct{}),
	}

	o.collector.Attach(o.bus)
	o.subIDs = append(o.subIDs,
		o.bus.Subscribe(event.TypeNodeValidated, o.onNodeEvent),
		o.bus.Subscribe(event.TypeNodeFailed, o.onNodeEvent),
		o.bus.Subscribe(event.TypeNodeSplit, o.onNodeEvent),
	)
	return o, nil
}

// SessionID returns the session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Bus returns the event bus session events are published on.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Scheduler returns the root scheduler.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Gate returns the human-in-the-loop gate.
func (o *Orchestrator) Gate() *hitl.Gate { return o.gate }

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector { return o.collector }

// Ledger returns the dispatch ledger shared by every tree in the session.
func (o *Orchestrator) Ledger() *tree.Ledger { return o.trees.Ledger() }

// Retries returns the per-node retry bookkeeping.
func (o *Orchestrator) Retries() *retry.Manager { return o.retrying.Manager() }

// StreamURL returns the progress stream endpoint for this session.
func (o *Orchestrator) StreamURL() string {
	api := o.settings.API
	return strings.TrimRight(api.BaseURL, "/") + strings.ReplaceAll(api.StreamPath, "{session}", o.sessionID)
}

// Run subscribes to the progress stream and starts validating queue. It
// returns once the first roots are admitted; use Wait for the result.
func (o *Orchestrator) Run(ctx context.Context, queue []requirement.Node) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.ErrSessionCanceled
	}
	if o.started {
		o.mu.Unlock()
		return errors.ErrSessionStarted
	}
	o.started = true
	o.mu.Unlock()

	// Subscribe first so notifications for the first roots are not missed.
	if o.settings.Stream.Enabled {
		o.subscribe(ctx)
	}

	o.logger.Info("session starting",
		"roots", len(queue),
		"max_parallel", o.settings.Validation.MaxParallel,
		"max_depth", o.settings.Validation.MaxDepth,
	)
	if err := o.sched.Start(ctx, queue, o.settings.Validation.MaxParallel, o.settings.Validation.MaxDepth); err != nil {
		o.closeStream()
		return err
	}

	// Suspensions that arrived before Start could not reach the aggregator.
	o.sched.SetNeedsInput(o.gate.PendingCount())
	return nil
}

func (o *Orchestrator) subscribe(ctx context.Context) {
	headers := http.Header{}
	if token := o.settings.API.AuthToken; token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	h := stream.Subscribe(ctx, o.StreamURL(), stream.Handlers{
		OnEvent: o.route,
		OnClose: func(reason stream.CloseReason, err error) {
			if reason == stream.CloseExhausted {
				o.logger.Warn("progress stream unavailable, continuing without live updates", "error", err.Error())
			}
		},
	}, stream.Options{
		MaxRetries:   o.settings.Stream.MaxRetries,
		InitialDelay: o.settings.Stream.InitialDelay(),
		MaxDelay:     o.settings.Stream.MaxDelay(),
		SessionID:    o.sessionID,
		HTTPClient:   o.httpClient,
		Headers:      headers,
		Logger:       o.logger,
		Bus:          o.bus,
	})

	o.mu.Lock()
	o.handle = h
	o.mu.Unlock()
}

// StreamConnected reports whether the progress stream is currently open.
func (o *Orchestrator) StreamConnected() bool {
	o.mu.RLock()
	h := o.handle
	o.mu.RUnlock()
	return h != nil && h.Connected()
}

// Wait blocks until every root completes, the session is cancelled or ctx is
// done. See scheduler.Scheduler.Wait.
func (o *Orchestrator) Wait(ctx context.Context) (aggregate.BatchResult, error) {
	return o.sched.Wait(ctx)
}

// WaitInputs blocks until no node is awaiting input or revalidation, the
// progress stream closes, or ctx is done. Roots release their slot while a
// node waits for answers, so Wait can return first; call WaitInputs after it
// and read the merged results with Snapshot.
func (o *Orchestrator) WaitInputs(ctx context.Context) error {
	for {
		o.inputMu.Lock()
		pending, changed := o.gate.Unresolved(), o.inputs
		o.inputMu.Unlock()
		if pending == 0 {
			return nil
		}

		var streamDone <-chan struct{}
		o.mu.RLock()
		if o.handle != nil {
			streamDone = o.handle.Done()
		}
		o.mu.RUnlock()

		select {
		case <-changed:
		case <-streamDone:
			if o.gate.Unresolved() == 0 {
				return nil
			}
			return errors.NewStreamError("progress stream closed with nodes awaiting input", nil).WithSessionID(o.sessionID)
		case <-ctx.Done():
			return errors.NewCancelledError("", ctx.Err())
		}
	}
}

// Done is closed when the session completes or is cancelled.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.sched.Done()
}

// Snapshot returns the results accepted so far, including revalidated nodes
// that resolved after the roots completed.
func (o *Orchestrator) Snapshot() aggregate.BatchResult {
	return o.sched.Aggregator().Snapshot()
}

// Progress returns the scheduler counters.
func (o *Orchestrator) Progress() scheduler.SessionSnapshot {
	return o.sched.Snapshot()
}

// Cancel stops the session and the progress stream. Results accepted so far
// are kept.
func (o *Orchestrator) Cancel() {
	o.sched.Cancel()
	o.closeStream()
}

// Close cancels the session if it is still running and releases every
// resource. It is safe to call more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.sched.Close()
	o.closeStream()

	for _, id := range o.subIDs {
		o.bus.Unsubscribe(id)
	}
	o.collector.Detach()
}

func (o *Orchestrator) closeStream() {
	o.mu.RLock()
	h := o.handle
	o.mu.RUnlock()
	if h == nil {
		return
	}
	h.Close()
	<-h.Done()
}

// Pending returns the nodes awaiting answers.
func (o *Orchestrator) Pending() []hitl.PendingQuestion {
	return o.gate.Pending()
}

// SubmitAnswers answers nodeID's pending questions and requests revalidation.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, nodeID string, answers []validation.Answer) error {
	if err := o.gate.SubmitAnswers(ctx, nodeID, answers); err != nil {
		return err
	}
	o.resumed(nodeID)
	return nil
}

// Skip declines questionID for nodeID, or every question when questionID is
// empty, and requests revalidation.
func (o *Orchestrator) Skip(ctx context.Context, nodeID, questionID string) error {
	if err := o.gate.Skip(ctx, nodeID, questionID); err != nil {
		return err
	}
	o.resumed(nodeID)
	return nil
}

func (o *Orchestrator) resumed(nodeID string) {
	// The service may ask again with identical content.
	o.dedupe.Forget(nodeID, stream.KindNeedsInput, stream.KindRevalidationComplete)
	o.setStatus(nodeID, StatusResumed)
	o.sched.SetNeedsInput(o.gate.PendingCount())
}
