// Package scheduler bounds how many root trees are validated at once and
// decides when a batch is complete.
//
// A Scheduler owns one Session. Tree completions and externally submitted
// results (human-in-the-loop revalidations) are delivered over channels to
// a single loop goroutine, which is the only writer of the session counters
// and the aggregator. Once cancellation is observed nothing is written.
package scheduler

import (
	"context"
	"sync"

	"github.com/Iron-Ham/reqtree/internal/aggregate"
	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/tree"
)

// Runner validates one root tree. *tree.Validator implements it.
type Runner interface {
	ValidateTreeWithDepth(ctx context.Context, node requirement.Node, depth, maxDepth int) tree.Outcome
}

// completion is a finished root tree.
type completion struct {
	rootID  string
	outcome tree.Outcome
}

// update is a result delivered outside the root pipeline.
type update struct {
	results    []requirement.NodeResult
	needsInput int
	setNeeds   bool
	applied    chan bool
}

// Scheduler runs a single session.
type Scheduler struct {
	sessionID string
	runner    Runner
	agg       *aggregate.Aggregator
	bus       *event.Bus
	logger    *logging.Logger

	mu        sync.RWMutex
	session   *Session
	started   bool
	cancelled bool
	finished  bool
	ctx       context.Context
	cancel    context.CancelFunc

	completions chan completion
	updates     chan update
	done        chan struct{}
	doneOnce    sync.Once
	stopped     chan struct{}
	stopOnce    sync.Once
	loopDone    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAggregator sets the aggregator results are folded into.
func WithAggregator(agg *aggregate.Aggregator) Option {
	return func(s *Scheduler) {
		if agg != nil {
			s.agg = agg
		}
	}
}

// WithBus publishes scheduler events on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Scheduler for sessionID that validates roots with runner.
func New(sessionID string, runner Runner, opts ...Option) *Scheduler {
	if runner == nil {
		panic("scheduler: New requires a non-nil runner")
	}
	s := &Scheduler{
		sessionID:   sessionID,
		runner:      runner,
		agg:         aggregate.New(),
		logger:      logging.NopLogger(),
		completions: make(chan completion),
		updates:     make(chan update),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithSession(sessionID).WithPhase("scheduler")
	return s
}

// Aggregator returns the aggregator this scheduler writes to.
func (s *Scheduler) Aggregator() *aggregate.Aggregator {
	return s.agg
}

// Start takes ownership of queue and admits up to maxParallel roots before
// returning. Cancelling ctx cancels the session.
func (s *Scheduler) Start(ctx context.Context, queue []requirement.Node, maxParallel, maxDepth int) error {
	if maxParallel < 1 {
		return errors.NewValidationError("max parallel must be at least 1").WithField("max_parallel").WithValue(maxParallel)
	}
	if maxDepth < 1 {
		return errors.NewValidationError("max depth must be at least 1").WithField("max_depth").WithValue(maxDepth)
	}
	seen := make(map[string]struct{}, len(queue))
	for _, n := range queue {
		if err := requirement.CheckRootID(n.ID); err != nil {
			return err
		}
		if _, dup := seen[n.ID]; dup {
			return errors.NewValidationError("duplicate root id").WithField("id").WithValue(n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrSessionStarted
	}
	s.started = true
	s.session = newSession(s.sessionID, append([]requirement.Node(nil), queue...), maxParallel, maxDepth)
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.loop()

	var events []event.Event
	for {
		e, ok := s.admitNextLocked()
		if !ok {
			break
		}
		events = append(events, e)
	}
	final, finished := s.checkCompleteLocked()
	events = append(events, final...)
	s.mu.Unlock()

	s.logger.Info("session started", "roots", len(queue), "max_parallel", maxParallel, "max_depth", maxDepth)
	s.publish(events...)
	if finished {
		s.closeDone()
	}
	return nil
}

// AdmitNext starts the next queued root if a slot is free. It is a no-op
// when every root has started, when at capacity, or after cancellation.
func (s *Scheduler) AdmitNext() bool {
	s.mu.Lock()
	e, ok := s.admitNextLocked()
	s.mu.Unlock()

	if ok {
		s.publish(e)
	}
	return ok
}

// admitNextLocked must be called with mu held.
func (s *Scheduler) admitNextLocked() (event.Event, bool) {
	sess := s.session
	if sess == nil || s.cancelled {
		return nil, false
	}
	if sess.Started == len(sess.Queue) {
		return nil, false
	}
	if len(sess.Active) >= sess.MaxParallel {
		return nil, false
	}

	root := sess.Queue[sess.Started]
	sess.Active[root.ID] = struct{}{}
	sess.Started++
	if len(sess.Active) > sess.PeakActive {
		sess.PeakActive = len(sess.Active)
	}

	ctx, maxDepth := s.ctx, sess.MaxDepth
	go s.runRoot(ctx, root, maxDepth)

	s.logger.Debug("root admitted", "root_id", root.ID, "active", len(sess.Active), "started", sess.Started)
	return event.NewRootAdmittedEvent(s.sessionID, root.ID, len(sess.Active), sess.Started), true
}

func (s *Scheduler) runRoot(ctx context.Context, root requirement.Node, maxDepth int) {
	out := s.runner.ValidateTreeWithDepth(ctx, root, 0, maxDepth)
	select {
	case s.completions <- completion{rootID: root.ID, outcome: out}:
	case <-s.stopped:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for {
		select {
		case c := <-s.completions:
			events, finished := s.complete(c)
			// Subscribers see every event before Wait returns.
			s.publish(events...)
			if finished {
				s.closeDone()
			}
		case u := <-s.updates:
			u.applied <- s.apply(u)
		case <-s.ctx.Done():
			s.Cancel()
			// Keep draining so in-flight trees and submitters never block,
			// but apply nothing.
			s.drain()
			return
		case <-s.stopped:
			return
		}
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case <-s.completions:
		case u := <-s.updates:
			u.applied <- false
		case <-s.stopped:
			return
		}
	}
}

func (s *Scheduler) complete(c completion) ([]event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || c.outcome.Cancelled {
		return nil, false
	}

	sess := s.session
	if _, ok := sess.Active[c.rootID]; !ok {
		s.logger.Warn("completion for inactive root ignored", "root_id", c.rootID)
		return nil, false
	}
	delete(sess.Active, c.rootID)
	sess.Completed++

	s.agg.Accept(c.outcome.Results)
	s.agg.AddSplits(c.outcome.Splits)

	s.logger.Info("root completed",
		"root_id", c.rootID,
		"results", len(c.outcome.Results),
		"dispatched", c.outcome.Dispatched,
		"pruned", c.outcome.Pruned,
		"completed", sess.Completed,
	)

	events := []event.Event{
		event.NewRootCompletedEvent(s.sessionID, c.rootID, len(c.outcome.Results), len(sess.Active), sess.Completed),
	}
	if e, ok := s.admitNextLocked(); ok {
		events = append(events, e)
	}
	final, finished := s.checkCompleteLocked()
	return append(events, final...), finished
}

// checkCompleteLocked reports the session.completed event the first time the
// session is complete. The caller closes done after publishing it. It must
// be called with mu held.
func (s *Scheduler) checkCompleteLocked() ([]event.Event, bool) {
	if s.cancelled || s.finished || !s.session.IsComplete() {
		return nil, false
	}
	s.finished = true

	snap := s.agg.Snapshot()
	s.logger.Info("session completed", "roots", len(s.session.Queue), "passed", snap.Passed, "failed", snap.Failed, "split", snap.Split)
	return []event.Event{event.NewSessionCompletedEvent(s.sessionID, len(s.session.Queue), snap.Passed, snap.Failed, snap.Split)}, true
}

func (s *Scheduler) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) apply(u update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return false
	}
	if len(u.results) > 0 {
		s.agg.Accept(u.results)
	}
	if u.setNeeds {
		s.agg.SetNeedsInput(u.needsInput)
	}
	return true
}

// Submit folds results produced outside the root pipeline into the
// aggregator on the scheduler loop. It returns false if the session was
// cancelled or closed and the results were discarded.
func (s *Scheduler) Submit(results ...requirement.NodeResult) bool {
	return s.send(update{results: results})
}

// SetNeedsInput records the number of nodes awaiting input.
func (s *Scheduler) SetNeedsInput(n int) bool {
	return s.send(update{needsInput: n, setNeeds: true})
}

func (s *Scheduler) send(u update) bool {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return false
	}

	u.applied = make(chan bool, 1)
	select {
	case s.updates <- u:
	case <-s.stopped:
		return false
	}
	return <-u.applied
}

// IsComplete reports whether every root has been started and completed.
func (s *Scheduler) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil && s.session.IsComplete()
}

// Cancelled reports whether the session was cancelled.
func (s *Scheduler) Cancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// Cancel stops the session. In-flight trees are aborted, no further roots
// are admitted and results that arrive afterwards are discarded. Results
// already accepted are kept.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if !s.started || s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancel := s.cancel
	started, completed := s.session.Started, s.session.Completed
	s.mu.Unlock()

	cancel()

	s.logger.Warn("session cancelled", "started", started, "completed", completed)
	s.publish(event.NewSessionCanceledEvent(s.sessionID, started, completed))
	s.closeDone()
}

// Done is closed when the session completes or is cancelled.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session completes or is cancelled, or ctx is done,
// and returns the results accepted so far. The error is ErrSessionCanceled
// after cancellation; the partial result is still valid.
func (s *Scheduler) Wait(ctx context.Context) (aggregate.BatchResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.agg.Snapshot(), errors.NewCancelledError("", ctx.Err())
	}
	if s.Cancelled() {
		return s.agg.Snapshot(), errors.ErrSessionCanceled
	}
	return s.agg.Snapshot(), nil
}

// Snapshot returns the session counters.
func (s *Scheduler) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return SessionSnapshot{ID: s.sessionID}
	}
	return s.session.snapshot(s.cancelled)
}

// Close cancels the session if it is still running and stops the loop.
// It is safe to call more than once.
func (s *Scheduler) Close() {
	s.Cancel()

	s.mu.RLock()
	started := s.started
	cancel := s.cancel
	s.mu.RUnlock()

	s.stopOnce.Do(func() { close(s.stopped) })
	if started {
		<-s.loopDone
		cancel()
	}
}

func (s *Scheduler) publish(events ...event.Event) {
	if s.bus == nil {
		return
	}
	for _, e := range events {
		s.bus.Publish(e)
	}
}
