// Package stream subscribes to a session's server-sent progress events and
// keeps the subscription alive across transport failures.
//
// A failed connection is retried after an exponentially growing delay
// (initial, doubled per consecutive failure, capped). A successful open
// resets the delay. After MaxRetries consecutive retries the subscription
// gives up and reports CloseExhausted. Events may be redelivered after a
// reconnect; see Deduper.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/retry"
)

// Defaults applied to zero-valued Options.
const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// CloseReason says why a subscription ended.
type CloseReason string

// Close reasons
const (
	// CloseRequested means Close was called or the context was cancelled.
	CloseRequested CloseReason = "closed"
	// CloseExhausted means the retry budget ran out.
	CloseExhausted CloseReason = "exhausted"
)

// Handlers receive subscription callbacks. All callbacks run on the
// subscription goroutine, one at a time. Any of them may be nil.
type Handlers struct {
	OnEvent func(Event)
	// OnOpen is called each time a connection opens.
	OnOpen func(reconnect bool)
	// OnError is called for every connection failure and for frames that
	// cannot be decoded.
	OnError func(err error)
	// OnClose is called exactly once when the subscription ends. err is a
	// StreamError for CloseExhausted and nil otherwise.
	OnClose func(reason CloseReason, err error)
}

// Options configures a subscription.
type Options struct {
	// MaxRetries is the number of reconnects attempted after consecutive
	// failures. Negative values are treated as zero.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// SessionID tags events whose payload does not carry one.
	SessionID string

	// HTTPClient must not set a Timeout; the connection is long-lived.
	HTTPClient *http.Client
	Headers    http.Header
	Logger     *logging.Logger
	Bus        *event.Bus

	// sleep replaces retry.Sleep in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.sleep == nil {
		o.sleep = retry.Sleep
	}
	return o
}

// Handle controls a live subscription.
type Handle struct {
	url      string
	handlers Handlers
	opts     Options
	logger   *logging.Logger

	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}

	mu          sync.Mutex
	lastEventID string
	connected   bool
	attempts    int
}

// Subscribe opens a subscription to url and returns immediately. The
// subscription runs until Close is called, ctx is cancelled or the retry
// budget is exhausted.
func Subscribe(ctx context.Context, url string, handlers Handlers, opts Options) *Handle {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	h := &Handle{
		url:      url,
		handlers: handlers,
		opts:     opts,
		logger:   opts.Logger.WithSession(opts.SessionID).WithPhase("stream"),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

// Close stops the subscription. Any scheduled reconnect is suppressed and
// the live connection is closed. It does not wait; use Done for that.
func (h *Handle) Close() {
	h.closed.Store(true)
	h.cancel()
}

// Done is closed after OnClose has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Connected reports whether a connection is currently open.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Attempts returns the number of connection attempts made so far.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	backoff := retry.NewBackoff(h.opts.InitialDelay, h.opts.MaxDelay)
	reconnect := false

	for {
		if h.stopping(ctx) {
			h.finish(CloseRequested, nil)
			return
		}

		err := h.connect(ctx, reconnect, backoff)
		if h.stopping(ctx) {
			h.finish(CloseRequested, nil)
			return
		}
		if h.handlers.OnError != nil {
			h.handlers.OnError(err)
		}

		if backoff.Failures() >= h.opts.MaxRetries {
			attempts := h.Attempts()
			h.logger.Error("stream reconnect attempts exhausted", "attempts", attempts, "error", err.Error())
			h.publish(event.NewStreamExhaustedEvent(h.opts.SessionID, attempts))
			h.finish(CloseExhausted, errors.NewStreamError("reconnect attempts exhausted", errors.Join(errors.ErrStreamExhausted, err)).
				WithSessionID(h.opts.SessionID).WithAttempts(attempts))
			return
		}

		delay := backoff.Next()
		h.logger.Warn("stream reconnect scheduled", "attempt", backoff.Failures(), "delay_ms", delay.Milliseconds(), "error", err.Error())
		h.publish(event.NewStreamReconnectingEvent(h.opts.SessionID, backoff.Failures(), delay, err))

		if err := h.opts.sleep(ctx, delay); err != nil {
			h.finish(CloseRequested, nil)
			return
		}
		reconnect = true
	}
}

func (h *Handle) stopping(ctx context.Context) bool {
	return h.closed.Load() || ctx.Err() != nil
}

func (h *Handle) finish(reason CloseReason, err error) {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()

	h.logger.Info("stream closed", "reason", string(reason))
	if h.handlers.OnClose != nil {
		h.handlers.OnClose(reason, err)
	}
}

// connect opens one connection and reads it until it fails. It always
// returns a non-nil error describing why the connection ended.
func (h *Handle) connect(ctx context.Context, reconnect bool, backoff *retry.Backoff) error {
	h.mu.Lock()
	h.attempts++
	lastID := h.lastEventID
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return errors.NewTransportError("failed to create stream request", err).WithURL(h.url)
	}
	for k, vs := range h.opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return errors.NewTransportError("stream connection failed", err).WithURL(h.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errors.NewServiceError(fmt.Sprintf("stream returned %s", resp.Status), nil).WithStatusCode(resp.StatusCode)
	}

	backoff.Reset()
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()

	h.logger.Info("stream connected", "reconnect", reconnect)
	h.publish(event.NewStreamConnectedEvent(h.opts.SessionID, reconnect))
	if h.handlers.OnOpen != nil {
		h.handlers.OnOpen(reconnect)
	}

	readErr := readFrames(resp.Body, func(f frame) error {
		if h.stopping(ctx) {
			return ctx.Err()
		}
		if f.id != "" {
			h.mu.Lock()
			h.lastEventID = f.id
			h.mu.Unlock()
		}
		e, err := decode(f, h.opts.SessionID)
		if err != nil {
			h.logger.Warn("dropping undecodable event", "event", f.event, "error", err.Error())
			if h.handlers.OnError != nil {
				h.handlers.OnError(err)
			}
			return nil
		}
		if h.handlers.OnEvent != nil {
			h.handlers.OnEvent(e)
		}
		return nil
	})

	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()

	if readErr != nil {
		return errors.NewTransportError("stream read failed", readErr).WithURL(h.url)
	}
	return errors.NewTransportError("stream ended by server", io.EOF).WithURL(h.url)
}

func (h *Handle) publish(e event.Event) {
	if h.opts.Bus != nil {
		h.opts.Bus.Publish(e)
	}
}
