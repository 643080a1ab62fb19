// Package metrics exposes batch progress as Prometheus collectors.
//
// A Collector subscribes to the event bus and translates events into metric
// updates, so nothing in the validation pipeline touches metrics directly.
// Each Collector owns its registry; sessions never share counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/reqtree/internal/event"
)

// Validation outcome label values
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
	OutcomeSplit  = "split"
)

// Collector holds the metrics for one session.
type Collector struct {
	registry *prometheus.Registry

	validations      *prometheus.CounterVec
	validateDuration prometheus.Histogram
	activeRoots      prometheus.Gauge
	completedRoots   prometheus.Counter
	pruned           prometheus.Counter
	fallbacks        prometheus.Counter
	depthDropped     prometheus.Counter
	budgetDropped    prometheus.Counter
	reconnects       prometheus.Counter
	streamExhausted  prometheus.Counter
	inputRequests    prometheus.Counter
	inputResolved    *prometheus.CounterVec

	mu    sync.Mutex
	bus   *event.Bus
	subID string
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqtree_validations_total",
			Help: "Validate calls by outcome",
		}, []string{"outcome"}),
		validateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqtree_validate_duration_seconds",
			Help:    "Validate call duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		activeRoots: f.NewGauge(prometheus.GaugeOpts{
			Name: "reqtree_active_roots",
			Help: "Root trees currently being validated",
		}),
		completedRoots: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_completed_roots_total",
			Help: "Root trees that finished validation",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_pruned_branches_total",
			Help: "Failing split branches discarded in favor of passing siblings",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_split_fallbacks_total",
			Help: "Splits where every child failed and the parent result was kept",
		}),
		depthDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_depth_limited_nodes_total",
			Help: "Nodes dropped at the depth cap",
		}),
		budgetDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_budget_dropped_nodes_total",
			Help: "Nodes dropped because their tree hit the node cap",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_stream_reconnects_total",
			Help: "Progress stream reconnects scheduled",
		}),
		streamExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_stream_exhausted_total",
			Help: "Progress streams that gave up reconnecting",
		}),
		inputRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "reqtree_input_requests_total",
			Help: "Needs-input notifications received",
		}),
		inputResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqtree_input_resolved_total",
			Help: "Revalidations after human input by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to bus. Attaching again moves the
// subscription.
func (c *Collector) Attach(bus *event.Bus) {
	c.Detach()

	id := bus.SubscribeAll(c.handle)

	c.mu.Lock()
	c.bus = bus
	c.subID = id
	c.mu.Unlock()
}

// Detach unsubscribes the collector. It is safe to call when not attached.
func (c *Collector) Detach() {
	c.mu.Lock()
	bus, id := c.bus, c.subID
	c.bus, c.subID = nil, ""
	c.mu.Unlock()

	if bus != nil && id != "" {
		bus.Unsubscribe(id)
	}
}

func (c *Collector) handle(e event.Event) {
	switch ev := e.(type) {
	case event.NodeValidatedEvent:
		switch {
		case ev.Split:
			c.validations.WithLabelValues(OutcomeSplit).Inc()
		case ev.Passed:
			c.validations.WithLabelValues(OutcomePassed).Inc()
		default:
			c.validations.WithLabelValues(OutcomeFailed).Inc()
		}
		c.validateDuration.Observe(ev.Duration.Seconds())
	case event.NodeFailedEvent:
		c.validations.WithLabelValues(OutcomeError).Inc()
		c.validateDuration.Observe(ev.Duration.Seconds())
	case event.NodePrunedEvent:
		c.pruned.Add(float64(ev.Pruned))
	case event.NodeFallbackEvent:
		c.fallbacks.Inc()
	case event.NodeDepthLimitedEvent:
		c.depthDropped.Inc()
	case event.NodeBudgetEvent:
		c.budgetDropped.Inc()
	case event.RootAdmittedEvent:
		// Admitted and completed events may arrive out of order; track deltas.
		c.activeRoots.Inc()
	case event.RootCompletedEvent:
		c.activeRoots.Dec()
		c.completedRoots.Inc()
	case event.SessionCanceledEvent:
		c.activeRoots.Set(0)
	case event.StreamReconnectingEvent:
		c.reconnects.Inc()
	case event.StreamExhaustedEvent:
		c.streamExhausted.Inc()
	case event.InputRequestedEvent:
		c.inputRequests.Inc()
	case event.InputResolvedEvent:
		outcome := OutcomeFailed
		if ev.Passed {
			outcome = OutcomePassed
		}
		c.inputResolved.WithLabelValues(outcome).Inc()
	}
}
