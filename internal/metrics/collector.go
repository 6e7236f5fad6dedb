// Package metrics exposes prometheus collectors for runs, signals,
// interactions and card actions. A nil *Collector records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "helios"

// Collector holds every metric the services record
type Collector struct {
	runsStarted          *prometheus.CounterVec
	runsEnded            *prometheus.CounterVec
	runsActive           prometheus.Gauge
	outputBytes          prometheus.Counter
	stdinBytes           prometheus.Counter
	signalsParsed        prometheus.Counter
	signalsDiscarded     prometheus.Counter
	interactionsCreated  prometheus.Counter
	interactionsResolved *prometheus.CounterVec
	interactionsClosed   *prometheus.CounterVec
	cardActions          *prometheus.CounterVec
	idempotentReplays    *prometheus.CounterVec
}

// NewCollector registers the collectors on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of tool runs started",
			},
			[]string{"provider", "backend"},
		),
		runsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_ended_total",
				Help:      "Total number of tool runs ended by outcome",
			},
			[]string{"provider", "outcome"},
		),
		runsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Number of runs with a live process",
			},
		),
		outputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_output_bytes_total",
				Help:      "Bytes of tool output captured",
			},
		),
		stdinBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_stdin_bytes_total",
				Help:      "Bytes written to tool stdin",
			},
		),
		signalsParsed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_parsed_total",
				Help:      "NEED_USER_INPUT signals recognized in tool output",
			},
		),
		signalsDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_discarded_total",
				Help:      "Marker lines discarded as malformed",
			},
		),
		interactionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interactions_created_total",
				Help:      "Interaction requests created",
			},
		),
		interactionsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_resolutions_total",
				Help:      "Resolution attempts by path and result",
			},
			[]string{"path", "result"},
		),
		interactionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interactions_closed_total",
				Help:      "Interaction requests that expired or were cancelled",
			},
			[]string{"status"},
		),
		cardActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "card_actions_total",
				Help:      "Card actions handled by payload kind and resulting card status",
			},
			[]string{"kind", "status"},
		),
		idempotentReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotent_replays_total",
				Help:      "Requests answered from an idempotency record",
			},
			[]string{"scope"},
		),
	}
}

// RunStarted records a spawned run
func (c *Collector) RunStarted(provider, backend string) {
	if c == nil {
		return
	}
	c.runsStarted.WithLabelValues(provider, backend).Inc()
	c.runsActive.Inc()
}

// RunEnded records a run whose process has gone away
func (c *Collector) RunEnded(provider, outcome string) {
	if c == nil {
		return
	}
	c.runsEnded.WithLabelValues(provider, outcome).Inc()
	c.runsActive.Dec()
}

// Output records captured output
func (c *Collector) Output(n int) {
	if c == nil {
		return
	}
	c.outputBytes.Add(float64(n))
}

// StdinWrite records bytes written to a run
func (c *Collector) StdinWrite(n int) {
	if c == nil {
		return
	}
	c.stdinBytes.Add(float64(n))
}

// Signals records parsed and discarded marker lines
func (c *Collector) Signals(parsed, discarded int) {
	if c == nil {
		return
	}
	c.signalsParsed.Add(float64(parsed))
	c.signalsDiscarded.Add(float64(discarded))
}

// InteractionCreated records a new interaction request
func (c *Collector) InteractionCreated() {
	if c == nil {
		return
	}
	c.interactionsCreated.Inc()
}

// InteractionResolution records one resolution attempt
func (c *Collector) InteractionResolution(path, result string) {
	if c == nil {
		return
	}
	c.interactionsResolved.WithLabelValues(path, result).Inc()
}

// InteractionClosed records a request moving to EXPIRED or CANCELLED
func (c *Collector) InteractionClosed(status string) {
	if c == nil {
		return
	}
	c.interactionsClosed.WithLabelValues(status).Inc()
}

// CardAction records a handled card action
func (c *Collector) CardAction(kind, status string) {
	if c == nil {
		return
	}
	c.cardActions.WithLabelValues(kind, status).Inc()
}

// IdempotentReplay records a request served from a stored result
func (c *Collector) IdempotentReplay(scope string) {
	if c == nil {
		return
	}
	c.idempotentReplays.WithLabelValues(scope).Inc()
}
