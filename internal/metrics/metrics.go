// Package metrics bundles the Prometheus collectors exported by the safewalk
// binaries. Every recording method is safe on a nil *Collector.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the safewalk metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	RelayConnections prometheus.Gauge
	RelayMessages    *prometheus.CounterVec

	RegistryRequests *prometheus.CounterVec
	AcceptConflicts  prometheus.Counter

	Transitions *prometheus.CounterVec
	CallStates  *prometheus.CounterVec
}

// New registers the collectors against reg, defaulting to the global
// Prometheus registry when nil. Registering twice against the same registry
// reuses the existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	connections, err := register(reg, prometheus.Collector(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safewalk_relay_connections",
		Help: "Current number of shared-state relay websocket connections.",
	})), "safewalk_relay_connections")
	if err != nil {
		return nil, err
	}

	messages, err := register(reg, prometheus.Collector(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safewalk_relay_messages_total",
		Help: "Shared-state relay messages, labeled by direction and message type.",
	}, []string{"direction", "type"})), "safewalk_relay_messages_total")
	if err != nil {
		return nil, err
	}

	requests, err := register(reg, prometheus.Collector(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safewalk_registry_requests_total",
		Help: "Registry operations, labeled by operation and outcome.",
	}, []string{"op", "outcome"})), "safewalk_registry_requests_total")
	if err != nil {
		return nil, err
	}

	conflicts, err := register(reg, prometheus.Collector(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safewalk_registry_accept_conflicts_total",
		Help: "Accept attempts rejected because another helper accepted first.",
	})), "safewalk_registry_accept_conflicts_total")
	if err != nil {
		return nil, err
	}

	transitions, err := register(reg, prometheus.Collector(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safewalk_lifecycle_transitions_total",
		Help: "Lifecycle state transitions, labeled by machine and target state.",
	}, []string{"machine", "state"})), "safewalk_lifecycle_transitions_total")
	if err != nil {
		return nil, err
	}

	callStates, err := register(reg, prometheus.Collector(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safewalk_call_states_total",
		Help: "Call signaling state transitions, labeled by target state.",
	}, []string{"state"})), "safewalk_call_states_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		RelayConnections: connections.(prometheus.Gauge),
		RelayMessages:    messages.(*prometheus.CounterVec),
		RegistryRequests: requests.(*prometheus.CounterVec),
		AcceptConflicts:  conflicts.(prometheus.Counter),
		Transitions:      transitions.(*prometheus.CounterVec),
		CallStates:       callStates.(*prometheus.CounterVec),
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RelayConnected adjusts the relay connection gauge by delta.
func (c *Collector) RelayConnected(delta int) {
	if c == nil {
		return
	}
	c.RelayConnections.Add(float64(delta))
}

// RelayMessage counts a relay message. direction is "in" or "out".
func (c *Collector) RelayMessage(direction, msgType string) {
	if c == nil {
		return
	}
	c.RelayMessages.WithLabelValues(direction, msgType).Inc()
}

// RegistryOp counts a registry operation outcome ("ok", "invalid", "not_found",
// "conflict", "error").
func (c *Collector) RegistryOp(op, outcome string) {
	if c == nil {
		return
	}
	c.RegistryRequests.WithLabelValues(op, outcome).Inc()
	if op == "accept" && outcome == "conflict" {
		c.AcceptConflicts.Inc()
	}
}

// Transition counts a lifecycle transition into state.
func (c *Collector) Transition(machine, state string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(machine, state).Inc()
}

// CallState counts a call state transition.
func (c *Collector) CallState(state string) {
	if c == nil {
		return
	}
	c.CallStates.WithLabelValues(state).Inc()
}

func register(reg prometheus.Registerer, col prometheus.Collector, name string) (prometheus.Collector, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if fmt.Sprintf("%T", are.ExistingCollector) == fmt.Sprintf("%T", col) {
				return are.ExistingCollector, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return col, nil
}
