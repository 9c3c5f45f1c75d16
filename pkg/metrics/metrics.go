// Package metrics exposes Prometheus collectors for session activity.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// guard metric updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "resws").
	Namespace string

	// Subsystem is the metrics subsystem (default: "session").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "resws",
		Subsystem: "session",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// States lists the state labels reported by the state gauge.
var States = []string{"idle", "connecting", "connected", "disconnected", "retrying", "failed"}

// Metrics holds the session collectors.
type Metrics struct {
	state             *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	messagesReceived  prometheus.Counter
	messagesSent      prometheus.Counter
	sendsDropped      prometheus.Counter
	heartbeats        prometheus.Counter
	transportErrors   prometheus.Counter
}

// New registers the collectors and returns them.
// Registering twice on the same registry panics, as with promauto.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state",
			Help:        "Current connection state (1 for the active state)",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "state_transitions_total",
			Help:        "Total number of connection state transitions",
			ConstLabels: config.ConstLabels,
		}, []string{"from", "to"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Total number of automatic reconnect attempts scheduled",
			ConstLabels: config.ConstLabels,
		}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of text frames received",
			ConstLabels: config.ConstLabels,
		}),

		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of text frames handed to the transport",
			ConstLabels: config.ConstLabels,
		}),

		sendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sends_dropped_total",
			Help:        "Total number of sends dropped because the session was not connected",
			ConstLabels: config.ConstLabels,
		}),

		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeats_total",
			Help:        "Total number of keepalive pings requested",
			ConstLabels: config.ConstLabels,
		}),

		transportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_errors_total",
			Help:        "Total number of transport error events",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveTransition records a state change. from and to are values of States.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.ObserveState(to)
}

// ObserveState sets the state gauge to 1 for state and 0 for every other label.
func (m *Metrics) ObserveState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(s).Set(value)
	}
}

func (m *Metrics) IncReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) IncMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) IncMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) IncSendDropped() {
	if m == nil {
		return
	}
	m.sendsDropped.Inc()
}

func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) IncTransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}
