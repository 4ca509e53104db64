package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Metrics holds the Prometheus collectors for voice connections. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionState    *prometheus.GaugeVec
	ConnectAttempts    *prometheus.CounterVec
	TransportErrors    *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerFailures    *prometheus.GaugeVec
	HealthChecks       *prometheus.CounterVec
	Latency            *prometheus.HistogramVec
	ReconnectDelay     prometheus.Histogram
}

// NewMetrics registers the voice collectors on reg. Passing a fresh registry
// keeps tests independent of the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voice_connection_state",
				Help: "Current voice connection state per guild (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
			},
			[]string{"guild"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_connect_attempts_total",
				Help: "Total number of voice connect attempts",
			},
			[]string{"result"}, // result: "success", "failure", "rejected"
		),
		TransportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_transport_errors_total",
				Help: "Total number of voice transport errors by class",
			},
			[]string{"class"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_reconnects_total",
				Help: "Total number of finished recoveries",
			},
			[]string{"result"}, // result: "success", "failed"
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voice_circuit_breaker_state",
				Help: "Circuit breaker state per guild (0=closed, 1=half-open, 2=open)",
			},
			[]string{"guild"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_circuit_breaker_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		BreakerFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voice_circuit_breaker_consecutive_failures",
				Help: "Current number of consecutive failures per guild",
			},
			[]string{"guild"},
		),
		HealthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_health_checks_total",
				Help: "Total number of health checks by outcome",
			},
			[]string{"result"}, // result: "ok", "high_latency", "recovering", "dead"
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voice_gateway_latency_seconds",
				Help:    "Observed voice gateway latency",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"guild"},
		),
		ReconnectDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_reconnect_delay_seconds",
				Help:    "Backoff delay applied before reconnect attempts",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
	}
}

func (m *Metrics) observeState(guildID string, state ConnectionState) {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues(guildID).Set(float64(state))
}

func (m *Metrics) observeConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTransportError(class ErrorClass) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) observeReconnect(result string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) observeBreakerTransition(guildID string, from, to gobreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(guildID).Set(breakerStateToFloat(to))
	m.BreakerTransitions.WithLabelValues(breakerStateToString(from), breakerStateToString(to)).Inc()
	if to == gobreaker.StateClosed {
		m.BreakerFailures.WithLabelValues(guildID).Set(0)
	}
}

func (m *Metrics) observeBreakerFailures(guildID string, failures int) {
	if m == nil {
		return
	}
	m.BreakerFailures.WithLabelValues(guildID).Set(float64(failures))
}

func (m *Metrics) observeBreakerReset(guildID string) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(guildID).Set(0)
	m.BreakerFailures.WithLabelValues(guildID).Set(0)
}

func (m *Metrics) observeHealthCheck(guildID, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.HealthChecks.WithLabelValues(result).Inc()
	if latencySeconds >= 0 {
		m.Latency.WithLabelValues(guildID).Observe(latencySeconds)
	}
}

func (m *Metrics) observeReconnectDelay(seconds float64) {
	if m == nil {
		return
	}
	m.ReconnectDelay.Observe(seconds)
}

// breakerStateToFloat converts circuit breaker state to numeric value for metrics
func breakerStateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// breakerStateToString converts circuit breaker state to string for logging
func breakerStateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
