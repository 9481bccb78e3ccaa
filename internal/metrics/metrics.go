// Package metrics exposes the server's Prometheus instruments.
//
// Instruments are written from the event loop and read by the HTTP handler on
// another goroutine; the prometheus types handle that synchronisation.
package metrics

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arenakv"

// Command results used as the "result" label.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultOOM     = "oom"
	ResultMiss    = "miss"
	ResultUnknown = "unknown"
)

type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Commands          *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	ArenaUsed         prometheus.Gauge
	ArenaCapacity     prometheus.Gauge
	Keys              prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of accepted client connections.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of dispatched commands by command and result.",
		}, []string{"command", "result"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Number of malformed request frames.",
		}),
		ArenaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_used_bytes",
			Help:      "Bytes handed out by the value arena.",
		}),
		ArenaCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_capacity_bytes",
			Help:      "Capacity of the value arena.",
		}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Number of stored keys.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ConnectionsActive, m.ConnectionsTotal, m.Commands, m.ProtocolErrors,
		m.ArenaUsed, m.ArenaCapacity, m.Keys,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metric")
		}
	}
	return m, nil
}

// NewUnregistered returns instruments registered with a private registry, for
// tests and for engines that do not export metrics.
func NewUnregistered() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) ObserveCommand(command, result string) {
	m.Commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) ObserveArena(used, capacity int) {
	m.ArenaUsed.Set(float64(used))
	m.ArenaCapacity.Set(float64(capacity))
}

func (m *Metrics) ConnOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	m.ConnectionsActive.Dec()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
