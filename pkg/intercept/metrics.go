package intercept

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the interposer does with each descriptor.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	Enrolled          *prometheus.CounterVec
	Fallbacks         prometheus.Counter
	HandshakeFailures prometheus.Counter
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently carried over shared memory.",
		}),
		Enrolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_enrolled_total",
			Help:      "Connections moved to shared memory, by role.",
		}, []string{"role"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Enrolled peers that stayed on the kernel path because no segment was available.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Handshakes or segment attaches that failed.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Bytes read through shared memory.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written through shared memory.",
		}),
	}
}

// Register adds the collectors to r. When an identical collector is already
// registered, m switches to it so both count into the same series.
func (m *Metrics) Register(r prometheus.Registerer) error {
	return errors.Join(
		register(r, &m.ConnectionsActive),
		register(r, &m.Enrolled),
		register(r, &m.Fallbacks),
		register(r, &m.HandshakeFailures),
		register(r, &m.BytesRead),
		register(r, &m.BytesWritten),
	)
}

func register[C prometheus.Collector](r prometheus.Registerer, c *C) error {
	err := r.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return err
}
