package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

// Metrics are the relay's Prometheus collectors. It also implements
// proxy.Observer.
type Metrics struct {
	devicesConnected    prometheus.Gauge
	activeTunnels       prometheus.Gauge
	bytesUpstream       prometheus.Counter
	bytesDownstream     prometheus.Counter
	authFailures        prometheus.Counter
	blockedAttempts     prometheus.Counter
	lockConflicts       prometheus.Counter
	lockErrors          prometheus.Counter
	lockLosses          prometheus.Counter
	ownershipViolations *prometheus.CounterVec
	orphansSwept        prometheus.Counter
	requestsTotal       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudrelay_devices_connected",
			Help: "Number of device sessions connected to this node",
		}),
		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudrelay_active_tunnels",
			Help: "Number of bridged WebSocket tunnels",
		}),
		bytesUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_bytes_upstream_total",
			Help: "Total tunnel bytes sent from clients to devices",
		}),
		bytesDownstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_bytes_downstream_total",
			Help: "Total response and tunnel bytes sent from devices to clients",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_auth_failures_total",
			Help: "Device sessions rejected for bad credentials",
		}),
		blockedAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_blocked_attempts_total",
			Help: "Device sessions rejected because the uuid is blocked",
		}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_lock_conflicts_total",
			Help: "Device sessions rejected because another session holds the lock",
		}),
		lockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_lock_errors_total",
			Help: "Lock operations that failed in the store",
		}),
		lockLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_lock_losses_total",
			Help: "Sessions disconnected after losing their lock",
		}),
		ownershipViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudrelay_ownership_violations_total",
			Help: "Events dropped because the sender does not own the target",
		}, []string{"event"}),
		orphansSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_orphans_swept_total",
			Help: "Requests and tunnels removed by the periodic cleanup",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudrelay_requests_total",
			Help: "Proxied requests by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.devicesConnected,
			m.activeTunnels,
			m.bytesUpstream,
			m.bytesDownstream,
			m.authFailures,
			m.blockedAttempts,
			m.lockConflicts,
			m.lockErrors,
			m.lockLosses,
			m.ownershipViolations,
			m.orphansSwept,
			m.requestsTotal,
		)
	}
	return m
}

// registerTrackers exposes the tracker sizes as gauges.
func (m *Metrics) registerTrackers(reg prometheus.Registerer, requests, tunnels func() int) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cloudrelay_requests_in_flight",
			Help: "Proxied requests waiting for their device",
		}, func() float64 { return float64(requests()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cloudrelay_tunnels_tracked",
			Help: "Tunnels registered in the tracker",
		}, func() float64 { return float64(tunnels()) }),
	)
}

func (m *Metrics) OwnershipViolation(event protocol.EventType) {
	m.ownershipViolations.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) TunnelOpened() { m.activeTunnels.Inc() }
func (m *Metrics) TunnelClosed() { m.activeTunnels.Dec() }

func (m *Metrics) BytesDownstream(n int) { m.bytesDownstream.Add(float64(n)) }
func (m *Metrics) BytesUpstream(n int)   { m.bytesUpstream.Add(float64(n)) }
