package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors
type PrometheusCollectors struct {
	ActiveConnections prometheus.Gauge
	ActiveUDPSessions prometheus.Gauge
	TunnelClients     prometheus.Gauge
	DialsOK           prometheus.Counter
	DialsFail         prometheus.Counter
}

// InitPrometheus initializes and registers prometheus metrics
func InitPrometheus(namespace string) *PrometheusCollectors {
	// Helper to safely register or get existing collector
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			// Don't panic on registration error in tests/dev, just log
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.ActiveConnections = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of currently active dataplane connections",
	})).(prometheus.Gauge)

	pc.ActiveUDPSessions = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_udp_sessions",
		Help:      "Number of currently active UDP peer sessions",
	})).(prometheus.Gauge)

	pc.TunnelClients = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnel_clients",
		Help:      "Number of currently registered reverse tunnel clients",
	})).(prometheus.Gauge)

	pc.DialsOK = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_dials_ok_total",
		Help:      "Total number of successful upstream dials",
	})).(prometheus.Counter)

	pc.DialsFail = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_dials_failed_total",
		Help:      "Total number of failed upstream dial attempts",
	})).(prometheus.Counter)

	return pc
}

// Sync copies the atomic Collector's gauge fields into the Prometheus gauges
// and adds any counter deltas observed since the previous call, so the hot
// dataplane path only touches the atomic Collector. Each call performs one
// sync; this package does not run it on a schedule.
func (p *PrometheusCollectors) Sync(c *Collector, prevDialsOK, prevDialsFail *uint64) {
	p.ActiveConnections.Set(float64(c.GetActiveConnections()))
	p.ActiveUDPSessions.Set(float64(c.GetActiveUDPSessions()))
	p.TunnelClients.Set(float64(c.GetTunnelClients()))

	okNow := c.GetDialsOK()
	if okNow > *prevDialsOK {
		p.DialsOK.Add(float64(okNow - *prevDialsOK))
	}
	*prevDialsOK = okNow

	failNow := c.GetDialsFail()
	if failNow > *prevDialsFail {
		p.DialsFail.Add(float64(failNow - *prevDialsFail))
	}
	*prevDialsFail = failNow
}
