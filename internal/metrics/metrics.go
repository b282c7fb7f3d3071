// Package metrics exposes Prometheus counters and gauges for connections,
// frames, authorization outcomes, and catalog mutations (spec.md §5).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the daemon's instrumentation. A nil-safe Metrics value
// is never needed: New always returns a usable instance registered against
// its own registry so repeated test construction doesn't collide with the
// global default registry.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionsOpenTotal   prometheus.Counter
	ConnectionsClosedTotal prometheus.Counter
	ConnectionsActive      prometheus.Gauge
	FramesTotal            *prometheus.CounterVec
	AuthzDeniedTotal       *prometheus.CounterVec
	CatalogMutationsTotal  *prometheus.CounterVec
	PoolSaturatedTotal     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ConnectionsOpenTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cortexd_connections_opened_total",
			Help: "Total connections accepted across both transports.",
		}),
		ConnectionsClosedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cortexd_connections_closed_total",
			Help: "Total connections closed.",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "cortexd_connections_active",
			Help: "Connections currently open.",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexd_frames_total",
			Help: "Total request frames dispatched, by method.",
		}, []string{"method"}),
		AuthzDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexd_authz_denied_total",
			Help: "Total access_denied outcomes, by method.",
		}, []string{"method"}),
		CatalogMutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexd_catalog_mutations_total",
			Help: "Total catalog-mutating operations, by kind.",
		}, []string{"kind"}),
		PoolSaturatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cortexd_pool_saturated_total",
			Help: "Total connections refused because the handler pool was saturated.",
		}),
	}
}

// Registry exposes the underlying Prometheus registry for an HTTP exposition
// endpoint (promhttp.HandlerFor) set up by cmd/cortexd.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ConnectionOpened() {
	m.ConnectionsOpenTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.ConnectionsClosedTotal.Inc()
	m.ConnectionsActive.Dec()
}

func (m *Metrics) FrameReceived(method string) { m.FramesTotal.WithLabelValues(method).Inc() }

func (m *Metrics) AuthzDenied(method string) { m.AuthzDeniedTotal.WithLabelValues(method).Inc() }

func (m *Metrics) CatalogMutation(kind string) { m.CatalogMutationsTotal.WithLabelValues(kind).Inc() }

func (m *Metrics) PoolSaturated() { m.PoolSaturatedTotal.Inc() }
