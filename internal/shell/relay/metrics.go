package relay

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Relay Metrics
// =============================================================================

// Metrics collects relay counters on a private registry.
type Metrics struct {
	registry *prom.Registry

	webhooks  *prom.CounterVec
	syncs     *prom.CounterVec
	reloads   *prom.CounterVec
	buildInfo *prom.GaugeVec
}

// NewMetrics constructs and registers the relay metrics.
func NewMetrics(version string) *Metrics {
	reg := prom.NewRegistry()

	m := &Metrics{
		registry: reg,
		webhooks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "komodoctl",
			Subsystem: "relay",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by stack and result",
		}, []string{"stack", "result"}),
		syncs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "komodoctl",
			Subsystem: "relay",
			Name:      "syncs_total",
			Help:      "Sync triggers by stack, source and result",
		}, []string{"stack", "source", "result"}),
		reloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "komodoctl",
			Subsystem: "relay",
			Name:      "inventory_reloads_total",
			Help:      "Inventory hot reloads by result",
		}, []string{"result"}),
		buildInfo: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "komodoctl",
			Subsystem: "relay",
			Name:      "build_info",
			Help:      "Relay build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.webhooks, m.syncs, m.reloads, m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) webhook(stack, result string) {
	m.webhooks.WithLabelValues(stack, result).Inc()
}

func (m *Metrics) sync(stack, source, result string) {
	m.syncs.WithLabelValues(stack, source, result).Inc()
}

func (m *Metrics) reload(result string) {
	m.reloads.WithLabelValues(result).Inc()
}
