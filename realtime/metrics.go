package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the multiplexer. Recording is
// optional; a Provider without metrics skips all instrumentation.
type Metrics struct {
	channelsOpen     prometheus.Gauge
	listeners        prometheus.Gauge
	eventsTotal      *prometheus.CounterVec
	rebuildsTotal    prometheus.Counter
	enrichmentMisses prometheus.Counter
}

// NewMetrics creates and registers the multiplexer metrics on the given
// registerer (pass prometheus.DefaultRegisterer for the default).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "planora_realtime_channels_open",
			Help: "Number of live transport channels",
		}),
		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "planora_realtime_listeners",
			Help: "Number of registered listeners across all topics",
		}),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planora_realtime_events_dispatched_total",
				Help: "Total change events fanned out to listeners",
			},
			[]string{"type"},
		),
		rebuildsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "planora_realtime_membership_rebuilds_total",
			Help: "Total debounced membership channel rebuilds",
		}),
		enrichmentMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "planora_realtime_enrichment_misses_total",
			Help: "Enrichment point reads that returned nothing or failed",
		}),
	}
}

func (m *Metrics) updateRegistryStats(channels, listeners int) {
	m.channelsOpen.Set(float64(channels))
	m.listeners.Set(float64(listeners))
}

func (m *Metrics) recordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) recordRebuild() {
	m.rebuildsTotal.Inc()
}

func (m *Metrics) recordEnrichmentMiss() {
	m.enrichmentMisses.Inc()
}
