package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	eventsProcessed *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	connected       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_events_processed_total",
			Help: "Events decoded and applied to the local projection, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_events_dropped_total",
			Help: "Events dropped without being applied, by kind and reason.",
		}, []string{"kind", "reason"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketplace_mesh_subscribed",
			Help: "1 while the dispatcher holds live mesh subscriptions.",
		}),
	}

	for _, c := range []prometheus.Collector{m.eventsProcessed, m.eventsDropped, m.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) processed(kind string) {
	m.eventsProcessed.WithLabelValues(kind).Inc()
}

func (m *metrics) dropped(kind, reason string) {
	m.eventsDropped.WithLabelValues(kind, reason).Inc()
}

func (m *metrics) setConnected(up bool) {
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
