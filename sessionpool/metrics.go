package sessionpool

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the session pool collectors.
type Metrics struct {
	Handles  prometheus.Gauge
	Sessions prometheus.Gauge
	Events   *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace and registers them with
// registerer when it is not nil.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessionpool",
			Name:      "handles",
			Help:      "Handles not yet deleted.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessionpool",
			Name:      "sessions",
			Help:      "Sessions that are up.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessionpool",
			Name:      "events_total",
			Help:      "Events delivered to session callbacks, by event.",
		}, []string{"event"}),
	}

	if registerer != nil {
		registerer.MustRegister(m.Handles, m.Sessions, m.Events)
	}

	return m
}
