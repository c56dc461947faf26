package progress

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the progress hub.
type Metrics struct {
	Published   prometheus.Counter
	Dropped     prometheus.Counter
	Subscribers prometheus.Gauge
}

// NewMetrics registers and returns hub metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_progress_events_published_total",
			Help: "Total progress events published.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_progress_events_dropped_total",
			Help: "Progress events dropped because a subscriber queue was full.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_progress_subscribers",
			Help: "Currently joined progress subscribers.",
		}),
	}
	reg.MustRegister(m.Published, m.Dropped, m.Subscribers)
	return m
}
