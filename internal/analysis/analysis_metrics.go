package analysis

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the analysis subsystem.
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	StepsTotal       *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepErrorsTotal  *prometheus.CounterVec
	SubmitsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_analyses_total",
			Help: "Dispatches that left a record terminal, by final status and lineage.",
		}, []string{"status", "lineage"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_analysis_duration_seconds",
			Help:    "Wall time of dispatches that left a record terminal.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status", "lineage"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_steps_total",
			Help: "Step executions by step key and outcome.",
		}, []string{"step", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_step_duration_seconds",
			Help:    "Duration of step executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"step"}),
		StepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_step_errors_total",
			Help: "Failed or degraded step executions by error kind.",
		}, []string{"step", "kind"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_submits_total",
			Help: "Total analysis submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.StepsTotal,
		m.StepDuration,
		m.StepErrorsTotal,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStep: func(e *StepEvent) {
			status := string(e.Status)
			if e.Degraded {
				status = "degraded"
			}
			m.StepsTotal.WithLabelValues(e.Key, status).Inc()
			m.StepDuration.WithLabelValues(e.Key).Observe(e.Duration)
			if e.Kind != "" {
				m.StepErrorsTotal.WithLabelValues(e.Key, string(e.Kind)).Inc()
			}
		},
		OnComplete: func(e *CompleteEvent) {
			m.AnalysesTotal.WithLabelValues(string(e.Status), string(e.Lineage)).Inc()
			m.AnalysisDuration.WithLabelValues(string(e.Status), string(e.Lineage)).Observe(e.Duration)
		},
	}
}

// ObserveSubmit counts a Submit outcome. Pass it to WithSubmitObserver.
func (m *Metrics) ObserveSubmit(result string) {
	m.SubmitsTotal.WithLabelValues(result).Inc()
}
