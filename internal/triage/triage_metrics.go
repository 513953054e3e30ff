package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	TriagesTotal     *prometheus.CounterVec
	TriageDuration   *prometheus.HistogramVec
	TriageConfidence prometheus.Histogram
	StepDuration     *prometheus.HistogramVec
	StepErrorsTotal  *prometheus.CounterVec
	ModelCallsTotal  *prometheus.CounterVec
	ModelDuration    *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhand_triages_total",
			Help: "Total triage runs by final status and trigger.",
		}, []string{"status", "trigger"}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskhand_triage_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"status"}),
		TriageConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskhand_triage_confidence",
			Help:    "Classifier confidence of completed runs.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskhand_triage_step_duration_seconds",
			Help:    "Duration of individual pipeline steps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}, []string{"step"}),
		StepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhand_triage_step_errors_total",
			Help: "Total pipeline step failures by step.",
		}, []string{"step"}),
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhand_model_calls_total",
			Help: "Classify and draft results by operation, provider and mode.",
		}, []string{"op", "provider", "mode"}),
		ModelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskhand_model_call_duration_seconds",
			Help:    "Latency of remote classify and draft calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"op"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhand_submits_total",
			Help: "Total background triage submissions by result.",
		}, []string{"result"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhand_retries_total",
			Help: "Total retry sequences by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.TriagesTotal,
		m.TriageDuration,
		m.TriageConfidence,
		m.StepDuration,
		m.StepErrorsTotal,
		m.ModelCallsTotal,
		m.ModelDuration,
		m.SubmitsTotal,
		m.RetriesTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStep: func(step string, duration float64, err error) {
			m.StepDuration.WithLabelValues(step).Observe(duration)
			if err != nil {
				m.StepErrorsTotal.WithLabelValues(step).Inc()
			}
		},
		OnModel: func(op string, info ModelInfo) {
			m.ModelCallsTotal.WithLabelValues(op, info.Provider, string(info.Mode)).Inc()
			if info.Mode != ModeLocal {
				m.ModelDuration.WithLabelValues(op).Observe(info.LatencySeconds)
			}
		},
		OnComplete: func(e *CompleteEvent) {
			m.TriagesTotal.WithLabelValues(e.Status, string(e.Trigger)).Inc()
			m.TriageDuration.WithLabelValues(e.Status).Observe(e.Duration)
			if e.Status == RunAutoClosed || e.Status == RunAssigned {
				m.TriageConfidence.Observe(e.Confidence)
			}
		},
	}
}
