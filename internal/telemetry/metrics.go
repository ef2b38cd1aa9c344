package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnmchuo/eu-llm-gateway/internal/health"
)

// Metrics holds the gateway's Prometheus collectors. It satisfies the
// recorder interfaces of the dispatcher and the pipeline.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Tokens          *prometheus.CounterVec
	Credits         *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	Redactions      *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Generation requests by outcome and provider used.",
		}, []string{"outcome", "provider"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end generation latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_total",
			Help:      "Tokens consumed by successful generations.",
		}, []string{"provider"}),
		Credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "credits_deducted_total",
			Help:      "Credits deducted from licenses.",
		}, []string{"provider"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome, including skipped open circuits.",
		}, []string{"provider", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "provider_attempt_duration_seconds",
			Help:      "Latency of one provider attempt including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		Redactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "redactions_total",
			Help:      "Personal data matches removed from prompts.",
		}, []string{"category"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_state",
			Help:      "Circuit state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
	}

	for _, c := range []prometheus.Collector{
		m.Requests, m.RequestDuration, m.Tokens, m.Credits,
		m.Attempts, m.AttemptDuration, m.Redactions, m.CircuitState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveAttempt(provider, outcome string, latency time.Duration) {
	m.Attempts.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		m.AttemptDuration.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveGeneration(outcome, provider string, tokens int, credits int64, latency time.Duration) {
	m.Requests.WithLabelValues(outcome, provider).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(latency.Seconds())
	if tokens > 0 {
		m.Tokens.WithLabelValues(provider).Add(float64(tokens))
	}
	if credits > 0 {
		m.Credits.WithLabelValues(provider).Add(float64(credits))
	}
}

func (m *Metrics) ObserveRedaction(category string, count int) {
	m.Redactions.WithLabelValues(category).Add(float64(count))
}

// ObserveCircuit has the signature of health.Settings.OnStateChange.
func (m *Metrics) ObserveCircuit(provider string, _, to health.State) {
	var v float64
	switch to {
	case health.StateHalfOpen:
		v = 1
	case health.StateOpen:
		v = 2
	}
	m.CircuitState.WithLabelValues(provider).Set(v)
}
