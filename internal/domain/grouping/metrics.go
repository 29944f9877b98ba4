package grouping

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the grouping collectors. A nil *Metrics records nothing.
type Metrics struct {
	suggestionsGenerated prometheus.Counter
	runsDiscarded        prometheus.Counter
	mutations            *prometheus.CounterVec
	suggestionDuration   prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		suggestionsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grocery_suggestions_generated_total",
			Help: "Suggestions returned to callers.",
		}),
		runsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grocery_suggestion_runs_discarded_total",
			Help: "Suggestion runs superseded by newer input before they finished.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grocery_group_mutations_total",
			Help: "Row-level group mutations by operation, scope and outcome.",
		}, []string{"op", "scope", "outcome"}),
		suggestionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grocery_suggestion_duration_seconds",
			Help:    "Wall time of completed suggestion runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	reg.MustRegister(m.suggestionsGenerated, m.runsDiscarded, m.mutations, m.suggestionDuration)
	return m
}

func (m *Metrics) observeRun(start time.Time, suggestions int) {
	if m == nil {
		return
	}
	m.suggestionDuration.Observe(time.Since(start).Seconds())
	m.suggestionsGenerated.Add(float64(suggestions))
}

func (m *Metrics) runDiscarded() {
	if m == nil {
		return
	}
	m.runsDiscarded.Inc()
}

func (m *Metrics) mutation(op string, scope ScopeKind, err error) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, scope.String(), outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConflict(err):
		return "conflict"
	case IsPermission(err):
		return "permission"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
