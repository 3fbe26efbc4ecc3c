package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks case creation, lifecycle changes and public lookups.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CasesCreated     prometheus.Counter
	CreateDuration   prometheus.Histogram
	SequenceRetries  prometheus.Counter
	StatusChanges    *prometheus.CounterVec
	Lookups          *prometheus.CounterVec
	LookupsThrottled prometheus.Counter
	CasesPurged      prometheus.Counter
}

// New registers all casefile metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CasesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "casefile_cases_created_total",
			Help: "Total number of cases created",
		}),
		CreateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "casefile_create_case_duration_seconds",
			Help:    "Duration of CreateCase including sequence retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		SequenceRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "casefile_sequence_retries_total",
			Help: "Case inserts retried after a sequence collision",
		}),
		StatusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_status_changes_total",
			Help: "Status changes by target status and path (advance or force)",
		}, []string{"status", "path"}),
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_lookups_total",
			Help: "Public lookups by result",
		}, []string{"result"}),
		LookupsThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "casefile_lookups_throttled_total",
			Help: "Public lookups rejected by the per-client limit",
		}),
		CasesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "casefile_cases_purged_total",
			Help: "Total number of cases hard-deleted",
		}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m == nil {
		return
	}
	m.CasesCreated.Inc()
}

// ObserveCreate records the duration of a CreateCase call started at start.
func (m *Metrics) ObserveCreate(start time.Time) {
	if m == nil {
		return
	}
	m.CreateDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRetry() {
	if m == nil {
		return
	}
	m.SequenceRetries.Inc()
}

func (m *Metrics) IncrementStatus(status, path string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(status, path).Inc()
}

func (m *Metrics) IncrementLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementThrottled() {
	if m == nil {
		return
	}
	m.LookupsThrottled.Inc()
}

func (m *Metrics) IncrementPurged() {
	if m == nil {
		return
	}
	m.CasesPurged.Inc()
}
