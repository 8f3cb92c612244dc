package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"workledger/internal/domain"
)

// Metrics provides observability for reconciliation runs.
type Metrics struct {
	Runs               *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	RecordsAccepted    *prometheus.CounterVec
	RecordsQuarantined *prometheus.CounterVec
	Groups             *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg. A nil reg registers on the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workledger_reconciliation_runs_total",
			Help: "Total number of reconciliation runs by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workledger_reconciliation_run_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		RecordsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workledger_records_accepted_total",
			Help: "Records normalized and keyed, by source system",
		}, []string{"source"}),
		RecordsQuarantined: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workledger_records_quarantined_total",
			Help: "Records excluded from grouping, by source system and error kind",
		}, []string{"source", "kind"}),
		Groups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workledger_groups_classified_total",
			Help: "Reconciliation groups by status",
		}, []string{"status"}),
	}
}

// ObserveRun records the outcome and duration of a run.
// Call with time.Now() at the start of the run.
func (m *Metrics) ObserveRun(outcome string, start time.Time) {
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
}

// IncrementAccepted records an accepted record.
func (m *Metrics) IncrementAccepted(source domain.SourceSystem) {
	m.RecordsAccepted.WithLabelValues(string(source)).Inc()
}

// IncrementQuarantined records a quarantined record.
func (m *Metrics) IncrementQuarantined(u domain.UnresolvedRecord) {
	m.RecordsQuarantined.WithLabelValues(string(u.SourceSystem), u.Kind).Inc()
}

// ObserveReport counts the groups of a finished report by status.
func (m *Metrics) ObserveReport(report *domain.AuditReport) {
	for status, n := range report.Summary.ByStatus {
		m.Groups.WithLabelValues(string(status)).Add(float64(n))
	}
}
