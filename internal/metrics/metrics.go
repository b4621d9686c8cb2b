package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for hokori.
type Metrics struct {
	PrincipalsScraped *prometheus.GaugeVec
	SnapshotsTaken    prometheus.Counter
	AnalysisRuns      prometheus.Counter
	AnalysisFailures  prometheus.Counter
	AnalysisDuration  prometheus.Histogram
	UnusedEntities    *prometheus.GaugeVec
	UsersByTier       *prometheus.GaugeVec
	Warnings          *prometheus.CounterVec
	gatherer          prometheus.Gatherer
}

// New creates and registers all metrics with the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered against the provided Registerer.
// Use prometheus.NewRegistry() in tests to avoid duplicate registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	principalsScraped := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hokori_principals_scraped",
		Help: "Number of IAM entities captured in the last snapshot, by type.",
	}, []string{"type"})
	factory(principalsScraped)

	snapshotsTaken := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hokori_snapshots_taken_total",
		Help: "Total number of IAM snapshots captured from the account.",
	})
	factory(snapshotsTaken)

	analysisRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hokori_analysis_runs_total",
		Help: "Total number of analysis passes started.",
	})
	factory(analysisRuns)

	analysisFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hokori_analysis_failures_total",
		Help: "Total number of analysis passes aborted by an error.",
	})
	factory(analysisFailures)

	analysisDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hokori_analysis_duration_seconds",
		Help:    "Duration of analysis passes.",
		Buckets: prometheus.DefBuckets,
	})
	factory(analysisDuration)

	unusedEntities := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hokori_unused_entities",
		Help: "Number of unused entities found by the last analysis, by kind.",
	}, []string{"kind"})
	factory(unusedEntities)

	usersByTier := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hokori_users_by_tier",
		Help: "Number of users assigned to each least-privilege tier by the last analysis.",
	}, []string{"tier"})
	factory(usersByTier)

	warnings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hokori_data_quality_warnings_total",
		Help: "Total number of data-quality warnings raised during analysis, by kind.",
	}, []string{"kind"})
	factory(warnings)

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		panic("BUG: registerer does not implement prometheus.Gatherer")
	}

	return &Metrics{
		PrincipalsScraped: principalsScraped,
		SnapshotsTaken:    snapshotsTaken,
		AnalysisRuns:      analysisRuns,
		AnalysisFailures:  analysisFailures,
		AnalysisDuration:  analysisDuration,
		UnusedEntities:    unusedEntities,
		UsersByTier:       usersByTier,
		Warnings:          warnings,
		gatherer:          gatherer,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint using the registry
// that was provided to NewWithRegistry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
