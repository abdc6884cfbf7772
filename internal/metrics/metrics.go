package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AdmitAllowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_admit_allowed_total",
		Help: "Admissions granted by the rate limiter",
	}, []string{"endpoint"})
	AdmitDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_admit_denied_total",
		Help: "Admissions denied by the rate limiter",
	}, []string{"endpoint", "reason"})
	UsageRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_usage_recorded_total",
		Help: "Successful calls charged against rate windows",
	}, []string{"endpoint"})
	ReconcileDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalq_reconcile_drift",
		Help: "Absolute difference between local and remote remaining counts",
	}, []string{"endpoint"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalq_queue_depth",
		Help: "Mentions per lifecycle status",
	}, []string{"status"})
	MentionsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalq_mentions_claimed_total",
		Help: "Mentions claimed for processing",
	})
	MentionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalq_mentions_completed_total",
		Help: "Mentions completed successfully",
	})
	MentionsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalq_mentions_failed_total",
		Help: "Failed mention attempts",
	}, []string{"terminal"})
	SweepReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalq_sweep_reclaimed_total",
		Help: "Expired claims reclaimed by the sweep",
	})
	IngestRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalq_ingest_runs_total",
		Help: "Total ingestion runs",
	})
	IngestErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalq_ingest_errors_total",
		Help: "Total ingestion errors",
	})
	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalq_ingest_duration_seconds",
		Help:    "Ingestion cycle duration seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(AdmitAllowed, AdmitDenied, UsageRecorded, ReconcileDrift,
		QueueDepth, MentionsClaimed, MentionsCompleted, MentionsFailed, SweepReclaimed,
		IngestRuns, IngestErrors, IngestDuration)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveIngestDuration records one ingest cycle duration.
func ObserveIngestDuration(start time.Time) {
	IngestDuration.Observe(time.Since(start).Seconds())
}
