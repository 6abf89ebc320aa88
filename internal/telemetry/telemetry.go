// Package telemetry holds the Prometheus collectors for the intake pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// documentsSubmitted counts accepted submissions by declared type
	documentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propwatch_documents_submitted_total",
		Help: "Documents accepted for processing by declared type",
	}, []string{"type"})

	// jobOutcomes counts processing attempts by outcome: completed, retried, failed, lease_lost
	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propwatch_job_outcomes_total",
		Help: "Processing attempts by outcome",
	}, []string{"outcome"})

	leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propwatch_job_leases_expired_total",
		Help: "Leases reclaimed after their deadline passed",
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propwatch_job_duration_seconds",
		Help:    "Time spent processing one job attempt",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"type"})

	alertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propwatch_alerts_created_total",
		Help: "Alerts raised by metric and severity",
	}, []string{"metric", "severity"})

	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propwatch_alert_decisions_total",
		Help: "Committee decisions by outcome; stale counts rejected duplicate decisions",
	}, []string{"decision"})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "propwatch_workers_busy",
		Help: "Workers currently holding a lease",
	})
)

func DocumentSubmitted(docType string) { documentsSubmitted.WithLabelValues(docType).Inc() }

func JobOutcome(outcome string) { jobOutcomes.WithLabelValues(outcome).Inc() }

func LeaseExpired() { leasesExpired.Inc() }

func ObserveJob(docType string, d time.Duration) {
	jobDuration.WithLabelValues(docType).Observe(d.Seconds())
}

func AlertCreated(metric, severity string) { alertsCreated.WithLabelValues(metric, severity).Inc() }

func Decision(decision string) { decisions.WithLabelValues(decision).Inc() }

func WorkerBusy(delta float64) { workersBusy.Add(delta) }

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
