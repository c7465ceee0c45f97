// Package metrics holds the Prometheus collectors shared by the API and the worker
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edit_submissions_total",
		Help: "Edit submissions by outcome (accepted, duplicate, rejected, failed).",
	}, []string{"outcome"})

	BudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edit_budget_rejections_total",
		Help: "Submissions refused by the daily budget guard.",
	}, []string{"reason"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edit_jobs_finished_total",
		Help: "Jobs driven to a terminal status by the worker.",
	}, []string{"status"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edit_provider_call_seconds",
		Help:    "Latency of generation provider calls.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"provider", "outcome"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
