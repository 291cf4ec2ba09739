// Package metrics provides Prometheus metrics for onedrive-sync.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rolledback/onedrive-sync/internal/provider"
)

var (
	// Graph transport metrics
	graphRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrive_graph_requests_total",
			Help: "Total number of requests sent to Microsoft Graph",
		},
		[]string{"method", "code"},
	)

	graphRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onedrive_graph_request_duration_seconds",
			Help:    "Microsoft Graph request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Client operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrive_operations_total",
			Help: "Total number of storage client operations",
		},
		[]string{"mode", "op", "result"},
	)

	uploadedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrive_uploaded_bytes_total",
			Help: "Total bytes handed to upload and replace",
		},
		[]string{"mode"},
	)

	absorbedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrive_dryrun_absorbed_total",
			Help: "Mutations absorbed by the dry-run client instead of being sent",
		},
		[]string{"op"},
	)
)

// InstrumentTransport counts and times every request sent through next.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(graphRequestsTotal,
		promhttp.InstrumentRoundTripperDuration(graphRequestDuration, next))
}

// RecordAbsorbed counts a mutation the dry-run client did not perform.
func RecordAbsorbed(op string) {
	absorbedTotal.WithLabelValues(op).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an operation outcome by error kind.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, provider.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, provider.ErrNotFound):
		return "not_found"
	case errors.Is(err, provider.ErrConflict):
		return "conflict"
	case errors.Is(err, provider.ErrIO):
		return "io"
	case errors.Is(err, provider.ErrRemote):
		return "remote"
	default:
		return "other"
	}
}
