// Package metrics holds the Prometheus collectors for the edge, grouped by
// the component that increments them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RouterRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "router_requests_total",
		Help:      "Total requests handled by the router, by route and status code.",
	}, []string{"route", "status"})

	RouterRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edge",
		Name:      "router_request_duration_seconds",
		Help:      "Router request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"route"})

	FetcherBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "fetcher_bytes_total",
		Help:      "Total bytes streamed through the Fetcher, by upstream.",
	}, []string{"upstream"})

	FetcherPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "fetcher_publish_total",
		Help:      "Total Fetcher publish outcomes.",
	}, []string{"outcome"}) // published, checksum_mismatch, upstream_error

	RangeServerBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "rangeserver_bytes_total",
		Help:      "Total bytes served by RangeServer.",
	})

	RangeServerResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "rangeserver_responses_total",
		Help:      "Total RangeServer responses by status code.",
	}, []string{"status"})

	DerivativeJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "derivative_jobs_total",
		Help:      "Total derivative compensation jobs by outcome.",
	}, []string{"outcome"}) // started, deduped, succeeded, failed

	DerivativeJobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edge",
		Name:      "derivative_job_duration_seconds",
		Help:      "Duration of ffmpeg compensation jobs in seconds.",
		Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
	})

	SniActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edge",
		Name:      "sni_active_connections",
		Help:      "Currently active SNI-forwarded connections.",
	})

	SniConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "sni_connections_total",
		Help:      "Total SNI-forwarded connections by outcome.",
	}, []string{"outcome"}) // forwarded, unknown_host, parse_error, dial_error

	SniBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "sni_bytes_total",
		Help:      "Total bytes copied by the SNI forwarder, by direction.",
	}, []string{"direction"}) // inbound, outbound
)

// Register adds every collector to reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RouterRequestsTotal,
		RouterRequestDuration,
		FetcherBytesTotal,
		FetcherPublishTotal,
		RangeServerBytesTotal,
		RangeServerResponsesTotal,
		DerivativeJobsTotal,
		DerivativeJobDuration,
		SniActiveConnections,
		SniConnectionsTotal,
		SniBytesTotal,
	)
}
