package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// REST metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_api_requests_total",
			Help: "Total number of REST requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cordon_api_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	APIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_api_errors_total",
			Help: "Total number of REST errors by kind",
		},
		[]string{"kind"},
	)

	// Auth metrics
	AuthOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_auth_outcomes_total",
			Help: "Total number of authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Discovery metrics
	DiscoveryPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_discovery_pushes_total",
			Help: "Total number of discovery pushes by result (acked, nacked, sent)",
		},
		[]string{"result"},
	)

	DiscoveryPushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cordon_discovery_push_latency_seconds",
			Help:    "Time from snapshot commit to first push byte in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	ActiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cordon_discovery_active_streams",
			Help: "Number of open discovery streams per cluster",
		},
		[]string{"cluster"},
	)

	ConfigurationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cordon_discovery_configuration_lag",
			Help: "Subscribers whose last acked version trails the current snapshot, per cluster",
		},
		[]string{"cluster"},
	)

	// Fleet metrics
	ProxiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cordon_proxies_total",
			Help: "Known proxies per cluster and status",
		},
		[]string{"cluster", "status"},
	)

	SnapshotBuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_snapshot_builds_total",
			Help: "Total number of snapshot builds",
		},
	)

	// License metrics
	LicenseDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_license_decisions_total",
			Help: "Total number of license gate decisions by outcome (allow, deny)",
		},
		[]string{"outcome"},
	)

	LicenseCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_license_cache_total",
			Help: "License verdict cache lookups by result (hit, stale, refresh, degraded)",
		},
		[]string{"result"},
	)

	// CA metrics
	CertIssuancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_cert_issuances_total",
			Help: "Total number of certificates issued by usage",
		},
		[]string{"usage"},
	)

	CertRevocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_cert_revocations_total",
			Help: "Total number of certificate revocations",
		},
	)
)

func init() {
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(APIErrorsTotal)
	prometheus.MustRegister(AuthOutcomesTotal)
	prometheus.MustRegister(DiscoveryPushesTotal)
	prometheus.MustRegister(DiscoveryPushLatency)
	prometheus.MustRegister(ActiveStreams)
	prometheus.MustRegister(ConfigurationLag)
	prometheus.MustRegister(ProxiesTotal)
	prometheus.MustRegister(SnapshotBuildsTotal)
	prometheus.MustRegister(LicenseDecisionsTotal)
	prometheus.MustRegister(LicenseCacheHits)
	prometheus.MustRegister(CertIssuancesTotal)
	prometheus.MustRegister(CertRevocationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
