// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// relay_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// relay_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// relay_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// relay_provider_error_count{provider}
	providerErrorCount *prometheus.GaugeVec

	// relay_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// relay_failover_exhausted_total{route}
	failoverExhausted *prometheus.CounterVec

	// relay_dedup_requests_total{role}
	dedupRequests *prometheus.CounterVec

	// relay_dedup_store_operations_total{op,result}
	dedupStoreOps *prometheus.CounterVec

	// relay_broadcast_subscribers
	broadcastSubscribers prometheus.Gauge

	// relay_broadcast_disconnects_total{reason}
	broadcastDisconnects *prometheus.CounterVec

	// relay_oauth_refresh_total{outcome}
	oauthRefresh *prometheus.CounterVec

	// relay_oauth_accounts{state}
	oauthAccounts *prometheus.GaugeVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes failover)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_errors_total",
				Help: "Total provider errors by classified type",
			},
			[]string{"provider", "error_type"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_provider_health",
				Help: "Provider health status (1=healthy, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		providerErrorCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_provider_error_count",
				Help: "Consecutive qualifying failures per provider",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failover_events_total",
				Help: "Failover events between route targets",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_failover_exhausted_total",
				Help: "Requests that exhausted all route targets without success",
			},
			[]string{"route"},
		),

		dedupRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dedup_requests_total",
				Help: "Deduplicated request outcomes by role (owner, subscriber, replay)",
			},
			[]string{"role"},
		),

		dedupStoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dedup_store_operations_total",
				Help: "Terminal-result store operations by type and result",
			},
			[]string{"op", "result"},
		),

		broadcastSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_broadcast_subscribers",
			Help: "Current number of attached stream subscribers",
		}),

		broadcastDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_broadcast_disconnects_total",
				Help: "Subscriber disconnects by reason (backpressure, idle, total_timeout, client)",
			},
			[]string{"reason"},
		),

		oauthRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_oauth_refresh_total",
				Help: "OAuth token refresh attempts by outcome",
			},
			[]string{"outcome"},
		),

		oauthAccounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_oauth_accounts",
				Help: "OAuth accounts by state (healthy, expiring, expired)",
			},
			[]string{"state"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.providerHealth,
		r.providerErrorCount,
		r.failoverEvents,
		r.failoverExhausted,
		r.dedupRequests,
		r.dedupStoreOps,
		r.broadcastSubscribers,
		r.broadcastDisconnects,
		r.oauthRefresh,
		r.oauthAccounts,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) SetProviderHealth(provider string, healthy bool, errorCount int) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
	r.providerErrorCount.WithLabelValues(provider).Set(float64(errorCount))
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(route string) {
	r.failoverExhausted.WithLabelValues(route).Inc()
}

func (r *Registry) RecordDedup(role string) {
	r.dedupRequests.WithLabelValues(role).Inc()
}

func (r *Registry) DedupStoreGetHit()   { r.dedupStoreOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) DedupStoreGetMiss()  { r.dedupStoreOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) DedupStoreSetOK()    { r.dedupStoreOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) DedupStoreSetError() { r.dedupStoreOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) SubscriberAttached() { r.broadcastSubscribers.Inc() }
func (r *Registry) SubscriberDetached(reason string) {
	r.broadcastSubscribers.Dec()
	r.broadcastDisconnects.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordOAuthRefresh(outcome string) {
	r.oauthRefresh.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetOAuthAccounts(healthy, expiring, expired int) {
	r.oauthAccounts.WithLabelValues("healthy").Set(float64(healthy))
	r.oauthAccounts.WithLabelValues("expiring").Set(float64(expiring))
	r.oauthAccounts.WithLabelValues("expired").Set(float64(expired))
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
