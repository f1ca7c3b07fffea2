package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome labels the result of one provider call.
type FetchOutcome string

const (
	FetchSuccess        FetchOutcome = "success"
	FetchNotFound       FetchOutcome = "not_found"
	FetchMalformed      FetchOutcome = "malformed"
	FetchNetworkFailure FetchOutcome = "network_failure"
	FetchRateLimited    FetchOutcome = "rate_limited"
)

// Recorder publishes Prometheus metrics for resolver and scheduler activity.
// All counters here are derived observability data, never authoritative state.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	resolveRequests *prometheus.CounterVec
	resolveLatency  *prometheus.HistogramVec

	providerFetches *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec

	quotaRejections *prometheus.CounterVec
	callsAvoided    prometheus.Counter

	refreshCycles    prometheus.Counter
	refreshedEntries prometheus.Counter
	sweptEntries     prometheus.Counter
	cacheEntries     prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	resolveRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "resolver",
		Name:      "requests_total",
		Help:      "Price resolutions served, by category, cache state, and source provider.",
	}, []string{"category", "cache_state", "provider"})

	resolveLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricewatch",
		Subsystem: "resolver",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed price resolutions.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"category", "cache_state"})

	providerFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "provider",
		Name:      "fetches_total",
		Help:      "Provider adapter calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricewatch",
		Subsystem: "provider",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for provider adapter calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider", "outcome"})

	quotaRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Reservations refused because a provider window was exhausted.",
	}, []string{"provider"})

	callsAvoided := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "resolver",
		Name:      "provider_calls_avoided_total",
		Help:      "Estimated provider calls avoided by serving from cache.",
	})

	refreshCycles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "refresh",
		Name:      "cycles_total",
		Help:      "Background refresh scheduler ticks completed.",
	})
	refreshedEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "refresh",
		Name:      "entries_refreshed_total",
		Help:      "Cache entries renewed by the background scheduler.",
	})
	sweptEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "refresh",
		Name:      "entries_swept_total",
		Help:      "Hard-expired cache entries removed by the sweep.",
	})
	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricewatch",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Cache entries currently persisted, sampled each scheduler tick.",
	})

	reg.MustRegister(resolveRequests, resolveLatency, providerFetches, providerLatency,
		quotaRejections, callsAvoided, refreshCycles, refreshedEntries, sweptEntries, cacheEntries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		resolveRequests:  resolveRequests,
		resolveLatency:   resolveLatency,
		providerFetches:  providerFetches,
		providerLatency:  providerLatency,
		quotaRejections:  quotaRejections,
		callsAvoided:     callsAvoided,
		refreshCycles:    refreshCycles,
		refreshedEntries: refreshedEntries,
		sweptEntries:     sweptEntries,
		cacheEntries:     cacheEntries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveResolve records one completed resolution. Serving from cache in any
// state counts as an avoided provider call.
func (r *Recorder) ObserveResolve(category, cacheState, provider string, duration time.Duration) {
	if r == nil {
		return
	}
	categoryLabel := normalizeLabel(category)
	stateLabel := normalizeLabel(cacheState)
	r.resolveRequests.WithLabelValues(categoryLabel, stateLabel, normalizeLabel(provider)).Inc()
	r.resolveLatency.WithLabelValues(categoryLabel, stateLabel).Observe(duration.Seconds())
	if cacheState != "miss-resolved" {
		r.callsAvoided.Inc()
	}
}

// ObserveFetch records one provider adapter call.
func (r *Recorder) ObserveFetch(provider string, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(FetchNetworkFailure)
	}
	r.providerFetches.WithLabelValues(normalizeLabel(provider), outcomeLabel).Inc()
	r.providerLatency.WithLabelValues(normalizeLabel(provider), outcomeLabel).Observe(duration.Seconds())
}

// QuotaRejected counts a reservation refused by the local tracker.
func (r *Recorder) QuotaRejected(provider string) {
	if r == nil {
		return
	}
	r.quotaRejections.WithLabelValues(normalizeLabel(provider)).Inc()
}

// ObserveRefreshCycle records the outcome of one scheduler tick.
func (r *Recorder) ObserveRefreshCycle(refreshed, swept int) {
	if r == nil {
		return
	}
	r.refreshCycles.Inc()
	r.refreshedEntries.Add(float64(refreshed))
	r.sweptEntries.Add(float64(swept))
}

// SetCacheEntries publishes the sampled store size.
func (r *Recorder) SetCacheEntries(entries int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(entries))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
