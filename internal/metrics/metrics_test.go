package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveResolve(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveResolve("single_price", "fresh", "scrydex", 250*time.Millisecond)

	families := gather(t, rec,
		"pricewatch_resolver_requests_total",
		"pricewatch_resolver_request_duration_seconds",
		"pricewatch_resolver_provider_calls_avoided_total")

	counter := findMetric(t, families["pricewatch_resolver_requests_total"], map[string]string{
		"category":    "single_price",
		"cache_state": "fresh",
		"provider":    "scrydex",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for resolver requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["pricewatch_resolver_request_duration_seconds"], map[string]string{
		"category":    "single_price",
		"cache_state": "fresh",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for resolve latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}

	avoided := families["pricewatch_resolver_provider_calls_avoided_total"]
	if got := avoided[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("a cache serve should count as an avoided call, got %v", got)
	}
}

func TestRecorderMissDoesNotCountAsAvoided(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveResolve("single_price", "miss-resolved", "scrydex", time.Millisecond)

	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "pricewatch_resolver_provider_calls_avoided_total" {
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 0 {
			t.Fatalf("miss should not count as avoided, got %v", got)
		}
	}
}

func TestRecorderObserveFetchAndQuota(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("tcgmarket", FetchSuccess, 100*time.Millisecond)
	rec.QuotaRejected("scrydex")

	families := gather(t, rec,
		"pricewatch_provider_fetches_total",
		"pricewatch_quota_rejections_total")

	fetch := findMetric(t, families["pricewatch_provider_fetches_total"], map[string]string{
		"provider": "tcgmarket",
		"outcome":  string(FetchSuccess),
	})
	if got := fetch.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fetch counter 1, got %v", got)
	}

	rejection := findMetric(t, families["pricewatch_quota_rejections_total"], map[string]string{
		"provider": "scrydex",
	})
	if got := rejection.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected rejection counter 1, got %v", got)
	}
}

func TestRecorderRefreshCycle(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRefreshCycle(3, 2)
	rec.ObserveRefreshCycle(1, 0)
	rec.SetCacheEntries(42)

	families := gather(t, rec,
		"pricewatch_refresh_cycles_total",
		"pricewatch_refresh_entries_refreshed_total",
		"pricewatch_refresh_entries_swept_total",
		"pricewatch_cache_entries")

	if got := families["pricewatch_refresh_cycles_total"][0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	if got := families["pricewatch_refresh_entries_refreshed_total"][0].GetCounter().GetValue(); got != 4 {
		t.Fatalf("expected 4 refreshed entries, got %v", got)
	}
	if got := families["pricewatch_refresh_entries_swept_total"][0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 swept entries, got %v", got)
	}
	if got := families["pricewatch_cache_entries"][0].GetGauge().GetValue(); got != 42 {
		t.Fatalf("expected cache size 42, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveResolve("single_price", "fresh", "scrydex", time.Millisecond)
	rec.ObserveFetch("scrydex", FetchSuccess, time.Millisecond)
	rec.QuotaRejected("scrydex")
	rec.ObserveRefreshCycle(1, 1)
	rec.SetCacheEntries(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("nil recorder handler should report unavailable, got %d", rr.Code)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
