package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/resolver"
)

type stubResolver struct {
	lastSpec pricing.RequestSpec
	result   resolver.Result
	err      error
}

func (s *stubResolver) Get(_ context.Context, spec pricing.RequestSpec) (resolver.Result, error) {
	s.lastSpec = spec
	if s.err != nil {
		return resolver.Result{}, s.err
	}
	return s.result, nil
}

func newTestExpect(t *testing.T, opts RouterOptions) (*httpexpect.Expect, func()) {
	t.Helper()
	handler, err := NewRouter(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	return httpexpect.Default(t, srv.URL), srv.Close
}

func TestPriceEndpointReturnsRecord(t *testing.T) {
	stub := &stubResolver{result: resolver.Result{
		Record: pricing.PriceRecord{
			ItemIdentity: "swsh7-215",
			Tiers: []pricing.PriceTier{{
				TierLabel: "raw",
				Low:       10,
				Market:    12.5,
				Currency:  "USD",
			}},
		},
		CacheState:     pricing.CacheStateFresh,
		SourceProvider: "scrydex",
	}}
	e, stop := newTestExpect(t, RouterOptions{Resolver: stub})
	defer stop()

	body := e.GET("/v1/price").
		WithQuery("category", "single_price").
		WithQuery("id", "swsh7-215").
		WithQuery("grade", "psa10").
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	body.HasValue("cacheState", "fresh")
	body.HasValue("sourceProvider", "scrydex")
	body.Value("record").Object().HasValue("itemIdentity", "swsh7-215")

	require.Equal(t, pricing.CategorySinglePrice, stub.lastSpec.Category)
	require.Equal(t, "swsh7-215", stub.lastSpec.ItemIdentity)
	require.Equal(t, map[string]string{"grade": "psa10"}, stub.lastSpec.QueryParams)
}

func TestPriceEndpointRejectsBadRequests(t *testing.T) {
	e, stop := newTestExpect(t, RouterOptions{Resolver: &stubResolver{}})
	defer stop()

	e.GET("/v1/price").
		WithQuery("category", "mystery_box").
		WithQuery("id", "x").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("status", "bad_request")

	e.GET("/v1/price").
		WithQuery("category", "single_price").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("status", "bad_request")
}

func TestPriceEndpointReportsUnavailableOnExhaustion(t *testing.T) {
	stub := &stubResolver{err: resolver.ErrAllProvidersExhausted}
	e, stop := newTestExpect(t, RouterOptions{Resolver: stub})
	defer stop()

	body := e.GET("/v1/price").
		WithQuery("category", "single_price").
		WithQuery("id", "swsh7-215").
		Expect().
		Status(http.StatusNotFound).
		JSON().Object()

	// The contract on exhaustion is an explicit unavailable state, never a
	// record with zero prices.
	body.HasValue("status", "price_unavailable")
	body.NotContainsKey("record")
}

func TestQuotaEndpointReportsUsage(t *testing.T) {
	tracker := quota.NewMemory(map[string][]quota.Limit{
		"scrydex": {{Period: quota.PeriodDay, Max: 100}},
	})
	require.NoError(t, tracker.TryReserve(context.Background(), "scrydex"))

	e, stop := newTestExpect(t, RouterOptions{
		Resolver:  &stubResolver{},
		Quota:     tracker,
		Providers: []string{"scrydex"},
	})
	defer stop()

	windows := e.GET("/v1/quota").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("scrydex").Array()

	windows.Length().IsEqual(1)
	first := windows.Value(0).Object()
	first.HasValue("Used", 1)
	first.HasValue("Limit", 100)
}

func TestHealthEndpoint(t *testing.T) {
	e, stop := newTestExpect(t, RouterOptions{Resolver: &stubResolver{}})
	defer stop()

	e.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestRouterRequiresResolver(t *testing.T) {
	_, err := NewRouter(RouterOptions{})
	require.Error(t, err)
}
