package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/resolver"
)

// PriceResolver is the slice of the resolver the router depends on.
type PriceResolver interface {
	Get(ctx context.Context, spec pricing.RequestSpec) (resolver.Result, error)
}

// RouterOptions wires the HTTP surface to the rest of the service.
type RouterOptions struct {
	Resolver PriceResolver
	Quota    quota.Tracker
	// Providers lists the configured provider names for the quota usage
	// endpoint.
	Providers []string
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

// priceResponse is the /v1/price success body.
type priceResponse struct {
	Record         pricing.PriceRecord `json:"record"`
	CacheState     pricing.CacheState  `json:"cacheState"`
	SourceProvider string              `json:"sourceProvider"`
}

// errorResponse carries explicit failure states. Status "price_unavailable"
// is the contract for chain exhaustion: callers render "unavailable", never a
// zero price.
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter builds the service mux: price lookups, quota usage, health, and
// optionally metrics.
func NewRouter(opts RouterOptions) (http.Handler, error) {
	if opts.Resolver == nil {
		return nil, errors.New("server: resolver required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "router"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/price", handlePrice(opts.Resolver, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Quota != nil {
		mux.HandleFunc("GET /v1/quota", handleQuota(opts.Quota, opts.Providers, logger))
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux, nil
}

func handlePrice(priceResolver PriceResolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		category := pricing.Category(strings.TrimSpace(query.Get("category")))
		if !category.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Status: "bad_request", Error: "unknown or missing category"})
			return
		}
		id := strings.TrimSpace(query.Get("id"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Status: "bad_request", Error: "id required"})
			return
		}

		spec := pricing.RequestSpec{Category: category, ItemIdentity: id}
		for name, values := range query {
			if name == "category" || name == "id" || len(values) == 0 {
				continue
			}
			if spec.QueryParams == nil {
				spec.QueryParams = make(map[string]string)
			}
			spec.QueryParams[name] = values[0]
		}

		result, err := priceResolver.Get(r.Context(), spec)
		if err != nil {
			if errors.Is(err, resolver.ErrAllProvidersExhausted) {
				writeJSON(w, http.StatusNotFound, errorResponse{Status: "price_unavailable", Error: "no provider could supply this item"})
				return
			}
			logger.Error("price lookup failed",
				slog.String("category", string(category)),
				slog.String("id", id),
				slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "internal_error"})
			return
		}

		writeJSON(w, http.StatusOK, priceResponse{
			Record:         result.Record,
			CacheState:     result.CacheState,
			SourceProvider: result.SourceProvider,
		})
	}
}

func handleQuota(tracker quota.Tracker, providers []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage := make(map[string][]quota.WindowUsage, len(providers))
		for _, provider := range providers {
			windows, err := tracker.Usage(r.Context(), provider)
			if err != nil {
				logger.Error("quota usage read failed",
					slog.String("provider", provider),
					slog.Any("error", err))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "internal_error"})
				return
			}
			usage[provider] = windows
		}
		writeJSON(w, http.StatusOK, usage)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
