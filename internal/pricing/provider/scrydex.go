package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/binderd/pricewatch/internal/pricing"
)

const scrydexDefaultBatchSize = 50

// ScrydexConfig configures the aggregator adapter.
type ScrydexConfig struct {
	BaseURL   string
	APIKey    string
	BatchSize int
}

// Scrydex is the primary aggregator: raw and graded price tiers with trend
// windows, card and expansion metadata, and name search. Its price endpoint
// accepts batched identifiers, so one request can renew many cache entries.
type Scrydex struct {
	cfg    ScrydexConfig
	client httpDoer
}

// NewScrydex builds the adapter. A nil client falls back to a plain
// http.Client; per-call deadlines come from the request context.
func NewScrydex(cfg ScrydexConfig, client httpDoer) *Scrydex {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = scrydexDefaultBatchSize
	}
	return &Scrydex{cfg: cfg, client: client}
}

func (s *Scrydex) Name() string { return "scrydex" }

func (s *Scrydex) Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	switch spec.Category {
	case pricing.CategorySinglePrice:
		results, err := s.FetchBatch(ctx, []pricing.RequestSpec{spec})
		if err != nil {
			return Result{}, err
		}
		result, ok := results[spec.ItemIdentity]
		if !ok {
			return Result{}, &Error{Provider: s.Name(), Kind: KindNotFound, Message: "item not in response", ConsumedQuota: true}
		}
		return result, nil
	case pricing.CategoryCardMetadata:
		return s.fetchMetadata(ctx, spec, "/v1/cards/")
	case pricing.CategoryExpansionMetadata:
		return s.fetchMetadata(ctx, spec, "/v1/expansions/")
	case pricing.CategorySearchResult:
		return s.fetchSearch(ctx, spec)
	default:
		return Result{}, &Error{Provider: s.Name(), Kind: KindNotFound, Message: fmt.Sprintf("category %s not served", spec.Category)}
	}
}

type scrydexVariant struct {
	Tier     string   `json:"tier"`
	Low      float64  `json:"low"`
	Market   float64  `json:"market"`
	Mid      *float64 `json:"mid"`
	High     *float64 `json:"high"`
	Currency string   `json:"currency"`
}

type scrydexTrend struct {
	Change  float64 `json:"change"`
	Percent float64 `json:"percent"`
}

type scrydexPriceEntry struct {
	ID        string                  `json:"id"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Variants  []scrydexVariant        `json:"variants"`
	Trends    map[string]scrydexTrend `json:"trends"`
}

type scrydexPriceResponse struct {
	Data []scrydexPriceEntry `json:"data"`
}

// FetchBatch queries the price endpoint for up to BatchSize identifiers in a
// single request. Query parameters beyond the identifiers must agree across
// the batch; the refresh scheduler only groups specs that share them.
func (s *Scrydex) FetchBatch(ctx context.Context, specs []pricing.RequestSpec) (map[string]Result, error) {
	if len(specs) == 0 {
		return map[string]Result{}, nil
	}
	if len(specs) > s.cfg.BatchSize {
		specs = specs[:s.cfg.BatchSize]
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ItemIdentity)
	}
	query := url.Values{"ids": []string{strings.Join(ids, ",")}}
	for name, value := range specs[0].QueryParams {
		query.Set(name, value)
	}

	body, remaining, err := s.get(ctx, "/v1/prices", query)
	if err != nil {
		return nil, err
	}

	var decoded scrydexPriceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, malformedError(s.Name(), err, remaining)
	}

	results := make(map[string]Result, len(decoded.Data))
	for _, card := range decoded.Data {
		record := pricing.PriceRecord{ItemIdentity: card.ID}
		for _, variant := range card.Variants {
			record.Tiers = append(record.Tiers, pricing.PriceTier{
				TierLabel: variant.Tier,
				Low:       variant.Low,
				Market:    variant.Market,
				Mid:       variant.Mid,
				High:      variant.High,
				Currency:  variant.Currency,
				AsOf:      card.UpdatedAt,
			})
		}
		if len(card.Trends) > 0 {
			record.Trend = make(map[string]pricing.TrendPoint, len(card.Trends))
			for window, trend := range card.Trends {
				record.Trend[window] = pricing.TrendPoint{
					AbsoluteChange: trend.Change,
					PercentChange:  trend.Percent,
				}
			}
		}
		results[card.ID] = Result{Record: record, RemainingQuota: remaining}
	}
	return results, nil
}

func (s *Scrydex) fetchMetadata(ctx context.Context, spec pricing.RequestSpec, path string) (Result, error) {
	body, remaining, err := s.get(ctx, path+url.PathEscape(spec.ItemIdentity), nil)
	if err != nil {
		return Result{}, err
	}
	var attributes map[string]any
	if err := json.Unmarshal(body, &attributes); err != nil {
		return Result{}, malformedError(s.Name(), err, remaining)
	}
	record := pricing.PriceRecord{
		ItemIdentity: spec.ItemIdentity,
		Attributes:   make(map[string]string, len(attributes)),
	}
	for name, value := range attributes {
		switch v := value.(type) {
		case string:
			record.Attributes[name] = v
		case float64:
			record.Attributes[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			record.Attributes[name] = strconv.FormatBool(v)
		}
	}
	return Result{Record: record, RemainingQuota: remaining}, nil
}

type scrydexSearchResponse struct {
	Results []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Expansion string `json:"expansion"`
		Number    string `json:"number"`
	} `json:"results"`
}

func (s *Scrydex) fetchSearch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	query := url.Values{"q": []string{spec.ItemIdentity}}
	for name, value := range spec.QueryParams {
		query.Set(name, value)
	}
	body, remaining, err := s.get(ctx, "/v1/search", query)
	if err != nil {
		return Result{}, err
	}
	var decoded scrydexSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, malformedError(s.Name(), err, remaining)
	}
	record := pricing.PriceRecord{ItemIdentity: spec.ItemIdentity}
	for _, match := range decoded.Results {
		record.Matches = append(record.Matches, pricing.SearchMatch{
			ItemIdentity: match.ID,
			Name:         match.Name,
			Expansion:    match.Expansion,
			Number:       match.Number,
		})
	}
	return Result{Record: record, RemainingQuota: remaining}, nil
}

func (s *Scrydex) get(ctx context.Context, path string, query url.Values) ([]byte, *int, error) {
	target := strings.TrimRight(s.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, networkError(s.Name(), err)
	}
	req.Header.Set("X-Api-Key", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, networkError(s.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	remaining := remainingFromHeader(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return nil, remaining, statusError(s.Name(), resp.StatusCode, remaining)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, remaining, malformedError(s.Name(), err, remaining)
	}
	return body, remaining, nil
}
