package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/binderd/pricewatch/internal/pricing"
)

// TCGMarketConfig configures the marketplace pricing adapter.
type TCGMarketConfig struct {
	BaseURL string
	Token   string
}

// TCGMarket is the secondary single-card source: marketplace listing prices
// broken down by card condition. It publishes no trend data and no graded
// tiers, so falling back to it changes the shape of the returned record, not
// just its source.
type TCGMarket struct {
	cfg    TCGMarketConfig
	client httpDoer
}

func NewTCGMarket(cfg TCGMarketConfig, client httpDoer) *TCGMarket {
	if client == nil {
		client = &http.Client{}
	}
	return &TCGMarket{cfg: cfg, client: client}
}

func (t *TCGMarket) Name() string { return "tcgmarket" }

type tcgmarketResponse struct {
	ProductID string    `json:"productId"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
	Results   []struct {
		Condition   string   `json:"condition"`
		LowPrice    float64  `json:"lowPrice"`
		MidPrice    *float64 `json:"midPrice"`
		HighPrice   *float64 `json:"highPrice"`
		MarketPrice float64  `json:"marketPrice"`
	} `json:"results"`
}

func (t *TCGMarket) Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	if spec.Category != pricing.CategorySinglePrice {
		return Result{}, &Error{Provider: t.Name(), Kind: KindNotFound, Message: fmt.Sprintf("category %s not served", spec.Category)}
	}

	target := strings.TrimRight(t.cfg.BaseURL, "/") + "/pricing/product/" + url.PathEscape(spec.ItemIdentity)
	if len(spec.QueryParams) > 0 {
		query := url.Values{}
		for name, value := range spec.QueryParams {
			query.Set(name, value)
		}
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, networkError(t.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, networkError(t.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	remaining := remainingFromHeader(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(t.Name(), resp.StatusCode, remaining)
	}
	body, err := readBody(resp)
	if err != nil {
		return Result{}, malformedError(t.Name(), err, remaining)
	}

	var decoded tcgmarketResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, malformedError(t.Name(), err, remaining)
	}

	record := pricing.PriceRecord{ItemIdentity: spec.ItemIdentity}
	for _, result := range decoded.Results {
		record.Tiers = append(record.Tiers, pricing.PriceTier{
			TierLabel: "raw/" + result.Condition,
			Low:       result.LowPrice,
			Market:    result.MarketPrice,
			Mid:       result.MidPrice,
			High:      result.HighPrice,
			Currency:  decoded.Currency,
			AsOf:      decoded.UpdatedAt,
		})
	}
	return Result{Record: record, RemainingQuota: remaining}, nil
}
