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

// SealedBaseConfig configures the sealed-product pricing adapter.
type SealedBaseConfig struct {
	BaseURL string
	APIKey  string
}

// SealedBase quotes sealed products (booster boxes, elite trainer boxes,
// tins). A sealed product has no condition or grading tiers; every record it
// produces carries exactly one tier labeled "sealed".
type SealedBase struct {
	cfg    SealedBaseConfig
	client httpDoer
}

func NewSealedBase(cfg SealedBaseConfig, client httpDoer) *SealedBase {
	if client == nil {
		client = &http.Client{}
	}
	return &SealedBase{cfg: cfg, client: client}
}

func (s *SealedBase) Name() string { return "sealedbase" }

type sealedBaseResponse struct {
	ProductID string    `json:"productId"`
	Price     float64   `json:"price"`
	LowPrice  float64   `json:"lowPrice"`
	Currency  string    `json:"currency"`
	QuotedAt  time.Time `json:"quotedAt"`
}

func (s *SealedBase) Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	if spec.Category != pricing.CategorySealedPrice {
		return Result{}, &Error{Provider: s.Name(), Kind: KindNotFound, Message: fmt.Sprintf("category %s not served", spec.Category)}
	}

	target := strings.TrimRight(s.cfg.BaseURL, "/") + "/api/sealed/" + url.PathEscape(spec.ItemIdentity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, networkError(s.Name(), err)
	}
	req.Header.Set("X-Api-Key", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, networkError(s.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	remaining := remainingFromHeader(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(s.Name(), resp.StatusCode, remaining)
	}
	body, err := readBody(resp)
	if err != nil {
		return Result{}, malformedError(s.Name(), err, remaining)
	}

	var decoded sealedBaseResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, malformedError(s.Name(), err, remaining)
	}

	currency := decoded.Currency
	if currency == "" {
		currency = "USD"
	}
	record := pricing.PriceRecord{
		ItemIdentity: spec.ItemIdentity,
		Tiers: []pricing.PriceTier{{
			TierLabel: pricing.TierSealed,
			Low:       decoded.LowPrice,
			Market:    decoded.Price,
			Currency:  currency,
			AsOf:      decoded.QuotedAt,
		}},
	}
	return Result{Record: record, RemainingQuota: remaining}, nil
}
