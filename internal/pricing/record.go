package pricing

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Category identifies the kind of data being cached. Each category carries its
// own freshness policy and provider fallback chain.
type Category string

const (
	CategoryCardMetadata      Category = "card_metadata"
	CategoryExpansionMetadata Category = "expansion_metadata"
	CategorySinglePrice       Category = "single_price"
	CategorySealedPrice       Category = "sealed_price"
	CategorySearchResult      Category = "search_result"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryCardMetadata,
		CategoryExpansionMetadata,
		CategorySinglePrice,
		CategorySealedPrice,
		CategorySearchResult,
	}
}

// Valid reports whether the category is one of the known kinds.
func (c Category) Valid() bool {
	switch c {
	case CategoryCardMetadata, CategoryExpansionMetadata, CategorySinglePrice,
		CategorySealedPrice, CategorySearchResult:
		return true
	}
	return false
}

// TierSealed is the single tier label sealed-product records carry.
const TierSealed = "sealed"

// PriceTier is one observation within a record: a condition or grading tier
// with the prices the provider reported for it. Mid and High stay nil when the
// provider does not publish them; they are never synthesized.
type PriceTier struct {
	TierLabel string    `json:"tierLabel"`
	Low       float64   `json:"low"`
	Market    float64   `json:"market"`
	Mid       *float64  `json:"mid,omitempty"`
	High      *float64  `json:"high,omitempty"`
	Currency  string    `json:"currency"`
	AsOf      time.Time `json:"asOf"`
}

// TrendPoint captures a provider-reported price movement over one lookback
// window, keyed in PriceRecord.Trend by window labels such as "7d" or "30d".
type TrendPoint struct {
	AbsoluteChange float64 `json:"absoluteChange"`
	PercentChange  float64 `json:"percentChange"`
}

// SearchMatch is one hit in a cached search result set.
type SearchMatch struct {
	ItemIdentity string `json:"itemIdentity"`
	Name         string `json:"name"`
	Expansion    string `json:"expansion,omitempty"`
	Number       string `json:"number,omitempty"`
}

// PriceRecord is the canonical, provider-agnostic payload every adapter
// normalizes into. Price categories fill Tiers (and Trend when the provider
// supplies it), metadata categories fill Attributes, search results fill
// Matches. Tiers keep the order the provider reported; low/market/high
// ordering is deliberately not reconciled across or within providers, and
// missing trend windows are never synthesized.
type PriceRecord struct {
	ItemIdentity string                `json:"itemIdentity"`
	Tiers        []PriceTier           `json:"tiers,omitempty"`
	Trend        map[string]TrendPoint `json:"trend,omitempty"`
	Attributes   map[string]string     `json:"attributes,omitempty"`
	Matches      []SearchMatch         `json:"matches,omitempty"`
}

// Clone returns a deep copy so cached records cannot be mutated by callers.
func (r PriceRecord) Clone() PriceRecord {
	out := PriceRecord{ItemIdentity: r.ItemIdentity}
	if len(r.Tiers) > 0 {
		out.Tiers = make([]PriceTier, len(r.Tiers))
		copy(out.Tiers, r.Tiers)
		for i, tier := range r.Tiers {
			if tier.Mid != nil {
				mid := *tier.Mid
				out.Tiers[i].Mid = &mid
			}
			if tier.High != nil {
				high := *tier.High
				out.Tiers[i].High = &high
			}
		}
	}
	if len(r.Trend) > 0 {
		out.Trend = make(map[string]TrendPoint, len(r.Trend))
		for window, point := range r.Trend {
			out.Trend[window] = point
		}
	}
	if len(r.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for name, value := range r.Attributes {
			out.Attributes[name] = value
		}
	}
	if len(r.Matches) > 0 {
		out.Matches = make([]SearchMatch, len(r.Matches))
		copy(out.Matches, r.Matches)
	}
	return out
}

// RequestSpec describes one price lookup: what kind of data, for which item,
// with which provider-agnostic query parameters (grade filter, language, ...).
type RequestSpec struct {
	Category     Category          `json:"category"`
	ItemIdentity string            `json:"itemIdentity"`
	QueryParams  map[string]string `json:"queryParams,omitempty"`
}

// CacheKey computes the deterministic cache key for the request using FNV-1a
// over a canonical representation: category|identity|param:value|... with
// parameters sorted by name. The category stays as a readable prefix so
// operators can tell entry kinds apart in the backing store.
func (s RequestSpec) CacheKey() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.Category))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(s.ItemIdentity))
	_, _ = h.Write([]byte("|"))
	if len(s.QueryParams) > 0 {
		names := make([]string, 0, len(s.QueryParams))
		for name := range s.QueryParams {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s:%s", name, s.QueryParams[name]))
		}
		_, _ = h.Write([]byte(strings.Join(parts, "|")))
	}
	return fmt.Sprintf("%s:%016x", s.Category, h.Sum64())
}

// CacheState tags every resolver answer with how it was produced so callers
// can distinguish fresh data from stale or emergency fallbacks.
type CacheState string

const (
	// CacheStateFresh means the entry was served before its soft-refresh point.
	CacheStateFresh CacheState = "fresh"
	// CacheStateStaleServable means the entry is past soft refresh but not yet
	// expired; a background refresh was enqueued.
	CacheStateStaleServable CacheState = "stale-but-servable"
	// CacheStateMissResolved means no usable entry existed and a provider was
	// queried synchronously.
	CacheStateMissResolved CacheState = "miss-resolved"
	// CacheStateExpiredFallback means every provider failed and a hard-expired
	// entry was served as a last resort.
	CacheStateExpiredFallback CacheState = "expired-fallback"
)
