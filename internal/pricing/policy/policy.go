package policy

import (
	"fmt"
	"time"

	"github.com/binderd/pricewatch/internal/pricing"
)

// Entry pairs a category's hard time-to-live with the earlier point at which a
// cached answer becomes eligible for proactive background renewal.
type Entry struct {
	TTL         time.Duration
	SoftRefresh time.Duration
}

// Defaults returns the built-in freshness table. Metadata changes rarely and
// tolerates long windows; prices turn over daily; search results are only
// useful for the duration of a browsing session.
func Defaults() map[pricing.Category]Entry {
	return map[pricing.Category]Entry{
		pricing.CategoryCardMetadata:      {TTL: 72 * time.Hour, SoftRefresh: 24 * time.Hour},
		pricing.CategoryExpansionMetadata: {TTL: 7 * 24 * time.Hour, SoftRefresh: 3 * 24 * time.Hour},
		pricing.CategorySinglePrice:       {TTL: 24 * time.Hour, SoftRefresh: 20 * time.Hour},
		pricing.CategorySealedPrice:       {TTL: 24 * time.Hour, SoftRefresh: 20 * time.Hour},
		pricing.CategorySearchResult:      {TTL: 15 * time.Minute, SoftRefresh: 10 * time.Minute},
	}
}

// Registry answers freshness policy lookups. It is immutable after
// construction; the table is static configuration, not runtime state.
type Registry struct {
	entries map[pricing.Category]Entry
}

// NewRegistry builds a registry from the defaults with per-category overrides
// applied on top. Every resulting entry must satisfy softRefresh <= ttl and
// both must be positive; violations are configuration faults.
func NewRegistry(overrides map[pricing.Category]Entry) (*Registry, error) {
	entries := Defaults()
	for category, override := range overrides {
		if !category.Valid() {
			return nil, fmt.Errorf("policy: unknown category %q", category)
		}
		entries[category] = override
	}
	for category, entry := range entries {
		if entry.TTL <= 0 || entry.SoftRefresh <= 0 {
			return nil, fmt.Errorf("policy: category %q requires positive ttl and soft refresh", category)
		}
		if entry.SoftRefresh > entry.TTL {
			return nil, fmt.Errorf("policy: category %q soft refresh %s exceeds ttl %s", category, entry.SoftRefresh, entry.TTL)
		}
	}
	return &Registry{entries: entries}, nil
}

// For returns the policy for a category. Asking for an unknown category is a
// programming error, not a recoverable runtime condition, so it panics.
func (r *Registry) For(category pricing.Category) Entry {
	entry, ok := r.entries[category]
	if !ok {
		panic(fmt.Sprintf("policy: no entry for category %q", category))
	}
	return entry
}
