package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/binderd/pricewatch/internal/pricing"
)

// Entry is one cached resolution. Entries are overwritten in place on refresh
// and outlive their expiry so hard-expired payloads remain available as a last
// resort; only SweepExpired removes them.
type Entry struct {
	Key            string              `json:"key"`
	Request        pricing.RequestSpec `json:"request"`
	Payload        pricing.PriceRecord `json:"payload"`
	CreatedAt      time.Time           `json:"createdAt"`
	SoftRefreshAt  time.Time           `json:"softRefreshAt"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	SourceProvider string              `json:"sourceProvider"`
	HitCount       int64               `json:"hitCount"`
	LastHitAt      time.Time           `json:"lastHitAt,omitempty"`
}

// Category is a convenience accessor for the request's category.
func (e Entry) Category() pricing.Category {
	return e.Request.Category
}

// validate enforces the timestamp ordering invariant before any write.
func (e Entry) validate() error {
	if e.Key == "" {
		return errors.New("store: entry key required")
	}
	if e.CreatedAt.IsZero() || e.SoftRefreshAt.IsZero() || e.ExpiresAt.IsZero() {
		return fmt.Errorf("store: entry %s missing timestamps", e.Key)
	}
	if e.SoftRefreshAt.Before(e.CreatedAt) || e.ExpiresAt.Before(e.SoftRefreshAt) {
		return fmt.Errorf("store: entry %s violates createdAt <= softRefreshAt <= expiresAt", e.Key)
	}
	return nil
}

// Store is the durable key->entry mapping the resolver and refresh scheduler
// share. Get increments the entry's hit counter as a side effect. Put is an
// atomic upsert by key: it fully replaces the entry or fails, never leaving a
// torn record. DueForRefresh lists entries past their soft-refresh point but
// not yet expired, oldest soft-refresh first, capped at limit. SweepExpired
// removes entries whose expiry has passed and which have not been hit since.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	DueForRefresh(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
