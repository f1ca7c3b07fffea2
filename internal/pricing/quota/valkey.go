package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyConfig carries the connection settings for the persisted tracker.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
}

type valkeyTracker struct {
	client valkey.Client
	limits map[string][]Limit
	now    func() time.Time
}

// NewValkey returns a tracker whose counters live in valkey so reservation
// counts survive process restarts. Windows are stamped into the key, so a
// rollover simply starts counting under a fresh key; stale windows expire on
// their own.
func NewValkey(cfg ValkeyConfig, limits map[string][]Limit) (Tracker, error) {
	if cfg.Address == "" {
		return nil, errors.New("quota: valkey address required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("quota: valkey client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("quota: valkey ping: %w", err)
	}
	return &valkeyTracker{client: client, limits: limits, now: time.Now}, nil
}

// NewValkeyWithClient wires an existing client, letting the store and tracker
// share one connection. Used by the cache factory and by tests.
func NewValkeyWithClient(client valkey.Client, limits map[string][]Limit) Tracker {
	return &valkeyTracker{client: client, limits: limits, now: time.Now}
}

func (t *valkeyTracker) key(provider string, period Period, now time.Time) string {
	return fmt.Sprintf("pricewatch:quota:%s:%s:%s", provider, period, period.WindowStart(now))
}

func retention(period Period) time.Duration {
	if period == PeriodMonth {
		return 40 * 24 * time.Hour
	}
	return 48 * time.Hour
}

func (t *valkeyTracker) TryReserve(ctx context.Context, provider string) error {
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	now := t.now()
	reserved := make([]string, 0, len(limits))
	for _, limit := range limits {
		key := t.key(provider, limit.Period, now)
		used, err := t.client.Do(ctx, t.client.B().Incr().Key(key).Build()).AsInt64()
		if err != nil {
			t.rollback(ctx, reserved)
			return fmt.Errorf("quota: valkey incr: %w", err)
		}
		if used == 1 {
			expire := t.client.B().Expire().Key(key).Seconds(int64(retention(limit.Period).Seconds())).Build()
			if err := t.client.Do(ctx, expire).Error(); err != nil {
				t.rollback(ctx, append(reserved, key))
				return fmt.Errorf("quota: valkey expire: %w", err)
			}
		}
		if used > int64(limit.Max) {
			t.rollback(ctx, append(reserved, key))
			return ErrQuotaExceeded
		}
		reserved = append(reserved, key)
	}
	return nil
}

func (t *valkeyTracker) rollback(ctx context.Context, keys []string) {
	for _, key := range keys {
		_ = t.client.Do(ctx, t.client.B().Decr().Key(key).Build()).Error()
	}
}

func (t *valkeyTracker) Release(ctx context.Context, provider string) error {
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	now := t.now()
	for _, limit := range limits {
		key := t.key(provider, limit.Period, now)
		if err := t.client.Do(ctx, t.client.B().Decr().Key(key).Build()).Error(); err != nil {
			return fmt.Errorf("quota: valkey decr: %w", err)
		}
	}
	return nil
}

func (t *valkeyTracker) RecordUsage(ctx context.Context, provider string, observedRemaining *int) error {
	if observedRemaining == nil {
		return nil
	}
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	limit := limits[0]
	for _, candidate := range limits {
		if candidate.Period == PeriodDay {
			limit = candidate
			break
		}
	}
	used := limit.Max - *observedRemaining
	if used < 0 {
		used = 0
	}
	now := t.now()
	key := t.key(provider, limit.Period, now)
	set := t.client.B().Set().Key(key).Value(strconv.Itoa(used)).
		Ex(retention(limit.Period)).Build()
	if err := t.client.Do(ctx, set).Error(); err != nil {
		return fmt.Errorf("quota: valkey reconcile: %w", err)
	}
	return nil
}

func (t *valkeyTracker) Usage(ctx context.Context, provider string) ([]WindowUsage, error) {
	limits := t.limits[provider]
	now := t.now()
	usage := make([]WindowUsage, 0, len(limits))
	for _, limit := range limits {
		key := t.key(provider, limit.Period, now)
		resp := t.client.Do(ctx, t.client.B().Get().Key(key).Build())
		used := int64(0)
		if err := resp.Error(); err != nil {
			if !errors.Is(err, valkey.Nil) {
				return nil, fmt.Errorf("quota: valkey get: %w", err)
			}
		} else {
			value, err := resp.AsInt64()
			if err != nil {
				return nil, fmt.Errorf("quota: valkey usage value: %w", err)
			}
			used = value
		}
		usage = append(usage, WindowUsage{
			Provider:    provider,
			Period:      limit.Period,
			WindowStart: limit.Period.WindowStart(now),
			Used:        int(used),
			Limit:       limit.Max,
		})
	}
	return usage, nil
}
