package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig mirrors the TLS knobs of the config package to avoid a
// dependency cycle.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries the connection settings for the valkey-backed store.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

const (
	entryPrefix    = "pricewatch:entry:"
	hitsPrefix     = "pricewatch:hits:"
	lastHitPrefix  = "pricewatch:lasthit:"
	softIndexKey   = "pricewatch:idx:soft"
	expiryIndexKey = "pricewatch:idx:exp"
)

// valkeyStore keeps entries as JSON values without a server-side TTL: expired
// entries must stay readable for expired-fallback answers until the sweep
// removes them. Two sorted sets index entries by soft-refresh and expiry time
// so the refresh scheduler never scans the keyspace.
type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects to the configured valkey instance and verifies it with a
// ping before handing the store to callers.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, found, err := s.read(ctx, key)
	if err != nil || !found {
		return Entry{}, false, err
	}

	hits, err := s.client.Do(ctx, s.client.B().Incr().Key(hitsPrefix+key).Build()).AsInt64()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: valkey incr hits: %w", err)
	}
	now := time.Now().UTC()
	lastHit := s.client.B().Set().Key(lastHitPrefix + key).Value(strconv.FormatInt(now.Unix(), 10)).Build()
	if err := s.client.Do(ctx, lastHit).Error(); err != nil {
		return Entry{}, false, fmt.Errorf("store: valkey set lasthit: %w", err)
	}

	entry.HitCount = hits
	entry.LastHitAt = now
	return entry, true, nil
}

func (s *valkeyStore) Put(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.validate(); err != nil {
		return err
	}
	// The hit counter lives in a side key so the entry upsert stays a single
	// atomic SET; the serialized count is informational only.
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: valkey marshal: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(entryPrefix+entry.Key).Value(string(payload)).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey set: %w", err)
	}
	soft := s.client.B().Zadd().Key(softIndexKey).ScoreMember().
		ScoreMember(float64(entry.SoftRefreshAt.Unix()), entry.Key).Build()
	if err := s.client.Do(ctx, soft).Error(); err != nil {
		return fmt.Errorf("store: valkey index soft: %w", err)
	}
	exp := s.client.B().Zadd().Key(expiryIndexKey).ScoreMember().
		ScoreMember(float64(entry.ExpiresAt.Unix()), entry.Key).Build()
	if err := s.client.Do(ctx, exp).Error(); err != nil {
		return fmt.Errorf("store: valkey index expiry: %w", err)
	}
	return nil
}

func (s *valkeyStore) DueForRefresh(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}
	cmd := s.client.B().Zrangebyscore().Key(softIndexKey).
		Min("-inf").Max(strconv.FormatInt(now.Unix(), 10)).
		Limit(0, count).Build()
	keys, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("store: valkey soft index range: %w", err)
	}
	var due []Entry
	for _, key := range keys {
		entry, found, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found || !entry.ExpiresAt.After(now) {
			continue
		}
		due = append(due, entry)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *valkeyStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cmd := s.client.B().Zrangebyscore().Key(expiryIndexKey).
		Min("-inf").Max(strconv.FormatInt(now.Unix(), 10)).Build()
	keys, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("store: valkey expiry index range: %w", err)
	}
	removed := 0
	for _, key := range keys {
		entry, found, err := s.read(ctx, key)
		if err != nil {
			return removed, err
		}
		if found {
			lastHit, err := s.lastHit(ctx, key)
			if err != nil {
				return removed, err
			}
			if lastHit.After(entry.ExpiresAt) {
				continue
			}
		}
		del := s.client.B().Del().Key(entryPrefix+key, hitsPrefix+key, lastHitPrefix+key).Build()
		if err := s.client.Do(ctx, del).Error(); err != nil {
			return removed, fmt.Errorf("store: valkey del: %w", err)
		}
		for _, index := range []string{softIndexKey, expiryIndexKey} {
			if err := s.client.Do(ctx, s.client.B().Zrem().Key(index).Member(key).Build()).Error(); err != nil {
				return removed, fmt.Errorf("store: valkey zrem: %w", err)
			}
		}
		removed++
	}
	return removed, nil
}

func (s *valkeyStore) Len(ctx context.Context) (int64, error) {
	size, err := s.client.Do(ctx, s.client.B().Zcard().Key(expiryIndexKey).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("store: valkey zcard: %w", err)
	}
	return size, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

// read fetches and decodes an entry without touching the hit counter.
func (s *valkeyStore) read(ctx context.Context, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(entryPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("store: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("store: valkey unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *valkeyStore) lastHit(ctx context.Context, key string) (time.Time, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(lastHitPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("store: valkey get lasthit: %w", err)
	}
	unix, err := resp.AsInt64()
	if err != nil {
		return time.Time{}, fmt.Errorf("store: valkey lasthit value: %w", err)
	}
	return time.Unix(unix, 0).UTC(), nil
}
