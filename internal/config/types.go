package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/quota"
)

// Config holds every runtime option for the pricing service.
type Config struct {
	Server    ServerConfig            `koanf:"server"`
	Cache     CacheConfig             `koanf:"cache"`
	Policies  map[string]PolicyConfig `koanf:"policies"`
	Quotas    map[string]QuotaConfig  `koanf:"quotas"`
	Providers ProvidersConfig         `koanf:"providers"`
	Resolver  ResolverConfig          `koanf:"resolver"`
	Refresh   RefreshConfig           `koanf:"refresh"`
}

// ServerConfig collects the HTTP bootstrap knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects and configures the entry store backend.
type CacheConfig struct {
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries the connection settings shared by the valkey-backed
// store and quota tracker.
type ValkeyConfig struct {
	Address  string    `koanf:"address"`
	Username string    `koanf:"username"`
	Password string    `koanf:"password"`
	DB       int       `koanf:"db"`
	TLS      TLSConfig `koanf:"tls"`
}

type TLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PolicyConfig overrides the freshness policy for one category. Durations use
// Go syntax ("72h", "15m"). Empty fields keep the built-in default.
type PolicyConfig struct {
	TTL         string `koanf:"ttl"`
	SoftRefresh string `koanf:"softRefresh"`
}

// Durations parses the override pair. A zero duration is returned for fields
// left empty.
func (p PolicyConfig) Durations() (ttl, soft time.Duration, err error) {
	if p.TTL != "" {
		if ttl, err = time.ParseDuration(p.TTL); err != nil {
			return 0, 0, fmt.Errorf("config: policy ttl %q: %w", p.TTL, err)
		}
	}
	if p.SoftRefresh != "" {
		if soft, err = time.ParseDuration(p.SoftRefresh); err != nil {
			return 0, 0, fmt.Errorf("config: policy softRefresh %q: %w", p.SoftRefresh, err)
		}
	}
	return ttl, soft, nil
}

// QuotaConfig declares the request budget for one provider. Zero or negative
// values mean the window is not limited.
type QuotaConfig struct {
	PerDay   int `koanf:"perDay"`
	PerMonth int `koanf:"perMonth"`
}

// QuotaLimits converts the configured budgets into tracker limits, keyed by
// provider name. Providers without limits are omitted, which the trackers
// treat as unlimited.
func (c Config) QuotaLimits() map[string][]quota.Limit {
	limits := make(map[string][]quota.Limit, len(c.Quotas))
	for provider, cfg := range c.Quotas {
		var windows []quota.Limit
		if cfg.PerDay > 0 {
			windows = append(windows, quota.Limit{Period: quota.PeriodDay, Max: cfg.PerDay})
		}
		if cfg.PerMonth > 0 {
			windows = append(windows, quota.Limit{Period: quota.PeriodMonth, Max: cfg.PerMonth})
		}
		if len(windows) > 0 {
			limits[provider] = windows
		}
	}
	return limits
}

// ProvidersConfig declares every upstream source. Validation maps a provider
// name to the sanity-check expressions applied to its records.
type ProvidersConfig struct {
	Scrydex    ScrydexProviderConfig    `koanf:"scrydex"`
	TCGMarket  TCGMarketProviderConfig  `koanf:"tcgmarket"`
	SealedBase SealedBaseProviderConfig `koanf:"sealedbase"`
	Custom     []CustomProviderConfig   `koanf:"custom"`
	Validation map[string][]string      `koanf:"validation"`
}

type ScrydexProviderConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BaseURL   string `koanf:"baseUrl"`
	APIKey    string `koanf:"apiKey"`
	BatchSize int    `koanf:"batchSize"`
}

type TCGMarketProviderConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"baseUrl"`
	Token   string `koanf:"token"`
}

type SealedBaseProviderConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"baseUrl"`
	APIKey  string `koanf:"apiKey"`
}

// CustomProviderConfig declares a template-driven adapter for a source the
// service has no first-class client for.
type CustomProviderConfig struct {
	Name        string            `koanf:"name"`
	Category    string            `koanf:"category"`
	URLTemplate string            `koanf:"urlTemplate"`
	Headers     map[string]string `koanf:"headers"`
	TierLabel   string            `koanf:"tierLabel"`
	Currency    string            `koanf:"currency"`
	LowPath     string            `koanf:"lowPath"`
	MarketPath  string            `koanf:"marketPath"`
	MidPath     string            `koanf:"midPath"`
	HighPath    string            `koanf:"highPath"`
}

// ResolverConfig wires categories to ordered provider chains. ChainsFile, when
// set, names a document whose chains override the inline ones and which is
// watched for changes at runtime.
type ResolverConfig struct {
	Chains            map[string][]string `koanf:"chains"`
	ChainsFile        string              `koanf:"chainsFile"`
	ForegroundTimeout string              `koanf:"foregroundTimeout"`
	BackgroundTimeout string              `koanf:"backgroundTimeout"`
}

// Timeouts parses the resolver deadlines, zero meaning "use the default".
func (r ResolverConfig) Timeouts() (foreground, background time.Duration, err error) {
	if r.ForegroundTimeout != "" {
		if foreground, err = time.ParseDuration(r.ForegroundTimeout); err != nil {
			return 0, 0, fmt.Errorf("config: resolver.foregroundTimeout %q: %w", r.ForegroundTimeout, err)
		}
	}
	if r.BackgroundTimeout != "" {
		if background, err = time.ParseDuration(r.BackgroundTimeout); err != nil {
			return 0, 0, fmt.Errorf("config: resolver.backgroundTimeout %q: %w", r.BackgroundTimeout, err)
		}
	}
	return foreground, background, nil
}

// RefreshConfig tunes the background renewal loop.
type RefreshConfig struct {
	Interval string `koanf:"interval"`
	Budget   int    `koanf:"budget"`
}

// ParsedInterval returns the cycle interval, zero meaning "use the default".
func (r RefreshConfig) ParsedInterval() (time.Duration, error) {
	if r.Interval == "" {
		return 0, nil
	}
	interval, err := time.ParseDuration(r.Interval)
	if err != nil {
		return 0, fmt.Errorf("config: refresh.interval %q: %w", r.Interval, err)
	}
	return interval, nil
}

// ParseChains validates and converts a raw chain mapping into typed categories.
func ParseChains(raw map[string][]string) (map[pricing.Category][]string, error) {
	chains := make(map[pricing.Category][]string, len(raw))
	for name, providers := range raw {
		category := pricing.Category(strings.TrimSpace(name))
		if !category.Valid() {
			return nil, fmt.Errorf("config: chain category unknown: %s", name)
		}
		cleaned := make([]string, 0, len(providers))
		for i, provider := range providers {
			trimmed := strings.TrimSpace(provider)
			if trimmed == "" {
				return nil, fmt.Errorf("config: chain %s entry %d empty", name, i)
			}
			cleaned = append(cleaned, trimmed)
		}
		if len(cleaned) == 0 {
			return nil, fmt.Errorf("config: chain %s has no providers", name)
		}
		chains[category] = cleaned
	}
	return chains, nil
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}

	for name, policyCfg := range c.Policies {
		if !pricing.Category(name).Valid() {
			return fmt.Errorf("config: policy category unknown: %s", name)
		}
		ttl, soft, err := policyCfg.Durations()
		if err != nil {
			return err
		}
		if ttl < 0 || soft < 0 {
			return fmt.Errorf("config: policy %s durations must be positive", name)
		}
		if ttl > 0 && soft > ttl {
			return fmt.Errorf("config: policy %s softRefresh exceeds ttl", name)
		}
	}

	for provider, quotaCfg := range c.Quotas {
		if strings.TrimSpace(provider) == "" {
			return errors.New("config: quota provider name empty")
		}
		if quotaCfg.PerDay < 0 || quotaCfg.PerMonth < 0 {
			return fmt.Errorf("config: quota %s budgets must not be negative", provider)
		}
	}

	if _, err := ParseChains(c.Resolver.Chains); err != nil {
		return err
	}
	if _, _, err := c.Resolver.Timeouts(); err != nil {
		return err
	}
	if _, err := c.Refresh.ParsedInterval(); err != nil {
		return err
	}
	if c.Refresh.Budget < 0 {
		return fmt.Errorf("config: refresh.budget invalid: %d", c.Refresh.Budget)
	}

	seen := make(map[string]struct{}, len(c.Providers.Custom))
	for i, custom := range c.Providers.Custom {
		name := strings.TrimSpace(custom.Name)
		if name == "" {
			return fmt.Errorf("config: providers.custom[%d] name required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: providers.custom name duplicated: %s", name)
		}
		seen[name] = struct{}{}
		if !pricing.Category(custom.Category).Valid() {
			return fmt.Errorf("config: providers.custom %s category unknown: %s", name, custom.Category)
		}
		if strings.TrimSpace(custom.URLTemplate) == "" {
			return fmt.Errorf("config: providers.custom %s urlTemplate required", name)
		}
	}

	return c.validateChainReferences()
}

// validateChainReferences checks that every provider named in a chain is
// actually configured, catching routing typos at startup instead of at the
// first miss.
func (c *Config) validateChainReferences() error {
	known := map[string]bool{
		"scrydex":    c.Providers.Scrydex.Enabled,
		"tcgmarket":  c.Providers.TCGMarket.Enabled,
		"sealedbase": c.Providers.SealedBase.Enabled,
	}
	for _, custom := range c.Providers.Custom {
		known[strings.TrimSpace(custom.Name)] = true
	}
	for category, providers := range c.Resolver.Chains {
		for _, name := range providers {
			enabled, ok := known[strings.TrimSpace(name)]
			if !ok {
				return fmt.Errorf("config: chain %s references unknown provider: %s", category, name)
			}
			if !enabled {
				return fmt.Errorf("config: chain %s references disabled provider: %s", category, name)
			}
		}
	}
	return nil
}

// DefaultConfig returns the baseline values the service runs with when no
// file or environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Resolver: ResolverConfig{
			ForegroundTimeout: "10s",
			BackgroundTimeout: "5s",
		},
		Refresh: RefreshConfig{
			Interval: "5m",
			Budget:   50,
		},
	}
}
