package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/binderd/pricewatch/internal/pricing"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence
// rules. When a chains file is configured its routing replaces the inline
// chains before validation.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.valkey.tls.cafile":      "cache.valkey.tls.caFile",
			"providers.scrydex.baseurl":    "providers.scrydex.baseUrl",
			"providers.scrydex.apikey":     "providers.scrydex.apiKey",
			"providers.scrydex.batchsize":  "providers.scrydex.batchSize",
			"providers.tcgmarket.baseurl":  "providers.tcgmarket.baseUrl",
			"providers.sealedbase.baseurl": "providers.sealedbase.baseUrl",
			"providers.sealedbase.apikey":  "providers.sealedbase.apiKey",
			"resolver.chainsfile":          "resolver.chainsFile",
			"resolver.foregroundtimeout":   "resolver.foregroundTimeout",
			"resolver.backgroundtimeout":   "resolver.backgroundTimeout",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (CACHE__VALKEY__ADDRESS -> cache.valkey.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so PER_DAY collapses into perday
			// when callers choose not to use double underscores for nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Resolver.ChainsFile != "" {
		chains, err := LoadChainsFile(cfg.Resolver.ChainsFile)
		if err != nil {
			return Config{}, err
		}
		raw := make(map[string][]string, len(chains))
		for category, providers := range chains {
			raw[string(category)] = providers
		}
		cfg.Resolver.Chains = raw
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadChainsFile reads a standalone routing document: a mapping from category
// to an ordered list of provider names.
func LoadChainsFile(path string) (map[pricing.Category][]string, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load chains %s: %w", path, err)
	}
	var raw map[string][]string
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, fmt.Errorf("config: unmarshal chains %s: %w", path, err)
	}
	chains, err := ParseChains(raw)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("config: chains file %s defines no chains", path)
	}
	return chains, nil
}

// parserFor selects the koanf parser from the file extension.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format: %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"backend": cfg.Cache.Backend,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"resolver": map[string]any{
			"foregroundTimeout": cfg.Resolver.ForegroundTimeout,
			"backgroundTimeout": cfg.Resolver.BackgroundTimeout,
		},
		"refresh": map[string]any{
			"interval": cfg.Refresh.Interval,
			"budget":   cfg.Refresh.Budget,
		},
	}
}
