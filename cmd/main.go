package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/binderd/pricewatch/internal/config"
	"github.com/binderd/pricewatch/internal/logging"
	"github.com/binderd/pricewatch/internal/metrics"
	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/policy"
	"github.com/binderd/pricewatch/internal/pricing/provider"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/resolver"
	"github.com/binderd/pricewatch/internal/pricing/store"
	"github.com/binderd/pricewatch/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to service configuration file")
		envPrefix  = flag.String("env-prefix", "PRICEWATCH", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	entryStore := buildStore(logger, cfg.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := entryStore.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	tracker := buildQuotaTracker(logger, cfg)

	policies, err := buildPolicies(cfg)
	if err != nil {
		logger.Error("policy configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	adapters, err := buildAdapters(cfg.Providers)
	if err != nil {
		logger.Error("provider configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	chains, err := resolveChains(cfg.Resolver.Chains, adapters)
	if err != nil {
		logger.Error("chain configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	foreground, background, err := cfg.Resolver.Timeouts()
	if err != nil {
		logger.Error("resolver timeouts invalid", slog.Any("error", err))
		os.Exit(1)
	}

	priceResolver, err := resolver.New(resolver.Options{
		Store:             entryStore,
		Policies:          policies,
		Quota:             tracker,
		Chains:            chains,
		ForegroundTimeout: foreground,
		BackgroundTimeout: background,
		Logger:            logger,
		Metrics:           metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct resolver", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := priceResolver.Close(shutdownCtx); err != nil {
			logger.Warn("background refreshes did not drain", slog.Any("error", err))
		}
	}()

	interval, err := cfg.Refresh.ParsedInterval()
	if err != nil {
		logger.Error("refresh interval invalid", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler, err := resolver.NewScheduler(resolver.SchedulerOptions{
		Store:    entryStore,
		Resolver: priceResolver,
		Interval: interval,
		Budget:   cfg.Refresh.Budget,
		Logger:   logger,
		Metrics:  metricsRecorder,
	})
	if err != nil {
		logger.Error("unable to construct refresh scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	go scheduler.Run(ctx)

	if cfg.Resolver.ChainsFile != "" {
		watcher, err := config.WatchChains(ctx, cfg.Resolver.ChainsFile, func(raw map[pricing.Category][]string) {
			named := make(map[string][]string, len(raw))
			for category, providers := range raw {
				named[string(category)] = providers
			}
			chains, err := resolveChains(named, adapters)
			if err != nil {
				logger.Error("reloaded chains rejected", slog.Any("error", err))
				return
			}
			priceResolver.SetChains(chains)
			logger.Info("provider chains reloaded", slog.Int("categories", len(chains)))
		}, func(err error) {
			logger.Error("chains watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("chains watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler, err := server.NewRouter(server.RouterOptions{
		Resolver:  priceResolver,
		Quota:     tracker,
		Providers: providerNames(adapters),
		Metrics:   metricsRecorder.Handler(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("unable to construct router", slog.Any("error", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore selects the entry store backend, falling back to memory when the
// valkey connection cannot be established.
func buildStore(logger *slog.Logger, cfg config.CacheConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory entry store")
		return store.NewMemory()
	case "valkey":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory entry store")
			return store.NewMemory()
		}
		logger.Info("using valkey entry store", slog.String("address", cfg.Valkey.Address))
		return valkeyStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory()
	}
}

// buildQuotaTracker keeps quota counters alongside the cache: valkey-backed
// when the store is, in-process otherwise.
func buildQuotaTracker(logger *slog.Logger, cfg config.Config) quota.Tracker {
	limits := cfg.QuotaLimits()
	if strings.EqualFold(strings.TrimSpace(cfg.Cache.Backend), "valkey") {
		tracker, err := quota.NewValkey(quota.ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
		}, limits)
		if err != nil {
			logger.Error("valkey quota tracker initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory quota tracker")
			return quota.NewMemory(limits)
		}
		logger.Info("using valkey quota tracker", slog.String("address", cfg.Cache.Valkey.Address))
		return tracker
	}
	logger.Info("using memory quota tracker")
	return quota.NewMemory(limits)
}

// buildPolicies merges configured overrides onto the built-in defaults so a
// category override may change only one of the two durations.
func buildPolicies(cfg config.Config) (*policy.Registry, error) {
	overrides := make(map[pricing.Category]policy.Entry, len(cfg.Policies))
	defaults := policy.Defaults()
	for name, policyCfg := range cfg.Policies {
		category := pricing.Category(name)
		ttl, soft, err := policyCfg.Durations()
		if err != nil {
			return nil, err
		}
		entry := defaults[category]
		if ttl > 0 {
			entry.TTL = ttl
		}
		if soft > 0 {
			entry.SoftRefresh = soft
		}
		overrides[category] = entry
	}
	return policy.NewRegistry(overrides)
}

// buildAdapters constructs every enabled provider, each wrapped with its
// configured validation rules.
func buildAdapters(cfg config.ProvidersConfig) (map[string]provider.Adapter, error) {
	adapters := make(map[string]provider.Adapter)
	add := func(name string, adapter provider.Adapter) error {
		validated, err := provider.NewValidated(adapter, cfg.Validation[name])
		if err != nil {
			return err
		}
		adapters[name] = validated
		return nil
	}

	if cfg.Scrydex.Enabled {
		adapter := provider.NewScrydex(provider.ScrydexConfig{
			BaseURL:   cfg.Scrydex.BaseURL,
			APIKey:    cfg.Scrydex.APIKey,
			BatchSize: cfg.Scrydex.BatchSize,
		}, nil)
		if err := add(adapter.Name(), adapter); err != nil {
			return nil, err
		}
	}
	if cfg.TCGMarket.Enabled {
		adapter := provider.NewTCGMarket(provider.TCGMarketConfig{
			BaseURL: cfg.TCGMarket.BaseURL,
			Token:   cfg.TCGMarket.Token,
		}, nil)
		if err := add(adapter.Name(), adapter); err != nil {
			return nil, err
		}
	}
	if cfg.SealedBase.Enabled {
		adapter := provider.NewSealedBase(provider.SealedBaseConfig{
			BaseURL: cfg.SealedBase.BaseURL,
			APIKey:  cfg.SealedBase.APIKey,
		}, nil)
		if err := add(adapter.Name(), adapter); err != nil {
			return nil, err
		}
	}
	for _, customCfg := range cfg.Custom {
		adapter, err := provider.NewCustom(provider.CustomConfig{
			Name:        customCfg.Name,
			Category:    pricing.Category(customCfg.Category),
			URLTemplate: customCfg.URLTemplate,
			Headers:     customCfg.Headers,
			TierLabel:   customCfg.TierLabel,
			Currency:    customCfg.Currency,
			LowPath:     customCfg.LowPath,
			MarketPath:  customCfg.MarketPath,
			MidPath:     customCfg.MidPath,
			HighPath:    customCfg.HighPath,
		}, nil)
		if err != nil {
			return nil, err
		}
		if err := add(adapter.Name(), adapter); err != nil {
			return nil, err
		}
	}
	return adapters, nil
}

// resolveChains turns the configured name routing into adapter chains.
func resolveChains(raw map[string][]string, adapters map[string]provider.Adapter) (map[pricing.Category][]provider.Adapter, error) {
	parsed, err := config.ParseChains(raw)
	if err != nil {
		return nil, err
	}
	chains := make(map[pricing.Category][]provider.Adapter, len(parsed))
	for category, names := range parsed {
		chain := make([]provider.Adapter, 0, len(names))
		for _, name := range names {
			adapter, ok := adapters[name]
			if !ok {
				return nil, fmt.Errorf("chain %s references unconfigured provider %s", category, name)
			}
			chain = append(chain, adapter)
		}
		chains[category] = chain
	}
	return chains, nil
}

func providerNames(adapters map[string]provider.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
