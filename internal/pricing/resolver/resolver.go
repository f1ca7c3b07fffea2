package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/binderd/pricewatch/internal/metrics"
	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/policy"
	"github.com/binderd/pricewatch/internal/pricing/provider"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/store"
)

// ErrAllProvidersExhausted is the only failure the resolver surfaces to
// callers: the whole fallback chain was tried and no cached payload exists to
// fall back on. Callers must render an explicit "price unavailable" state,
// never a zero price.
var ErrAllProvidersExhausted = errors.New("resolver: all providers exhausted")

// Result is what the caller boundary returns: the canonical record plus
// provenance. CacheState tells the caller how trustworthy the data is;
// SourceProvider records which adapter produced the payload.
type Result struct {
	Record         pricing.PriceRecord
	CacheState     pricing.CacheState
	SourceProvider string
}

// Options collects the resolver's collaborators.
type Options struct {
	Store    store.Store
	Policies *policy.Registry
	Quota    quota.Tracker
	// Chains maps each category to its ordered provider fallback chain. The
	// order is fixed configuration: it is never reordered by observed latency
	// or error rate, because swapping providers changes the shape of the
	// returned data, not just its source.
	Chains            map[pricing.Category][]provider.Adapter
	ForegroundTimeout time.Duration
	BackgroundTimeout time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Now               func() time.Time
}

// Resolver orchestrates cache lookups, quota-aware provider fallback, and
// write-back. Concurrent misses for the same key collapse onto a single
// in-flight resolution; the second caller waits on the first's result instead
// of issuing a duplicate provider request and reservation.
type Resolver struct {
	store     store.Store
	policies  *policy.Registry
	quota     quota.Tracker
	logger    *slog.Logger
	metrics   *metrics.Recorder
	fgTimeout time.Duration
	bgTimeout time.Duration
	now       func() time.Time

	chainsMu sync.RWMutex
	chains   map[pricing.Category][]provider.Adapter

	flight     singleflight.Group
	background sync.WaitGroup
}

const (
	defaultForegroundTimeout = 10 * time.Second
	defaultBackgroundTimeout = 5 * time.Second

	// settleTimeout bounds the quota bookkeeping after a failed fetch. It is
	// deliberately separate from the attempt deadline: when the fetch itself
	// timed out, the attempt context is already done and could never carry
	// the release to a persisted tracker.
	settleTimeout = 2 * time.Second
)

// New validates the wiring and returns a ready resolver.
func New(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("resolver: store required")
	}
	if opts.Policies == nil {
		return nil, errors.New("resolver: policy registry required")
	}
	if opts.Quota == nil {
		return nil, errors.New("resolver: quota tracker required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fg := opts.ForegroundTimeout
	if fg <= 0 {
		fg = defaultForegroundTimeout
	}
	bg := opts.BackgroundTimeout
	if bg <= 0 {
		bg = defaultBackgroundTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	chains := opts.Chains
	if chains == nil {
		chains = map[pricing.Category][]provider.Adapter{}
	}
	return &Resolver{
		store:     opts.Store,
		policies:  opts.Policies,
		quota:     opts.Quota,
		logger:    logger.With(slog.String("component", "resolver")),
		metrics:   opts.Metrics,
		fgTimeout: fg,
		bgTimeout: bg,
		now:       now,
		chains:    chains,
	}, nil
}

// SetChains atomically swaps the fallback routing, used by configuration hot
// reload. In-flight resolutions finish against the chain they started with.
func (r *Resolver) SetChains(chains map[pricing.Category][]provider.Adapter) {
	if chains == nil {
		chains = map[pricing.Category][]provider.Adapter{}
	}
	r.chainsMu.Lock()
	r.chains = chains
	r.chainsMu.Unlock()
}

func (r *Resolver) chainFor(category pricing.Category) []provider.Adapter {
	r.chainsMu.RLock()
	defer r.chainsMu.RUnlock()
	return r.chains[category]
}

// Get is the single entry point the rest of the application uses.
//
// Fresh entries return immediately. Entries past soft refresh but not yet
// expired are served as-is while a background refresh is enqueued, keeping
// user-facing latency low while the data catches up. Misses and hard expiries
// resolve synchronously through the fallback chain; when the whole chain
// fails, a hard-expired entry is still better than no answer and is returned
// tagged expired-fallback.
func (r *Resolver) Get(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	// Unknown categories are configuration faults; this panics before any
	// provider work the same way an unknown policy lookup would.
	r.policies.For(spec.Category)

	started := r.now()
	key := spec.CacheKey()

	entry, found, err := r.store.Get(ctx, key)
	if err != nil {
		// A broken store read degrades to a miss; resolution can still
		// succeed against a provider.
		r.logger.Warn("cache read failed",
			slog.String("key", key),
			slog.String("category", string(spec.Category)),
			slog.Any("error", err))
		found = false
	}

	now := r.now()
	if found && now.Before(entry.ExpiresAt) {
		if now.Before(entry.SoftRefreshAt) {
			return r.finish(spec, started, Result{
				Record:         entry.Payload,
				CacheState:     pricing.CacheStateFresh,
				SourceProvider: entry.SourceProvider,
			}), nil
		}
		r.enqueueRefresh(spec, key)
		return r.finish(spec, started, Result{
			Record:         entry.Payload,
			CacheState:     pricing.CacheStateStaleServable,
			SourceProvider: entry.SourceProvider,
		}), nil
	}

	value, resolveErr, _ := r.flight.Do(key, func() (any, error) {
		return r.resolve(spec, key, r.fgTimeout)
	})
	if resolveErr != nil {
		if found {
			r.logger.Warn("serving hard-expired entry after chain exhaustion",
				slog.String("key", key),
				slog.String("category", string(spec.Category)))
			return r.finish(spec, started, Result{
				Record:         entry.Payload,
				CacheState:     pricing.CacheStateExpiredFallback,
				SourceProvider: entry.SourceProvider,
			}), nil
		}
		return Result{}, resolveErr
	}
	return r.finish(spec, started, value.(Result)), nil
}

func (r *Resolver) finish(spec pricing.RequestSpec, started time.Time, result Result) Result {
	r.metrics.ObserveResolve(string(spec.Category), string(result.CacheState), result.SourceProvider, r.now().Sub(started))
	return result
}

// enqueueRefresh fires a background renewal for a stale-but-servable entry.
// The singleflight group collapses it with any concurrent foreground miss or
// other refresh for the same key.
func (r *Resolver) enqueueRefresh(spec pricing.RequestSpec, key string) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if _, err, _ := r.flight.Do(key, func() (any, error) {
			return r.resolve(spec, key, r.bgTimeout)
		}); err != nil {
			// The stale entry stays servable; background failures are not
			// worth more than a debug line.
			r.logger.Debug("background refresh failed",
				slog.String("key", key),
				slog.String("category", string(spec.Category)),
				slog.Any("error", err))
		}
	}()
}

// RefreshEntry re-resolves one stored entry on behalf of the refresh
// scheduler, using the background timeout budget.
func (r *Resolver) RefreshEntry(entry store.Entry) error {
	_, err, _ := r.flight.Do(entry.Key, func() (any, error) {
		return r.resolve(entry.Request, entry.Key, r.bgTimeout)
	})
	return err
}

// resolve walks the category's fallback chain: reserve quota, fetch,
// normalize, write back. Every per-provider failure is absorbed and logged;
// only exhaustion of the whole chain escapes.
func (r *Resolver) resolve(spec pricing.RequestSpec, key string, timeout time.Duration) (Result, error) {
	chain := r.chainFor(spec.Category)
	if len(chain) == 0 {
		return Result{}, fmt.Errorf("no providers configured for category %s: %w", spec.Category, ErrAllProvidersExhausted)
	}

	for _, adapter := range chain {
		name := adapter.Name()
		// The resolution deadline is deliberately detached from the first
		// caller's context: other callers may be waiting on this flight.
		ctx, cancel := context.WithTimeout(context.Background(), timeout)

		if err := r.quota.TryReserve(ctx, name); err != nil {
			cancel()
			if errors.Is(err, quota.ErrQuotaExceeded) {
				r.metrics.QuotaRejected(name)
				r.logger.Info("provider quota exhausted, falling through",
					slog.String("provider", name),
					slog.String("category", string(spec.Category)),
					slog.String("key", key))
				continue
			}
			r.logger.Warn("quota reservation failed",
				slog.String("provider", name),
				slog.Any("error", err))
			continue
		}

		fetchStart := r.now()
		result, err := adapter.Fetch(ctx, spec)
		fetchDuration := r.now().Sub(fetchStart)
		if err != nil {
			r.settleFailedReservation(name, err)
			cancel()
			r.metrics.ObserveFetch(name, fetchOutcome(err), fetchDuration)
			r.logger.Warn("provider fetch failed",
				slog.String("provider", name),
				slog.String("category", string(spec.Category)),
				slog.String("key", key),
				slog.Any("error", err))
			continue
		}
		r.metrics.ObserveFetch(name, metrics.FetchSuccess, fetchDuration)
		if err := r.quota.RecordUsage(ctx, name, result.RemainingQuota); err != nil {
			r.logger.Warn("quota usage record failed",
				slog.String("provider", name),
				slog.Any("error", err))
		}

		if err := r.store.Put(ctx, r.entryFor(spec, key, result.Record, name)); err != nil {
			// The caller still gets the record; only the next request pays
			// for the failed write-back.
			r.logger.Error("cache write failed",
				slog.String("key", key),
				slog.String("provider", name),
				slog.Any("error", err))
		}
		cancel()

		return Result{
			Record:         result.Record,
			CacheState:     pricing.CacheStateMissResolved,
			SourceProvider: name,
		}, nil
	}
	return Result{}, ErrAllProvidersExhausted
}

// settleFailedReservation decides what happens to the reservation after a
// failed call: calls the provider never accounted are released; calls that
// consumed quota keep their reservation, reconciled against any remaining
// count the error carried. It runs on its own short deadline so a fetch that
// exhausted the attempt context cannot leave the reservation stranded.
func (r *Resolver) settleFailedReservation(name string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var perr *provider.Error
	if errors.As(err, &perr) && perr.ConsumedQuota {
		if recordErr := r.quota.RecordUsage(ctx, name, perr.RemainingQuota); recordErr != nil {
			r.logger.Warn("quota usage record failed",
				slog.String("provider", name),
				slog.Any("error", recordErr))
		}
		return
	}
	if releaseErr := r.quota.Release(ctx, name); releaseErr != nil {
		r.logger.Warn("quota release failed",
			slog.String("provider", name),
			slog.Any("error", releaseErr))
	}
}

func (r *Resolver) entryFor(spec pricing.RequestSpec, key string, record pricing.PriceRecord, providerName string) store.Entry {
	pol := r.policies.For(spec.Category)
	now := r.now().UTC()
	return store.Entry{
		Key:            key,
		Request:        spec,
		Payload:        record,
		CreatedAt:      now,
		SoftRefreshAt:  now.Add(pol.SoftRefresh),
		ExpiresAt:      now.Add(pol.TTL),
		SourceProvider: providerName,
	}
}

func fetchOutcome(err error) metrics.FetchOutcome {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return metrics.FetchNetworkFailure
	}
	switch perr.Kind {
	case provider.KindNotFound:
		return metrics.FetchNotFound
	case provider.KindMalformed:
		return metrics.FetchMalformed
	case provider.KindRateLimited:
		return metrics.FetchRateLimited
	default:
		return metrics.FetchNetworkFailure
	}
}

// Close waits for outstanding background refreshes, bounded by ctx.
func (r *Resolver) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
