package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/provider"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/store"
)

func seedEntry(t *testing.T, st store.Store, clock *fakeClock, id string, softAge, expiresIn time.Duration) store.Entry {
	t.Helper()
	spec := singleSpec(id)
	entry := store.Entry{
		Key:            spec.CacheKey(),
		Request:        spec,
		Payload:        okRecord(id, 5.0),
		CreatedAt:      clock.Now().Add(-softAge - time.Hour),
		SoftRefreshAt:  clock.Now().Add(-softAge),
		ExpiresAt:      clock.Now().Add(expiresIn),
		SourceProvider: "alpha",
	}
	require.NoError(t, st.Put(context.Background(), entry))
	return entry
}

func TestRunCycleRefreshesDueAndSweepsExpired(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()

	due := seedEntry(t, st, clock, "due-1", 2*time.Hour, 4*time.Hour)
	seedEntry(t, st, clock, "expired-1", 30*time.Hour, -6*time.Hour)

	adapter := &scriptedAdapter{name: "alpha", fetch: okFetch(7.5)}
	r := testResolver(t, Options{
		Store: st,
		Now:   clock.Now,
		Chains: map[pricing.Category][]provider.Adapter{
			pricing.CategorySinglePrice: {adapter},
		},
	})
	s, err := NewScheduler(SchedulerOptions{Store: st, Resolver: r, Now: clock.Now})
	require.NoError(t, err)

	s.RunCycle(context.Background())

	require.Equal(t, 1, adapter.callCount())

	refreshed, found, err := st.Get(context.Background(), due.Key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 7.5, refreshed.Payload.Tiers[0].Market)
	require.True(t, refreshed.SoftRefreshAt.After(clock.Now()), "renewed entry must be fresh again")

	size, err := st.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), size, "untouched expired entry must be swept")
}

func TestRunCycleHonorsBudget(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	seedEntry(t, st, clock, "due-1", 3*time.Hour, 4*time.Hour)
	seedEntry(t, st, clock, "due-2", 2*time.Hour, 4*time.Hour)
	seedEntry(t, st, clock, "due-3", 1*time.Hour, 4*time.Hour)

	adapter := &scriptedAdapter{name: "alpha", fetch: okFetch(7.5)}
	r := testResolver(t, Options{
		Store: st,
		Now:   clock.Now,
		Chains: map[pricing.Category][]provider.Adapter{
			pricing.CategorySinglePrice: {adapter},
		},
	})
	s, err := NewScheduler(SchedulerOptions{Store: st, Resolver: r, Budget: 2, Now: clock.Now})
	require.NoError(t, err)

	s.RunCycle(context.Background())
	require.Equal(t, 2, adapter.callCount(), "one cycle renews at most budget entries")

	s.RunCycle(context.Background())
	require.Equal(t, 3, adapter.callCount(), "the next cycle picks up the remainder")
}

func TestRefreshManyGroupsBatchableEntries(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	e1 := seedEntry(t, st, clock, "swsh7-215", 2*time.Hour, 4*time.Hour)
	e2 := seedEntry(t, st, clock, "swsh7-216", 2*time.Hour, 4*time.Hour)

	adapter := &batchedAdapter{
		scriptedAdapter: scriptedAdapter{name: "alpha", fetch: okFetch(7.5)},
		batch: func(specs []pricing.RequestSpec) (map[string]provider.Result, error) {
			results := make(map[string]provider.Result, len(specs))
			for _, spec := range specs {
				results[spec.ItemIdentity] = provider.Result{Record: okRecord(spec.ItemIdentity, 8.0)}
			}
			return results, nil
		},
	}
	tracker := quota.NewMemory(map[string][]quota.Limit{
		"alpha": {{Period: quota.PeriodDay, Max: 10}},
	})
	r := testResolver(t, Options{
		Store: st,
		Quota: tracker,
		Now:   clock.Now,
		Chains: map[pricing.Category][]provider.Adapter{
			pricing.CategorySinglePrice: {adapter},
		},
	})

	refreshed := r.RefreshMany([]store.Entry{e1, e2})
	require.Equal(t, 2, refreshed)
	require.Equal(t, 1, adapter.batchCalls, "grouped entries share one batch call")
	require.Equal(t, 0, adapter.callCount(), "no per-entry fetches when the batch covers everything")

	// One batch call is one reservation regardless of how many entries it
	// renewed.
	usage, err := tracker.Usage(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, 1, usage[0].Used)

	got, found, err := st.Get(context.Background(), e2.Key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 8.0, got.Payload.Tiers[0].Market)
}

func TestRefreshManyFallsBackForItemsMissingFromBatch(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	e1 := seedEntry(t, st, clock, "swsh7-215", 2*time.Hour, 4*time.Hour)
	e2 := seedEntry(t, st, clock, "swsh7-216", 2*time.Hour, 4*time.Hour)

	adapter := &batchedAdapter{
		scriptedAdapter: scriptedAdapter{name: "alpha", fetch: okFetch(7.5)},
		batch: func(specs []pricing.RequestSpec) (map[string]provider.Result, error) {
			return map[string]provider.Result{
				"swsh7-215": {Record: okRecord("swsh7-215", 8.0)},
			}, nil
		},
	}
	r := testResolver(t, Options{
		Store: st,
		Now:   clock.Now,
		Chains: map[pricing.Category][]provider.Adapter{
			pricing.CategorySinglePrice: {adapter},
		},
	})

	refreshed := r.RefreshMany([]store.Entry{e1, e2})
	require.Equal(t, 2, refreshed)
	require.Equal(t, 1, adapter.batchCalls)
	require.Equal(t, 1, adapter.callCount(), "the item absent from the batch response is retried individually")

	got, _, err := st.Get(context.Background(), e2.Key)
	require.NoError(t, err)
	require.Equal(t, 7.5, got.Payload.Tiers[0].Market)
}

func TestRefreshManySplitsGroupsByQueryParams(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory()

	graded := pricing.RequestSpec{
		Category:     pricing.CategorySinglePrice,
		ItemIdentity: "swsh7-215",
		QueryParams:  map[string]string{"grade": "psa10"},
	}
	raw := singleSpec("swsh7-215")
	entries := []store.Entry{}
	for _, spec := range []pricing.RequestSpec{graded, raw} {
		entry := store.Entry{
			Key:            spec.CacheKey(),
			Request:        spec,
			Payload:        okRecord(spec.ItemIdentity, 5.0),
			CreatedAt:      clock.Now().Add(-3 * time.Hour),
			SoftRefreshAt:  clock.Now().Add(-2 * time.Hour),
			ExpiresAt:      clock.Now().Add(4 * time.Hour),
			SourceProvider: "alpha",
		}
		require.NoError(t, st.Put(context.Background(), entry))
		entries = append(entries, entry)
	}

	adapter := &batchedAdapter{
		scriptedAdapter: scriptedAdapter{name: "alpha", fetch: okFetch(7.5)},
		batch: func(specs []pricing.RequestSpec) (map[string]provider.Result, error) {
			results := make(map[string]provider.Result, len(specs))
			for _, spec := range specs {
				results[spec.ItemIdentity] = provider.Result{Record: okRecord(spec.ItemIdentity, 8.0)}
			}
			return results, nil
		},
	}
	r := testResolver(t, Options{
		Store: st,
		Now:   clock.Now,
		Chains: map[pricing.Category][]provider.Adapter{
			pricing.CategorySinglePrice: {adapter},
		},
	})

	refreshed := r.RefreshMany(entries)
	require.Equal(t, 2, refreshed)
	// Differing query parameters must not share a batch call; single-entry
	// groups take the per-entry path.
	require.Equal(t, 0, adapter.batchCalls)
	require.Equal(t, 2, adapter.callCount())
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	r := testResolver(t, Options{Store: st})
	s, err := NewScheduler(SchedulerOptions{Store: st, Resolver: r, Interval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
