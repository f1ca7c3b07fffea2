package quota

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	start string
	used  int
}

type memoryTracker struct {
	limits map[string][]Limit
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]map[Period]*memoryWindow
}

// NewMemory returns an in-process tracker. Providers without configured
// limits are unlimited.
func NewMemory(limits map[string][]Limit) Tracker {
	return &memoryTracker{
		limits:   limits,
		now:      time.Now,
		counters: make(map[string]map[Period]*memoryWindow),
	}
}

// newMemoryWithClock exists for window-rollover tests.
func newMemoryWithClock(limits map[string][]Limit, now func() time.Time) *memoryTracker {
	return &memoryTracker{limits: limits, now: now, counters: make(map[string]map[Period]*memoryWindow)}
}

func (t *memoryTracker) TryReserve(_ context.Context, provider string) error {
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	// Check every window before incrementing any so a rejection leaves all
	// counters untouched.
	for _, limit := range limits {
		if t.window(provider, limit.Period, now).used >= limit.Max {
			return ErrQuotaExceeded
		}
	}
	for _, limit := range limits {
		t.window(provider, limit.Period, now).used++
	}
	return nil
}

func (t *memoryTracker) Release(_ context.Context, provider string) error {
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, limit := range limits {
		window := t.window(provider, limit.Period, now)
		if window.used > 0 {
			window.used--
		}
	}
	return nil
}

func (t *memoryTracker) RecordUsage(_ context.Context, provider string, observedRemaining *int) error {
	if observedRemaining == nil {
		return nil
	}
	limits := t.limits[provider]
	if len(limits) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	// Providers report remaining budget against their billing day; reconcile
	// the daily window, or the first configured one when no daily limit exists.
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
	t.window(provider, limit.Period, now).used = used
	return nil
}

func (t *memoryTracker) Usage(_ context.Context, provider string) ([]WindowUsage, error) {
	limits := t.limits[provider]
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	usage := make([]WindowUsage, 0, len(limits))
	for _, limit := range limits {
		window := t.window(provider, limit.Period, now)
		usage = append(usage, WindowUsage{
			Provider:    provider,
			Period:      limit.Period,
			WindowStart: window.start,
			Used:        window.used,
			Limit:       limit.Max,
		})
	}
	return usage, nil
}

// window returns the counter for the provider/period pair, resetting it when
// the calendar window has rolled over. Callers must hold the mutex.
func (t *memoryTracker) window(provider string, period Period, now time.Time) *memoryWindow {
	byPeriod, ok := t.counters[provider]
	if !ok {
		byPeriod = make(map[Period]*memoryWindow)
		t.counters[provider] = byPeriod
	}
	start := period.WindowStart(now)
	window, ok := byPeriod[period]
	if !ok || window.start != start {
		window = &memoryWindow{start: start}
		byPeriod[period] = window
	}
	return window
}
