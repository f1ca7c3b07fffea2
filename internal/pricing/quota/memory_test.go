package quota

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryReserveBoundary(t *testing.T) {
	tracker := NewMemory(map[string][]Limit{
		"scrydex": {{Period: PeriodDay, Max: 3}},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.TryReserve(ctx, "scrydex"); err != nil {
			t.Fatalf("reserve %d: %v", i+1, err)
		}
	}
	if err := tracker.TryReserve(ctx, "scrydex"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded past the limit, got %v", err)
	}

	usage, err := tracker.Usage(ctx, "scrydex")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage[0].Used != 3 || usage[0].Limit != 3 {
		t.Fatalf("used must never exceed limit: %#v", usage[0])
	}
}

func TestReleaseReturnsReservation(t *testing.T) {
	tracker := NewMemory(map[string][]Limit{
		"scrydex": {{Period: PeriodDay, Max: 1}},
	})
	ctx := context.Background()

	if err := tracker.TryReserve(ctx, "scrydex"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tracker.Release(ctx, "scrydex"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tracker.TryReserve(ctx, "scrydex"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestRejectionLeavesCountersUntouched(t *testing.T) {
	// Daily budget available, monthly budget spent: the reservation must be
	// rejected without consuming the daily window.
	tracker := NewMemory(map[string][]Limit{
		"scrydex": {
			{Period: PeriodDay, Max: 10},
			{Period: PeriodMonth, Max: 1},
		},
	})
	ctx := context.Background()

	if err := tracker.TryReserve(ctx, "scrydex"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := tracker.TryReserve(ctx, "scrydex"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected monthly rejection, got %v", err)
	}

	usage, err := tracker.Usage(ctx, "scrydex")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage[0].Used != 1 {
		t.Fatalf("daily window leaked on rejection: %#v", usage[0])
	}
}

func TestWindowRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tracker := newMemoryWithClock(map[string][]Limit{
		"tcgmarket": {{Period: PeriodDay, Max: 1}},
	}, func() time.Time { return now })
	ctx := context.Background()

	if err := tracker.TryReserve(ctx, "tcgmarket"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tracker.TryReserve(ctx, "tcgmarket"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	now = now.Add(2 * time.Minute) // crosses the UTC day boundary
	if err := tracker.TryReserve(ctx, "tcgmarket"); err != nil {
		t.Fatalf("counter should reset in the new window: %v", err)
	}
}

func TestRecordUsageReconciles(t *testing.T) {
	tracker := NewMemory(map[string][]Limit{
		"scrydex": {{Period: PeriodDay, Max: 100}},
	})
	ctx := context.Background()

	if err := tracker.TryReserve(ctx, "scrydex"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// The provider reports far more usage than counted locally, e.g. another
	// instance shares the key. The provider is authoritative.
	remaining := 5
	if err := tracker.RecordUsage(ctx, "scrydex", &remaining); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	usage, err := tracker.Usage(ctx, "scrydex")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage[0].Used != 95 {
		t.Fatalf("expected reconciled count 95, got %d", usage[0].Used)
	}

	// Without an observation the reservation already counted the call.
	if err := tracker.RecordUsage(ctx, "scrydex", nil); err != nil {
		t.Fatalf("record usage without observation: %v", err)
	}
	usage, _ = tracker.Usage(ctx, "scrydex")
	if usage[0].Used != 95 {
		t.Fatalf("no-observation usage should be a no-op, got %d", usage[0].Used)
	}
}

func TestUnlimitedProvider(t *testing.T) {
	tracker := NewMemory(nil)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := tracker.TryReserve(ctx, "sealedbase"); err != nil {
			t.Fatalf("unlimited provider rejected: %v", err)
		}
	}
}
