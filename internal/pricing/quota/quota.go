package quota

import (
	"context"
	"errors"
	"time"
)

// ErrQuotaExceeded signals that a provider's request budget for the current
// window is spent. The resolver treats it as a fall-through to the next
// provider in the chain, never as a request failure by itself.
var ErrQuotaExceeded = errors.New("quota: exceeded")

// Period is the length of a quota accounting window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Valid reports whether the period is a supported window length.
func (p Period) Valid() bool {
	return p == PeriodDay || p == PeriodMonth
}

// WindowStart returns the canonical label for the window containing t.
// Windows are aligned to UTC calendar boundaries so counts survive restarts
// under a stable key.
func (p Period) WindowStart(t time.Time) string {
	t = t.UTC()
	if p == PeriodMonth {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// Limit caps a provider's requests for one period.
type Limit struct {
	Period Period
	Max    int
}

// WindowUsage is a read-only snapshot of one counter, exposed for dashboards.
type WindowUsage struct {
	Provider    string
	Period      Period
	WindowStart string
	Used        int
	Limit       int
}

// Tracker enforces per-provider request quotas. The local count is advisory:
// the provider is authoritative, and RecordUsage reconciles the counter when
// an adapter surfaces the provider-reported remaining budget.
//
// TryReserve atomically increments every configured window for the provider
// and fails with ErrQuotaExceeded when any window is already at its limit,
// leaving no window incremented. Release returns an unused reservation, for
// calls that were reserved but never made. RecordUsage is called after a real
// provider call; the reservation already counted it, so with no observation
// it is a no-op.
type Tracker interface {
	TryReserve(ctx context.Context, provider string) error
	Release(ctx context.Context, provider string) error
	RecordUsage(ctx context.Context, provider string, observedRemaining *int) error
	Usage(ctx context.Context, provider string) ([]WindowUsage, error)
}
