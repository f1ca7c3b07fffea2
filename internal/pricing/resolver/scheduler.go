package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/binderd/pricewatch/internal/metrics"
	"github.com/binderd/pricewatch/internal/pricing/store"
)

// SchedulerOptions configures the background refresh loop.
type SchedulerOptions struct {
	Store    store.Store
	Resolver *Resolver
	// Interval is the pause between refresh cycles.
	Interval time.Duration
	// Budget caps how many due entries one cycle may renew, keeping a large
	// backlog from draining provider quotas in a single burst.
	Budget  int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Scheduler periodically renews entries past their soft-refresh point and
// sweeps hard-expired entries nobody has touched since expiry. Renewal ahead
// of demand means steady-state reads stay on the fresh path.
type Scheduler struct {
	store    store.Store
	resolver *Resolver
	interval time.Duration
	budget   int
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultRefreshBudget   = 50
)

// NewScheduler validates the wiring and returns a scheduler ready to Run.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler: store required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("scheduler: resolver required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = defaultRefreshBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    opts.Store,
		resolver: opts.Resolver,
		interval: interval,
		budget:   budget,
		logger:   logger.With(slog.String("component", "refresh-scheduler")),
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// Run blocks, executing refresh cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("refresh scheduler started",
		slog.Duration("interval", s.interval),
		slog.Int("budget", s.budget))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one refresh pass: renew up to budget due entries, sweep
// untouched expired ones, publish the sampled store size.
func (s *Scheduler) RunCycle(ctx context.Context) {
	now := s.now()

	due, err := s.store.DueForRefresh(ctx, now, s.budget)
	if err != nil {
		s.logger.Error("due-for-refresh scan failed", slog.Any("error", err))
		return
	}
	refreshed := 0
	if len(due) > 0 {
		refreshed = s.resolver.RefreshMany(due)
	}

	swept, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("expired sweep failed", slog.Any("error", err))
	}

	s.metrics.ObserveRefreshCycle(refreshed, swept)
	if size, err := s.store.Len(ctx); err == nil {
		s.metrics.SetCacheEntries(size)
	}

	if len(due) > 0 || swept > 0 {
		s.logger.Info("refresh cycle complete",
			slog.Int("due", len(due)),
			slog.Int("refreshed", refreshed),
			slog.Int("swept", swept))
	}
}
