package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/binderd/pricewatch/internal/metrics"
	"github.com/binderd/pricewatch/internal/pricing"
	"github.com/binderd/pricewatch/internal/pricing/provider"
	"github.com/binderd/pricewatch/internal/pricing/quota"
	"github.com/binderd/pricewatch/internal/pricing/store"
)

// RefreshMany renews a batch of due entries on behalf of the scheduler and
// returns how many were refreshed. Entries sharing a category and query
// parameters are grouped so a batch-capable chain head renews the whole group
// for a single quota reservation; everything else walks the fallback chain
// entry by entry.
func (r *Resolver) RefreshMany(entries []store.Entry) int {
	groups := make(map[string][]store.Entry)
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		key := batchGroupKey(entry.Request)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	refreshed := 0
	for _, key := range order {
		refreshed += r.refreshGroup(groups[key])
	}
	return refreshed
}

// batchGroupKey clusters requests a single batch call can serve: same
// category, same non-identity parameters.
func batchGroupKey(spec pricing.RequestSpec) string {
	if len(spec.QueryParams) == 0 {
		return string(spec.Category)
	}
	names := make([]string, 0, len(spec.QueryParams))
	for name := range spec.QueryParams {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(string(spec.Category))
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%s", name, spec.QueryParams[name])
	}
	return b.String()
}

func (r *Resolver) refreshGroup(group []store.Entry) int {
	chain := r.chainFor(group[0].Category())
	if len(chain) == 0 {
		r.logger.Warn("no providers configured, skipping refresh",
			slog.String("category", string(group[0].Category())),
			slog.Int("entries", len(group)))
		return 0
	}
	head := chain[0]
	batcher, supportsBatch := head.(provider.BatchFetcher)
	if !supportsBatch || len(group) < 2 {
		return r.refreshEach(group)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.bgTimeout)
	defer cancel()

	if err := r.quota.TryReserve(ctx, head.Name()); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			r.metrics.QuotaRejected(head.Name())
		}
		// The head is unavailable for the batch; per-entry resolution still
		// has the rest of the chain.
		return r.refreshEach(group)
	}

	specs := make([]pricing.RequestSpec, 0, len(group))
	for _, entry := range group {
		specs = append(specs, entry.Request)
	}
	fetchStart := r.now()
	results, err := batcher.FetchBatch(ctx, specs)
	fetchDuration := r.now().Sub(fetchStart)
	if err != nil {
		r.settleFailedReservation(head.Name(), err)
		r.metrics.ObserveFetch(head.Name(), fetchOutcome(err), fetchDuration)
		r.logger.Warn("batch refresh failed, retrying entries individually",
			slog.String("provider", head.Name()),
			slog.String("category", string(group[0].Category())),
			slog.Int("entries", len(group)),
			slog.Any("error", err))
		return r.refreshEach(group)
	}
	r.metrics.ObserveFetch(head.Name(), metrics.FetchSuccess, fetchDuration)

	var remaining *int
	for _, result := range results {
		if result.RemainingQuota != nil {
			remaining = result.RemainingQuota
		}
	}
	if err := r.quota.RecordUsage(ctx, head.Name(), remaining); err != nil {
		r.logger.Warn("quota usage record failed",
			slog.String("provider", head.Name()),
			slog.Any("error", err))
	}

	refreshed := 0
	var leftovers []store.Entry
	for _, entry := range group {
		result, ok := results[entry.Request.ItemIdentity]
		if !ok {
			// Either past the provider's batch cap or unknown to it; the
			// per-entry path decides via the full chain.
			leftovers = append(leftovers, entry)
			continue
		}
		if err := r.store.Put(ctx, r.entryFor(entry.Request, entry.Key, result.Record, head.Name())); err != nil {
			r.logger.Error("cache write failed",
				slog.String("key", entry.Key),
				slog.String("provider", head.Name()),
				slog.Any("error", err))
			continue
		}
		refreshed++
	}
	return refreshed + r.refreshEach(leftovers)
}

func (r *Resolver) refreshEach(entries []store.Entry) int {
	refreshed := 0
	for _, entry := range entries {
		if err := r.RefreshEntry(entry); err != nil {
			r.logger.Debug("entry refresh failed",
				slog.String("key", entry.Key),
				slog.String("category", string(entry.Category())),
				slog.Any("error", err))
			continue
		}
		refreshed++
	}
	return refreshed
}
