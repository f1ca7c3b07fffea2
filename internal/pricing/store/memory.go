package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an in-process store. Entries are cloned on every read and
// write so callers can never mutate cached state through a shared pointer.
func NewMemory() Store {
	return &memoryStore{now: time.Now, entries: make(map[string]Entry)}
}

// newMemoryWithClock exists for expiry tests that need a controllable clock.
func newMemoryWithClock(now func() time.Time) *memoryStore {
	return &memoryStore{now: now, entries: make(map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.HitCount++
	entry.LastHitAt = s.now().UTC()
	s.entries[key] = entry
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if err := entry.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A refresh overwrites the payload but the hit counter keeps counting
	// since first creation.
	if prev, ok := s.entries[entry.Key]; ok {
		entry.HitCount = prev.HitCount
		entry.LastHitAt = prev.LastHitAt
	}
	s.entries[entry.Key] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) DueForRefresh(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []Entry
	for _, entry := range s.entries {
		if !entry.SoftRefreshAt.After(now) && entry.ExpiresAt.After(now) {
			due = append(due, cloneEntry(entry))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SoftRefreshAt.Before(due[j].SoftRefreshAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.ExpiresAt.After(now) {
			continue
		}
		// Entries hit after expiry are still feeding expired-fallback
		// answers; leave them for a later sweep.
		if entry.LastHitAt.After(entry.ExpiresAt) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed, nil
}

func (s *memoryStore) Len(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	out := in
	out.Payload = in.Payload.Clone()
	if len(in.Request.QueryParams) > 0 {
		out.Request.QueryParams = make(map[string]string, len(in.Request.QueryParams))
		for k, v := range in.Request.QueryParams {
			out.Request.QueryParams[k] = v
		}
	}
	return out
}
