package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/binderd/pricewatch/internal/pricing"
)

func TestWatchChainsReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("single_price: [scrydex]\n"), 0o600))

	var mu sync.Mutex
	var latest map[pricing.Category][]string
	onChange := func(chains map[pricing.Category][]string) {
		mu.Lock()
		latest = chains
		mu.Unlock()
	}

	watcher, err := WatchChains(context.Background(), path, onChange, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("single_price: [tcgmarket, scrydex]\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		chains, ok := latest[pricing.CategorySinglePrice]
		return ok && len(chains) == 2 && chains[0] == "tcgmarket"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchChainsReportsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("single_price: [scrydex]\n"), 0o600))

	var mu sync.Mutex
	var lastErr error
	changes := 0

	watcher, err := WatchChains(context.Background(), path,
		func(map[pricing.Category][]string) {
			mu.Lock()
			changes++
			mu.Unlock()
		},
		func(err error) {
			mu.Lock()
			lastErr = err
			mu.Unlock()
		})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("mystery_box: [scrydex]\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastErr != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, changes, "an invalid document must not reach the change callback")
}

func TestWatchChainsRequiresCallbackAndPath(t *testing.T) {
	_, err := WatchChains(context.Background(), "chains.yaml", nil, nil)
	require.Error(t, err)

	_, err = WatchChains(context.Background(), "", func(map[pricing.Category][]string) {}, nil)
	require.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("single_price: [scrydex]\n"), 0o600))

	watcher, err := WatchChains(context.Background(), path, func(map[pricing.Category][]string) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
