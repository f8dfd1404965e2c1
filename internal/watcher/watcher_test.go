package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, root string, debounce time.Duration) (*Watcher, *atomic.Int64) {
	t.Helper()
	var triggers atomic.Int64
	w, err := New(Config{Root: root, Debounce: debounce},
		func() { triggers.Add(1) }, slog.Default())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w, &triggers
}

func TestWatcherTriggersOnWrite(t *testing.T) {
	root := t.TempDir()
	_, triggers := newTestWatcher(t, root, 30*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# hi"), 0o644))

	require.Eventually(t, func() bool { return triggers.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatcherCoalescesRapidChanges(t *testing.T) {
	root := t.TempDir()
	_, triggers := newTestWatcher(t, root, 150*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# hi"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return triggers.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	// Quiet period follows; the burst must have collapsed to one trigger.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), triggers.Load())
}

func TestWatcherIgnoresHiddenAndVendored(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	require.NoError(t, os.Mkdir(gitDir, 0o755))
	_, triggers := newTestWatcher(t, root, 30*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, triggers.Load())
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	_, triggers := newTestWatcher(t, root, 30*time.Millisecond)

	sub := filepath.Join(root, "docs")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return triggers.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	before := triggers.Load()

	// Let the first debounce settle, then write inside the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.md"), []byte("# b"), 0o644))
	require.Eventually(t, func() bool { return triggers.Load() > before },
		2*time.Second, 10*time.Millisecond)
}
