package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "role.yaml", "name: role\ntype: role\ncontent: You are a guide.\n")

	store := newStore(t)
	w, err := NewWatcher(dir, store, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	f, err := store.Fragment(ctx, "role")
	require.NoError(t, err)
	assert.Equal(t, "You are a guide.", f.Content)

	writeFile(t, dir, "sub/intro.yaml", "name: intro\ntype: instruction\ncontent: Tell a story.\n")
	writeFile(t, dir, "role.yaml", "name: role\ntype: role\ncontent: You are a poet.\n")

	require.Eventually(t, func() bool {
		snap, _ := store.Snapshot(ctx)
		role, ok := snap.Get("role")
		_, hasIntro := snap.Get("intro")
		return ok && role.Content == "You are a poet." && hasIntro
	}, 5*time.Second, 20*time.Millisecond)

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.Reloads, 2)
	assert.Greater(t, stats.Events, 0)
}

func TestWatcher_StartAfterStop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "role.yaml", "name: role\ntype: role\ncontent: You are a guide.\n")

	w, err := NewWatcher(dir, newStore(t), 20*time.Millisecond)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second Start while running is a no-op")
	w.Stop()

	err = w.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWatcherStopped))

	// Stop stays safe to repeat.
	w.Stop()
}

func TestWatcher_Composites(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "composites.yaml", `
composites:
  - name: onboarding
    full_text: Welcome.
`)
	w, err := NewWatcher(dir, newStore(t), 0)
	require.NoError(t, err)
	defer w.Stop()

	_, err = w.Reload(context.Background())
	require.NoError(t, err)

	ct, ok := w.Composite("onboarding")
	require.True(t, ok)
	assert.Equal(t, "Welcome.", ct.FullText)
	_, ok = w.Composite("missing")
	assert.False(t, ok)
}

func TestWatcher_FailedReloadKeepsSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fragments")
	writeFile(t, dir, "role.yaml", "name: role\ntype: role\ncontent: Kept.\n")

	store := newStore(t)
	w, err := NewWatcher(dir, store, 0)
	require.NoError(t, err)
	defer w.Stop()

	_, err = w.Reload(context.Background())
	require.NoError(t, err)
	gen := store.Generation()

	require.NoError(t, os.RemoveAll(dir))
	_, err = w.Reload(context.Background())
	require.Error(t, err)

	assert.Equal(t, gen, store.Generation())
	f, err := store.Fragment(context.Background(), "role")
	require.NoError(t, err)
	assert.Equal(t, "Kept.", f.Content)
	assert.Equal(t, 1, w.Stats().Errors)
}

func TestWatcher_ConcurrentReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "role.yaml", "name: role\ntype: role\ncontent: You are a guide.\n")

	store := newStore(t)
	w, err := NewWatcher(dir, store, 0)
	require.NoError(t, err)
	defer w.Stop()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := w.Reload(context.Background())
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, w.Stats().Reloads, 16)
	assert.LessOrEqual(t, store.Generation(), uint64(16))
	_, err = store.Fragment(context.Background(), "role")
	assert.NoError(t, err)
}
