package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptsmith/internal/prompt"
	promptsync "promptsmith/internal/prompt/sync"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "promptsmith.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storyFragment() *prompt.Fragment {
	f := &prompt.Fragment{
		Name:        "place_context",
		Type:        prompt.TypeContext,
		Description: "where the story happens",
		Content:     "The story takes place in {{place}}.",
		Variables: []prompt.Variable{
			{Name: "place", Source: "context.place", DefaultValue: "a forest"},
		},
		Conditions: []prompt.Condition{
			prompt.NewCondition("grade", "equals", "first"),
		},
		Priority: 85,
		IsActive: true,
	}
	f.Seal("place-v1")
	return f
}

func TestNewSQLiteStore_Schema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ps.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(s.db))
	assert.True(t, columnExists(s.db, "fragments", "description"))
	assert.True(t, columnExists(s.db, "experiment_results", "ratings"))
	require.NoError(t, s.Close())

	// Reopening an initialized database is a no-op.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(s.db))
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveFragment(context.Background(), storyFragment()))
	_, err = s.Backup()
	assert.Error(t, err)
}

func TestFragmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := storyFragment()
	require.NoError(t, s.SaveFragment(ctx, want))

	got, err := s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty(), cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("fragment mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Fragment(ctx, "missing")
	assert.True(t, errors.Is(err, prompt.ErrFragmentNotFound))
}

func TestReviseFragment_AppendsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFragment(ctx, storyFragment()))

	gen0, err := s.Generation(ctx)
	require.NoError(t, err)

	next, err := s.ReviseFragment(ctx, "place_context", prompt.Revision{
		VersionID: "place-v2",
		Content:   "Set the story in {{place}}.",
		Variables: []prompt.Variable{{Name: "place", Source: "context.place"}},
		Priority:  80,
	})
	require.NoError(t, err)
	assert.Equal(t, "place-v2", next.CurrentVersionID)

	got, err := s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	assert.Equal(t, []string{"place-v1", "place-v2"}, got.VersionIDs())
	assert.Equal(t, "Set the story in {{place}}.", got.Content)
	assert.Equal(t, 80, got.Priority)
	assert.Empty(t, got.Conditions)
	assert.Equal(t, "The story takes place in {{place}}.", got.VersionHistory[0].Content)

	gen1, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen1, gen0)

	t.Run("duplicate version id is rejected", func(t *testing.T) {
		_, err := s.ReviseFragment(ctx, "place_context", prompt.Revision{VersionID: "place-v1", Content: "again"})
		require.Error(t, err)
		assert.True(t, prompt.IsValidationError(err))

		unchanged, err := s.Generation(ctx)
		require.NoError(t, err)
		assert.Equal(t, gen1, unchanged)
	})

	t.Run("unknown fragment", func(t *testing.T) {
		_, err := s.ReviseFragment(ctx, "nope", prompt.Revision{Content: "x"})
		assert.True(t, errors.Is(err, prompt.ErrFragmentNotFound))
	})
}

func TestVersionsAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveFragment(context.Background(), storyFragment()))

	_, err := s.db.Exec("UPDATE fragment_versions SET content = 'rewritten'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSaveFragment_RejectsRewrittenVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFragment(ctx, storyFragment()))

	stored, err := s.Fragment(ctx, "place_context")
	require.NoError(t, err)

	t.Run("edited live fields under the same id", func(t *testing.T) {
		edited := stored.Clone()
		edited.Content = "Picture {{place}}."
		err := s.SaveFragment(ctx, edited)
		require.Error(t, err)
		assert.True(t, prompt.IsValidationError(err))
	})

	t.Run("tampered history entry", func(t *testing.T) {
		f := storyFragment()
		f.VersionHistory[0].Content = "tampered {{place}}"
		err := s.SaveFragment(ctx, f)
		require.Error(t, err)
		assert.True(t, prompt.IsValidationError(err))
	})

	t.Run("fresh fragment reusing a stored id", func(t *testing.T) {
		f := storyFragment()
		f.Content = "Picture {{place}}."
		f.VersionHistory = nil
		f.Seal("place-v1")
		err := s.SaveFragment(ctx, f)
		require.Error(t, err)
		assert.True(t, prompt.IsValidationError(err))
	})

	got, err := s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	require.Len(t, got.VersionHistory, 1)
	assert.Equal(t, "The story takes place in {{place}}.", got.Content)
	assert.Equal(t, prompt.HashContent(got.Content), got.ContentHash)

	// Saving what is already stored, e.g. with a new description, is fine.
	stored.Description = "setting"
	require.NoError(t, s.SaveFragment(ctx, stored))
	got, err = s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	assert.Equal(t, "setting", got.Description)
}

func TestFragment_EmptyNameNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFragment(ctx, storyFragment()))

	_, err := s.Fragment(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, prompt.ErrFragmentNotFound))

	a := prompt.NewAssembler(s)
	res, err := a.AssembleFromSelection(ctx, []prompt.ComponentRef{{Fragment: "", Enabled: true}}, prompt.Context{}, "fallback")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "fallback", res.Prompt)
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	require.NoError(t, s.SaveFragment(ctx, storyFragment()))
	require.NoError(t, s.SaveFragment(ctx, prompt.NewFragment("role", prompt.TypeRole, "You are a storyteller.")))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.Greater(t, snap.Generation, empty.Generation)
	assert.Equal(t, "place_context", snap.Fragments()[0].Name)

	require.NoError(t, s.SetFragmentActive(ctx, "role", false))
	after, err := s.Snapshot(ctx)
	require.NoError(t, err)
	role, ok := after.Get("role")
	require.True(t, ok)
	assert.False(t, role.IsActive)

	// Earlier snapshots are unaffected.
	role, _ = snap.Get("role")
	assert.True(t, role.IsActive)

	err = s.SetFragmentActive(ctx, "missing", true)
	assert.True(t, errors.Is(err, prompt.ErrFragmentNotFound))

	require.NoError(t, s.DeleteFragment(ctx, "role"))
	_, err = s.Fragment(ctx, "role")
	assert.True(t, errors.Is(err, prompt.ErrFragmentNotFound))
}

func TestAssembleFromSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFragment(ctx, prompt.NewFragment("role", prompt.TypeRole, "You are a storyteller.")))
	require.NoError(t, s.SaveFragment(ctx, storyFragment()))

	a := prompt.NewAssembler(s)
	res, err := a.Assemble(ctx, prompt.Context{
		"grade": "first",
		"place": "a castle",
	}, prompt.AssembleOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "You are a storyteller.")
	assert.Contains(t, res.Prompt, "The story takes place in a castle.")
}

func TestImportFragments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.ImportFragments(ctx, []*prompt.Fragment{storyFragment()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ImportFragments(ctx, []*prompt.Fragment{storyFragment()})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged content is not re-imported")

	changed := storyFragment()
	changed.Content = "Picture {{place}}."
	changed.CurrentVersionID = "place-v2"
	changed.VersionHistory = nil
	changed.Seal("")

	n, err = s.ImportFragments(ctx, []*prompt.Fragment{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	assert.Equal(t, []string{"place-v1", "place-v2"}, got.VersionIDs())
	assert.Equal(t, "Picture {{place}}.", got.Content)

	// The original version is already logged, so importing it again does
	// not move the live pointer back.
	n, err = s.ImportFragments(ctx, []*prompt.Fragment{storyFragment()})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Nor does an edit filed under a logged id rewrite that version.
	edited := storyFragment()
	edited.Content = "Somewhere in {{place}}."
	edited.VersionHistory = nil
	edited.Seal("place-v1")
	n, err = s.ImportFragments(ctx, []*prompt.Fragment{edited})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err = s.Fragment(ctx, "place_context")
	require.NoError(t, err)
	v1, ok := got.Version("place-v1")
	require.True(t, ok)
	assert.Equal(t, "The story takes place in {{place}}.", v1.Content)

	hashes, err := s.ContentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, prompt.HashContent("Picture {{place}}."), hashes["place_context"])
}

func TestSynchronizerIntoSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	yaml := `
- name: role
  type: role
  content: You are a storyteller.
- name: length
  type: structure
  content: Keep it under {{words}} words.
  variables:
    - name: words
      source: limits.words
      default_value: "200"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "story.yaml"), []byte(yaml), 0644))

	report, err := promptsync.NewSynchronizer(dir, s).SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)

	report, err = promptsync.NewSynchronizer(dir, s).SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 2, report.Unchanged)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveFragment(context.Background(), storyFragment()))

	path, err := s.Backup()
	require.NoError(t, err)

	copyStore, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer copyStore.Close()

	got, err := copyStore.Fragment(context.Background(), "place_context")
	require.NoError(t, err)
	assert.Equal(t, "place-v1", got.CurrentVersionID)
}
