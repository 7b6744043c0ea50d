package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules(t *testing.T) {
	t.Run("alert on keyword", func(t *testing.T) {
		defs := DefaultRules(DefaultOptions{ContentKeywords: []string{"confidential"}, AlertOnRemovable: true, BlockSeverity: 8})
		require.Len(t, defs, 3)
		assert.Equal(t, "default_keyword", defs[0].ID)
		assert.Equal(t, Severity(4), defs[0].Severity)
		assert.Equal(t, ActionList{ActionAlert}, defs[0].Actions)
		assert.Equal(t, "default_size_threshold", defs[1].ID)
		assert.Equal(t, "default_removable_drive", defs[2].ID)
		for _, d := range defs {
			assert.NoError(t, d.Validate())
		}
	})

	t.Run("block on match", func(t *testing.T) {
		defs := DefaultRules(DefaultOptions{ContentKeywords: []string{"x"}, BlockOnMatch: true, BlockSeverity: 7})
		require.Len(t, defs, 2)
		assert.Equal(t, Severity(7), defs[0].Severity)
		assert.Equal(t, ActionList{ActionBlock}, defs[0].Actions)
	})

	t.Run("no keywords", func(t *testing.T) {
		defs := DefaultRules(DefaultOptions{})
		require.Len(t, defs, 1)
		assert.Equal(t, "default_size_threshold", defs[0].ID)
	})
}

func TestMergeDefaults(t *testing.T) {
	rules := []Rule{{ID: "default_size_threshold", Severity: 9}, {ID: "mine"}}
	defaults := DefaultRules(DefaultOptions{AlertOnRemovable: true})

	merged := MergeDefaults(rules, defaults)
	require.Len(t, merged, 3)
	assert.Equal(t, Severity(9), merged[0].Severity, "existing rule kept")
	assert.Equal(t, "default_removable_drive", merged[2].ID)
	assert.Len(t, rules, 2)
}

func TestLoaderApply(t *testing.T) {
	e := NewEngine(DefaultThresholds(), testLogger())
	l := NewLoader(e, func() []Rule {
		return DefaultRules(DefaultOptions{AlertOnRemovable: true})
	}, testLogger())
	changes := l.Subscribe()

	report, err := l.Apply("v1", []byte(`{"rules": [
		{"id": "r1", "type": "keyword", "keywords": ["secret"], "severity": 8},
		{"id": "bad"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, "v1", report.Version)
	assert.Equal(t, 1, report.Loaded)
	assert.Len(t, report.Skipped, 1)
	assert.Equal(t, 2, report.Defaults)

	snap := e.Snapshot()
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, 3, snap.Len())

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}

	d := e.Evaluate(Context{RemovableDrive: true}, nil)
	assert.Equal(t, "default_removable_drive", d.RuleID)
}

func TestLoaderApplyFailureLeavesEngineUntouched(t *testing.T) {
	e := NewEngine(DefaultThresholds(), testLogger())
	l := NewLoader(e, nil, testLogger())

	_, err := l.Apply("v1", []byte(`[{"id": "r1", "type": "keyword", "keywords": ["a"]}]`))
	require.NoError(t, err)

	_, err = l.Apply("v2", []byte(`{"rules": [`))
	assert.Error(t, err)
	assert.Equal(t, "v1", e.Snapshot().Version)

	_, err = l.Apply("v3", []byte(`{"rules": [{"id": "only-bad"}]}`))
	assert.ErrorIs(t, err, ErrNoValidRules)
	assert.Equal(t, "v1", e.Snapshot().Version)

	_, err = l.Apply("v4", []byte(`{"rules": []}`))
	require.NoError(t, err, "an empty rule list is a valid policy")
	assert.Equal(t, 0, e.Snapshot().Len())
}

func TestLoaderApplyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- id: a\n  type: keyword\n  keywords: [x]\n"), 0644))

	e := NewEngine(DefaultThresholds(), testLogger())
	l := NewLoader(e, nil, testLogger())

	report, err := l.ApplyFile("local", path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)

	_, err = l.ApplyFile("local", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoaderWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "a", "type": "keyword", "keywords": ["x"]}]`), 0644))

	e := NewEngine(DefaultThresholds(), testLogger())
	l := NewLoader(e, nil, testLogger())
	_, err := l.ApplyFile("local", path)
	require.NoError(t, err)
	changes := l.Subscribe()

	stop := make(chan struct{})
	defer close(stop)
	go l.WatchFile(path, 20*time.Millisecond, 10*time.Millisecond, stop, func() error {
		_, err := l.ApplyFile("local", path)
		return err
	})
	time.Sleep(50 * time.Millisecond)

	// Ensure a later modification time than the initial write.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "b", "type": "keyword", "keywords": ["y"]}]`), 0644))
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Equal(t, "b", e.Snapshot().Rules()[0].ID)
}
