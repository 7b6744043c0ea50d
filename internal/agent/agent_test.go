package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/logging"
	"github.com/whaac1289-debug/dlp-agent/internal/pipeline"
	"github.com/whaac1289-debug/dlp-agent/internal/policy"
)

const testRules = `[{"id": "r1", "name": "Top Secret", "type": "keyword", "severity": 9, "keywords": ["topsecret"], "actions": ["block"], "enabled": true}]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("NOTIFY_SOCKET", "")

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.HostID = "host-test"
	cfg.DataDir = dir
	cfg.NATSURL = ""
	cfg.HTTPAddress = "127.0.0.1"
	cfg.HTTPPort = 0
	cfg.QuarantineDir = filepath.Join(dir, "quarantine")
	cfg.ShadowDir = filepath.Join(dir, "shadow")
	cfg.RulesPath = filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(cfg.RulesPath, []byte(testRules), 0o600))
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := New(context.Background(), cfg, logging.New(io.Discard, "error", false))
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = ""

	_, err := New(context.Background(), cfg, logging.New(io.Discard, "error", false))
	assert.Error(t, err)
}

func TestApplyPolicyMergesDefaults(t *testing.T) {
	a := newTestAgent(t, testConfig(t))

	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v7", JSON: testRules}))

	snap := a.Engine().Snapshot()
	assert.Equal(t, "v7", snap.Version)

	ids := map[string]bool{}
	for _, r := range snap.Rules() {
		ids[r.ID] = true
	}
	assert.True(t, ids["r1"])
	assert.True(t, ids["default_keyword"])
	assert.True(t, ids["default_size_threshold"])
	assert.True(t, ids["default_removable_drive"])
}

func TestApplyPolicyRejectsInvalidDocument(t *testing.T) {
	a := newTestAgent(t, testConfig(t))
	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v1", JSON: testRules}))

	err := a.applyPolicy(policy.Snapshot{Version: "v2", JSON: `not json`})
	assert.Error(t, err)
	assert.Equal(t, "v1", a.Engine().Snapshot().Version)
}

func TestSettingsChangeRebuildsDefaults(t *testing.T) {
	a := newTestAgent(t, testConfig(t))
	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v1", JSON: testRules}))

	require.NoError(t, a.settings.Apply(config.ChangeMessage{Key: "dlp.content_keywords", Value: json.RawMessage(`["ProjectX"]`)}))
	require.NoError(t, a.settings.Apply(config.ChangeMessage{Key: "block_severity", Value: json.RawMessage(`7`)}))

	snap := a.Engine().Snapshot()
	assert.Equal(t, "v1", snap.Version)
	assert.EqualValues(t, 7, snap.Thresholds().Block)

	var found bool
	for _, r := range snap.Rules() {
		if r.ID == "default_keyword" {
			found = true
			assert.Equal(t, []string{"projectx"}, r.Keywords)
		}
	}
	assert.True(t, found)
}

func TestHeartbeat(t *testing.T) {
	a := newTestAgent(t, testConfig(t))
	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v1", JSON: testRules}))

	hb := a.heartbeat()
	assert.Equal(t, Version, hb["agent_version"])
	assert.Equal(t, "4", hb["rules"])
	assert.Contains(t, hb, "uptime_sec")
}

func TestRunLoadsLocalRulesAndScans(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Ready, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "local", a.updater.ActiveVersion())

	path := filepath.Join(cfg.DataDir, "plan.txt")
	require.NoError(t, os.WriteFile(path, []byte("the TopSecret plan"), 0o600))

	ev, result, err := a.Scanner().Process(context.Background(), pipeline.FileEvent{Action: pipeline.ActionModified, Path: path, DriveType: "FIXED"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "BLOCK", ev.Decision)
	assert.Equal(t, "r1", result.Policy.RuleID)

	held := a.decisions.Recent(0)
	require.Len(t, held, 1)
	assert.Equal(t, ev.ID, held[0].ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.False(t, a.Ready())
}

func TestRunFallsBackToBuiltinRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.RulesPath = filepath.Join(cfg.DataDir, "missing.json")
	a := newTestAgent(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Ready, 5*time.Second, 10*time.Millisecond)
	snap := a.Engine().Snapshot()
	assert.Equal(t, "builtin", snap.Version)
	assert.Equal(t, 3, snap.Len())

	cancel()
	assert.NoError(t, <-done)
}

func TestPolicyAppliesAreSerialized(t *testing.T) {
	a := newTestAgent(t, testConfig(t))
	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v0", JSON: testRules}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, a.applyPolicy(policy.Snapshot{Version: fmt.Sprintf("v%d", i+1), JSON: testRules}))
		}(i)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.reapply())
		}()
	}
	wg.Wait()

	a.policyMu.Lock()
	last := a.lastPolicy.Version
	a.policyMu.Unlock()
	assert.Equal(t, last, a.Engine().Snapshot().Version)
}

func TestReloadLocalUpdatesLastPolicy(t *testing.T) {
	cfg := testConfig(t)
	a := newTestAgent(t, cfg)
	require.NoError(t, a.applyPolicy(policy.Snapshot{Version: "v1", JSON: testRules}))

	require.NoError(t, os.WriteFile(cfg.RulesPath, []byte(`[{"id": "r2", "type": "keyword", "keywords": ["other"]}]`), 0o600))
	require.NoError(t, a.reloadLocal())

	// A settings change must rebuild from the reloaded file, not the older document.
	require.NoError(t, a.reapply())
	snap := a.Engine().Snapshot()
	assert.Equal(t, "local", snap.Version)

	ids := map[string]bool{}
	for _, r := range snap.Rules() {
		ids[r.ID] = true
	}
	assert.True(t, ids["r2"])
	assert.False(t, ids["r1"])
}
