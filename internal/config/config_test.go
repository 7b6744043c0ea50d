package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.fillPaths()

	assert.Equal(t, 8, cfg.BlockSeverity)
	assert.Equal(t, 9, cfg.QuarantineSeverity)
	assert.Equal(t, 5, cfg.ShadowCopySeverity)
	assert.False(t, cfg.EnableQuarantine)
	assert.True(t, cfg.AlertOnRemovable)
	assert.Equal(t, 300*time.Second, cfg.PolicyRefreshInterval)
	assert.Equal(t, filepath.Join(cfg.DataDir, "quarantine"), cfg.QuarantineDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "policy", "last_known.policy"), cfg.PolicyStorePath)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DLP_DATA_DIR", "/tmp/dlp")
	t.Setenv("DLP_BLOCK_SEVERITY", "6")
	t.Setenv("DLP_ENABLE_QUARANTINE", "true")
	t.Setenv("DLP_POLICY_REFRESH_SEC", "60")
	t.Setenv("DLP_CONTENT_KEYWORDS", "payroll, , merger")
	t.Setenv("DLP_NATIONAL_ID_PATTERNS", `\b\d{3}-\d{2}-\d{4}\b;\b[A-Z]{2}\d{6,9}\b`)
	t.Setenv("DLP_HTTP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/dlp", cfg.DataDir)
	assert.Equal(t, 6, cfg.BlockSeverity)
	assert.True(t, cfg.EnableQuarantine)
	assert.Equal(t, 60*time.Second, cfg.PolicyRefreshInterval)
	assert.Equal(t, []string{"payroll", "merger"}, cfg.ContentKeywords)
	assert.Equal(t, []string{`\b\d{3}-\d{2}-\d{4}\b`, `\b[A-Z]{2}\d{6,9}\b`}, cfg.NationalIDPatterns)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, "/tmp/dlp/shadow", cfg.ShadowDir)
}

func TestLoadMergesFileBeforeEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host_id: ws-042
block_severity: 7
usb_allow_serials: [ABC123]
fingerprint_store: memory
`), 0o600))

	t.Setenv("DLP_CONFIG_FILE", path)
	t.Setenv("DLP_BLOCK_SEVERITY", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws-042", cfg.HostID)
	assert.Equal(t, 9, cfg.BlockSeverity)
	assert.Equal(t, []string{"ABC123"}, cfg.USBAllowSerials)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.HostID = "" }},
		{"severity out of range", func(c *Config) { c.BlockSeverity = 11 }},
		{"postgres without dsn", func(c *Config) { c.FingerprintStore = "postgres" }},
		{"unknown store", func(c *Config) { c.FingerprintStore = "redis" }},
		{"bad endpoint scheme", func(c *Config) { c.PolicyEndpoint = "ftp://policy" }},
		{"zero scan size", func(c *Config) { c.MaxScanBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHTTPListenAddr(t *testing.T) {
	cfg := Defaults()
	cfg.HTTPAddress = "127.0.0.1"
	cfg.HTTPPort = 9000
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPListenAddr())
}
