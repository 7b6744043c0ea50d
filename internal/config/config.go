package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration
type Config struct {
	HostID   string `yaml:"host_id" json:"host_id"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// HTTP server configuration
	HTTPPort    int    `yaml:"http_port" json:"http_port"`
	HTTPAddress string `yaml:"http_address" json:"http_address"`

	// NATS subjects
	NATSURL          string `yaml:"nats_url" json:"nats_url"`
	FileEventSubject string `yaml:"file_event_subject" json:"file_event_subject"`
	QueueGroup       string `yaml:"queue_group" json:"queue_group"`
	AuditSubject     string `yaml:"audit_subject" json:"audit_subject"`
	TelemetrySubject string `yaml:"telemetry_subject" json:"telemetry_subject"`
	ConfigSubject    string `yaml:"config_subject" json:"config_subject"`

	// Rules and policy lifecycle
	RulesPath             string        `yaml:"rules_path" json:"rules_path"`
	RulesWatchInterval    time.Duration `yaml:"rules_watch_interval" json:"rules_watch_interval"`
	PolicyEndpoint        string        `yaml:"policy_endpoint" json:"policy_endpoint"`
	PolicyAPIKey          string        `yaml:"policy_api_key" json:"-"`
	PolicyHMACKey         string        `yaml:"policy_hmac_key" json:"-"`
	PolicyPublicKey       string        `yaml:"policy_public_key" json:"policy_public_key,omitempty"`
	PolicyStorePath       string        `yaml:"policy_store_path" json:"policy_store_path"`
	PolicyRefreshInterval time.Duration `yaml:"policy_refresh_interval" json:"policy_refresh_interval"`
	PolicyTickInterval    time.Duration `yaml:"policy_tick_interval" json:"policy_tick_interval"`

	// Scanning
	WatchPaths         []string `yaml:"watch_paths" json:"watch_paths"`
	ExtensionFilter    []string `yaml:"extension_filter" json:"extension_filter"`
	MaxScanBytes       int64    `yaml:"max_scan_bytes" json:"max_scan_bytes"`
	HashMaxBytes       int64    `yaml:"hash_max_bytes" json:"hash_max_bytes"`
	PartialHashBytes   int      `yaml:"partial_hash_bytes" json:"partial_hash_bytes"`
	SizeThreshold      int64    `yaml:"size_threshold" json:"size_threshold"`
	ContentKeywords    []string `yaml:"content_keywords" json:"content_keywords"`
	NationalIDPatterns []string `yaml:"national_id_patterns" json:"national_id_patterns"`
	PIICacheSize       int      `yaml:"pii_cache_size" json:"pii_cache_size"`

	// Decisions
	AlertOnRemovable   bool     `yaml:"alert_on_removable" json:"alert_on_removable"`
	BlockOnMatch       bool     `yaml:"block_on_match" json:"block_on_match"`
	BlockSeverity      int      `yaml:"block_severity" json:"block_severity"`
	EnableQuarantine   bool     `yaml:"enable_quarantine" json:"enable_quarantine"`
	QuarantineSeverity int      `yaml:"quarantine_severity" json:"quarantine_severity"`
	EnableShadowCopy   bool     `yaml:"enable_shadow_copy" json:"enable_shadow_copy"`
	ShadowCopySeverity int      `yaml:"shadow_copy_severity" json:"shadow_copy_severity"`
	USBAllowSerials    []string `yaml:"usb_allow_serials" json:"usb_allow_serials"`

	// Enforcement
	EnforcementEnabled bool   `yaml:"enforcement_enabled" json:"enforcement_enabled"`
	QuarantineDir      string `yaml:"quarantine_dir" json:"quarantine_dir"`
	ShadowDir          string `yaml:"shadow_dir" json:"shadow_dir"`

	// Fingerprint store
	FingerprintStore     string `yaml:"fingerprint_store" json:"fingerprint_store"`
	FingerprintCacheSize int    `yaml:"fingerprint_cache_size" json:"fingerprint_cache_size"`
	PostgresDSN          string `yaml:"postgres_dsn" json:"-"`

	// Audit
	AuditBufferSize int `yaml:"audit_buffer_size" json:"audit_buffer_size"`
	HeartbeatSec    int `yaml:"heartbeat_sec" json:"heartbeat_sec"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HostID:   hostname(),
		DataDir:  "/var/lib/dlp-agent",
		LogLevel: "info",

		HTTPPort: 8090,

		NATSURL:          "nats://localhost:4222",
		FileEventSubject: "dlp.file_events",
		QueueGroup:       "dlp-agent",
		AuditSubject:     "dlp.audit",
		TelemetrySubject: "dlp.telemetry",
		ConfigSubject:    "config.changed",

		RulesPath:             "rules.json",
		RulesWatchInterval:    2 * time.Second,
		PolicyRefreshInterval: 300 * time.Second,
		PolicyTickInterval:    5 * time.Second,

		ExtensionFilter:  []string{".txt", ".csv", ".doc", ".docx", ".xls", ".xlsx", ".pdf", ".json", ".xml", ".log"},
		MaxScanBytes:     64 * 1024,
		HashMaxBytes:     1024 * 1024,
		PartialHashBytes: 64 * 1024,
		SizeThreshold:    10 * 1024 * 1024,
		ContentKeywords:  []string{"confidential", "secret"},
		PIICacheSize:     128,

		AlertOnRemovable:   true,
		BlockOnMatch:       false,
		BlockSeverity:      8,
		QuarantineSeverity: 9,
		ShadowCopySeverity: 5,

		FingerprintStore:     "memory",
		FingerprintCacheSize: 10000,

		AuditBufferSize: 1000,
		HeartbeatSec:    30,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by DLP_CONFIG_FILE, and DLP_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("DLP_CONFIG_FILE"); path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MergeFile overlays the YAML document at path onto c.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HostID = getEnv("DLP_HOST_ID", c.HostID)
	c.DataDir = getEnv("DLP_DATA_DIR", c.DataDir)
	c.LogLevel = getEnv("DLP_LOG_LEVEL", c.LogLevel)

	c.HTTPPort = getIntEnv("DLP_HTTP_PORT", c.HTTPPort)
	c.HTTPAddress = getEnv("DLP_HTTP_ADDRESS", c.HTTPAddress)

	c.NATSURL = getEnv("DLP_NATS_URL", c.NATSURL)
	c.FileEventSubject = getEnv("DLP_FILE_EVENT_SUBJECT", c.FileEventSubject)
	c.QueueGroup = getEnv("DLP_QUEUE_GROUP", c.QueueGroup)
	c.AuditSubject = getEnv("DLP_AUDIT_SUBJECT", c.AuditSubject)
	c.TelemetrySubject = getEnv("DLP_TELEMETRY_SUBJECT", c.TelemetrySubject)
	c.ConfigSubject = getEnv("DLP_CONFIG_SUBJECT", c.ConfigSubject)

	c.RulesPath = getEnv("DLP_RULES_PATH", c.RulesPath)
	c.RulesWatchInterval = getDurationEnv("DLP_RULES_WATCH_INTERVAL_SEC", c.RulesWatchInterval)
	c.PolicyEndpoint = getEnv("DLP_POLICY_ENDPOINT", c.PolicyEndpoint)
	c.PolicyAPIKey = getEnv("DLP_POLICY_API_KEY", c.PolicyAPIKey)
	c.PolicyHMACKey = getEnv("DLP_POLICY_HMAC_KEY", c.PolicyHMACKey)
	c.PolicyPublicKey = getEnv("DLP_POLICY_PUBLIC_KEY", c.PolicyPublicKey)
	c.PolicyStorePath = getEnv("DLP_POLICY_STORE_PATH", c.PolicyStorePath)
	c.PolicyRefreshInterval = getDurationEnv("DLP_POLICY_REFRESH_SEC", c.PolicyRefreshInterval)
	c.PolicyTickInterval = getDurationEnv("DLP_POLICY_TICK_SEC", c.PolicyTickInterval)

	c.WatchPaths = getListEnv("DLP_WATCH_PATHS", c.WatchPaths)
	c.ExtensionFilter = getListEnv("DLP_EXTENSION_FILTER", c.ExtensionFilter)
	c.MaxScanBytes = getInt64Env("DLP_MAX_SCAN_BYTES", c.MaxScanBytes)
	c.HashMaxBytes = getInt64Env("DLP_HASH_MAX_BYTES", c.HashMaxBytes)
	c.PartialHashBytes = getIntEnv("DLP_PARTIAL_HASH_BYTES", c.PartialHashBytes)
	c.SizeThreshold = getInt64Env("DLP_SIZE_THRESHOLD", c.SizeThreshold)
	c.ContentKeywords = getListEnv("DLP_CONTENT_KEYWORDS", c.ContentKeywords)
	c.NationalIDPatterns = getSplitEnv("DLP_NATIONAL_ID_PATTERNS", ";", c.NationalIDPatterns)
	c.PIICacheSize = getIntEnv("DLP_PII_CACHE_SIZE", c.PIICacheSize)

	c.AlertOnRemovable = getBoolEnv("DLP_ALERT_ON_REMOVABLE", c.AlertOnRemovable)
	c.BlockOnMatch = getBoolEnv("DLP_BLOCK_ON_MATCH", c.BlockOnMatch)
	c.BlockSeverity = getIntEnv("DLP_BLOCK_SEVERITY", c.BlockSeverity)
	c.EnableQuarantine = getBoolEnv("DLP_ENABLE_QUARANTINE", c.EnableQuarantine)
	c.QuarantineSeverity = getIntEnv("DLP_QUARANTINE_SEVERITY", c.QuarantineSeverity)
	c.EnableShadowCopy = getBoolEnv("DLP_ENABLE_SHADOW_COPY", c.EnableShadowCopy)
	c.ShadowCopySeverity = getIntEnv("DLP_SHADOW_COPY_SEVERITY", c.ShadowCopySeverity)
	c.USBAllowSerials = getListEnv("DLP_USB_ALLOW_SERIALS", c.USBAllowSerials)

	c.EnforcementEnabled = getBoolEnv("DLP_ENFORCEMENT_ENABLED", c.EnforcementEnabled)
	c.QuarantineDir = getEnv("DLP_QUARANTINE_DIR", c.QuarantineDir)
	c.ShadowDir = getEnv("DLP_SHADOW_DIR", c.ShadowDir)

	c.FingerprintStore = getEnv("DLP_FINGERPRINT_STORE", c.FingerprintStore)
	c.FingerprintCacheSize = getIntEnv("DLP_FINGERPRINT_CACHE_SIZE", c.FingerprintCacheSize)
	c.PostgresDSN = getEnv("DLP_POSTGRES_DSN", c.PostgresDSN)

	c.AuditBufferSize = getIntEnv("DLP_AUDIT_BUFFER_SIZE", c.AuditBufferSize)
	c.HeartbeatSec = getIntEnv("DLP_HEARTBEAT_SEC", c.HeartbeatSec)
}

// fillPaths derives unset storage paths from DataDir.
func (c *Config) fillPaths() {
	if c.PolicyStorePath == "" {
		c.PolicyStorePath = filepath.Join(c.DataDir, "policy", "last_known.policy")
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = filepath.Join(c.DataDir, "quarantine")
	}
	if c.ShadowDir == "" {
		c.ShadowDir = filepath.Join(c.DataDir, "shadow")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.MaxScanBytes <= 0 {
		return fmt.Errorf("max_scan_bytes must be positive")
	}
	if c.HashMaxBytes <= 0 {
		return fmt.Errorf("hash_max_bytes must be positive")
	}
	if c.SizeThreshold <= 0 {
		return fmt.Errorf("size_threshold must be positive")
	}
	if c.PolicyRefreshInterval <= 0 || c.PolicyTickInterval <= 0 {
		return fmt.Errorf("policy refresh and tick intervals must be positive")
	}
	for name, sev := range map[string]int{
		"block_severity":       c.BlockSeverity,
		"quarantine_severity":  c.QuarantineSeverity,
		"shadow_copy_severity": c.ShadowCopySeverity,
	} {
		if sev < 0 || sev > 10 {
			return fmt.Errorf("%s must be between 0 and 10", name)
		}
	}
	switch c.FingerprintStore {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres fingerprint store")
		}
	default:
		return fmt.Errorf("unknown fingerprint_store %q", c.FingerprintStore)
	}
	if c.PolicyEndpoint != "" &&
		!strings.HasPrefix(c.PolicyEndpoint, "file://") &&
		!strings.HasPrefix(c.PolicyEndpoint, "http://") &&
		!strings.HasPrefix(c.PolicyEndpoint, "https://") {
		return fmt.Errorf("policy_endpoint must be a file:// or http(s):// URL")
	}
	return nil
}

// HTTPListenAddr returns the address the API server binds to.
func (c *Config) HTTPListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPAddress, c.HTTPPort)
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64Env gets an int64 environment variable with a default value
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv reads a number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping empty items
func getListEnv(key string, defaultValue []string) []string {
	return getSplitEnv(key, ",", defaultValue)
}

// getSplitEnv splits on sep, dropping empty items
func getSplitEnv(key, sep string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
