package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

// Settings is the subset of configuration that can change while the agent
// runs.
type Settings struct {
	Thresholds         rules.Thresholds `json:"thresholds"`
	AlertOnRemovable   bool             `json:"alert_on_removable"`
	BlockOnMatch       bool             `json:"block_on_match"`
	ContentKeywords    []string         `json:"content_keywords"`
	NationalIDPatterns []string         `json:"national_id_patterns"`
	USBAllowSerials    []string         `json:"usb_allow_serials"`
	EnforcementEnabled bool             `json:"enforcement_enabled"`
	LastUpdated        time.Time        `json:"last_updated"`
}

// SettingsFrom extracts the live settings from a loaded configuration.
func SettingsFrom(c *Config) Settings {
	return Settings{
		Thresholds: rules.Thresholds{
			QuarantineEnabled: c.EnableQuarantine,
			Quarantine:        rules.Severity(c.QuarantineSeverity),
			Block:             rules.Severity(c.BlockSeverity),
			ShadowCopyEnabled: c.EnableShadowCopy,
			ShadowCopy:        rules.Severity(c.ShadowCopySeverity),
		},
		AlertOnRemovable:   c.AlertOnRemovable,
		BlockOnMatch:       c.BlockOnMatch,
		ContentKeywords:    append([]string(nil), c.ContentKeywords...),
		NationalIDPatterns: append([]string(nil), c.NationalIDPatterns...),
		USBAllowSerials:    append([]string(nil), c.USBAllowSerials...),
		EnforcementEnabled: c.EnforcementEnabled,
		LastUpdated:        time.Now(),
	}
}

// DefaultRuleOptions returns the options for the built-in rules under s.
func (s Settings) DefaultRuleOptions() rules.DefaultOptions {
	return rules.DefaultOptions{
		ContentKeywords:  s.ContentKeywords,
		BlockOnMatch:     s.BlockOnMatch,
		AlertOnRemovable: s.AlertOnRemovable,
		BlockSeverity:    s.Thresholds.Block,
	}
}

// ChangeMessage represents a configuration change from NATS
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// Manager holds the live settings and applies changes published on NATS.
type Manager struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	current     Settings
	subscribers []func(Settings)
	sub         *nats.Subscription
}

// NewManager creates a manager seeded with initial.
func NewManager(initial Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, current: initial}
}

// Current returns a copy of the live settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe adds a callback invoked with the new settings after each change.
func (m *Manager) Subscribe(callback func(Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// Listen subscribes to configuration changes on subject.
func (m *Manager) Listen(nc *nats.Conn, subject string) error {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := m.HandleMessage(msg.Data); err != nil {
			m.logger.Error("Failed to apply configuration change", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("Subscribed to configuration changes", "subject", subject)
	return nil
}

// Close stops listening for changes.
func (m *Manager) Close() error {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// HandleMessage decodes and applies one change message.
func (m *Manager) HandleMessage(data []byte) error {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		return fmt.Errorf("failed to unmarshal config change message: %w", err)
	}
	return m.Apply(change)
}

// Apply applies a single change and notifies subscribers. Unknown keys are
// ignored.
func (m *Manager) Apply(change ChangeMessage) error {
	m.mu.Lock()
	next := m.current
	applied, err := applyChange(&next, change)
	if err != nil || !applied {
		m.mu.Unlock()
		if err == nil {
			m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		}
		return err
	}
	if change.Timestamp > 0 {
		next.LastUpdated = time.Unix(change.Timestamp, 0)
	} else {
		next.LastUpdated = time.Now()
	}
	m.current = next
	subscribers := make([]func(Settings), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"block_severity", next.Thresholds.Block,
		"alert_on_removable", next.AlertOnRemovable)

	for _, cb := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(next)
		}()
	}
	return nil
}

func applyChange(s *Settings, change ChangeMessage) (bool, error) {
	key := strings.TrimPrefix(change.Key, "dlp.")
	switch key {
	case "alert_on_removable":
		return true, decodeBool(change.Value, &s.AlertOnRemovable)
	case "block_on_match":
		return true, decodeBool(change.Value, &s.BlockOnMatch)
	case "enforcement_enabled":
		return true, decodeBool(change.Value, &s.EnforcementEnabled)
	case "enable_quarantine":
		return true, decodeBool(change.Value, &s.Thresholds.QuarantineEnabled)
	case "enable_shadow_copy":
		return true, decodeBool(change.Value, &s.Thresholds.ShadowCopyEnabled)
	case "block_severity":
		return true, decodeSeverity(change.Value, &s.Thresholds.Block)
	case "quarantine_severity":
		return true, decodeSeverity(change.Value, &s.Thresholds.Quarantine)
	case "shadow_copy_severity":
		return true, decodeSeverity(change.Value, &s.Thresholds.ShadowCopy)
	case "content_keywords":
		return true, decodeList(change.Value, &s.ContentKeywords)
	case "national_id_patterns":
		return true, decodeList(change.Value, &s.NationalIDPatterns)
	case "usb_allow_serials":
		return true, decodeList(change.Value, &s.USBAllowSerials)
	}
	return false, nil
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func decodeBool(raw json.RawMessage, out *bool) error {
	v, err := strconv.ParseBool(unquote(raw))
	if err != nil {
		return fmt.Errorf("invalid boolean %s", raw)
	}
	*out = v
	return nil
}

func decodeSeverity(raw json.RawMessage, out *rules.Severity) error {
	sev, err := rules.ParseSeverity(unquote(raw))
	if err != nil {
		return err
	}
	if sev < 0 || sev > 10 {
		return fmt.Errorf("severity %d out of range", sev)
	}
	*out = sev
	return nil
}

func decodeList(raw json.RawMessage, out *[]string) error {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		*out = list
		return nil
	}
	var items []string
	for _, item := range strings.Split(unquote(raw), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*out = items
	return nil
}
