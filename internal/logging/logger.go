package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/whaac1289-debug/dlp-agent/internal/config"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger creates the agent logger. Under systemd it writes JSON to stderr
// for the journal, otherwise it appends to agent.log in the data directory
// and falls back to stdout when that file cannot be opened.
func NewLogger(cfg *config.Config) *Logger {
	var output io.Writer = os.Stdout
	addSource := true

	if isSystemd() {
		output = os.Stderr
		addSource = false
	} else if cfg.DataDir != "" {
		logFile := filepath.Join(cfg.DataDir, "agent.log")
		if err := os.MkdirAll(cfg.DataDir, 0o750); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err == nil {
				output = file
			}
		}
	}

	return New(output, cfg.LogLevel, addSource).With(
		"host_id", cfg.HostID,
		"service", "dlp-agent",
	)
}

// New builds a JSON logger writing to w.
func New(w io.Writer, level string, addSource bool) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLogLevel(level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lv,
		AddSource: addSource,
	})
	return &Logger{Logger: slog.New(handler), level: lv}
}

// With returns a logger carrying the extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// parseLogLevel parses log level string
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	return os.Getpid() == 1
}

// LogPolicyEvent logs policy lifecycle events
func (l *Logger) LogPolicyEvent(event string, version string, additional ...any) {
	args := []any{
		"event", event,
		"policy_version", version,
	}
	args = append(args, additional...)

	switch event {
	case "policy_applied":
		l.Info("Policy applied", args...)
	case "policy_unchanged":
		l.Debug("Policy unchanged", args...)
	case "policy_rejected":
		l.Warn("Policy rejected", args...)
	case "policy_rolled_back":
		l.Warn("Policy rolled back", args...)
	case "fetch_failed":
		l.Error("Policy fetch failed", args...)
	default:
		l.Info("Policy event", args...)
	}
}

// LogDecisionEvent logs a resolved decision for a file event
func (l *Logger) LogDecisionEvent(decision, path, ruleID string, severity int, additional ...any) {
	args := []any{
		"decision", decision,
		"path", path,
		"rule_id", ruleID,
		"severity", severity,
	}
	args = append(args, additional...)

	switch decision {
	case "BLOCK", "QUARANTINE":
		l.Warn("Policy decision", args...)
	case "ALLOW", "":
		l.Debug("Policy decision", args...)
	default:
		l.Info("Policy decision", args...)
	}
}

// LogEnforcementEvent logs enforcement results
func (l *Logger) LogEnforcementEvent(action, path string, err error, additional ...any) {
	args := []any{
		"action", action,
		"path", path,
	}
	args = append(args, additional...)

	if err != nil {
		args = append(args, "error", err)
		l.Error("Enforcement failed", args...)
		return
	}
	l.Info("Enforcement applied", args...)
}

// LogNATSEvent logs NATS-related events
func (l *Logger) LogNATSEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "nats_connected":
		l.Info("NATS connected", args...)
	case "nats_disconnected":
		l.Warn("NATS disconnected", args...)
	case "nats_reconnected":
		l.Info("NATS reconnected", args...)
	case "nats_error":
		l.Error("NATS error", args...)
	case "audit_published", "telemetry_sent":
		l.Debug("NATS message published", args...)
	default:
		l.Info("NATS event", args...)
	}
}

// LogHTTPEvent logs HTTP-related events
func (l *Logger) LogHTTPEvent(event string, path string, statusCode int, additional ...any) {
	args := []any{
		"event", event,
		"path", path,
		"status_code", statusCode,
	}
	args = append(args, additional...)

	switch event {
	case "http_request":
		l.Debug("HTTP request", args...)
	case "http_error":
		l.Error("HTTP error", args...)
	default:
		l.Info("HTTP event", args...)
	}
}

// LogSecurityEvent logs security-related events
func (l *Logger) LogSecurityEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "signature_verified":
		l.Info("Signature verified", args...)
	case "signature_failed":
		l.Error("Signature verification failed", args...)
	case "verification_disabled":
		l.Warn("Policy signature verification disabled", args...)
	default:
		l.Warn("Security event", args...)
	}
}

// LogSystemEvent logs system-related events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "agent_started":
		l.Info("Agent started", args...)
	case "agent_stopped":
		l.Info("Agent stopped", args...)
	case "shutdown_signal":
		l.Info("Shutdown signal received", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "http_server_stopped":
		l.Info("HTTP server stopped", args...)
	default:
		l.Info("System event", args...)
	}
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// SetLogLevel changes the level of this logger and every logger derived
// from it.
func (l *Logger) SetLogLevel(level string) {
	l.level.Set(parseLogLevel(level))
	l.Info("Log level changed", "new_level", level)
}
