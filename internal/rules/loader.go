package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrNoValidRules is returned when a non-empty document yields no usable
// rule.
var ErrNoValidRules = errors.New("no valid rules in document")

// LoadReport summarizes one rule set load.
type LoadReport struct {
	Version  string
	Loaded   int
	Skipped  []error
	Defaults int
}

// Loader decodes rule documents, merges the built-in rules and installs the
// result into an Engine.
type Loader struct {
	engine   *Engine
	logger   *slog.Logger
	defaults func() []Rule

	mu       sync.Mutex
	watchers []chan struct{}
}

// NewLoader creates a loader feeding engine. defaults may be nil.
func NewLoader(engine *Engine, defaults func() []Rule, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{engine: engine, defaults: defaults, logger: logger}
}

// Apply parses payload and, if it holds at least one valid rule (or is an
// empty rule list), replaces the engine's rule set. Rules that fail
// validation are skipped and listed in the report. On error the engine is
// left untouched.
func (l *Loader) Apply(version string, payload []byte) (*LoadReport, error) {
	result, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	for _, e := range result.Errors {
		l.logger.Warn("Invalid rule skipped", "version", version, "error", e)
	}
	if len(result.Rules) == 0 && len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %d rejected", ErrNoValidRules, len(result.Errors))
	}

	rules := result.Rules
	merged := rules
	if l.defaults != nil {
		merged = MergeDefaults(rules, l.defaults())
	}
	l.engine.LoadVersion(version, merged)
	l.notifyWatchers()

	return &LoadReport{
		Version:  version,
		Loaded:   len(rules),
		Skipped:  result.Errors,
		Defaults: len(merged) - len(rules),
	}, nil
}

// ApplyFile reads path and applies it.
func (l *Loader) ApplyFile(version, path string) (*LoadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return l.Apply(version, data)
}

// Subscribe returns a channel that receives a signal after every applied
// rule set.
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

func (l *Loader) notifyWatchers() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WatchFile polls path and calls reload after it changes. Changes are
// debounced so that a file written in several steps is loaded once. The
// watcher stops when stop is closed.
func (l *Loader) WatchFile(path string, interval, debounce time.Duration, stop <-chan struct{}, reload func() error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	l.logger.Info("Starting rule file watcher", "path", path, "interval", interval)

	changed := make(chan struct{}, 1)
	go l.debouncedReload(path, debounce, changed, stop, reload)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				l.logger.Debug("Rule file changed", "path", path)
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (l *Loader) debouncedReload(path string, debounce time.Duration, changed <-chan struct{}, stop <-chan struct{}, reload func() error) {
	var timer *time.Timer
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := reload(); err != nil {
					l.logger.Error("Failed to reload rules", "path", path, "error", err)
				}
			})
		}
	}
}
