package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrSignatureInvalid is returned when a fetched policy fails verification.
var ErrSignatureInvalid = errors.New("policy signature verification failed")

// UpdateEventType classifies what happened during a policy refresh.
type UpdateEventType string

const (
	EventApplied     UpdateEventType = "applied"
	EventUnchanged   UpdateEventType = "unchanged"
	EventRejected    UpdateEventType = "rejected"
	EventFetchFailed UpdateEventType = "fetch_failed"
	EventRolledBack  UpdateEventType = "rolled_back"
)

// UpdateEvent describes one step of the policy lifecycle.
type UpdateEvent struct {
	Type            UpdateEventType `json:"type"`
	Version         string          `json:"version"`
	PreviousVersion string          `json:"previous_version,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// UpdateCallback is invoked for every lifecycle event.
type UpdateCallback func(UpdateEvent)

// Source is where candidate policies come from.
type Source interface {
	Fetch(ctx context.Context) (*Payload, error)
	VerifySignature(p *Payload) bool
}

// Status is a point-in-time view of the updater.
type Status struct {
	ActiveVersion string    `json:"active_version"`
	LastFetch     time.Time `json:"last_fetch,omitempty"`
	LastApplied   time.Time `json:"last_applied,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Applied       int       `json:"applied"`
	Rollbacks     int       `json:"rollbacks"`
	Rejected      int       `json:"rejected"`
}

// UpdaterConfig configures the refresh loop.
type UpdaterConfig struct {
	// LocalRulesPath is applied with version "local" when no persisted
	// policy can be loaded.
	LocalRulesPath  string
	RefreshInterval time.Duration
	TickInterval    time.Duration
}

// Updater drives the policy lifecycle: initial load, periodic fetch,
// verification, apply and rollback. It runs on a single goroutine.
type Updater struct {
	cfg      UpdaterConfig
	source   Source
	versions *VersionManager
	apply    ApplyFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	status    Status
	nextFetch time.Time
	callbacks []UpdateCallback
}

// NewUpdater creates an updater. source may be nil when no remote endpoint
// is configured; the updater then only performs the initial load.
func NewUpdater(cfg UpdaterConfig, source Source, versions *VersionManager, apply ApplyFunc, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 300 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Updater{
		cfg:      cfg,
		source:   source,
		versions: versions,
		apply:    apply,
		logger:   logger,
	}
}

// OnEvent registers a callback for lifecycle events.
func (u *Updater) OnEvent(cb UpdateCallback) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.callbacks = append(u.callbacks, cb)
}

// Status returns the current updater status.
func (u *Updater) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

// ActiveVersion returns the version of the applied policy.
func (u *Updater) ActiveVersion() string {
	return u.Status().ActiveVersion
}

// Initialize applies the persisted last known good policy, falling back to
// the local rules file.
func (u *Updater) Initialize() error {
	snap, err := u.versions.LoadLastKnown()
	switch {
	case err == nil && snap.JSON != "":
		applyErr := u.apply(snap)
		if applyErr == nil {
			u.versions.MarkGood(snap)
			u.setActive(snap.Version)
			u.emit(UpdateEvent{Type: EventApplied, Version: snap.Version})
			return nil
		}
		u.logger.Error("Failed to apply persisted policy", "version", snap.Version, "error", applyErr)
	case err != nil && !errors.Is(err, ErrNoSnapshot):
		u.logger.Error("Failed to load persisted policy", "error", err)
	}

	return u.applyLocal()
}

func (u *Updater) applyLocal() error {
	if u.cfg.LocalRulesPath == "" {
		return fmt.Errorf("no persisted policy and no local rules file configured")
	}
	data, err := os.ReadFile(u.cfg.LocalRulesPath)
	if err != nil {
		return fmt.Errorf("failed to read local rules: %w", err)
	}
	snap := Snapshot{Version: "local", JSON: string(data)}
	if err := u.apply(snap); err != nil {
		return fmt.Errorf("failed to apply local rules: %w", err)
	}
	u.setActive(snap.Version)
	u.logger.Info("Applied local rules", "path", u.cfg.LocalRulesPath)
	u.emit(UpdateEvent{Type: EventApplied, Version: snap.Version})
	return nil
}

// Run ticks until ctx is cancelled, refreshing once the refresh interval
// has elapsed since the previous fetch.
func (u *Updater) Run(ctx context.Context) {
	if u.source == nil {
		u.logger.Info("No policy endpoint configured, remote refresh disabled")
		return
	}

	u.logger.Info("Starting policy updater",
		"refresh_interval", u.cfg.RefreshInterval,
		"tick_interval", u.cfg.TickInterval)

	ticker := time.NewTicker(u.cfg.TickInterval)
	defer ticker.Stop()

	u.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			u.logger.Info("Policy updater stopped")
			return
		case now := <-ticker.C:
			u.tick(ctx, now)
		}
	}
}

func (u *Updater) tick(ctx context.Context, now time.Time) {
	u.mu.Lock()
	due := !now.Before(u.nextFetch)
	if due {
		u.nextFetch = now.Add(u.cfg.RefreshInterval)
	}
	u.mu.Unlock()

	if due {
		if err := u.Refresh(ctx); err != nil {
			u.logger.Warn("Policy refresh failed", "error", err)
		}
	}
}

// Refresh performs one fetch, verify and apply cycle. A candidate is only
// applied when its version differs from the active one. When applying
// fails the last known good policy is re-applied.
func (u *Updater) Refresh(ctx context.Context) error {
	if u.source == nil {
		return fmt.Errorf("no policy source configured")
	}

	payload, err := u.source.Fetch(ctx)
	u.mu.Lock()
	u.status.LastFetch = time.Now()
	u.mu.Unlock()
	if err != nil {
		u.recordError(err)
		u.emit(UpdateEvent{Type: EventFetchFailed, Error: err.Error()})
		return err
	}

	if !u.source.VerifySignature(payload) {
		err := fmt.Errorf("policy %s: %w", payload.Version, ErrSignatureInvalid)
		u.mu.Lock()
		u.status.Rejected++
		u.mu.Unlock()
		u.recordError(err)
		u.emit(UpdateEvent{Type: EventRejected, Version: payload.Version, Error: err.Error()})
		return err
	}

	current := u.ActiveVersion()
	if payload.Version == current {
		u.emit(UpdateEvent{Type: EventUnchanged, Version: current})
		return nil
	}

	candidate := Snapshot{Version: payload.Version, JSON: payload.JSON}
	if err := u.versions.ApplyAndPersist(candidate, u.apply); err != nil {
		u.recordError(err)
		u.logger.Error("Policy apply failed, rolling back", "version", candidate.Version, "error", err)

		restored, rbErr := u.versions.Rollback(u.apply)
		event := UpdateEvent{Type: EventRolledBack, Version: restored.Version, PreviousVersion: candidate.Version, Error: err.Error()}
		if rbErr != nil {
			event.Error = fmt.Sprintf("%v; rollback: %v", err, rbErr)
		} else {
			u.setActive(restored.Version)
			u.recordError(err)
		}
		u.mu.Lock()
		u.status.Rollbacks++
		u.mu.Unlock()
		u.emit(event)
		return err
	}

	u.setActive(candidate.Version)
	u.logger.Info("Policy applied", "version", candidate.Version, "previous_version", current)
	u.emit(UpdateEvent{Type: EventApplied, Version: candidate.Version, PreviousVersion: current})
	return nil
}

func (u *Updater) setActive(version string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.ActiveVersion = version
	u.status.LastApplied = time.Now()
	u.status.LastError = ""
	u.status.Applied++
}

func (u *Updater) recordError(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.LastError = err.Error()
}

func (u *Updater) emit(event UpdateEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	u.mu.RLock()
	callbacks := make([]UpdateCallback, len(u.callbacks))
	copy(callbacks, u.callbacks)
	u.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					u.logger.Error("Policy event callback panicked", "panic", r)
				}
			}()
			cb(event)
		}()
	}
}
