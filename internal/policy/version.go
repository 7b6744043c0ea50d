package policy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNoLastKnownGood is returned by Rollback before any policy was
	// applied or loaded.
	ErrNoLastKnownGood = errors.New("no last known good policy")
	// ErrNoSnapshot is returned by LoadLastKnown when nothing was persisted.
	ErrNoSnapshot = errors.New("no persisted policy snapshot")
)

// Snapshot is one policy version and its raw rule document.
type Snapshot struct {
	Version string `json:"version"`
	JSON    string `json:"json"`
}

// ApplyFunc installs a snapshot into the running engine.
type ApplyFunc func(Snapshot) error

// VersionManager persists the last successfully applied policy and can
// re-apply it. The on-disk form is the version on the first line followed
// by the raw document.
type VersionManager struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	lastGood *Snapshot
}

// NewVersionManager creates a manager persisting to path.
func NewVersionManager(path string, logger *slog.Logger) *VersionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionManager{path: path, logger: logger}
}

// LoadLastKnown reads the persisted snapshot. It only becomes the last known
// good policy once the caller has applied it and called MarkGood.
func (m *VersionManager) LoadLastKnown() (Snapshot, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("failed to open policy store: %w", err)
	}
	defer f.Close()

	snap, err := readSnapshot(f)
	if err != nil {
		return Snapshot{}, err
	}

	m.logger.Info("Loaded last known policy", "version", snap.Version, "path", m.path)
	return snap, nil
}

func readSnapshot(r io.Reader) (Snapshot, error) {
	br := bufio.NewReader(r)
	version, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return Snapshot{}, fmt.Errorf("failed to read policy version: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read policy body: %w", err)
	}
	return Snapshot{
		Version: strings.TrimRight(version, "\r\n"),
		JSON:    string(body),
	}, nil
}

// ApplyAndPersist applies snap and, only if that succeeds, persists it and
// records it as last known good. A failed apply leaves both the stored
// snapshot and the last known good untouched.
func (m *VersionManager) ApplyAndPersist(snap Snapshot, apply ApplyFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := apply(snap); err != nil {
		return fmt.Errorf("failed to apply policy %s: %w", snap.Version, err)
	}
	if err := m.persist(snap); err != nil {
		return err
	}
	m.lastGood = &snap
	return nil
}

// MarkGood records snap as the last known good policy after it was applied
// outside ApplyAndPersist.
func (m *VersionManager) MarkGood(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGood = &snap
}

// Rollback re-applies the last known good snapshot.
func (m *VersionManager) Rollback(apply ApplyFunc) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastGood == nil {
		return Snapshot{}, ErrNoLastKnownGood
	}
	snap := *m.lastGood
	if err := apply(snap); err != nil {
		return snap, fmt.Errorf("failed to re-apply policy %s: %w", snap.Version, err)
	}
	m.logger.Warn("Policy rolled back", "version", snap.Version)
	return snap, nil
}

// LastKnownGood returns the snapshot Rollback would apply.
func (m *VersionManager) LastKnownGood() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastGood == nil {
		return Snapshot{}, false
	}
	return *m.lastGood, true
}

// persist writes the snapshot to a temporary file and renames it into
// place so readers never see a partial file.
func (m *VersionManager) persist(snap Snapshot) error {
	if m.path == "" {
		return errors.New("policy store path is not configured")
	}
	if strings.ContainsAny(snap.Version, "\r\n") {
		return fmt.Errorf("policy version %q contains a line break", snap.Version)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create policy store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return fmt.Errorf("failed to create temp policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	buf.WriteString(snap.Version)
	buf.WriteByte('\n')
	buf.WriteString(snap.JSON)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close policy file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to store policy file: %w", err)
	}
	return nil
}
