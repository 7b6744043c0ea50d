package enforce

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/whaac1289-debug/dlp-agent/internal/rules"
)

const (
	timestampLayout = "20060102150405"
	storeSuffix     = ".zst"
)

// Options configures the enforcer.
type Options struct {
	QuarantineDir     string
	ShadowDir         string
	QuarantineEnabled bool
	ShadowCopyEnabled bool
}

// Enforcer applies decision actions to files on disk.
type Enforcer struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	opts Options
}

// NewEnforcer creates an enforcer.
func NewEnforcer(opts Options, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{logger: logger, now: time.Now, opts: opts}
}

// SetEnabled toggles the quarantine and shadow copy stores.
func (e *Enforcer) SetEnabled(quarantine, shadowCopy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.QuarantineEnabled = quarantine
	e.opts.ShadowCopyEnabled = shadowCopy
}

func (e *Enforcer) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Apply carries out action on path and returns a short detail for the audit
// reason. Allow, Alert and disabled stores produce no detail.
func (e *Enforcer) Apply(action rules.Action, path string) (string, error) {
	opts := e.options()

	switch action {
	case rules.ActionBlock:
		if err := os.Remove(path); err != nil {
			e.logger.Error("Failed to delete blocked file", "path", path, "error", err)
			return "block_failed", fmt.Errorf("failed to delete %s: %w", path, err)
		}
		e.logger.Info("Blocked file deleted", "path", path)
		return "blocked_deleted", nil

	case rules.ActionQuarantine:
		if !opts.QuarantineEnabled {
			return "", nil
		}
		dst, err := e.store(path, opts.QuarantineDir)
		if err != nil {
			return "quarantine_failed", err
		}
		if err := os.Remove(path); err != nil {
			return "quarantine=" + dst, fmt.Errorf("quarantined copy written but original not removed: %w", err)
		}
		e.logger.Info("File quarantined", "path", path, "quarantine_path", dst)
		return "quarantine=" + dst, nil

	case rules.ActionShadowCopy:
		if !opts.ShadowCopyEnabled {
			return "", nil
		}
		dst, err := e.store(path, opts.ShadowDir)
		if err != nil {
			return "shadow_copy_failed", err
		}
		e.logger.Info("Shadow copy written", "path", path, "shadow_path", dst)
		return "shadow_copy=" + dst, nil
	}
	return "", nil
}

// store writes a zstd-compressed copy of path into dir and returns the
// destination path.
func (e *Enforcer) store(path, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no store directory configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create store directory: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	dst, out, err := createUnique(dir, e.StoreName(path))
	if err != nil {
		return "", err
	}

	if err := compress(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return dst, nil
}

// StoreName returns the stored file name for path: a local timestamp, an
// underscore, the base name and the .zst suffix.
func (e *Enforcer) StoreName(path string) string {
	return e.now().Format(timestampLayout) + "_" + filepath.Base(path) + storeSuffix
}

func createUnique(dir, name string) (string, *os.File, error) {
	base := strings.TrimSuffix(name, storeSuffix)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return candidate, f, nil
		}
		if !os.IsExist(err) || i > 1000 {
			return "", nil, fmt.Errorf("failed to create %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, base+"_"+strconv.Itoa(i)+storeSuffix)
	}
}

func compress(w io.Writer, r io.Reader) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return fmt.Errorf("failed to compress file: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return nil
}

// Restore decompresses a stored file to dst.
func Restore(stored, dst string) error {
	in, err := os.Open(stored)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", stored, err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to decompress %s: %w", stored, err)
	}
	return out.Close()
}

// Enforceable reports whether a file event action may be enforced. Only
// added, modified and renamed-to events are; removals have nothing left to
// act on.
func Enforceable(eventAction string) bool {
	switch strings.ToUpper(eventAction) {
	case "ADDED", "MODIFIED", "RENAMED_TO":
		return true
	}
	return false
}
