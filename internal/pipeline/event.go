package pipeline

import (
	"path/filepath"
	"strings"
)

// File event actions as reported by the watcher.
const (
	ActionAdded       = "ADDED"
	ActionRemoved     = "REMOVED"
	ActionModified    = "MODIFIED"
	ActionRenamedFrom = "RENAMED_FROM"
	ActionRenamedTo   = "RENAMED_TO"
	ActionDriverQuery = "DRIVER_CREATE"
)

// DriveRemovable is the drive type reported for USB and other removable
// media.
const DriveRemovable = "REMOVABLE"

// FileEvent is one notification from the file watcher.
type FileEvent struct {
	Action       string `json:"action"`
	Path         string `json:"path"`
	User         string `json:"user,omitempty"`
	UserSID      string `json:"user_sid,omitempty"`
	DriveType    string `json:"drive_type,omitempty"`
	Removable    bool   `json:"removable,omitempty"`
	DeviceSerial string `json:"device_serial,omitempty"`
	PID          int32  `json:"pid,omitempty"`
}

// IsRemovable reports whether the event happened on removable media.
func (e *FileEvent) IsRemovable() bool {
	return e.Removable || strings.EqualFold(e.DriveType, DriveRemovable)
}

// HasContent reports whether the file still exists after the event.
func (e *FileEvent) HasContent() bool {
	switch strings.ToUpper(e.Action) {
	case ActionRemoved, ActionRenamedFrom:
		return false
	}
	return true
}

// FileExtension returns the lowercase extension of path including the dot.
func FileExtension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// IgnoredName reports office lock files (~$*) and temp files (*.tmp).
func IgnoredName(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasPrefix(name, "~$") || strings.HasSuffix(name, ".tmp")
}

// ExtensionFilter is an allow-list of extensions. An empty filter allows
// every file.
type ExtensionFilter map[string]struct{}

// NewExtensionFilter normalizes entries to lowercase with a leading dot.
func NewExtensionFilter(exts []string) ExtensionFilter {
	f := make(ExtensionFilter, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f[e] = struct{}{}
	}
	return f
}

func (f ExtensionFilter) Allows(path string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[FileExtension(path)]
	return ok
}
