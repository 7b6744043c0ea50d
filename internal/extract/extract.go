package extract

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned when a document is not in the expected format.
var ErrUnsupported = errors.New("unsupported document format")

// Extractor converts a binary document into plain text for scanning.
type Extractor interface {
	Name() string
	Extract(data []byte) (string, error)
}

// ForExtension returns the extractor for a lowercase extension including
// the dot, or nil when the type has no extractor.
func ForExtension(ext string) Extractor {
	switch strings.ToLower(ext) {
	case ".pdf":
		return Pdf{}
	case ".docx":
		return Docx{}
	case ".xlsx":
		return Xlsx{}
	}
	return nil
}

// LooksBinary reports whether data contains NUL bytes in its first 8KiB,
// the same heuristic used by most text tools.
func LooksBinary(data []byte) bool {
	n := len(data)
	if n > 8192 {
		n = 8192
	}
	for i := 0; i < n; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}
