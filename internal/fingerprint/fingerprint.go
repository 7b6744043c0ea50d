package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by stores when no fingerprint matches.
var ErrNotFound = errors.New("fingerprint not found")

// FileFingerprint identifies file content independent of its name.
type FileFingerprint struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	FullHash    string `json:"full_hash"`
	PartialHash string `json:"partial_hash"`
}

// Store persists fingerprints of files already seen by the agent.
type Store interface {
	// Find returns a fingerprint whose full hash equals fullHash (when
	// non-empty), or whose partial hash and size both match.
	Find(ctx context.Context, fullHash, partialHash string, size int64) (FileFingerprint, error)
	Insert(ctx context.Context, fp FileFingerprint) error
}

// Compute hashes data and its first maxPartial bytes. Empty input yields
// empty digests. A non-positive maxPartial hashes the whole buffer.
func Compute(data []byte, maxPartial int) (full, partial string) {
	if len(data) == 0 {
		return "", ""
	}
	full = Hash(data)
	n := len(data)
	if maxPartial > 0 && maxPartial < n {
		n = maxPartial
	}
	if n == len(data) {
		return full, full
	}
	return full, Hash(data[:n])
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lookup runs the find-then-insert sequence for one observed file. It
// reports the previously stored fingerprint when one matched. The new
// fingerprint is inserted in both cases.
func Lookup(ctx context.Context, store Store, fp FileFingerprint) (prior FileFingerprint, matched bool, err error) {
	if fp.FullHash == "" && fp.PartialHash == "" {
		return FileFingerprint{}, false, nil
	}
	prior, err = store.Find(ctx, fp.FullHash, fp.PartialHash, fp.SizeBytes)
	switch {
	case err == nil:
		matched = true
	case errors.Is(err, ErrNotFound):
		err = nil
	default:
		return FileFingerprint{}, false, err
	}
	if insErr := store.Insert(ctx, fp); insErr != nil {
		return prior, matched, insErr
	}
	return prior, matched, nil
}
