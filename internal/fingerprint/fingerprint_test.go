package fingerprint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		full, partial := Compute(nil, 16)
		assert.Empty(t, full)
		assert.Empty(t, partial)
	})

	t.Run("short input", func(t *testing.T) {
		full, partial := Compute([]byte("abc"), 16)
		assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", full)
		assert.Equal(t, full, partial)
	})

	t.Run("partial prefix", func(t *testing.T) {
		full, partial := Compute([]byte("abcdef"), 3)
		assert.Equal(t, Hash([]byte("abcdef")), full)
		assert.Equal(t, Hash([]byte("abc")), partial)
	})

	t.Run("same prefix different tail", func(t *testing.T) {
		fullA, partialA := Compute([]byte("header-one"), 6)
		fullB, partialB := Compute([]byte("header-two"), 6)
		assert.NotEqual(t, fullA, fullB)
		assert.Equal(t, partialA, partialB)
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	_, err := s.Find(ctx, "f1", "p1", 10)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Insert(ctx, FileFingerprint{Path: "/a", SizeBytes: 10, FullHash: "f1", PartialHash: "p1"}))

	fp, err := s.Find(ctx, "f1", "other", 99)
	require.NoError(t, err)
	assert.Equal(t, "/a", fp.Path)

	fp, err = s.Find(ctx, "", "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, "/a", fp.Path)

	_, err = s.Find(ctx, "", "p1", 11)
	assert.ErrorIs(t, err, ErrNotFound, "partial match requires equal size")
}

func TestMemoryStoreEmptyFullHashNeverMatches(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	require.NoError(t, s.Insert(ctx, FileFingerprint{Path: "/big", SizeBytes: 5, PartialHash: "p"}))

	_, err := s.Find(ctx, "", "x", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)
	fp := FileFingerprint{Path: "/first", SizeBytes: 3, FullHash: "f", PartialHash: "p"}

	_, matched, err := Lookup(ctx, s, fp)
	require.NoError(t, err)
	assert.False(t, matched)

	fp.Path = "/copy"
	prior, matched, err := Lookup(ctx, s, fp)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "/first", prior.Path)

	_, matched, err = Lookup(ctx, s, FileFingerprint{Path: "/empty"})
	require.NoError(t, err)
	assert.False(t, matched)
}

type failingStore struct{}

func (failingStore) Find(context.Context, string, string, int64) (FileFingerprint, error) {
	return FileFingerprint{}, errors.New("boom")
}

func (failingStore) Insert(context.Context, FileFingerprint) error { return nil }

func TestLookupStoreError(t *testing.T) {
	_, matched, err := Lookup(context.Background(), failingStore{}, FileFingerprint{FullHash: "f"})
	assert.Error(t, err)
	assert.False(t, matched)
}
