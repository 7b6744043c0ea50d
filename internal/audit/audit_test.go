package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id, decision string) *Event {
	ev := NewEvent("host-1")
	ev.ID = id
	ev.Decision = decision
	return ev
}

func TestNewEvent(t *testing.T) {
	a := NewEvent("host-1")
	b := NewEvent("host-1")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
	assert.Equal(t, "file", a.EventType)
	assert.False(t, a.Timestamp.IsZero())
}

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Record(ctx, event(fmt.Sprintf("e%d", i), "ALLOW")))
	}

	recent := s.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "e5", recent[0].ID)
	assert.Equal(t, "e3", recent[2].ID)

	assert.Len(t, s.Recent(2), 2)

	_, ok := s.Get("e1")
	assert.False(t, ok, "evicted events are not indexed")
	got, ok := s.Get("e4")
	require.True(t, ok)
	assert.Equal(t, "e4", got.ID)

	stats := s.Stats()
	assert.Equal(t, 3, stats["held"])
	assert.Equal(t, uint64(5), stats["total"])
}

func TestMemoryStoreByDecision(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, event("a", "BLOCK")))
	require.NoError(t, s.Record(ctx, event("b", "ALLOW")))
	require.NoError(t, s.Record(ctx, event("c", "BLOCK")))

	blocked := s.ByDecision("BLOCK", 0)
	require.Len(t, blocked, 2)
	assert.Equal(t, "c", blocked[0].ID)
	assert.Equal(t, "a", blocked[1].ID)

	assert.Empty(t, s.ByDecision("QUARANTINE", 0))
}

func TestMemoryStoreEmpty(t *testing.T) {
	assert.Empty(t, NewMemoryStore(4).Recent(10))
}

func TestNewMsgHeaders(t *testing.T) {
	ev := event("id-1", "QUARANTINE")
	ev.RuleID = "cc_numbers"
	ev.Severity = 9

	msg, err := newMsg("dlp.audit", ev)
	require.NoError(t, err)

	assert.Equal(t, "dlp.audit", msg.Subject)
	assert.Equal(t, "id-1", msg.Header.Get("x-event-id"))
	assert.Equal(t, "QUARANTINE", msg.Header.Get("x-decision"))
	assert.Equal(t, "9", msg.Header.Get("x-severity"))
	assert.Equal(t, "cc_numbers", msg.Header.Get("x-rule-id"))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "host-1", decoded.HostID)
}

func TestPublisherWithoutConnection(t *testing.T) {
	p := NewPublisher(nil, "dlp.audit", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, p.Record(context.Background(), event("x", "ALLOW")))
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, *Event) error { return f.err }

func TestSinksFanOut(t *testing.T) {
	store := NewMemoryStore(4)
	boom := errors.New("boom")
	sinks := Sinks{failingSink{boom}, nil, store}

	err := sinks.Record(context.Background(), event("x", "ALERT"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, store.Recent(0), 1, "later sinks still receive the event")
}
