package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is the audit record emitted for every processed file event.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	HostID        string    `json:"host_id"`
	EventType     string    `json:"event_type"`
	Action        string    `json:"action"`
	Path          string    `json:"path"`
	User          string    `json:"user"`
	UserSID       string    `json:"user_sid,omitempty"`
	DriveType     string    `json:"drive_type"`
	ProcessName   string    `json:"process_name,omitempty"`
	PID           int32     `json:"pid,omitempty"`
	PPID          int32     `json:"ppid,omitempty"`
	CommandLine   string    `json:"command_line,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	SHA256        string    `json:"sha256,omitempty"`
	RuleID        string    `json:"rule_id,omitempty"`
	RuleName      string    `json:"rule_name,omitempty"`
	Severity      int       `json:"severity"`
	ContentFlags  string    `json:"content_flags"`
	DeviceContext string    `json:"device_context"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	Enforcement   string    `json:"enforcement,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
}

// NewEvent returns a file event record with a fresh ID and timestamp.
func NewEvent(hostID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		HostID:    hostID,
		EventType: "file",
	}
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev *Event) error
}

// Sinks fans an event out to every sink, collecting all errors.
type Sinks []Sink

func (s Sinks) Record(ctx context.Context, ev *Event) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
