package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/whaac1289-debug/dlp-agent/internal/policy"
)

const agentVersion = "1.0.0"

// Event is one telemetry message.
type Event struct {
	Type      string            `json:"type"`
	HostID    string            `json:"host_id"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher is the subset of *nats.Conn the sender needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// HeartbeatFunc supplies the metadata attached to each heartbeat.
type HeartbeatFunc func() map[string]string

// Sender handles sending telemetry data to NATS
type Sender struct {
	logger    *slog.Logger
	pub       Publisher
	subject   string
	hostID    string
	interval  time.Duration
	heartbeat HeartbeatFunc
	queue     chan Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewSender creates a new telemetry sender. A zero interval disables
// heartbeats.
func NewSender(logger *slog.Logger, pub Publisher, subject, hostID string, interval time.Duration, heartbeat HeartbeatFunc) *Sender {
	return &Sender{
		logger:    logger,
		pub:       pub,
		subject:   subject,
		hostID:    hostID,
		interval:  interval,
		heartbeat: heartbeat,
		queue:     make(chan Event, 1000),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start starts the telemetry sender
func (s *Sender) Start(ctx context.Context) {
	s.logger.Info("Starting telemetry sender", "subject", s.subject)
	go s.sendLoop(ctx)
}

// Stop stops the sender after flushing queued events.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping telemetry sender")
		close(s.stopChan)
	})
	<-s.done
}

// Enqueue queues an event of the given type.
func (s *Sender) Enqueue(eventType string, metadata map[string]string) error {
	event := Event{
		Type:      eventType,
		HostID:    s.hostID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  metadata,
	}

	select {
	case s.queue <- event:
		return nil
	default:
		return fmt.Errorf("telemetry queue is full")
	}
}

// SendHeartbeat queues an agent heartbeat
func (s *Sender) SendHeartbeat() error {
	metadata := map[string]string{
		"status":        "healthy",
		"agent_version": agentVersion,
	}
	if s.heartbeat != nil {
		for k, v := range s.heartbeat() {
			metadata[k] = v
		}
	}
	return s.Enqueue("agent_heartbeat", metadata)
}

// HandlePolicyEvent forwards policy lifecycle events. Unchanged refreshes
// are not reported.
func (s *Sender) HandlePolicyEvent(ev policy.UpdateEvent) {
	if ev.Type == policy.EventUnchanged {
		return
	}

	metadata := map[string]string{"policy_version": ev.Version}
	if ev.PreviousVersion != "" {
		metadata["previous_version"] = ev.PreviousVersion
	}
	if ev.Error != "" {
		metadata["error"] = ev.Error
	}
	if err := s.Enqueue("policy_"+string(ev.Type), metadata); err != nil {
		s.logger.Warn("Dropped policy telemetry", "type", ev.Type, "error", err)
	}
}

// SendEnforcement queues an enforcement result.
func (s *Sender) SendEnforcement(action, path string, err error) error {
	metadata := map[string]string{
		"action": action,
		"path":   path,
		"ok":     strconv.FormatBool(err == nil),
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	return s.Enqueue("enforcement", metadata)
}

// QueueSize returns the current telemetry queue size
func (s *Sender) QueueSize() int {
	return len(s.queue)
}

func (s *Sender) sendLoop(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Telemetry sender context cancelled")
			s.drain()
			return

		case <-s.stopChan:
			s.drain()
			s.logger.Info("Telemetry sender stopped")
			return

		case event := <-s.queue:
			s.publish(event)

		case <-tick:
			if err := s.SendHeartbeat(); err != nil {
				s.logger.Debug("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (s *Sender) drain() {
	for {
		select {
		case event := <-s.queue:
			s.publish(event)
		default:
			return
		}
	}
}

func (s *Sender) publish(event Event) {
	if err := s.publishEvent(event); err != nil {
		s.logger.Error("Failed to publish telemetry event",
			"error", err,
			"event_type", event.Type)
	}
}

// publishEvent publishes a telemetry event to NATS
func (s *Sender) publishEvent(event Event) error {
	if s.pub == nil {
		return fmt.Errorf("no telemetry publisher")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish telemetry event: %w", err)
	}

	s.logger.Debug("Published telemetry event",
		"subject", s.subject,
		"event_type", event.Type)
	return nil
}
