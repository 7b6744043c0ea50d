package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/whaac1289-debug/dlp-agent/internal/audit"
	"github.com/whaac1289-debug/dlp-agent/internal/metrics"
	"github.com/whaac1289-debug/dlp-agent/internal/pipeline"
)

// Processor handles decoded file events; *pipeline.Scanner implements it.
type Processor interface {
	Process(ctx context.Context, ev pipeline.FileEvent) (*audit.Event, *pipeline.Result, error)
}

// Reply is sent back when a file event arrives as a NATS request.
type Reply struct {
	EventID    string `json:"event_id,omitempty"`
	Decision   string `json:"decision"`
	Action     string `json:"action"`
	RuleID     string `json:"rule_id,omitempty"`
	RuleIDHash uint32 `json:"rule_id_hash"`
	Severity   int    `json:"severity"`
	Block      bool   `json:"block"`
	Ignored    bool   `json:"ignored,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Subscriber consumes file events from NATS with a queue group so several
// agents can share one stream.
type Subscriber struct {
	nc        *nats.Conn
	subject   string
	queue     string
	processor Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a new file event subscriber
func NewSubscriber(nc *nats.Conn, subject, queue string, processor Processor, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:        nc,
		subject:   subject,
		queue:     queue,
		processor: processor,
		metrics:   m,
		logger:    logger,
	}
}

// Subscribe listens until ctx is cancelled, then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, func(msg *nats.Msg) {
		reply := s.HandleMessage(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("Failed to marshal reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Error("Failed to respond to file event request", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed to file events", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Draining file event subscription")
	if err := s.sub.Drain(); err != nil {
		s.logger.Error("Failed to drain file event subscription", "error", err)
		return err
	}
	s.logger.Info("File event subscription drained")
	return nil
}

// HandleMessage decodes and processes one message.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) Reply {
	ev, err := ParseEvent(data)
	if err != nil {
		s.logger.Error("Failed to parse file event", "error", err)
		s.failed()
		return Reply{Error: err.Error()}
	}

	record, result, err := s.processor.Process(ctx, ev)
	if err != nil {
		s.logger.Error("Failed to process file event", "path", ev.Path, "error", err)
		s.failed()
		return Reply{Error: err.Error()}
	}
	if record == nil || result == nil {
		return Reply{Decision: "ALLOW", Action: "allow", Ignored: true}
	}

	return Reply{
		EventID:    record.ID,
		Decision:   string(result.Policy.Decision),
		Action:     result.Policy.Action.String(),
		RuleID:     result.Policy.RuleID,
		RuleIDHash: result.Policy.RuleIDHash(),
		Severity:   int(result.Policy.Severity),
		Block:      result.Policy.ShouldBlockDriver(),
	}
}

// ParseEvent decodes a file event and checks the required fields.
func ParseEvent(data []byte) (pipeline.FileEvent, error) {
	var ev pipeline.FileEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal file event: %w", err)
	}
	ev.Action = strings.ToUpper(strings.TrimSpace(ev.Action))
	if ev.Path == "" {
		return ev, fmt.Errorf("file event has no path")
	}
	switch ev.Action {
	case pipeline.ActionAdded, pipeline.ActionRemoved, pipeline.ActionModified,
		pipeline.ActionRenamedFrom, pipeline.ActionRenamedTo, pipeline.ActionDriverQuery:
	case "":
		ev.Action = pipeline.ActionModified
	default:
		return ev, fmt.Errorf("unknown file event action %q", ev.Action)
	}
	return ev, nil
}

func (s *Subscriber) failed() {
	if s.metrics != nil {
		s.metrics.EventsFailed.Inc()
	}
}
