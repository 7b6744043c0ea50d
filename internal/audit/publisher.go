package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher publishes audit events to NATS
type Publisher struct {
	natsConn *nats.Conn
	subject  string
	logger   *slog.Logger
}

// NewPublisher creates a new audit publisher
func NewPublisher(natsConn *nats.Conn, subject string, logger *slog.Logger) *Publisher {
	return &Publisher{
		natsConn: natsConn,
		subject:  subject,
		logger:   logger,
	}
}

// Record publishes ev on the audit subject.
func (p *Publisher) Record(_ context.Context, ev *Event) error {
	if p.natsConn == nil || !p.natsConn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	msg, err := newMsg(p.subject, ev)
	if err != nil {
		return err
	}
	if err := p.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	p.logger.Debug("Published audit event",
		"event_id", ev.ID,
		"decision", ev.Decision,
		"rule_id", ev.RuleID,
		"subject", p.subject)
	return nil
}

func newMsg(subject string, ev *Event) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-event-id", ev.ID)
	headers.Set("x-host-id", ev.HostID)
	headers.Set("x-decision", ev.Decision)
	headers.Set("x-severity", strconv.Itoa(ev.Severity))
	headers.Set("x-timestamp", ev.Timestamp.Format(time.RFC3339))
	if ev.RuleID != "" {
		headers.Set("x-rule-id", ev.RuleID)
	}

	return &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  headers,
	}, nil
}
