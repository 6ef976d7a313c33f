// Package events publishes workflow mutations to NATS.
//
// Subjects have the form
//
//	{prefix}.workflow.{session_id}.{event_type}
//
// so a subscriber can follow one session with "{prefix}.workflow.{id}.>"
// or everything with "{prefix}.workflow.>".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/workflow"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "forge"

// Config configures the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	// ConnectTimeout bounds the initial dial. Hooks are short-lived, so a
	// missing server must not stall them.
	ConnectTimeout time.Duration
}

// Publisher implements workflow.Publisher over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

var _ workflow.Publisher = (*Publisher)(nil)

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(cfg Config, logger *logging.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 500 * time.Millisecond
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("forge"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. Close does not close nc.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(ev workflow.Event) string {
	return fmt.Sprintf("%s.workflow.%s.%s", p.prefix, ev.SessionID, ev.Type)
}

// Publish sends ev and flushes so the message leaves before a hook
// process exits.
func (p *Publisher) Publish(ctx context.Context, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", ev.Type, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Subscribe delivers events for sessionID (all sessions when empty) to fn
// until ctx ends. Undecodable messages are logged and skipped.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string, fn func(workflow.Event)) error {
	session := sessionID
	if session == "" {
		session = "*"
	}
	subject := fmt.Sprintf("%s.workflow.%s.>", p.prefix, session)

	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev workflow.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn(ctx, "dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close drains the connection if this publisher opened it.
func (p *Publisher) Close() error {
	if !p.owned || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
