package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
)

const tracerName = "agentplane/events"

// Headers set on every event published to NATS.
const (
	HeaderEventID     = "Agentplane-Event-Id"
	HeaderEventType   = "Agentplane-Event-Type"
	HeaderEventSource = "Agentplane-Event-Source"
)

// traceContext carries the publisher's span across NATS as W3C headers.
var traceContext = propagation.TraceContext{}

// NATSEventBus publishes change events under a per-instance subject prefix,
// so several orchestrators can share one NATS server.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. Reconnects are handled by the client.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithComponent("events")
	b := &NATSEventBus{
		prefix: strings.Trim(cfg.SubjectPrefix, "."),
		logger: log,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected, change events buffer until reconnect", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	log.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", b.prefix))
	return b, nil
}

// Publish sends event on subject within this instance's namespace.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	ctx, span := tracing.Start(ctx, tracerName, "events.publish",
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.String("agentplane.event.type", event.Type))
	msg, err := encodeEvent(ctx, withPrefix(b.prefix, subject), event)
	if err == nil {
		err = b.conn.PublishMsg(msg)
	}
	tracing.End(span, err)
	if err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe listens on an unprefixed subject pattern.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(withPrefix(b.prefix, subject), func(msg *nats.Msg) {
		b.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) dispatch(msg *nats.Msg, handler EventHandler) {
	ctx, subject, event, err := decodeEvent(b.prefix, msg)
	if err != nil {
		b.logger.Warn("Dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := handler(ctx, event); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("subject", subject),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// Close drains pending messages, then closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func withPrefix(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

func withoutPrefix(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, prefix+".")
}

// encodeEvent builds the NATS message for event: JSON body, identity
// headers and the trace context of ctx.
func encodeEvent(ctx context.Context, subject string, event *Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderEventID, event.ID)
	msg.Header.Set(HeaderEventType, event.Type)
	msg.Header.Set(HeaderEventSource, event.Source)
	traceContext.Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

// decodeEvent reverses encodeEvent. Identity missing from the body is taken
// from the headers. The returned subject has the instance prefix removed.
func decodeEvent(prefix string, msg *nats.Msg) (context.Context, string, *Event, error) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return nil, "", nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	ctx := context.Background()
	if msg.Header != nil {
		if event.ID == "" {
			event.ID = msg.Header.Get(HeaderEventID)
		}
		if event.Type == "" {
			event.Type = msg.Header.Get(HeaderEventType)
		}
		if event.Source == "" {
			event.Source = msg.Header.Get(HeaderEventSource)
		}
		ctx = traceContext.Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}
	return ctx, withoutPrefix(prefix, msg.Subject), &event, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
