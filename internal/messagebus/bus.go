// Package messagebus delivers point-to-point and topic messages between
// agents through bounded in-memory inboxes.
package messagebus

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
)

const tracerName = "agentplane/messagebus"

// Config holds bus settings.
type Config struct {
	InboxCapacity int
	// EnqueueTimeout is how long a send may wait on a full inbox before it
	// fails with InboxFull. Zero fails immediately.
	EnqueueTimeout time.Duration
	// FairnessWindow treats LOAD_BALANCED members whose pending count is
	// within this many messages of the minimum as tied.
	FairnessWindow int
	// DefaultTTL is applied to persistent messages sent without a TTL.
	DefaultTTL           time.Duration
	HistoryLimit         int
	PersistTopicMessages bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		InboxCapacity: 256,
		DefaultTTL:    time.Hour,
		HistoryLimit:  10000,
	}
}

// MessageSink receives persistent messages after delivery. Implementations
// must not block; errors are logged and otherwise ignored.
type MessageSink interface {
	SaveMessage(ctx context.Context, msg AgentMessage) error
}

type inbox struct {
	ch           chan AgentMessage
	capabilities []string
}

// Bus is an in-process message bus. Inbox channels are only closed while
// holding mu for writing and only written while holding it for reading.
type Bus struct {
	cfg    Config
	logger *logger.Logger
	sink   MessageSink
	now    func() time.Time

	mu      sync.RWMutex
	inboxes map[string]*inbox
	order   []string
	topics  map[string][]string
	closed  bool

	cursorMu sync.Mutex
	cursors  map[string]int

	histMu  sync.Mutex
	history []AgentMessage
}

// Option configures a Bus.
type Option func(*Bus)

// WithSink writes persistent messages through sink.
func WithSink(sink MessageSink) Option {
	return func(b *Bus) { b.sink = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus.
func New(cfg Config, log *logger.Logger, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = def.InboxCapacity
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	b := &Bus{
		cfg:     cfg,
		logger:  log.WithComponent("messagebus"),
		now:     time.Now,
		inboxes: make(map[string]*inbox),
		topics:  make(map[string][]string),
		cursors: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAgent opens an inbox for agentID. Registering again only replaces
// the advertised capabilities.
func (b *Bus) RegisterAgent(agentID string, capabilities []string) error {
	if agentID == "" {
		return errors.ValidationError("agent_id", "is required")
	}
	if agentID == Broadcast {
		return errors.ValidationError("agent_id", "'broadcast' is reserved")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Unavailable("message bus is closed", errors.ErrBusClosed)
	}

	caps := slices.Clone(capabilities)
	if box, ok := b.inboxes[agentID]; ok {
		box.capabilities = caps
		b.logger.Debug("updated agent capabilities", zap.String("agent_id", agentID), zap.Strings("capabilities", caps))
		return nil
	}
	b.inboxes[agentID] = &inbox{
		ch:           make(chan AgentMessage, b.cfg.InboxCapacity),
		capabilities: caps,
	}
	b.order = append(b.order, agentID)
	b.logger.Info("opened inbox", zap.String("agent_id", agentID), zap.Strings("capabilities", caps))
	return nil
}

// UnregisterAgent closes the inbox of agentID, discarding pending messages
// and topic subscriptions. Unknown ids are ignored.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.inboxes[agentID]
	if !ok {
		return
	}
	delete(b.inboxes, agentID)
	b.order = slices.DeleteFunc(b.order, func(id string) bool { return id == agentID })
	for topic, subs := range b.topics {
		subs = slices.DeleteFunc(subs, func(id string) bool { return id == agentID })
		if len(subs) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = subs
		}
	}
	close(box.ch)
	b.logger.Info("closed inbox", zap.String("agent_id", agentID), zap.Int("discarded", len(box.ch)))
}

// Inbox returns the receive side of agentID's inbox. The channel is closed
// when the agent is unregistered or the bus is closed.
func (b *Bus) Inbox(agentID string) (<-chan AgentMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	box, ok := b.inboxes[agentID]
	if !ok {
		return nil, errors.UnknownAgent(agentID)
	}
	return box.ch, nil
}

// Receive blocks until a non-expired message arrives for agentID or ctx is
// done.
func (b *Bus) Receive(ctx context.Context, agentID string) (AgentMessage, error) {
	ch, err := b.Inbox(agentID)
	if err != nil {
		return AgentMessage{}, err
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return AgentMessage{}, errors.AgentUnavailable(agentID, "inbox closed")
			}
			if msg.Expired(b.now()) {
				continue
			}
			return msg, nil
		case <-ctx.Done():
			return AgentMessage{}, ctx.Err()
		}
	}
}

// PendingCount returns the number of undelivered messages queued for agentID.
func (b *Bus) PendingCount(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if box, ok := b.inboxes[agentID]; ok {
		return len(box.ch)
	}
	return 0
}

// RegisteredAgents returns inbox owners in registration order.
func (b *Bus) RegisteredAgents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.order)
}

// DiscoverAgentsByCapability returns the ids advertising capability on the
// bus, in registration order.
func (b *Bus) DiscoverAgentsByCapability(capability string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.groupLocked(capability)
}

func (b *Bus) groupLocked(capability string) []string {
	members := []string{}
	for _, id := range b.order {
		if slices.Contains(b.inboxes[id].capabilities, capability) {
			members = append(members, id)
		}
	}
	return members
}

// SendMessage delivers msg to a concrete id, to every inbox for the
// broadcast sentinel, or to one member of a capability group chosen by the
// routing strategy. Per-recipient failures are reported in the result. An
// error is returned for invalid messages, DIRECT routing to a group, and
// when the only recipient's inbox is full.
func (b *Bus) SendMessage(ctx context.Context, msg AgentMessage) (DeliveryResult, error) {
	if err := msg.validate(); err != nil {
		return DeliveryResult{}, err
	}
	b.stamp(&msg)

	ctx, span := tracing.Start(ctx, tracerName, "messagebus.send",
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.MessageType)),
		attribute.String("message.to", msg.ToAgent),
		attribute.String("message.routing", string(msg.RoutingStrategy)))
	result, err := b.send(ctx, msg)
	tracing.End(span, err)
	return result, err
}

func (b *Bus) send(ctx context.Context, msg AgentMessage) (DeliveryResult, error) {
	result := newResult(msg.ID)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return result, errors.Unavailable("message bus is closed", errors.ErrBusClosed)
	}

	if msg.ToAgent == Broadcast {
		for _, id := range b.order {
			b.deliverLocked(ctx, id, msg, &result)
		}
		b.retain(ctx, msg)
		return result, nil
	}

	target := msg.ToAgent
	if _, ok := b.inboxes[target]; !ok {
		members := b.groupLocked(target)
		if len(members) == 0 {
			result.fail(target, "unregistered")
			b.logger.Debug("message to unregistered target", zap.String("to_agent", target), zap.String("message_id", msg.ID))
			return result, nil
		}
		switch msg.RoutingStrategy {
		case RouteRoundRobin:
			target = b.pickRoundRobin(msg.ToAgent, members)
		case RouteLoadBalanced:
			target = b.pickLeastLoaded(msg.ToAgent, members)
		default:
			return result, errors.AmbiguousRouting(msg.ToAgent)
		}
	}

	if err := b.deliverLocked(ctx, target, msg, &result); err != nil {
		return result, err
	}
	b.retain(ctx, msg)
	return result, nil
}

// SubscribeToTopic adds agentID to topic's subscribers.
func (b *Bus) SubscribeToTopic(agentID, topic string) error {
	if topic == "" {
		return errors.ValidationError("topic", "is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentID]; !ok {
		return errors.UnknownAgent(agentID)
	}
	if !slices.Contains(b.topics[topic], agentID) {
		b.topics[topic] = append(b.topics[topic], agentID)
	}
	return nil
}

// UnsubscribeFromTopic removes agentID from topic's subscribers.
func (b *Bus) UnsubscribeFromTopic(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := slices.DeleteFunc(b.topics[topic], func(id string) bool { return id == agentID })
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

// TopicSubscribers returns the subscribers of topic in subscription order.
func (b *Bus) TopicSubscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.topics[topic])
}

// PublishToTopic delivers content to every subscriber of topic as a
// TOPIC_MESSAGE. Map content is carried as-is; anything else is wrapped
// under the "data" key. Publishing to a topic without subscribers succeeds.
func (b *Bus) PublishToTopic(ctx context.Context, topic string, content any) (DeliveryResult, error) {
	payload, ok := content.(map[string]any)
	if !ok {
		payload = map[string]any{"data": content}
	}
	return b.Broadcast(ctx, AgentMessage{
		MessageType: TopicMessage,
		Content:     payload,
		Persistent:  b.cfg.PersistTopicMessages,
	}, topic)
}

// Broadcast delivers a full envelope to every subscriber of topic.
func (b *Bus) Broadcast(ctx context.Context, msg AgentMessage, topic string) (DeliveryResult, error) {
	if topic == "" {
		return DeliveryResult{}, errors.ValidationError("topic", "is required")
	}
	msg.ToAgent = topic
	msg.Topic = topic
	if err := msg.validate(); err != nil {
		return DeliveryResult{}, err
	}
	b.stamp(&msg)

	ctx, span := tracing.Start(ctx, tracerName, "messagebus.publish",
		attribute.String("message.id", msg.ID),
		attribute.String("message.topic", topic))
	defer span.End()

	result := newResult(msg.ID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return result, errors.Unavailable("message bus is closed", errors.ErrBusClosed)
	}
	for _, id := range b.topics[topic] {
		b.deliverLocked(ctx, id, msg, &result)
	}
	b.retain(ctx, msg)
	return result, nil
}

// Close rejects further sends and closes every inbox.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, box := range b.inboxes {
		close(box.ch)
	}
	b.inboxes = make(map[string]*inbox)
	b.order = nil
	b.topics = make(map[string][]string)
	b.logger.Info("message bus closed")
}

func (b *Bus) stamp(msg *AgentMessage) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	if msg.Persistent && msg.TTLSeconds == 0 && b.cfg.DefaultTTL > 0 {
		msg.TTLSeconds = int(b.cfg.DefaultTTL / time.Second)
	}
}

// deliverLocked enqueues msg for agentID. Callers hold mu for reading.
func (b *Bus) deliverLocked(ctx context.Context, agentID string, msg AgentMessage, result *DeliveryResult) error {
	box, ok := b.inboxes[agentID]
	if !ok {
		result.fail(agentID, "unregistered")
		return nil
	}
	if err := b.enqueue(ctx, agentID, box, msg); err != nil {
		result.fail(agentID, err.Error())
		b.logger.Warn("message delivery failed",
			zap.String("agent_id", agentID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return err
	}
	result.DeliveredTo = append(result.DeliveredTo, agentID)
	return nil
}

func (b *Bus) enqueue(ctx context.Context, agentID string, box *inbox, msg AgentMessage) error {
	select {
	case box.ch <- msg:
		return nil
	default:
	}
	if b.cfg.EnqueueTimeout <= 0 {
		return errors.InboxFull(agentID)
	}

	timer := time.NewTimer(b.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case box.ch <- msg:
		return nil
	case <-timer.C:
		return errors.InboxFull(agentID)
	case <-ctx.Done():
		return errors.Timeout("delivery to '"+agentID+"' cancelled", ctx.Err())
	}
}
