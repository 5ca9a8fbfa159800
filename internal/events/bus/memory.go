package bus

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
)

const defaultSubscriptionBuffer = 256

// MemoryEventBus implements EventBus in process. Each subscription has its
// own buffered queue drained by one goroutine, so a subscriber sees events
// in publish order and a slow subscriber never blocks publishers.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	buffer        int
	closed        bool
	wg            sync.WaitGroup
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil when subject has no wildcards
	handler EventHandler
	queue   chan *Event

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithComponent("events"),
		buffer: defaultSubscriptionBuffer,
	}
}

// Publish queues the event for every matching subscription. Events for a
// subscription whose queue is full are dropped with a warning.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subscriptions {
		if !matches(subject, sub.subject, sub.pattern) {
			continue
		}
		sub.mu.Lock()
		if sub.active {
			select {
			case sub.queue <- event:
			default:
				b.logger.Warn("Dropping event for slow subscriber",
					zap.String("subject", subject),
					zap.String("subscription", sub.subject),
					zap.String("event_id", event.ID))
			}
		}
		sub.mu.Unlock()
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan *Event, b.buffer),
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)

	b.wg.Add(1)
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) run() {
	defer s.bus.wg.Done()
	for event := range s.queue {
		if err := s.handler(context.Background(), event); err != nil {
			s.bus.logger.Error("Event handler error",
				zap.String("subject", s.subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// deactivate closes the queue once. Pending events are still handled.
func (s *memorySubscription) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	close(s.queue)
	return true
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	if !s.deactivate() {
		return nil
	}
	s.bus.mu.Lock()
	s.bus.subscriptions = slices.DeleteFunc(s.bus.subscriptions, func(other *memorySubscription) bool {
		return other == s
	})
	s.bus.mu.Unlock()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close deactivates every subscription and waits for their handlers to
// finish the events already queued.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}
	b.wg.Wait()
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close is called
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts NATS-style pattern to regex
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	// Escape special regex characters except * and >
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
