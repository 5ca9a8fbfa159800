package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
)

// Default writer settings.
const (
	defaultBufferSize      = 1024
	defaultMaxFailures     = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
	writeTimeout           = 5 * time.Second
)

// ErrWriterClosed is returned by synchronous calls after Close.
var ErrWriterClosed = errors.New("persistence writer is closed")

// WriterConfig configures an AsyncWriter.
type WriterConfig struct {
	BufferSize     int
	MaxFailures    uint32
	BreakerTimeout time.Duration
}

type writeOp struct {
	kind string
	id   string
	fn   func(ctx context.Context) error
}

// AsyncWriter is a write-behind Store. Saves are queued on a bounded
// channel and applied by a single goroutine through a circuit breaker.
// A full buffer or an open breaker drops the write with a warning.
type AsyncWriter struct {
	store   Store
	logger  *logger.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]
	ops     chan writeOp

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// NewAsyncWriter starts a writer in front of store.
func NewAsyncWriter(store Store, cfg WriterConfig, log *logger.Logger) *AsyncWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	w := &AsyncWriter{
		store:  store,
		logger: log.WithComponent("persistence"),
		ops:    make(chan writeOp, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	maxFailures := cfg.MaxFailures
	w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, op.fn(ctx)
	})
	if err == nil {
		w.written.Add(1)
		return
	}
	w.dropped.Add(1)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.logger.Debug("persistence circuit open, dropping write",
			zap.String("kind", op.kind), zap.String("id", op.id))
		return
	}
	w.logger.Warn("persistence write failed",
		zap.String("kind", op.kind), zap.String("id", op.id), zap.Error(err))
}

func (w *AsyncWriter) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.ops <- op:
	default:
		w.dropped.Add(1)
		w.logger.Warn("persistence buffer full, dropping write",
			zap.String("kind", op.kind), zap.String("id", op.id))
	}
}

// SaveAgent queues an agent snapshot. It never blocks.
func (w *AsyncWriter) SaveAgent(_ context.Context, agent registry.AgentRecord) error {
	w.enqueue(writeOp{kind: "agent", id: agent.AgentID, fn: func(ctx context.Context) error {
		return w.store.SaveAgent(ctx, agent)
	}})
	return nil
}

// SaveTask queues a task snapshot. It never blocks.
func (w *AsyncWriter) SaveTask(_ context.Context, task controller.Task) error {
	w.enqueue(writeOp{kind: "task", id: task.TaskID, fn: func(ctx context.Context) error {
		return w.store.SaveTask(ctx, task)
	}})
	return nil
}

// SaveMessage queues a persistent message. It never blocks.
func (w *AsyncWriter) SaveMessage(_ context.Context, msg messagebus.AgentMessage) error {
	w.enqueue(writeOp{kind: "message", id: msg.ID, fn: func(ctx context.Context) error {
		return w.store.SaveMessage(ctx, msg)
	}})
	return nil
}

// DeleteExpiredMessages runs synchronously through the breaker.
func (w *AsyncWriter) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return 0, ErrWriterClosed
	}
	var n int64
	_, err := w.breaker.Execute(func() (struct{}, error) {
		var err error
		n, err = w.store.DeleteExpiredMessages(ctx, now)
		return struct{}{}, err
	})
	return n, err
}

// Close flushes queued writes and closes the wrapped store.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	<-w.done
	w.logger.Info("persistence writer closed",
		zap.Int64("written", w.written.Load()),
		zap.Int64("dropped", w.dropped.Load()))
	return w.store.Close()
}

// Written returns the number of writes applied to the store.
func (w *AsyncWriter) Written() int64 { return w.written.Load() }

// Dropped returns the number of writes discarded.
func (w *AsyncWriter) Dropped() int64 { return w.dropped.Load() }

// BreakerState returns the current circuit breaker state.
func (w *AsyncWriter) BreakerState() gobreaker.State { return w.breaker.State() }
