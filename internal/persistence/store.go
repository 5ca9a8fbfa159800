// Package persistence mirrors agent, task and message state into durable
// storage. Core state never depends on it: writes are fire-and-forget.
package persistence

import (
	"context"
	"time"

	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
)

// Store persists snapshots of orchestrator state.
type Store interface {
	SaveAgent(ctx context.Context, agent registry.AgentRecord) error
	SaveTask(ctx context.Context, task controller.Task) error
	SaveMessage(ctx context.Context, msg messagebus.AgentMessage) error
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

var (
	_ Store                  = NoopStore{}
	_ Store                  = (*MemoryStore)(nil)
	_ Store                  = (*SQLStore)(nil)
	_ Store                  = (*AsyncWriter)(nil)
	_ messagebus.MessageSink = (*AsyncWriter)(nil)
)

// NoopStore discards everything. It backs the pure in-memory mode.
type NoopStore struct{}

func (NoopStore) SaveAgent(context.Context, registry.AgentRecord) error      { return nil }
func (NoopStore) SaveTask(context.Context, controller.Task) error            { return nil }
func (NoopStore) SaveMessage(context.Context, messagebus.AgentMessage) error { return nil }
func (NoopStore) DeleteExpiredMessages(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (NoopStore) Close() error { return nil }
