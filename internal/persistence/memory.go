package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
)

// MemoryStore keeps the latest snapshot of every entity in maps.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]registry.AgentRecord
	tasks    map[string]controller.Task
	messages map[string]messagebus.AgentMessage
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]registry.AgentRecord),
		tasks:    make(map[string]controller.Task),
		messages: make(map[string]messagebus.AgentMessage),
	}
}

func (s *MemoryStore) SaveAgent(_ context.Context, agent registry.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task controller.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg messagebus.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *MemoryStore) DeleteExpiredMessages(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, msg := range s.messages {
		if msg.Expired(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Agent returns the stored snapshot for id.
func (s *MemoryStore) Agent(id string) (registry.AgentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Task returns the stored snapshot for id.
func (s *MemoryStore) Task(id string) (controller.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Message returns the stored message with id.
func (s *MemoryStore) Message(id string) (messagebus.AgentMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// Closed reports whether Close was called.
func (s *MemoryStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
