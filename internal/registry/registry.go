// Package registry is the authoritative set of known agents and their
// capabilities.
package registry

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/ordering"
)

// Registry tracks agent identity, capabilities and lifecycle state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	order  []string
	rev    uint64

	hooksMu sync.RWMutex
	hooks   []ChangeHook
	gate    *ordering.Gate[string]

	now    func() time.Time
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentRecord),
		gate:   ordering.NewGate[string](),
		now:    time.Now,
		logger: log.WithComponent("registry"),
	}
}

// OnChange adds a hook invoked after every successful mutation.
func (r *Registry) OnChange(hook ChangeHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

func (r *Registry) notify(c Change) {
	r.hooksMu.RLock()
	hooks := slices.Clone(r.hooks)
	r.hooksMu.RUnlock()

	delivered := r.gate.Deliver(c.Record.AgentID, c.Record.Revision, func() {
		for _, h := range hooks {
			h(c)
		}
	})
	if !delivered {
		r.logger.Debug("dropped stale agent change",
			zap.String("agent_id", c.Record.AgentID),
			zap.String("kind", string(c.Kind)),
			zap.Uint64("revision", c.Record.Revision))
	}
}

// bumpLocked stamps rec with the next revision. Callers hold mu.
func (r *Registry) bumpLocked(rec *AgentRecord) {
	r.rev++
	rec.Revision = r.rev
}

// RegisterAgent inserts record. A live record with the same id is a
// conflict; a terminated one is replaced by a fresh record placed at the end
// of the registration order.
func (r *Registry) RegisterAgent(record AgentRecord) error {
	if record.AgentID == "" {
		return errors.ValidationError("agent_id", "is required")
	}
	if record.State == "" {
		record.State = StateIdle
	}
	if !record.State.Valid() {
		return errors.ValidationError("state", "must be one of IDLE, RUNNING, BUSY, TERMINATED")
	}
	if record.State == StateTerminated {
		return errors.ValidationError("state", "cannot register an agent as TERMINATED")
	}

	record = record.clone()
	record.Capabilities = dedupe(record.Capabilities)
	now := r.now()
	record.RegisteredAt = now
	if record.LastHeartbeat.IsZero() {
		record.LastHeartbeat = now
	}

	var previous AgentState
	r.mu.Lock()
	if existing, ok := r.agents[record.AgentID]; ok {
		if existing.State != StateTerminated {
			r.mu.Unlock()
			return errors.DuplicateAgent(record.AgentID)
		}
		previous = StateTerminated
		r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == record.AgentID })
	}
	r.bumpLocked(&record)
	r.agents[record.AgentID] = &record
	r.order = append(r.order, record.AgentID)
	snapshot := record.clone()
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("agent_id", record.AgentID),
		zap.Strings("capabilities", record.Capabilities),
		zap.String("state", string(record.State)))
	r.notify(Change{Kind: ChangeRegistered, Record: snapshot, Previous: previous})
	return nil
}

// Get returns a copy of the record for agentID.
func (r *Registry) Get(agentID string) (AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return AgentRecord{}, errors.UnknownAgent(agentID)
	}
	return rec.clone(), nil
}

// ListAgents returns every record, terminated ones included, in
// registration order.
func (r *Registry) ListAgents() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AgentRecord, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.agents[id].clone())
	}
	return result
}

// FindAgentsByCapability returns the non-terminated agents advertising
// capability, in registration order. It returns an empty slice when nothing
// matches.
func (r *Registry) FindAgentsByCapability(capability string) []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []AgentRecord{}
	for _, id := range r.order {
		rec := r.agents[id]
		if rec.State == StateTerminated || !rec.HasCapability(capability) {
			continue
		}
		result = append(result, rec.clone())
	}
	return result
}

// UpdateState moves agentID to newState. TERMINATED is absorbing.
func (r *Registry) UpdateState(agentID string, newState AgentState) error {
	if !newState.Valid() {
		return errors.ValidationError("state", "must be one of IDLE, RUNNING, BUSY, TERMINATED")
	}

	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownAgent(agentID)
	}
	if rec.State == StateTerminated {
		r.mu.Unlock()
		return errors.TerminalState(agentID)
	}
	prev := rec.State
	if prev == newState {
		r.mu.Unlock()
		return nil
	}
	rec.State = newState
	r.bumpLocked(rec)
	snapshot := rec.clone()
	r.mu.Unlock()

	kind := ChangeStateChanged
	if newState == StateTerminated {
		kind = ChangeDeregistered
	}
	r.logger.Debug("agent state changed",
		zap.String("agent_id", agentID),
		zap.String("from", string(prev)),
		zap.String("to", string(newState)))
	r.notify(Change{Kind: kind, Record: snapshot, Previous: prev})
	return nil
}

// CompareAndSetState moves agentID to newState only if it is currently in
// expected. It reports whether the swap happened.
func (r *Registry) CompareAndSetState(agentID string, expected, newState AgentState) (bool, error) {
	if !newState.Valid() {
		return false, errors.ValidationError("state", "must be one of IDLE, RUNNING, BUSY, TERMINATED")
	}

	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false, errors.UnknownAgent(agentID)
	}
	if rec.State == StateTerminated {
		r.mu.Unlock()
		return false, errors.TerminalState(agentID)
	}
	if rec.State != expected {
		r.mu.Unlock()
		return false, nil
	}
	if expected == newState {
		r.mu.Unlock()
		return true, nil
	}
	rec.State = newState
	r.bumpLocked(rec)
	snapshot := rec.clone()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeStateChanged, Record: snapshot, Previous: expected})
	return true, nil
}

// Deregister marks agentID TERMINATED. Deregistering a terminated agent is a
// no-op.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownAgent(agentID)
	}
	if rec.State == StateTerminated {
		r.mu.Unlock()
		return nil
	}
	prev := rec.State
	rec.State = StateTerminated
	r.bumpLocked(rec)
	snapshot := rec.clone()
	r.mu.Unlock()

	r.logger.Info("deregistered agent", zap.String("agent_id", agentID))
	r.notify(Change{Kind: ChangeDeregistered, Record: snapshot, Previous: prev})
	return nil
}

// Heartbeat records that agentID is alive.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errors.UnknownAgent(agentID)
	}
	if rec.State == StateTerminated {
		r.mu.Unlock()
		return errors.TerminalState(agentID)
	}
	rec.LastHeartbeat = r.now()
	r.bumpLocked(rec)
	snapshot := rec.clone()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeHeartbeat, Record: snapshot, Previous: snapshot.State})
	return nil
}

// Stats counts agents per state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.agents), ByState: make(map[AgentState]int, 4)}
	for _, rec := range r.agents {
		s.ByState[rec.State]++
	}
	return s
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
