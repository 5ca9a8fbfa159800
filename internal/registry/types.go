package registry

import (
	"slices"
	"time"

	"github.com/kandev/agentplane/internal/common/errors"
)

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	StateIdle       AgentState = "IDLE"
	StateRunning    AgentState = "RUNNING"
	StateBusy       AgentState = "BUSY"
	StateTerminated AgentState = "TERMINATED"
)

// Valid reports whether s is one of the known states.
func (s AgentState) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StateBusy, StateTerminated:
		return true
	}
	return false
}

// Available reports whether an agent in this state may be handed a task.
func (s AgentState) Available() bool {
	return s == StateIdle || s == StateRunning
}

// ParseState converts a string to an AgentState.
func ParseState(s string) (AgentState, error) {
	state := AgentState(s)
	if !state.Valid() {
		return "", errors.ValidationError("state", "must be one of IDLE, RUNNING, BUSY, TERMINATED")
	}
	return state, nil
}

// AgentRecord is the discovery record of one agent.
type AgentRecord struct {
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Capabilities  []string   `json:"capabilities"`
	State         AgentState `json:"state"`
	Zone          string     `json:"zone"`
	Model         string     `json:"model"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at"`
	// Revision increases with every mutation of the record, across
	// re-registrations of the same id.
	Revision uint64 `json:"revision"`
}

// HasCapability reports whether the record advertises capability.
func (r AgentRecord) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

func (r AgentRecord) clone() AgentRecord {
	r.Capabilities = slices.Clone(r.Capabilities)
	return r
}

// ChangeKind describes what happened to a record.
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeStateChanged ChangeKind = "state_changed"
	ChangeDeregistered ChangeKind = "deregistered"
	ChangeHeartbeat    ChangeKind = "heartbeat"
)

// Change is passed to hooks after every mutation.
type Change struct {
	Kind     ChangeKind
	Record   AgentRecord
	Previous AgentState
}

// ChangeHook observes registry mutations. Hooks run on the mutating
// goroutine after the registry lock has been released. Changes for one agent
// reach hooks in revision order; a change overtaken by a newer one is not
// delivered. A hook must not mutate the agent it is observing.
type ChangeHook func(Change)

// Stats summarises the registry for dashboards.
type Stats struct {
	Total   int                `json:"total"`
	ByState map[AgentState]int `json:"by_state"`
}
