// Package events publishes agent and task changes to the configured event
// bus so dashboards can follow the orchestrator without polling.
package events

// Event types for agents
const (
	AgentRegistered   = "agent.registered"
	AgentStateChanged = "agent.state_changed"
	AgentHeartbeat    = "agent.heartbeat"
	AgentDeregistered = "agent.deregistered"
)

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskStateChanged = "task.state_changed"
)

// Subject patterns for subscribers.
const (
	AllAgentEvents = "agent.>"
	AllTaskEvents  = "task.>"
	AllEvents      = ">"
)
