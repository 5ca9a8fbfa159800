package controller

import (
	"time"

	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/launcher"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

// Priority orders PENDING tasks.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank maps a priority onto the queue's integer ordering.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is known.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority converts a string to a Priority; empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", errors.ValidationError("priority", "must be one of LOW, NORMAL, HIGH, URGENT")
	}
	return p, nil
}

func (p Priority) messagePriority() messagebus.Priority {
	switch p {
	case PriorityLow:
		return messagebus.PriorityLow
	case PriorityHigh, PriorityUrgent:
		return messagebus.PriorityHigh
	default:
		return messagebus.PriorityNormal
	}
}

// TaskStatus is a task's position in PENDING -> ASSIGNED -> RUNNING ->
// COMPLETED | FAILED.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusAssigned  TaskStatus = "ASSIGNED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition encodes the task state machine. Any non-terminal status
// may fail; otherwise a status only moves one step forward.
func canTransition(from, to TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusAssigned
	case StatusAssigned:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted
	}
	return false
}

// Failure reasons.
const (
	ReasonTimeout             = "Timeout"
	ReasonShutdownInterrupted = "ShutdownInterrupted"
	ReasonNoAgentAvailable    = "NoAgentAvailable"
	reasonAgentUnavailable    = "AgentUnavailable"
	reasonDeliveryFailed      = "DeliveryFailed"
	reasonAgentReported       = "AgentReported"
)

// TaskTransition is one entry of a task's audit trail.
type TaskTransition struct {
	From   TaskStatus `json:"from,omitempty"`
	To     TaskStatus `json:"to"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// Task is a unit of work tracked by the controller.
type Task struct {
	TaskID      string           `json:"task_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Capability  string           `json:"capability,omitempty"`
	TaskType    string           `json:"task_type"`
	Data        any              `json:"data,omitempty"`
	Priority    Priority         `json:"priority"`
	Status      TaskStatus       `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Result      any              `json:"result,omitempty"`
	Timeout     time.Duration    `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
	AssignedAt  *time.Time       `json:"assigned_at,omitempty"`
	Deadline    *time.Time       `json:"deadline,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	History     []TaskTransition `json:"history"`
}

func (t Task) clone() Task {
	t.History = append([]TaskTransition(nil), t.History...)
	return t
}

// TaskChange is passed to hooks after each task mutation. Previous is empty
// when the task was just created.
type TaskChange struct {
	Task     Task
	Previous TaskStatus
}

// TaskHook observes task changes. Hooks run outside the controller lock.
type TaskHook func(TaskChange)

// TaskRequest describes a task to enqueue. Exactly one of AgentID and
// Capability is set.
type TaskRequest struct {
	AgentID    string        `json:"agent_id,omitempty"`
	Capability string        `json:"capability,omitempty"`
	TaskType   string        `json:"task_type"`
	Data       any           `json:"data,omitempty"`
	Priority   Priority      `json:"priority,omitempty"`
	Timeout    time.Duration `json:"-"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	AgentID    string
	Capability string
	Status     TaskStatus
	Limit      int
}

// AgentTemplate is a reusable blueprint for CreateAgent.
type AgentTemplate struct {
	ID           string                  `json:"id" yaml:"id"`
	Name         string                  `json:"name" yaml:"name"`
	Role         string                  `json:"role,omitempty" yaml:"role"`
	Description  string                  `json:"description,omitempty" yaml:"description"`
	Capabilities []string                `json:"capabilities" yaml:"capabilities"`
	Zone         string                  `json:"zone,omitempty" yaml:"zone"`
	Model        string                  `json:"model,omitempty" yaml:"model"`
	Limits       resources.ResourceLimit `json:"limits" yaml:"limits"`
	Launch       launcher.Config         `json:"launch" yaml:"launch"`
}

// AgentInfo is returned by CreateAgent.
type AgentInfo struct {
	Agent      registry.AgentRecord    `json:"agent"`
	TemplateID string                  `json:"template_id"`
	Limits     resources.ResourceLimit `json:"limits"`
}

// AgentStatus is the composite view returned by GetAgentStatus.
type AgentStatus struct {
	Agent           registry.AgentRecord     `json:"agent"`
	TemplateID      string                   `json:"template_id,omitempty"`
	Limits          *resources.ResourceLimit `json:"limits,omitempty"`
	CurrentTask     *Task                    `json:"current_task,omitempty"`
	LastTask        *Task                    `json:"last_task,omitempty"`
	PendingMessages int                      `json:"pending_messages"`
	Launched        *launcher.Handle         `json:"launched,omitempty"`
}

// QueueStatus summarises the controller's work.
type QueueStatus struct {
	Queued         int   `json:"queued"`
	InFlight       int   `json:"in_flight"`
	TotalTasks     int   `json:"total_tasks"`
	TotalAssigned  int64 `json:"total_assigned"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
}
