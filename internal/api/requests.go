// Package api exposes the orchestrator's queries and operations over HTTP.
package api

import (
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

// CreateAgentRequest for instantiating an agent from a template
type CreateAgentRequest struct {
	TemplateID   string                   `json:"template_id"`
	AgentID      string                   `json:"agent_id,omitempty"`
	Name         string                   `json:"name,omitempty"`
	Role         string                   `json:"role,omitempty"`
	Zone         string                   `json:"zone,omitempty"`
	Model        string                   `json:"model,omitempty"`
	Capabilities []string                 `json:"capabilities,omitempty"`
	Limits       *resources.ResourceLimit `json:"limits,omitempty"`
	Start        bool                     `json:"start"`
}

// AssignTaskRequest for enqueueing a task
type AssignTaskRequest struct {
	AgentID        string `json:"agent_id,omitempty"`
	Capability     string `json:"capability,omitempty"`
	TaskType       string `json:"task_type" binding:"required"`
	Data           any    `json:"data,omitempty"`
	Priority       string `json:"priority,omitempty"`
	TimeoutSeconds int64  `json:"timeout_seconds,omitempty" binding:"min=0,max=604800"`
}

// AssignTaskResponse is returned once a task is queued
type AssignTaskResponse struct {
	TaskID string                `json:"task_id"`
	Status controller.TaskStatus `json:"status"`
}

// PublishRequest for topic publication
type PublishRequest struct {
	Content any `json:"content"`
}

// SubscribeRequest adds an agent to a topic
type SubscribeRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ListAgentsResponse for agent listings
type ListAgentsResponse struct {
	Agents []registry.AgentRecord `json:"agents"`
	Total  int                    `json:"total"`
	Stats  registry.Stats         `json:"stats"`
}

// ListTasksResponse for task listings
type ListTasksResponse struct {
	Tasks []controller.Task      `json:"tasks"`
	Total int                    `json:"total"`
	Queue controller.QueueStatus `json:"queue"`
}

// LimitsResponse for per-agent limits
type LimitsResponse struct {
	AgentID string                  `json:"agent_id"`
	Limits  resources.ResourceLimit `json:"limits"`
}
