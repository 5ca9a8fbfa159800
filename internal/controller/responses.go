package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/messagebus"
)

// Task response statuses carried in TASK_RESPONSE content.
const (
	ResponseCompleted = "completed"
	ResponseFailed    = "failed"
)

// Acknowledgement statuses carried in STATUS_UPDATE content.
const (
	AckReceived = "received"
	AckRunning  = "running"
)

// handleMessage consumes one message from the controller's inbox. Any
// message from a registered agent counts as a heartbeat.
func (c *Controller) handleMessage(ctx context.Context, msg messagebus.AgentMessage) {
	if msg.Expired(c.now()) {
		return
	}
	if msg.FromAgent != "" && msg.FromAgent != c.cfg.ID {
		_ = c.registry.Heartbeat(msg.FromAgent)
	}

	switch msg.MessageType {
	case messagebus.TaskResponse:
		c.handleResponse(ctx, msg)
	case messagebus.StatusUpdate:
		c.handleStatusUpdate(msg)
	default:
		c.logger.Debug("ignoring message",
			zap.String("message_id", msg.ID),
			zap.String("from_agent", msg.FromAgent),
			zap.String("message_type", string(msg.MessageType)))
	}
}

// taskFromAgent returns the non-terminal task named in msg when msg comes
// from its assignee.
func (c *Controller) taskFromAgent(msg messagebus.AgentMessage) (Task, bool) {
	taskID := msg.String("task_id")
	if taskID == "" {
		c.logger.Debug("message without task_id", zap.String("message_id", msg.ID), zap.String("from_agent", msg.FromAgent))
		return Task{}, false
	}
	task, ok := c.snapshot(taskID)
	if !ok {
		c.logger.Debug("message for unknown task", zap.String("task_id", taskID))
		return Task{}, false
	}
	if task.AgentID != msg.FromAgent {
		c.logger.WithTaskID(taskID).Warn("ignoring message from non-assignee",
			zap.String("from_agent", msg.FromAgent),
			zap.String("assignee", task.AgentID))
		return Task{}, false
	}
	if task.Status.Terminal() || task.Status == StatusPending {
		c.logger.WithTaskID(taskID).Debug("ignoring late message", zap.String("status", string(task.Status)))
		return Task{}, false
	}
	return task, true
}

func (c *Controller) handleResponse(ctx context.Context, msg messagebus.AgentMessage) {
	task, ok := c.taskFromAgent(msg)
	if !ok {
		return
	}

	status := msg.String("status")
	errText := msg.String("error")
	if status == ResponseFailed || errText != "" {
		if errText == "" {
			errText = "agent reported failure"
		}
		c.finish(task.TaskID, StatusFailed, reasonAgentReported+": "+errText, nil)
		return
	}
	c.finish(task.TaskID, StatusCompleted, "", msg.Content["result"])
	c.logger.WithContext(ctx).Debug("task response consumed", zap.String("task_id", task.TaskID))
}

func (c *Controller) handleStatusUpdate(msg messagebus.AgentMessage) {
	switch msg.String("status") {
	case AckReceived, AckRunning:
	default:
		return
	}
	task, ok := c.taskFromAgent(msg)
	if !ok || task.Status != StatusAssigned {
		return
	}
	c.advance(task.TaskID, StatusRunning)
}
