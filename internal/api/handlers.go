package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/orchestrator"
	"github.com/kandev/agentplane/internal/resources"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		logger: log.WithComponent("api"),
	}
}

// respondError renders err as an AppError with its HTTP status.
func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError(msg, err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func (h *Handler) bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return false
	}
	return true
}

// ListAgents returns registered agents, optionally filtered by capability
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	reg := h.orch.Registry()
	agents := reg.ListAgents()
	if capability := c.Query("capability"); capability != "" {
		agents = reg.FindAgentsByCapability(capability)
	}
	c.JSON(http.StatusOK, ListAgentsResponse{Agents: agents, Total: len(agents), Stats: reg.Stats()})
}

// CreateAgent instantiates an agent from a template
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if !h.bindJSON(c, &req) {
		return
	}
	h.createAgent(c, req)
}

// CreateAgentFromTemplate instantiates an agent from the template in the path
// POST /api/v1/templates/:id/agents
func (h *Handler) CreateAgentFromTemplate(c *gin.Context) {
	var req CreateAgentRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}
	req.TemplateID = c.Param("id")
	h.createAgent(c, req)
}

func (h *Handler) createAgent(c *gin.Context, req CreateAgentRequest) {
	if req.TemplateID == "" {
		appErr := errors.ValidationError("template_id", "is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	opts := []controller.CreateOption{
		controller.WithName(req.Name),
		controller.WithRole(req.Role),
		controller.WithZone(req.Zone),
		controller.WithModel(req.Model),
		controller.WithExtraCapabilities(req.Capabilities...),
	}
	if req.Limits != nil {
		opts = append(opts, controller.WithLimits(*req.Limits))
	}

	ctrl := h.orch.Controller()
	info, err := ctrl.CreateAgent(c.Request.Context(), req.TemplateID, req.AgentID, opts...)
	if err != nil {
		h.respondError(c, err, "failed to create agent")
		return
	}
	if req.Start {
		if err := ctrl.StartAgent(c.Request.Context(), info.Agent.AgentID); err != nil {
			h.respondError(c, err, "failed to start agent")
			return
		}
		if rec, err := h.orch.Registry().Get(info.Agent.AgentID); err == nil {
			info.Agent = rec
		}
	}
	c.JSON(http.StatusCreated, info)
}

// GetAgentStatus returns the composite status of one agent
// GET /api/v1/agents/:id/status
func (h *Handler) GetAgentStatus(c *gin.Context) {
	status, err := h.orch.Controller().GetAgentStatus(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get agent status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// StartAgent moves an agent to RUNNING
// POST /api/v1/agents/:id/start
func (h *Handler) StartAgent(c *gin.Context) {
	h.agentAction(c, "start", h.orch.Controller().StartAgent)
}

// StopAgent moves an agent back to IDLE
// POST /api/v1/agents/:id/stop
func (h *Handler) StopAgent(c *gin.Context) {
	h.agentAction(c, "stop", h.orch.Controller().StopAgent)
}

// TerminateAgent deregisters an agent and fails its in-flight task
// DELETE /api/v1/agents/:id
func (h *Handler) TerminateAgent(c *gin.Context) {
	h.agentAction(c, "terminate", h.orch.Controller().TerminateAgent)
}

func (h *Handler) agentAction(c *gin.Context, action string, fn func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to "+action+" agent")
		return
	}
	rec, err := h.orch.Registry().Get(id)
	if err != nil {
		h.respondError(c, err, "failed to read agent")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Heartbeat refreshes an agent's liveness timestamp
// POST /api/v1/agents/:id/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.orch.Registry().Heartbeat(c.Param("id")); err != nil {
		h.respondError(c, err, "failed to record heartbeat")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetAgentLimits returns the limits recorded for an agent
// GET /api/v1/agents/:id/limits
func (h *Handler) GetAgentLimits(c *gin.Context) {
	id := c.Param("id")
	limits, ok := h.orch.Resources().GetAgentLimits(id)
	if !ok {
		appErr := errors.NotFound("limits", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, LimitsResponse{AgentID: id, Limits: limits})
}

// SetAgentLimits records limits for an agent
// PUT /api/v1/agents/:id/limits
func (h *Handler) SetAgentLimits(c *gin.Context) {
	var limits resources.ResourceLimit
	if !h.bindJSON(c, &limits) {
		return
	}
	id := c.Param("id")
	h.orch.Resources().SetAgentLimits(id, limits)
	c.JSON(http.StatusOK, LimitsResponse{AgentID: id, Limits: limits})
}

// GetSystemUsage samples host usage
// GET /api/v1/system/usage
func (h *Handler) GetSystemUsage(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Resources().GetSystemUsage(c.Request.Context()))
}

// GetSystemResources returns host capacity
// GET /api/v1/system/resources
func (h *Handler) GetSystemResources(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Resources().SystemResources())
}

// ListTemplates returns registered templates
// GET /api/v1/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.orch.Controller().ListTemplates()})
}

// RegisterTemplate adds or replaces a template
// POST /api/v1/templates
func (h *Handler) RegisterTemplate(c *gin.Context) {
	var tpl controller.AgentTemplate
	if !h.bindJSON(c, &tpl) {
		return
	}
	ctrl := h.orch.Controller()
	if err := ctrl.RegisterAgentTemplate(tpl.ID, tpl); err != nil {
		h.respondError(c, err, "failed to register template")
		return
	}
	saved, err := ctrl.GetTemplate(tpl.ID)
	if err != nil {
		h.respondError(c, err, "failed to read template")
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// AssignTask queues a task for an agent or capability
// POST /api/v1/tasks
func (h *Handler) AssignTask(c *gin.Context) {
	var req AssignTaskRequest
	if !h.bindJSON(c, &req) {
		return
	}
	priority, err := controller.ParsePriority(req.Priority)
	if err != nil {
		h.respondError(c, err, "invalid priority")
		return
	}
	id, err := h.orch.Controller().AssignTaskWithOptions(c.Request.Context(), controller.TaskRequest{
		AgentID:    req.AgentID,
		Capability: req.Capability,
		TaskType:   req.TaskType,
		Data:       req.Data,
		Priority:   priority,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.respondError(c, err, "failed to assign task")
		return
	}
	status := controller.StatusPending
	if task, err := h.orch.Controller().GetTask(id); err == nil {
		status = task.Status
	}
	c.JSON(http.StatusAccepted, AssignTaskResponse{TaskID: id, Status: status})
}

// ListTasks returns tasks matching the query filters
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondError(c, err, "invalid limit")
		return
	}
	ctrl := h.orch.Controller()
	tasks := ctrl.ListTasks(controller.TaskFilter{
		AgentID:    c.Query("agent_id"),
		Capability: c.Query("capability"),
		Status:     controller.TaskStatus(c.Query("status")),
		Limit:      limit,
	})
	c.JSON(http.StatusOK, ListTasksResponse{Tasks: tasks, Total: len(tasks), Queue: ctrl.QueueStatus()})
}

// GetTask returns one task
// GET /api/v1/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.orch.Controller().GetTask(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// SendMessage routes a message through the bus
// POST /api/v1/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var msg messagebus.AgentMessage
	if !h.bindJSON(c, &msg) {
		return
	}
	result, err := h.orch.Bus().SendMessage(c.Request.Context(), msg)
	if err != nil {
		h.respondError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusOK, result)
}

// PublishToTopic fans content out to a topic's subscribers
// POST /api/v1/topics/:topic
func (h *Handler) PublishToTopic(c *gin.Context) {
	var req PublishRequest
	if !h.bindJSON(c, &req) {
		return
	}
	result, err := h.orch.Bus().PublishToTopic(c.Request.Context(), c.Param("topic"), req.Content)
	if err != nil {
		h.respondError(c, err, "failed to publish")
		return
	}
	c.JSON(http.StatusOK, result)
}

// SubscribeToTopic adds an agent to a topic
// POST /api/v1/topics/:topic/subscribers
func (h *Handler) SubscribeToTopic(c *gin.Context) {
	var req SubscribeRequest
	if !h.bindJSON(c, &req) {
		return
	}
	topic := c.Param("topic")
	if err := h.orch.Bus().SubscribeToTopic(req.AgentID, topic); err != nil {
		h.respondError(c, err, "failed to subscribe")
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "subscribers": h.orch.Bus().TopicSubscribers(topic)})
}

// GetMessageHistory returns retained persistent messages
// GET /api/v1/messages/history
func (h *Handler) GetMessageHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.respondError(c, err, "invalid limit")
		return
	}
	filter := messagebus.HistoryFilter{
		AgentID: c.Query("agent_id"),
		Topic:   c.Query("topic"),
		Type:    messagebus.MessageType(c.Query("type")),
		Limit:   limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondError(c, errors.ValidationError("since", "must be RFC3339"), "invalid since")
			return
		}
		filter.Since = t
	}
	msgs := h.orch.Bus().GetMessageHistory(filter)
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// GetQueueStatus summarises the controller's work
// GET /api/v1/queue
func (h *Handler) GetQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Controller().QueueStatus())
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ValidationError(key, "must be a non-negative integer")
	}
	return n, nil
}
