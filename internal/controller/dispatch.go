package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/tracing"
	"github.com/kandev/agentplane/internal/controller/queue"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

type selection int

const (
	selected selection = iota
	wait
	reject
)

// dispatchPass carries state shared by one pass over the queue. Usage is
// sampled at most once per pass and only when some candidate has a limit.
type dispatchPass struct {
	usage   resources.SystemUsage
	sampled bool
}

func (p *dispatchPass) sample(ctx context.Context, m *resources.Manager) resources.SystemUsage {
	if !p.sampled {
		p.usage = m.GetSystemUsage(ctx)
		p.sampled = true
	}
	return p.usage
}

// dispatch takes every queued task in priority order and tries to hand it
// to an agent. Tasks that cannot be placed yet go back on the queue.
func (c *Controller) dispatch(ctx context.Context) {
	entries := c.queue.Drain()
	if len(entries) == 0 {
		return
	}

	ctx, span := tracing.Start(ctx, tracerName, "controller.dispatch",
		attribute.Int("queue.depth", len(entries)))
	defer span.End()

	pass := &dispatchPass{}
	assigned := 0
	for _, qt := range entries {
		if c.dispatchOne(ctx, qt, pass) {
			assigned++
		}
	}
	span.SetAttributes(attribute.Int("dispatch.assigned", assigned))
}

func (c *Controller) dispatchOne(ctx context.Context, qt *queue.QueuedTask, pass *dispatchPass) bool {
	task, ok := c.snapshot(qt.TaskID)
	if !ok || task.Status != StatusPending {
		return false
	}

	rec, outcome, why := c.selectAgent(ctx, task, pass)
	switch outcome {
	case reject:
		c.finish(task.TaskID, StatusFailed, reasonAgentUnavailable+": "+why, nil)
		return false
	case wait:
		c.requeue(qt)
		return false
	}

	if !c.admit(ctx, rec.AgentID, qt, pass) {
		c.requeue(qt)
		return false
	}

	swapped, err := c.registry.CompareAndSetState(rec.AgentID, rec.State, registry.StateBusy)
	if err != nil || !swapped {
		c.requeue(qt)
		return false
	}

	task, ok = c.markAssigned(task.TaskID, rec)
	if !ok {
		c.releaseAgent(rec.AgentID, rec.State)
		return false
	}

	c.deliver(ctx, task)
	return true
}

// selectAgent resolves the task's target. An explicit agent that is busy
// makes the task wait; one that is gone rejects it. Capability tasks prefer
// IDLE agents over RUNNING ones, then agents within their resource budget,
// then registration order.
func (c *Controller) selectAgent(ctx context.Context, task Task, pass *dispatchPass) (registry.AgentRecord, selection, string) {
	if task.AgentID != "" {
		rec, err := c.registry.Get(task.AgentID)
		if err != nil {
			return rec, reject, "agent " + task.AgentID + " is not registered"
		}
		switch {
		case rec.State == registry.StateTerminated:
			return rec, reject, "agent " + task.AgentID + " is terminated"
		case !rec.State.Available():
			return rec, wait, ""
		}
		return rec, selected, ""
	}

	var idle, running []registry.AgentRecord
	for _, rec := range c.registry.FindAgentsByCapability(task.Capability) {
		switch rec.State {
		case registry.StateIdle:
			idle = append(idle, rec)
		case registry.StateRunning:
			running = append(running, rec)
		}
	}
	candidates := append(idle, running...)
	if len(candidates) == 0 {
		return registry.AgentRecord{}, wait, ""
	}
	for _, rec := range candidates {
		if c.withinBudget(ctx, rec.AgentID, pass) {
			return rec, selected, ""
		}
	}
	return candidates[0], selected, ""
}

func (c *Controller) withinBudget(ctx context.Context, agentID string, pass *dispatchPass) bool {
	limit, ok := c.resources.GetAgentLimits(agentID)
	if !ok || limit.IsZero() {
		return true
	}
	return c.resources.WithinLimits(agentID, pass.sample(ctx, c.resources))
}

// admit applies advisory admission. An over-budget task is put back once at
// one priority level lower and dispatched on the next round regardless.
// With strict admission it waits until usage drops or the pending timeout
// fails it.
func (c *Controller) admit(ctx context.Context, agentID string, qt *queue.QueuedTask, pass *dispatchPass) bool {
	if c.withinBudget(ctx, agentID, pass) {
		return true
	}
	log := c.logger.WithTaskID(qt.TaskID).WithAgentID(agentID)
	if c.cfg.StrictAdmission {
		qt.Deferrals++
		log.Debug("task deferred: agent over resource budget", zap.Int("deferrals", qt.Deferrals))
		return false
	}
	if qt.Deferrals == 0 {
		qt.Deferrals++
		if qt.Priority > 0 {
			qt.Priority--
		}
		log.Info("task deferred at lower priority: agent over resource budget", zap.Int("queue_priority", qt.Priority))
		return false
	}
	log.Info("dispatching over resource budget after deferral")
	return true
}

// requeue puts qt back unless its task left PENDING meanwhile. Holding the
// read lock orders it against finish, which removes the entry afterwards.
func (c *Controller) requeue(qt *queue.QueuedTask) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.tasks[qt.TaskID]; ok && e.task.Status == StatusPending {
		c.queue.Requeue(qt)
	}
}

// deliver sends the TASK_REQUEST for an ASSIGNED task.
func (c *Controller) deliver(ctx context.Context, task Task) {
	content := map[string]any{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"data":      task.Data,
		"priority":  string(task.Priority),
		"reply_to":  c.cfg.ID,
	}
	if task.Deadline != nil {
		content["deadline"] = task.Deadline.Format(time.RFC3339Nano)
	}

	result, err := c.bus.SendMessage(ctx, messagebus.AgentMessage{
		FromAgent:   c.cfg.ID,
		ToAgent:     task.AgentID,
		MessageType: messagebus.TaskRequest,
		Content:     content,
		Priority:    task.Priority.messagePriority(),
	})

	var why string
	switch {
	case err != nil:
		why = err.Error()
	case len(result.DeliveredTo) == 0:
		why = result.Reasons[task.AgentID]
		if why == "" {
			why = "not delivered"
		}
	}
	if why != "" {
		c.finish(task.TaskID, StatusFailed, reasonDeliveryFailed+": "+why, nil)
		return
	}

	c.logger.WithTaskID(task.TaskID).WithAgentID(task.AgentID).Info("task assigned",
		zap.String("task_type", task.TaskType),
		zap.String("priority", string(task.Priority)))

	if c.cfg.AckMode == AckDelivery {
		c.advance(task.TaskID, StatusRunning)
	}
}
