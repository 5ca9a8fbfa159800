package controller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/constants"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/controller/queue"
	"github.com/kandev/agentplane/internal/registry"
)

// AssignTask enqueues a task for agentID and returns its id without waiting
// for dispatch.
func (c *Controller) AssignTask(ctx context.Context, agentID, taskType string, data any, priority Priority) (string, error) {
	return c.AssignTaskWithOptions(ctx, TaskRequest{
		AgentID:  agentID,
		TaskType: taskType,
		Data:     data,
		Priority: priority,
	})
}

// AssignTaskToCapability enqueues a task for whichever agent advertising
// capability is available first.
func (c *Controller) AssignTaskToCapability(ctx context.Context, capability, taskType string, data any, priority Priority) (string, error) {
	return c.AssignTaskWithOptions(ctx, TaskRequest{
		Capability: capability,
		TaskType:   taskType,
		Data:       data,
		Priority:   priority,
	})
}

// AssignTaskWithOptions validates req and enqueues it as a PENDING task.
// Targeting an unregistered agent fails with UnknownAgent and a terminated
// one with AgentUnavailable. A full queue is reported, never dropped.
func (c *Controller) AssignTaskWithOptions(ctx context.Context, req TaskRequest) (string, error) {
	if err := c.acceptingWork(); err != nil {
		return "", err
	}
	if err := validateRequest(&req); err != nil {
		return "", err
	}

	if req.AgentID != "" {
		rec, err := c.registry.Get(req.AgentID)
		if err != nil {
			return "", err
		}
		if rec.State == registry.StateTerminated {
			return "", apperrors.AgentUnavailable(req.AgentID, "agent is terminated")
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.TaskTimeout
	}

	now := c.now()
	task := Task{
		TaskID:     uuid.New().String(),
		AgentID:    req.AgentID,
		Capability: req.Capability,
		TaskType:   req.TaskType,
		Data:       req.Data,
		Priority:   req.Priority,
		Status:     StatusPending,
		Timeout:    timeout,
		CreatedAt:  now,
		History:    []TaskTransition{{To: StatusPending, At: now}},
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", apperrors.Unavailable("controller is stopped", ErrControllerStopped)
	}
	if err := c.queue.Enqueue(task.TaskID, task.Priority.Rank()); err != nil {
		c.mu.Unlock()
		if errors.Is(err, queue.ErrQueueFull) {
			return "", apperrors.Capacity("task queue is full", err)
		}
		return "", apperrors.InternalError("enqueue task", err)
	}
	c.tasks[task.TaskID] = &taskEntry{task: task}
	c.taskOrder = append(c.taskOrder, task.TaskID)
	c.mu.Unlock()

	c.logger.WithContext(ctx).Info("task accepted",
		zap.String("task_id", task.TaskID),
		zap.String("agent_id", task.AgentID),
		zap.String("capability", task.Capability),
		zap.String("task_type", task.TaskType),
		zap.String("priority", string(task.Priority)))

	c.emit(TaskChange{Task: task.clone()})
	c.wake()
	return task.TaskID, nil
}

func validateRequest(req *TaskRequest) error {
	if req.AgentID == "" && req.Capability == "" {
		return apperrors.ValidationError("agent_id", "either agent_id or capability is required")
	}
	if req.AgentID != "" && req.Capability != "" {
		return apperrors.ValidationError("capability", "cannot be combined with agent_id")
	}
	if req.TaskType == "" {
		return apperrors.ValidationError("task_type", "is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		return apperrors.ValidationError("priority", "must be one of LOW, NORMAL, HIGH, URGENT")
	}
	if req.Timeout < 0 {
		return apperrors.ValidationError("timeout", "must not be negative")
	}
	if req.Timeout > constants.MaxTaskTimeout {
		return apperrors.ValidationError("timeout", "must not exceed "+constants.MaxTaskTimeout.String())
	}
	return nil
}

// GetTask returns a snapshot of taskID.
func (c *Controller) GetTask(taskID string) (Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tasks[taskID]
	if !ok {
		return Task{}, apperrors.UnknownTask(taskID)
	}
	return e.task.clone(), nil
}

// ListTasks returns matching tasks in creation order. Limit keeps the most
// recent matches.
func (c *Controller) ListTasks(filter TaskFilter) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Task{}
	for _, id := range c.taskOrder {
		t := c.tasks[id].task
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.Capability != "" && t.Capability != filter.Capability {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.clone())
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// PurgeTasks forgets terminal tasks that finished more than olderThan ago
// and returns how many were removed.
func (c *Controller) PurgeTasks(olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.taskOrder[:0]
	purged := 0
	for _, id := range c.taskOrder {
		t := c.tasks[id].task
		if t.Status.Terminal() && t.CompletedAt != nil && !t.CompletedAt.After(cutoff) {
			delete(c.tasks, id)
			c.gate.Forget(id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	clear(c.taskOrder[len(kept):])
	c.taskOrder = kept
	for agentID, taskID := range c.lastTask {
		if _, ok := c.tasks[taskID]; !ok {
			delete(c.lastTask, agentID)
		}
	}
	if purged > 0 {
		c.logger.Info("purged finished tasks", zap.Int("count", purged))
	}
	return purged
}

// QueueStatus reports queue depth and counters.
func (c *Controller) QueueStatus() QueueStatus {
	c.mu.RLock()
	inFlight, total := len(c.inflight), len(c.tasks)
	c.mu.RUnlock()
	return QueueStatus{
		Queued:         c.queue.Len(),
		InFlight:       inFlight,
		TotalTasks:     total,
		TotalAssigned:  c.totalAssigned.Load(),
		TotalCompleted: c.totalCompleted.Load(),
		TotalFailed:    c.totalFailed.Load(),
	}
}

// transitionLocked applies one state-machine step. Callers hold mu.
func (c *Controller) transitionLocked(e *taskEntry, to TaskStatus, reason string) (TaskChange, bool) {
	from := e.task.Status
	if !canTransition(from, to) {
		return TaskChange{}, false
	}
	now := c.now()
	e.task.Status = to
	e.task.History = append(e.task.History, TaskTransition{From: from, To: to, At: now, Reason: reason})
	if to.Terminal() {
		e.task.CompletedAt = &now
		e.task.Reason = reason
	}
	return TaskChange{Task: e.task.clone(), Previous: from}, true
}

// advance moves taskID one non-terminal step forward.
func (c *Controller) advance(taskID string, to TaskStatus) bool {
	c.mu.Lock()
	e, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	change, ok := c.transitionLocked(e, to, "")
	c.mu.Unlock()
	if ok {
		c.emit(change)
	}
	return ok
}

// markAssigned moves a PENDING task to ASSIGNED on rec's agent. It reports
// false if the task left PENDING in the meantime.
func (c *Controller) markAssigned(taskID string, rec registry.AgentRecord) (Task, bool) {
	agentID := rec.AgentID
	c.mu.Lock()
	e, ok := c.tasks[taskID]
	if !ok || e.task.Status != StatusPending {
		c.mu.Unlock()
		return Task{}, false
	}
	change, _ := c.transitionLocked(e, StatusAssigned, "")
	now := c.now()
	deadline := now.Add(e.task.Timeout)
	e.task.AgentID = agentID
	e.task.AssignedAt = &now
	e.task.Deadline = &deadline
	e.restoreState = rec.State
	e.agentRevision = rec.Revision
	c.inflight[agentID] = taskID
	c.lastTask[agentID] = taskID
	change.Task = e.task.clone()
	c.mu.Unlock()

	c.totalAssigned.Add(1)
	c.emit(change)
	return change.Task, true
}

// finish moves taskID to a terminal status and releases its agent.
func (c *Controller) finish(taskID string, to TaskStatus, reason string, result any) bool {
	c.mu.Lock()
	e, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	var changes []TaskChange
	// A response may arrive before the explicit acknowledgement; record
	// the RUNNING step so the audit trail never skips a state.
	if to == StatusCompleted && e.task.Status == StatusAssigned {
		if ch, ok := c.transitionLocked(e, StatusRunning, ""); ok {
			changes = append(changes, ch)
		}
	}
	if to == StatusCompleted {
		e.task.Result = result
	}
	change, ok := c.transitionLocked(e, to, reason)
	if !ok {
		c.mu.Unlock()
		c.emit(changes...)
		return false
	}
	changes = append(changes, change)

	agentID := e.task.AgentID
	restore := e.restoreState
	released := agentID != "" && c.inflight[agentID] == taskID
	if released {
		delete(c.inflight, agentID)
	}
	c.mu.Unlock()

	c.queue.Remove(taskID)
	if to == StatusCompleted {
		c.totalCompleted.Add(1)
	} else {
		c.totalFailed.Add(1)
	}

	log := c.logger.WithTaskID(taskID).WithAgentID(agentID)
	if to == StatusFailed {
		log.Warn("task failed", zap.String("reason", reason))
	} else {
		log.Info("task completed")
	}

	c.emit(changes...)
	if released {
		c.releaseAgent(agentID, restore)
	}
	return true
}

// releaseAgent returns a BUSY agent to the state it had before its task.
func (c *Controller) releaseAgent(agentID string, restore registry.AgentState) {
	if restore == "" || restore == registry.StateBusy {
		restore = registry.StateIdle
	}
	if _, err := c.registry.CompareAndSetState(agentID, registry.StateBusy, restore); err != nil {
		c.logger.Debug("agent not released", zap.String("agent_id", agentID), zap.Error(err))
	}
	c.wake()
}

// failWhere fails every task whose status matches.
func (c *Controller) failWhere(match func(TaskStatus) bool, reason string) int {
	c.mu.RLock()
	var ids []string
	for _, id := range c.taskOrder {
		if match(c.tasks[id].task.Status) {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if c.finish(id, StatusFailed, reason, nil) {
			n++
		}
	}
	return n
}

// failAgentTasks fails every unfinished task bound to agentID.
func (c *Controller) failAgentTasks(agentID, why string) int {
	c.mu.RLock()
	var ids []string
	for _, id := range c.taskOrder {
		t := c.tasks[id].task
		if t.AgentID == agentID && !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if c.finish(id, StatusFailed, reasonAgentUnavailable+": "+why, nil) {
			n++
		}
	}
	return n
}

// setRestoreState changes what a BUSY agent returns to after its task.
func (c *Controller) setRestoreState(agentID string, state registry.AgentState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	taskID, ok := c.inflight[agentID]
	if !ok {
		return false
	}
	c.tasks[taskID].restoreState = state
	return true
}

func (c *Controller) snapshot(taskID string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return e.task.clone(), true
}
