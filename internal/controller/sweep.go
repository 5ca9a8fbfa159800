package controller

import (
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/registry"
)

type sweepItem struct {
	id        string
	agentID   string
	status    TaskStatus
	createdAt time.Time
	deadline  *time.Time
}

// sweep fails tasks whose agent disappeared, whose deadline passed, or that
// waited in PENDING longer than the pending timeout.
func (c *Controller) sweep() {
	now := c.now()

	c.mu.RLock()
	items := make([]sweepItem, 0, len(c.taskOrder))
	for _, id := range c.taskOrder {
		t := c.tasks[id].task
		if t.Status.Terminal() {
			continue
		}
		items = append(items, sweepItem{id: id, agentID: t.AgentID, status: t.Status, createdAt: t.CreatedAt, deadline: t.Deadline})
	}
	c.mu.RUnlock()

	failed := 0
	for _, it := range items {
		if reason := c.sweepReason(it, now); reason != "" {
			if c.finish(it.id, StatusFailed, reason, nil) {
				failed++
			}
		}
	}
	if failed > 0 {
		c.logger.Info("sweep failed tasks", zap.Int("count", failed))
	}
}

func (c *Controller) sweepReason(it sweepItem, now time.Time) string {
	if it.agentID != "" {
		rec, err := c.registry.Get(it.agentID)
		if err != nil {
			return reasonAgentUnavailable + ": agent " + it.agentID + " is not registered"
		}
		if rec.State == registry.StateTerminated {
			return reasonAgentUnavailable + ": agent " + it.agentID + " is terminated"
		}
	}
	switch it.status {
	case StatusPending:
		if now.Sub(it.createdAt) >= c.cfg.PendingTimeout {
			return ReasonNoAgentAvailable
		}
	case StatusAssigned, StatusRunning:
		if it.deadline != nil && !now.Before(*it.deadline) {
			return ReasonTimeout
		}
	}
	return ""
}
