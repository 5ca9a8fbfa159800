package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/events/bus"
	"github.com/kandev/agentplane/internal/registry"
)

// Publisher turns registry and controller change hooks into bus events.
// Publishing is fire-and-forget; failures are logged.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a publisher on b.
func NewPublisher(b bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, logger: log.WithComponent("events")}
}

// AgentChanged is a registry.ChangeHook.
func (p *Publisher) AgentChanged(ch registry.Change) {
	var subject string
	switch ch.Kind {
	case registry.ChangeRegistered:
		subject = AgentRegistered
	case registry.ChangeStateChanged:
		subject = AgentStateChanged
	case registry.ChangeHeartbeat:
		subject = AgentHeartbeat
	case registry.ChangeDeregistered:
		subject = AgentDeregistered
	default:
		return
	}
	data := map[string]any{
		"agent_id": ch.Record.AgentID,
		"state":    string(ch.Record.State),
		"agent":    ch.Record,
	}
	if ch.Previous != "" {
		data["previous_state"] = string(ch.Previous)
	}
	p.publish(subject, "registry", data)
}

// TaskChanged is a controller.TaskHook.
func (p *Publisher) TaskChanged(ch controller.TaskChange) {
	subject := TaskStateChanged
	if ch.Previous == "" {
		subject = TaskCreated
	}
	data := map[string]any{
		"task_id":  ch.Task.TaskID,
		"agent_id": ch.Task.AgentID,
		"status":   string(ch.Task.Status),
		"task":     ch.Task,
	}
	if ch.Previous != "" {
		data["previous_status"] = string(ch.Previous)
	}
	if ch.Task.Reason != "" {
		data["reason"] = ch.Task.Reason
	}
	p.publish(subject, "controller", data)
}

func (p *Publisher) publish(subject, source string, data map[string]any) {
	if err := p.bus.Publish(context.Background(), subject, bus.NewEvent(subject, source, data)); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
