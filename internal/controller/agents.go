package controller

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/constants"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/launcher"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

type createOptions struct {
	name      string
	role      string
	zone      string
	model     string
	limits    *resources.ResourceLimit
	extraCaps []string
}

// CreateOption overrides template values for one agent.
type CreateOption func(*createOptions)

// WithName overrides the template name.
func WithName(name string) CreateOption {
	return func(o *createOptions) { o.name = name }
}

// WithRole overrides the template role.
func WithRole(role string) CreateOption {
	return func(o *createOptions) { o.role = role }
}

// WithZone overrides the template zone.
func WithZone(zone string) CreateOption {
	return func(o *createOptions) { o.zone = zone }
}

// WithModel overrides the template model tag.
func WithModel(model string) CreateOption {
	return func(o *createOptions) { o.model = model }
}

// WithLimits replaces the template's default limits.
func WithLimits(limit resources.ResourceLimit) CreateOption {
	return func(o *createOptions) { o.limits = &limit }
}

// WithExtraCapabilities adds capabilities on top of the template's.
func WithExtraCapabilities(caps ...string) CreateOption {
	return func(o *createOptions) { o.extraCaps = append(o.extraCaps, caps...) }
}

// CreateAgent registers a new IDLE agent from a template, applies the
// template's default limits and opens its bus inbox. An empty agentID is
// generated from the template id.
func (c *Controller) CreateAgent(ctx context.Context, templateID, agentID string, opts ...CreateOption) (AgentInfo, error) {
	tpl, err := c.GetTemplate(templateID)
	if err != nil {
		return AgentInfo{}, err
	}

	o := createOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if agentID == "" {
		agentID = templateID + "-" + uuid.New().String()[:8]
	}

	rec := registry.AgentRecord{
		AgentID:      agentID,
		Name:         firstNonEmpty(o.name, tpl.Name, agentID),
		Role:         firstNonEmpty(o.role, tpl.Role),
		Capabilities: append(slices.Clone(tpl.Capabilities), o.extraCaps...),
		State:        registry.StateIdle,
		Zone:         firstNonEmpty(o.zone, tpl.Zone),
		Model:        firstNonEmpty(o.model, tpl.Model),
	}
	if prev, err := c.registry.Get(agentID); err == nil && prev.State == registry.StateTerminated {
		c.forgetIncarnation(agentID, prev.Revision+1)
	}
	if err := c.registry.RegisterAgent(rec); err != nil {
		return AgentInfo{}, err
	}

	limits := tpl.Limits
	if o.limits != nil {
		limits = *o.limits
	}
	c.resources.SetAgentLimits(agentID, limits)

	if err := c.bus.RegisterAgent(agentID, rec.Capabilities); err != nil {
		c.logger.WithAgentID(agentID).Warn("agent created without a bus inbox", zap.Error(err))
	}

	c.mu.Lock()
	c.agentTemplates[agentID] = templateID
	c.mu.Unlock()

	created, err := c.registry.Get(agentID)
	if err != nil {
		return AgentInfo{}, err
	}
	c.logger.WithContext(ctx).Info("agent created",
		zap.String("agent_id", agentID),
		zap.String("template_id", templateID))
	return AgentInfo{Agent: created, TemplateID: templateID, Limits: limits}, nil
}

// StartAgent moves an IDLE agent to RUNNING, launches its process when the
// template asks for one, and sends it a WELCOME message. A BUSY agent will
// return to RUNNING when its task ends.
func (c *Controller) StartAgent(ctx context.Context, agentID string) error {
	var from registry.AgentState
	for {
		rec, err := c.registry.Get(agentID)
		if err != nil {
			return err
		}
		from = rec.State
		switch rec.State {
		case registry.StateTerminated:
			return apperrors.AgentUnavailable(agentID, "agent is terminated")
		case registry.StateBusy:
			c.setRestoreState(agentID, registry.StateRunning)
		case registry.StateIdle:
			swapped, err := c.registry.CompareAndSetState(agentID, registry.StateIdle, registry.StateRunning)
			if err != nil {
				return err
			}
			if !swapped {
				continue
			}
		}
		break
	}

	if err := c.launch(ctx, agentID); err != nil {
		if from == registry.StateIdle {
			_, _ = c.registry.CompareAndSetState(agentID, registry.StateRunning, registry.StateIdle)
		}
		return err
	}

	content := map[string]any{
		"agent_id":   agentID,
		"controller": c.cfg.ID,
	}
	if tid := c.templateOf(agentID); tid != "" {
		content["template_id"] = tid
	}
	if _, err := c.bus.SendMessage(ctx, messagebus.AgentMessage{
		FromAgent:   c.cfg.ID,
		ToAgent:     agentID,
		MessageType: messagebus.Welcome,
		Content:     content,
	}); err != nil {
		c.logger.WithAgentID(agentID).Warn("welcome message not delivered", zap.Error(err))
	}

	c.logger.WithAgentID(agentID).Info("agent started", zap.String("from", string(from)))
	return nil
}

func (c *Controller) launch(ctx context.Context, agentID string) error {
	if c.launcher == nil {
		return nil
	}
	c.mu.RLock()
	_, already := c.launched[agentID]
	tpl, hasTpl := c.templates[c.agentTemplates[agentID]]
	c.mu.RUnlock()
	if already || !hasTpl || !tpl.Launch.Enabled() {
		return nil
	}

	limits, _ := c.resources.GetAgentLimits(agentID)
	lctx, cancel := context.WithTimeout(ctx, constants.LaunchTimeout)
	defer cancel()
	handle, err := c.launcher.Launch(lctx, launcher.Request{
		AgentID: agentID,
		Config:  tpl.Launch,
		Limits:  limits,
		ReplyTo: c.cfg.ID,
	})
	if err != nil {
		return apperrors.Unavailable("failed to launch agent "+agentID, err)
	}

	c.mu.Lock()
	c.launched[agentID] = handle
	c.mu.Unlock()
	return nil
}

// StopAgent moves a RUNNING agent back to IDLE. A BUSY agent will return
// to IDLE when its task ends.
func (c *Controller) StopAgent(ctx context.Context, agentID string) error {
	for {
		rec, err := c.registry.Get(agentID)
		if err != nil {
			return err
		}
		switch rec.State {
		case registry.StateTerminated:
			return apperrors.AgentUnavailable(agentID, "agent is terminated")
		case registry.StateBusy:
			c.setRestoreState(agentID, registry.StateIdle)
		case registry.StateRunning:
			swapped, err := c.registry.CompareAndSetState(agentID, registry.StateRunning, registry.StateIdle)
			if err != nil {
				return err
			}
			if !swapped {
				continue
			}
		}
		c.logger.WithContext(ctx).Info("agent stopped", zap.String("agent_id", agentID))
		return nil
	}
}

// TerminateAgent deregisters the agent, closes its inbox and stops its
// process. Its unfinished tasks fail with AgentUnavailable. Resource limits
// are left in place.
func (c *Controller) TerminateAgent(ctx context.Context, agentID string) error {
	if err := c.registry.Deregister(agentID); err != nil {
		return err
	}
	c.bus.UnregisterAgent(agentID)

	c.mu.Lock()
	_, launched := c.launched[agentID]
	delete(c.launched, agentID)
	c.mu.Unlock()

	if launched && c.launcher != nil {
		if err := c.launcher.Stop(ctx, agentID); err != nil {
			c.logger.WithAgentID(agentID).Warn("failed to stop agent process", zap.Error(err))
		}
	}
	c.logger.WithAgentID(agentID).Info("agent terminated")
	return nil
}

// GetAgentStatus returns the registry record together with the agent's
// current and last task, its limits and pending inbox depth.
func (c *Controller) GetAgentStatus(agentID string) (AgentStatus, error) {
	rec, err := c.registry.Get(agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	status := AgentStatus{
		Agent:           rec,
		PendingMessages: c.bus.PendingCount(agentID),
	}
	if limit, ok := c.resources.GetAgentLimits(agentID); ok {
		status.Limits = &limit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	status.TemplateID = c.agentTemplates[agentID]
	if id, ok := c.inflight[agentID]; ok {
		t := c.tasks[id].task.clone()
		status.CurrentTask = &t
	}
	if id, ok := c.lastTask[agentID]; ok {
		if e, ok := c.tasks[id]; ok {
			t := e.task.clone()
			status.LastTask = &t
		}
	}
	if h, ok := c.launched[agentID]; ok {
		status.Launched = &h
	}
	return status, nil
}

// forgetIncarnation drops what the controller remembers about records
// of agentID older than revision.
func (c *Controller) forgetIncarnation(agentID string, revision uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.lastTask[agentID]; ok {
		if e, ok := c.tasks[id]; !ok || e.agentRevision < revision {
			delete(c.lastTask, agentID)
		}
	}
	delete(c.launched, agentID)
	delete(c.agentTemplates, agentID)
}

func (c *Controller) templateOf(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentTemplates[agentID]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
