// Package orchestrator is the composition root: it builds the registry,
// resource manager, message bus and controller from configuration and
// wires their change hooks to the event bus and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agentsim"
	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/events"
	"github.com/kandev/agentplane/internal/events/bus"
	"github.com/kandev/agentplane/internal/launcher"
	"github.com/kandev/agentplane/internal/maintenance"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/persistence"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

// Common errors
var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrStopped        = errors.New("orchestrator is stopped")
)

type options struct {
	sampler  resources.SystemSampler
	store    persistence.Store
	launcher launcher.Launcher
	events   bus.EventBus
}

// Option overrides a collaborator built from configuration.
type Option func(*options)

// WithSampler replaces the host sampler.
func WithSampler(s resources.SystemSampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithStore replaces the configured persistence store.
func WithStore(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLauncher replaces the configured process launcher.
func WithLauncher(l launcher.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithEventBus replaces the configured event bus. The caller keeps
// ownership and closes it.
func WithEventBus(b bus.EventBus) Option {
	return func(o *options) { o.events = b }
}

// Orchestrator owns one complete set of components. Several may coexist in
// one process.
type Orchestrator struct {
	cfg    *config.Config
	base   *logger.Logger
	logger *logger.Logger

	registry    *registry.Registry
	resources   *resources.Manager
	bus         *messagebus.Bus
	controller  *controller.Controller
	eventBus    bus.EventBus
	publisher   *events.Publisher
	store       persistence.Store
	launcher    launcher.Launcher
	maintenance *maintenance.Service

	closeEvents func() error

	mu      sync.Mutex
	started bool
	stopped bool
	workers []*agentsim.Worker
}

// New constructs every component without starting background work.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Orchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	orch := &Orchestrator{cfg: cfg, base: log, logger: log.WithComponent("orchestrator")}

	if o.store == nil {
		store, err := persistence.Provide(cfg, log)
		if err != nil {
			return nil, err
		}
		o.store = store
	}
	orch.store = o.store

	if o.events == nil {
		provided, cleanup, err := events.Provide(cfg.NATS, log)
		if err != nil {
			_ = orch.store.Close()
			return nil, err
		}
		o.events = provided.Bus
		orch.closeEvents = cleanup
	}
	orch.eventBus = o.events
	orch.publisher = events.NewPublisher(o.events, log)

	if o.launcher == nil {
		o.launcher = provideLauncher(cfg.Docker, log)
	}
	orch.launcher = o.launcher

	if o.sampler == nil {
		o.sampler = resources.NewHostSampler(cfg.Resources.GPUCount)
	}

	orch.registry = registry.NewRegistry(log)
	orch.resources = resources.NewManager(resources.Config{
		SampleTimeout: cfg.Resources.SampleTimeout(),
	}, o.sampler, log)
	orch.bus = messagebus.New(messagebus.Config{
		InboxCapacity:        cfg.Bus.InboxCapacity,
		EnqueueTimeout:       cfg.Bus.EnqueueTimeoutDuration(),
		FairnessWindow:       cfg.Bus.FairnessWindow,
		DefaultTTL:           cfg.Bus.DefaultTTL(),
		HistoryLimit:         cfg.Bus.HistoryLimit,
		PersistTopicMessages: cfg.Bus.PersistTopicMessages,
	}, log, messagebus.WithSink(orch.store))
	orch.controller = controller.New(controller.Config{
		ID:              cfg.Controller.ID,
		TaskTimeout:     cfg.Controller.TaskTimeout(),
		PendingTimeout:  cfg.Controller.PendingTimeout(),
		SweepInterval:   cfg.Controller.SweepInterval(),
		StopGrace:       cfg.Controller.StopGrace(),
		QueueSize:       cfg.Controller.QueueSize,
		AckMode:         controller.AckMode(cfg.Controller.AckMode),
		StrictAdmission: cfg.Controller.StrictAdmission,
	}, orch.registry, orch.resources, orch.bus, log, controller.WithLauncher(orch.launcher))

	orch.registry.OnChange(orch.onAgentChange)
	orch.controller.OnTaskChange(orch.onTaskChange)

	svc, err := maintenance.New(cfg.Maintenance.EvictionSchedule, orch.bus, orch.store, log)
	if err != nil {
		orch.release()
		return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
	}
	orch.maintenance = svc

	if err := orch.loadTemplates(); err != nil {
		orch.release()
		return nil, err
	}
	return orch, nil
}

func provideLauncher(cfg config.DockerConfig, log *logger.Logger) launcher.Launcher {
	if !cfg.Enabled {
		return launcher.Noop{}
	}
	dl, err := launcher.NewDockerLauncher(cfg, log)
	if err != nil {
		log.Warn("docker launcher unavailable, agents will not be spawned", zap.Error(err))
		return launcher.Noop{}
	}
	return dl
}

func (o *Orchestrator) loadTemplates() error {
	if o.cfg.Templates.File == "" {
		return nil
	}
	n, err := o.controller.LoadTemplatesFile(o.cfg.Templates.File)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	o.logger.Info("loaded agent templates", zap.Int("count", n), zap.String("file", o.cfg.Templates.File))
	return nil
}

func (o *Orchestrator) onAgentChange(ch registry.Change) {
	o.publisher.AgentChanged(ch)
	_ = o.store.SaveAgent(context.Background(), ch.Record)
}

func (o *Orchestrator) onTaskChange(ch controller.TaskChange) {
	o.publisher.TaskChanged(ch)
	_ = o.store.SaveTask(context.Background(), ch.Task)
}

// Start samples host capacity and starts the controller, maintenance and
// any configured demo agents. Cancelling ctx does not stop the controller
// or the demo agents; call Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}

	if err := o.resources.Start(ctx); err != nil {
		o.logger.Warn("continuing without host capacity", zap.Error(err))
	}
	if err := o.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if err := o.maintenance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	o.started = true

	for _, demo := range o.cfg.Demo.Agents {
		if err := o.spawnDemoAgent(ctx, demo); err != nil {
			o.logger.Warn("failed to spawn demo agent",
				zap.String("template", demo.Template),
				zap.String("agent_id", demo.ID),
				zap.Error(err))
		}
	}

	o.logger.Info("orchestrator started",
		zap.String("controller_id", o.controller.ID()),
		zap.Int("agents", len(o.registry.ListAgents())))
	return nil
}

func (o *Orchestrator) spawnDemoAgent(ctx context.Context, demo config.DemoAgent) error {
	info, err := o.controller.CreateAgent(ctx, demo.Template, demo.ID)
	if err != nil {
		return err
	}
	w := agentsim.NewWorker(info.Agent.AgentID, o.controller.ID(), o.bus,
		agentsim.Options{
			Model:       info.Agent.Model,
			Acknowledge: o.cfg.Controller.AckMode == string(controller.AckExplicit),
		}, o.base)
	// Workers live until Stop so in-flight tasks can still answer during
	// the controller's drain.
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	o.workers = append(o.workers, w)
	return o.controller.StartAgent(ctx, info.Agent.AgentID)
}

// Stop drains the controller, then stops simulated agents and maintenance
// and releases the bus, event bus, launcher and store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	workers := o.workers
	o.workers = nil
	o.mu.Unlock()

	var errs []error
	if err := o.controller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("controller: %w", err))
	}
	for _, w := range workers {
		w.Stop()
	}
	if err := o.maintenance.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}
	errs = append(errs, o.release()...)

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) release() []error {
	var errs []error
	o.bus.Close()
	if o.closeEvents != nil {
		if err := o.closeEvents(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}
	if err := o.launcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("launcher: %w", err))
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errs
}

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Resources returns the resource manager.
func (o *Orchestrator) Resources() *resources.Manager { return o.resources }

// Bus returns the message bus.
func (o *Orchestrator) Bus() *messagebus.Bus { return o.bus }

// Controller returns the agent controller.
func (o *Orchestrator) Controller() *controller.Controller { return o.controller }

// Events returns the outbound event bus.
func (o *Orchestrator) Events() bus.EventBus { return o.eventBus }

// Maintenance returns the housekeeping service.
func (o *Orchestrator) Maintenance() *maintenance.Service { return o.maintenance }
