// Package controller owns agent lifecycle transitions and task scheduling.
// It reads and writes registry state, consults the resource manager before
// dispatch, and talks to agents over the message bus.
package controller

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/constants"
	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/ordering"
	"github.com/kandev/agentplane/internal/controller/queue"
	"github.com/kandev/agentplane/internal/launcher"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

const tracerName = "agentplane/controller"

// Common errors
var (
	ErrControllerRunning = errors.New("controller is already running")
	ErrControllerStopped = errors.New("controller is stopped")
)

// AckMode selects what moves a task from ASSIGNED to RUNNING.
type AckMode string

const (
	// AckDelivery treats successful bus delivery as the acknowledgement.
	AckDelivery AckMode = "delivery"
	// AckExplicit waits for a STATUS_UPDATE with status "received".
	AckExplicit AckMode = "explicit"
)

// Config holds controller settings.
type Config struct {
	ID              string
	TaskTimeout     time.Duration
	PendingTimeout  time.Duration
	SweepInterval   time.Duration
	StopGrace       time.Duration
	QueueSize       int
	AckMode         AckMode
	StrictAdmission bool
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ID:             constants.DefaultControllerID,
		TaskTimeout:    constants.DefaultTaskTimeout,
		PendingTimeout: 10 * time.Minute,
		SweepInterval:  time.Second,
		StopGrace:      constants.DefaultStopGrace,
		AckMode:        AckDelivery,
	}
}

type taskEntry struct {
	task Task
	// restoreState is the agent state to return to when the task ends.
	restoreState registry.AgentState
	// agentRevision is the assignee's record revision at assignment.
	agentRevision uint64
}

// Controller schedules tasks onto agents.
type Controller struct {
	cfg       Config
	registry  *registry.Registry
	resources *resources.Manager
	bus       *messagebus.Bus
	launcher  launcher.Launcher
	logger    *logger.Logger
	now       func() time.Time

	queue *queue.TaskQueue

	mu             sync.RWMutex
	tasks          map[string]*taskEntry
	taskOrder      []string
	inflight       map[string]string // agent id -> task id
	lastTask       map[string]string // agent id -> task id
	templates      map[string]AgentTemplate
	templateOrder  []string
	agentTemplates map[string]string // agent id -> template id
	launched       map[string]launcher.Handle
	// closed is set once Stop begins; no task is accepted afterwards.
	closed bool

	hooksMu sync.RWMutex
	hooks   []TaskHook
	gate    *ordering.Gate[string]

	totalAssigned  atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64

	runMu      sync.Mutex
	running    bool
	stopped    bool
	stopCh     chan struct{}
	stopCtx    context.Context
	cancelLoop context.CancelFunc
	wakeCh     chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLauncher delegates process spawning for templates with a launch image.
func WithLauncher(l launcher.Launcher) Option {
	return func(c *Controller) { c.launcher = l }
}

// New creates a controller over the given components.
func New(cfg Config, reg *registry.Registry, res *resources.Manager, bus *messagebus.Bus, log *logger.Logger, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.AckMode == "" {
		cfg.AckMode = def.AckMode
	}

	c := &Controller{
		cfg:            cfg,
		registry:       reg,
		resources:      res,
		bus:            bus,
		logger:         log.WithComponent("controller"),
		now:            time.Now,
		queue:          queue.NewTaskQueue(cfg.QueueSize),
		tasks:          make(map[string]*taskEntry),
		inflight:       make(map[string]string),
		lastTask:       make(map[string]string),
		templates:      make(map[string]AgentTemplate),
		agentTemplates: make(map[string]string),
		launched:       make(map[string]launcher.Handle),
		gate:           ordering.NewGate[string](),
		wakeCh:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	reg.OnChange(func(ch registry.Change) {
		switch ch.Kind {
		case registry.ChangeRegistered:
			if ch.Previous == registry.StateTerminated {
				c.forgetIncarnation(ch.Record.AgentID, ch.Record.Revision)
			}
			c.wake()
		case registry.ChangeDeregistered:
			c.failAgentTasks(ch.Record.AgentID, "agent "+ch.Record.AgentID+" was deregistered")
		case registry.ChangeStateChanged:
			if ch.Record.State.Available() {
				c.wake()
			}
		}
	})
	return c
}

// ID returns the bus id the controller receives responses on.
func (c *Controller) ID() string {
	return c.cfg.ID
}

// OnTaskChange adds a hook invoked after every task mutation. Changes for
// one task reach hooks in order; a change overtaken by a newer one for the
// same task is not delivered.
func (c *Controller) OnTaskChange(hook TaskHook) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, hook)
	c.hooksMu.Unlock()
}

func (c *Controller) emit(changes ...TaskChange) {
	if len(changes) == 0 {
		return
	}
	c.hooksMu.RLock()
	hooks := slices.Clone(c.hooks)
	c.hooksMu.RUnlock()
	for _, ch := range changes {
		delivered := c.gate.Deliver(ch.Task.TaskID, uint64(len(ch.Task.History)), func() {
			for _, h := range hooks {
				h(ch)
			}
		})
		if !delivered {
			c.logger.Debug("dropped stale task change",
				zap.String("task_id", ch.Task.TaskID),
				zap.String("status", string(ch.Task.Status)))
		}
	}
}

// Start opens the controller's inbox and begins the background loop that
// dispatches queued tasks, consumes responses, and sweeps timeouts. The loop
// keeps ctx's values but not its cancellation: it runs until Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return ErrControllerRunning
	}
	if c.stopped {
		return ErrControllerStopped
	}

	if err := c.bus.RegisterAgent(c.cfg.ID, nil); err != nil {
		return err
	}
	inbox, err := c.bus.Inbox(c.cfg.ID)
	if err != nil {
		return err
	}

	c.running = true
	c.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelLoop = cancel

	c.logger.Info("controller starting",
		zap.String("id", c.cfg.ID),
		zap.Duration("task_timeout", c.cfg.TaskTimeout),
		zap.Duration("sweep_interval", c.cfg.SweepInterval),
		zap.String("ack_mode", string(c.cfg.AckMode)))

	c.wg.Add(1)
	go c.run(loopCtx, inbox)
	return nil
}

// Stop fails PENDING tasks, waits up to the grace period (or until ctx is
// done) for in-flight tasks to finish, then fails whatever is left with
// ShutdownInterrupted.
func (c *Controller) Stop(ctx context.Context) error {
	c.runMu.Lock()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if !c.running {
		already := c.stopped
		c.stopped = true
		c.runMu.Unlock()
		if !already {
			c.failWhere(func(s TaskStatus) bool { return !s.Terminal() }, ReasonShutdownInterrupted)
		}
		return nil
	}
	c.running = false
	c.stopped = true
	c.stopCtx = ctx
	close(c.stopCh)
	cancel := c.cancelLoop
	c.runMu.Unlock()

	c.wg.Wait()
	cancel()
	c.bus.UnregisterAgent(c.cfg.ID)
	c.logger.Info("controller stopped")
	return nil
}

// IsRunning returns true if the background loop is active.
func (c *Controller) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Controller) acceptingWork() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return apperrors.Unavailable("controller is stopped", ErrControllerStopped)
	}
	return nil
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context, inbox <-chan messagebus.AgentMessage) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.dispatch(ctx)
	for {
		select {
		case <-c.stopCh:
			c.drain(inbox)
			return
		case msg, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			c.handleMessage(ctx, msg)
		case <-c.wakeCh:
			c.dispatch(ctx)
		case <-ticker.C:
			c.sweep()
			c.dispatch(ctx)
		}
	}
}

// drain runs on the loop goroutine after Stop.
func (c *Controller) drain(inbox <-chan messagebus.AgentMessage) {
	c.runMu.Lock()
	ctx := c.stopCtx
	c.runMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.failWhere(func(s TaskStatus) bool { return s == StatusPending }, ReasonShutdownInterrupted)

	if c.inFlightCount() > 0 && c.cfg.StopGrace > 0 {
		c.logger.Info("draining in-flight tasks", zap.Int("in_flight", c.inFlightCount()), zap.Duration("grace", c.cfg.StopGrace))
		grace := time.NewTimer(c.cfg.StopGrace)
		defer grace.Stop()
	loop:
		for c.inFlightCount() > 0 {
			select {
			case msg, ok := <-inbox:
				if !ok {
					break loop
				}
				c.handleMessage(ctx, msg)
			case <-grace.C:
				break loop
			case <-ctx.Done():
				break loop
			}
		}
	}

	c.failWhere(func(s TaskStatus) bool { return !s.Terminal() }, ReasonShutdownInterrupted)
}

func (c *Controller) inFlightCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inflight)
}
