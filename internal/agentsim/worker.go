// Package agentsim provides an in-process simulated agent that answers
// TASK_REQUEST messages over the message bus.
package agentsim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
)

// Task types with built-in behaviour.
const (
	TaskTypeFail = "fail"
	TaskTypeSlow = "slow"
	TaskTypeHang = "hang"
)

// StatusHeartbeat is sent in STATUS_UPDATE messages by idle workers.
const StatusHeartbeat = "heartbeat"

// Request is a decoded TASK_REQUEST.
type Request struct {
	TaskID   string
	TaskType string
	Data     any
	Priority string
	ReplyTo  string
}

// Handler computes a task result. A non-nil error is reported as a failure.
type Handler func(ctx context.Context, req Request) (any, error)

// Options tune a Worker.
type Options struct {
	// Model selects the simulated latency profile: "mock-fast", "mock-slow"
	// or anything else for the default.
	Model string
	// Delay, when set, replaces the model latency profile.
	Delay time.Duration
	// Acknowledge sends STATUS_UPDATE "received" before working.
	Acknowledge bool
	// HeartbeatInterval sends periodic heartbeats to the controller when set.
	HeartbeatInterval time.Duration
	Handler           Handler
}

// Worker consumes one agent's inbox until stopped.
type Worker struct {
	agentID    string
	controller string
	bus        *messagebus.Bus
	opts       Options
	logger     *logger.Logger

	handled atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// ErrAlreadyRunning is returned by Start on a running worker.
var ErrAlreadyRunning = errors.New("worker is already running")

// NewWorker creates a worker for agentID. The agent must already be
// registered on the bus.
func NewWorker(agentID, controllerID string, bus *messagebus.Bus, opts Options, log *logger.Logger) *Worker {
	if opts.Handler == nil {
		opts.Handler = EchoHandler
	}
	return &Worker{
		agentID:    agentID,
		controller: controllerID,
		bus:        bus,
		opts:       opts,
		logger:     log.WithComponent("agentsim").WithAgentID(agentID),
	}
}

// AgentID returns the id the worker serves.
func (w *Worker) AgentID() string { return w.agentID }

// Handled returns the number of task requests answered.
func (w *Worker) Handled() int64 { return w.handled.Load() }

// Start begins consuming the inbox in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyRunning
	}
	inbox, err := w.bus.Inbox(w.agentID)
	if err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx, inbox)
	return nil
}

// Stop halts the worker and waits for an in-progress task to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, inbox <-chan messagebus.AgentMessage) {
	defer w.wg.Done()

	var heartbeat <-chan time.Time
	if w.opts.HeartbeatInterval > 0 {
		t := time.NewTicker(w.opts.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				w.logger.Debug("inbox closed")
				return
			}
			w.handle(ctx, msg)
		case <-heartbeat:
			w.send(ctx, w.controller, messagebus.StatusUpdate, map[string]any{"status": StatusHeartbeat})
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg messagebus.AgentMessage) {
	switch msg.MessageType {
	case messagebus.TaskRequest:
		w.handleTask(ctx, msg)
	case messagebus.Welcome:
		w.logger.Info("welcomed", zap.String("from_agent", msg.FromAgent))
	default:
		w.logger.Debug("ignoring message",
			zap.String("message_type", string(msg.MessageType)),
			zap.String("from_agent", msg.FromAgent))
	}
}

func (w *Worker) handleTask(ctx context.Context, msg messagebus.AgentMessage) {
	req := Request{
		TaskID:   msg.String("task_id"),
		TaskType: msg.String("task_type"),
		Data:     msg.Content["data"],
		Priority: msg.String("priority"),
		ReplyTo:  msg.String("reply_to"),
	}
	if req.ReplyTo == "" {
		req.ReplyTo = msg.FromAgent
	}
	log := w.logger.WithTaskID(req.TaskID)

	if w.opts.Acknowledge {
		w.send(ctx, req.ReplyTo, messagebus.StatusUpdate, map[string]any{
			"task_id": req.TaskID,
			"status":  controller.AckReceived,
		})
	}

	if req.TaskType == TaskTypeHang {
		log.Debug("hanging on task")
		return
	}

	if !w.sleep(ctx, w.delayFor(req.TaskType)) {
		return
	}

	result, err := w.opts.Handler(ctx, req)
	content := map[string]any{"task_id": req.TaskID}
	if err != nil {
		content["status"] = controller.ResponseFailed
		content["error"] = err.Error()
	} else {
		content["status"] = controller.ResponseCompleted
		content["result"] = result
	}
	w.send(ctx, req.ReplyTo, messagebus.TaskResponse, content)
	w.handled.Add(1)
	log.Debug("task answered", zap.Any("status", content["status"]))
}

func (w *Worker) send(ctx context.Context, to string, typ messagebus.MessageType, content map[string]any) {
	_, err := w.bus.SendMessage(ctx, messagebus.AgentMessage{
		FromAgent:   w.agentID,
		ToAgent:     to,
		MessageType: typ,
		Content:     content,
		Priority:    messagebus.PriorityNormal,
	})
	if err != nil {
		w.logger.Warn("failed to send message",
			zap.String("to_agent", to),
			zap.String("message_type", string(typ)),
			zap.Error(err))
	}
}

func (w *Worker) delayFor(taskType string) time.Duration {
	d := w.opts.Delay
	if d == 0 {
		lo, hi := delayRange(w.opts.Model)
		d = time.Duration(lo+rand.IntN(hi-lo+1)) * time.Millisecond
	}
	if taskType == TaskTypeSlow {
		d *= 10
	}
	return d
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// delayRange returns min/max delay in milliseconds based on model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

// EchoHandler returns the task data, or fails for task type "fail".
func EchoHandler(_ context.Context, req Request) (any, error) {
	if req.TaskType == TaskTypeFail {
		return nil, fmt.Errorf("simulated failure for task %s", req.TaskID)
	}
	return map[string]any{
		"task_type": req.TaskType,
		"echo":      req.Data,
	}, nil
}
