package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/events"
	"github.com/kandev/agentplane/internal/events/bus"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/persistence"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

const templatesYAML = `
templates:
  - id: analyst
    name: Analyst
    capabilities: [analysis]
    model: mock-fast
    limits:
      cpu_percent: 50
      memory_mb: 2048
      gpu_percent: 25
  - id: coordinator
    capabilities: [coordination]
    model: mock-fast
`

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func testConfig(t *testing.T, demo ...config.DemoAgent) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(templatesYAML), 0o644))
	return &config.Config{
		Bus: config.BusConfig{
			InboxCapacity:     64,
			DefaultTTLSeconds: 3600,
			HistoryLimit:      100,
		},
		Controller: config.ControllerConfig{
			ID:                    "controller",
			TaskTimeoutSeconds:    30,
			PendingTimeoutSeconds: 60,
			SweepIntervalMs:       100,
			StopGraceSeconds:      1,
			AckMode:               "delivery",
		},
		Resources:   config.ResourcesConfig{SampleTimeoutMs: 500},
		Templates:   config.TemplatesConfig{File: path},
		Database:    config.DatabaseConfig{Driver: "memory"},
		Maintenance: config.MaintenanceConfig{EvictionSchedule: "@every 1m"},
		Demo:        config.DemoConfig{Agents: demo},
	}
}

func fakeSampler() *resources.FakeSampler {
	return resources.NewFakeSampler(
		resources.SystemResources{CPUCores: 8, MemoryTotalMB: 16384},
		resources.SystemUsage{CPUPercent: 5, MemoryMB: 512},
	)
}

func newOrchestrator(t *testing.T, store persistence.Store, demo ...config.DemoAgent) *Orchestrator {
	t.Helper()
	if store == nil {
		store = persistence.NoopStore{}
	}
	o, err := New(testConfig(t, demo...), newTestLogger(), WithSampler(fakeSampler()), WithStore(store))
	require.NoError(t, err)
	return o
}

var demoAgents = []config.DemoAgent{
	{Template: "analyst", ID: "a1"},
	{Template: "coordinator", ID: "a2"},
}

func TestCapabilityDiscovery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t, nil, demoAgents...)
		require.NoError(t, o.Start(context.Background()))
		defer func() { require.NoError(t, o.Stop(context.Background())) }()

		ids := func(recs []registry.AgentRecord) []string {
			out := make([]string, 0, len(recs))
			for _, r := range recs {
				out = append(out, r.AgentID)
			}
			return out
		}
		assert.Equal(t, []string{"a1"}, ids(o.Registry().FindAgentsByCapability("analysis")))
		assert.Equal(t, []string{"a2"}, ids(o.Registry().FindAgentsByCapability("coordination")))
	})
}

func TestTemplateLimitsApplied(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t, nil, demoAgents...)
		require.NoError(t, o.Start(context.Background()))
		defer func() { require.NoError(t, o.Stop(context.Background())) }()

		limits, ok := o.Resources().GetAgentLimits("a1")
		require.True(t, ok)
		assert.Equal(t, resources.ResourceLimit{CPUPercent: 50, MemoryMB: 2048, GPUPercent: 25}, limits)

		_, ok = o.Resources().GetAgentLimits("unknown")
		assert.False(t, ok)
	})
}

func TestTaskRoundTripWithSimulatedAgent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := persistence.NewMemoryStore()
		o := newOrchestrator(t, store, demoAgents...)
		require.NoError(t, o.Start(context.Background()))
		defer func() { require.NoError(t, o.Stop(context.Background())) }()

		ctrl := o.Controller()
		id, err := ctrl.AssignTask(context.Background(), "a1", "analysis", map[string]any{"doc": "q3"}, controller.PriorityHigh)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		task, err := ctrl.GetTask(id)
		require.NoError(t, err)
		assert.Contains(t, []controller.TaskStatus{controller.StatusPending, controller.StatusAssigned, controller.StatusRunning}, task.Status)

		time.Sleep(time.Second)
		synctest.Wait()

		task, err = ctrl.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, controller.StatusCompleted, task.Status)
		assert.Equal(t, map[string]any{"task_type": "analysis", "echo": map[string]any{"doc": "q3"}}, task.Result)

		saved, ok := store.Task(id)
		require.True(t, ok, "task snapshots are persisted")
		assert.Equal(t, controller.StatusCompleted, saved.Status)
		agent, ok := store.Agent("a1")
		require.True(t, ok)
		assert.Equal(t, registry.StateRunning, agent.State)
	})
}

func TestDeregisteredAgentFailsTask(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t, nil)
		require.NoError(t, o.Start(context.Background()))
		defer func() { require.NoError(t, o.Stop(context.Background())) }()

		require.NoError(t, o.Registry().RegisterAgent(registry.AgentRecord{AgentID: "a1", Name: "a1", Capabilities: []string{"analysis"}}))
		require.NoError(t, o.Bus().RegisterAgent("a1", []string{"analysis"}))

		id, err := o.Controller().AssignTask(context.Background(), "a1", "analysis", nil, controller.PriorityNormal)
		require.NoError(t, err)
		synctest.Wait()

		require.NoError(t, o.Registry().Deregister("a1"))
		time.Sleep(31 * time.Second)
		synctest.Wait()

		task, err := o.Controller().GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, controller.StatusFailed, task.Status)
		assert.True(t, strings.HasPrefix(task.Reason, "AgentUnavailable"), task.Reason)
	})
}

func TestChangeEventsArePublished(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t, nil)

		var mu sync.Mutex
		var subjects []string
		_, err := o.Events().Subscribe(events.AllEvents, func(_ context.Context, ev *bus.Event) error {
			mu.Lock()
			subjects = append(subjects, ev.Type)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, o.Start(context.Background()))
		require.NoError(t, o.Registry().RegisterAgent(registry.AgentRecord{AgentID: "a1", Name: "a1", Capabilities: []string{"analysis"}}))
		_, err = o.Controller().AssignTask(context.Background(), "a1", "analysis", nil, controller.PriorityNormal)
		require.NoError(t, err)
		synctest.Wait()

		mu.Lock()
		got := append([]string(nil), subjects...)
		mu.Unlock()
		assert.Contains(t, got, events.AgentRegistered)
		assert.Contains(t, got, events.TaskCreated)
		assert.Contains(t, got, events.TaskStateChanged)

		require.NoError(t, o.Stop(context.Background()))
	})
}

func TestBroadcastReachesEveryInbox(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t, nil)
		require.NoError(t, o.Start(context.Background()))
		defer func() { require.NoError(t, o.Stop(context.Background())) }()

		for _, id := range []string{"a1", "a2", "a3"} {
			require.NoError(t, o.Bus().RegisterAgent(id, nil))
		}
		res, err := o.Bus().SendMessage(context.Background(), messagebus.AgentMessage{
			FromAgent:   "a1",
			ToAgent:     messagebus.Broadcast,
			MessageType: messagebus.Coordination,
			Content:     map[string]any{"note": "sync"},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"controller", "a1", "a2", "a3"}, res.DeliveredTo)
		assert.Empty(t, res.Failed)
	})
}

func TestInstancesAreIndependent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		first := newOrchestrator(t, nil, demoAgents...)
		second := newOrchestrator(t, nil)
		require.NoError(t, first.Start(context.Background()))
		require.NoError(t, second.Start(context.Background()))

		assert.Len(t, first.Registry().ListAgents(), 2)
		assert.Empty(t, second.Registry().ListAgents())

		require.NoError(t, first.Stop(context.Background()))
		require.NoError(t, second.Stop(context.Background()))
	})
}

func TestStartStopLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := persistence.NewMemoryStore()
		o := newOrchestrator(t, store)
		require.NoError(t, o.Start(context.Background()))
		assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)

		require.NoError(t, o.Stop(context.Background()))
		require.NoError(t, o.Stop(context.Background()))
		assert.ErrorIs(t, o.Start(context.Background()), ErrStopped)
		assert.True(t, store.Closed())
		assert.False(t, o.Controller().IsRunning())
	})
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.EvictionSchedule = "whenever"
	_, err := New(cfg, newTestLogger(), WithSampler(fakeSampler()), WithStore(persistence.NewMemoryStore()))
	assert.Error(t, err)
}

func TestNewRejectsMissingTemplatesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Templates.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, newTestLogger(), WithSampler(fakeSampler()), WithStore(persistence.NewMemoryStore()))
	assert.Error(t, err)
}
