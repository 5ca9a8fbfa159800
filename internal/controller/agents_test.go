package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/launcher"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
	"github.com/kandev/agentplane/internal/resources"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []launcher.Request
	stopped  []string
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, req launcher.Request) (launcher.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return launcher.Handle{}, l.err
	}
	l.launched = append(l.launched, req)
	return launcher.Handle{AgentID: req.AgentID, ContainerID: "c-" + req.AgentID}, nil
}

func (l *fakeLauncher) Stop(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, agentID)
	return nil
}

func (l *fakeLauncher) Close() error { return nil }

var analystTemplate = AgentTemplate{
	Name:         "Analyst",
	Role:         "analysis",
	Capabilities: []string{"analysis", "reporting"},
	Zone:         "eu-1",
	Model:        "small",
	Limits:       resources.ResourceLimit{CPUPercent: 50, MemoryMB: 2048, GPUPercent: 25},
}

func TestTemplates(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", analystTemplate))
	require.NoError(t, f.ctrl.RegisterAgentTemplate("coordinator", AgentTemplate{Capabilities: []string{"coordination"}}))

	tpl, err := f.ctrl.GetTemplate("coordinator")
	require.NoError(t, err)
	assert.Equal(t, "coordinator", tpl.ID)
	assert.Equal(t, "coordinator", tpl.Name)

	updated := analystTemplate
	updated.Model = "large"
	require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", updated))
	list := f.ctrl.ListTemplates()
	require.Len(t, list, 2)
	assert.Equal(t, "analyst", list[0].ID)
	assert.Equal(t, "large", list[0].Model)

	_, err = f.ctrl.GetTemplate("missing")
	assert.ErrorIs(t, err, apperrors.ErrUnknownTemplate)
	assert.True(t, apperrors.IsBadRequest(f.ctrl.RegisterAgentTemplate("", analystTemplate)))
	assert.True(t, apperrors.IsBadRequest(f.ctrl.RegisterAgentTemplate("empty", AgentTemplate{})))
}

func TestLoadTemplatesFile(t *testing.T) {
	f := newFixture(t, Config{})
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: analyst
    name: Analyst
    capabilities: [analysis]
    limits:
      cpu_percent: 50
      memory_mb: 2048
  - id: worker
    capabilities: [development]
    launch:
      image: ghcr.io/example/worker:latest
      env:
        MODE: batch
`), 0o600))

	n, err := f.ctrl.LoadTemplatesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	analyst, err := f.ctrl.GetTemplate("analyst")
	require.NoError(t, err)
	assert.Equal(t, resources.ResourceLimit{CPUPercent: 50, MemoryMB: 2048}, analyst.Limits)

	worker, err := f.ctrl.GetTemplate("worker")
	require.NoError(t, err)
	assert.True(t, worker.Launch.Enabled())
	assert.Equal(t, "batch", worker.Launch.Env["MODE"])

	_, err = f.ctrl.LoadTemplatesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreateAgent(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", analystTemplate))
	ctx := context.Background()

	info, err := f.ctrl.CreateAgent(ctx, "analyst", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", info.Agent.AgentID)
	assert.Equal(t, "Analyst", info.Agent.Name)
	assert.Equal(t, registry.StateIdle, info.Agent.State)
	assert.Equal(t, []string{"analysis", "reporting"}, info.Agent.Capabilities)
	assert.Equal(t, "analyst", info.TemplateID)

	limits, ok := f.res.GetAgentLimits("a1")
	require.True(t, ok)
	assert.Equal(t, analystTemplate.Limits, limits)
	assert.Equal(t, []string{"a1"}, f.bus.DiscoverAgentsByCapability("reporting"))

	_, err = f.ctrl.CreateAgent(ctx, "analyst", "a1")
	assert.ErrorIs(t, err, apperrors.ErrDuplicateAgent)

	_, err = f.ctrl.CreateAgent(ctx, "missing", "a2")
	assert.ErrorIs(t, err, apperrors.ErrUnknownTemplate)
	_, err = f.reg.Get("a2")
	assert.True(t, apperrors.IsNotFound(err))

	custom, err := f.ctrl.CreateAgent(ctx, "analyst", "",
		WithName("Night analyst"),
		WithZone("us-2"),
		WithLimits(resources.ResourceLimit{CPUPercent: 10}),
		WithExtraCapabilities("monitoring"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(custom.Agent.AgentID, "analyst-"))
	assert.Equal(t, "Night analyst", custom.Agent.Name)
	assert.Equal(t, "us-2", custom.Agent.Zone)
	assert.True(t, custom.Agent.HasCapability("monitoring"))
	assert.Equal(t, resources.ResourceLimit{CPUPercent: 10}, custom.Limits)
}

func TestStartAndStopAgent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", analystTemplate))
		_, err := f.ctrl.CreateAgent(context.Background(), "analyst", "a1")
		require.NoError(t, err)
		f.start(t)
		defer f.stop(t)
		ctx := context.Background()

		require.NoError(t, f.ctrl.StartAgent(ctx, "a1"))
		assert.Equal(t, registry.StateRunning, f.agentState(t, "a1"))
		welcome, ok := f.next(t, "a1")
		require.True(t, ok)
		assert.Equal(t, messagebus.Welcome, welcome.MessageType)
		assert.Equal(t, "analyst", welcome.String("template_id"))

		// a busy agent goes back to the state requested while it worked
		id, err := f.ctrl.AssignTask(ctx, "a1", "analysis", nil, PriorityNormal)
		require.NoError(t, err)
		synctest.Wait()
		assert.Equal(t, registry.StateBusy, f.agentState(t, "a1"))
		require.NoError(t, f.ctrl.StopAgent(ctx, "a1"))
		assert.Equal(t, registry.StateBusy, f.agentState(t, "a1"))
		f.reply(t, "a1", id, nil)
		synctest.Wait()
		assert.Equal(t, registry.StateIdle, f.agentState(t, "a1"))

		require.NoError(t, f.ctrl.StopAgent(ctx, "a1"))
		assert.Equal(t, registry.StateIdle, f.agentState(t, "a1"))

		assert.ErrorIs(t, f.ctrl.StartAgent(ctx, "nobody"), apperrors.ErrUnknownAgent)
		require.NoError(t, f.ctrl.TerminateAgent(ctx, "a1"))
		assert.ErrorIs(t, f.ctrl.StartAgent(ctx, "a1"), apperrors.ErrAgentUnavailable)
		assert.ErrorIs(t, f.ctrl.StopAgent(ctx, "a1"), apperrors.ErrAgentUnavailable)
	})
}

func TestTerminateAgentFailsItsTasks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Config{})
		f.addAgent(t, "a1", "analysis")
		f.start(t)
		defer f.stop(t)
		ctx := context.Background()

		inflight, _ := f.ctrl.AssignTask(ctx, "a1", "analysis", nil, PriorityNormal)
		pending, _ := f.ctrl.AssignTask(ctx, "a1", "analysis", nil, PriorityNormal)
		synctest.Wait()
		f.res.SetAgentLimits("a1", resources.ResourceLimit{MemoryMB: 512})

		require.NoError(t, f.ctrl.TerminateAgent(ctx, "a1"))
		synctest.Wait()

		for _, id := range []string{inflight, pending} {
			task := f.status(t, id)
			assert.Equal(t, StatusFailed, task.Status)
			assert.True(t, strings.HasPrefix(task.Reason, "AgentUnavailable"), task.Reason)
		}
		assert.Equal(t, registry.StateTerminated, f.agentState(t, "a1"))
		assert.Empty(t, f.bus.DiscoverAgentsByCapability("analysis"))
		_, ok := f.res.GetAgentLimits("a1")
		assert.True(t, ok, "limits outlive the agent")

		// terminating twice is harmless
		require.NoError(t, f.ctrl.TerminateAgent(ctx, "a1"))
	})
}

func TestStartAgentLaunchesTemplateProcess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fl := &fakeLauncher{}
		f := newFixture(t, Config{}, WithLauncher(fl))
		tpl := analystTemplate
		tpl.Launch = launcher.Config{Image: "ghcr.io/example/analyst:1"}
		require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", tpl))
		require.NoError(t, f.ctrl.RegisterAgentTemplate("plain", AgentTemplate{Capabilities: []string{"analysis"}}))
		ctx := context.Background()
		_, err := f.ctrl.CreateAgent(ctx, "analyst", "a1")
		require.NoError(t, err)
		_, err = f.ctrl.CreateAgent(ctx, "plain", "p1")
		require.NoError(t, err)
		f.start(t)
		defer f.stop(t)

		require.NoError(t, f.ctrl.StartAgent(ctx, "a1"))
		require.NoError(t, f.ctrl.StartAgent(ctx, "a1"))
		require.NoError(t, f.ctrl.StartAgent(ctx, "p1"))
		require.Len(t, fl.launched, 1)
		assert.Equal(t, "a1", fl.launched[0].AgentID)
		assert.Equal(t, f.ctrl.ID(), fl.launched[0].ReplyTo)
		assert.Equal(t, analystTemplate.Limits, fl.launched[0].Limits)

		status, err := f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		require.NotNil(t, status.Launched)
		assert.Equal(t, "c-a1", status.Launched.ContainerID)

		require.NoError(t, f.ctrl.TerminateAgent(ctx, "a1"))
		assert.Equal(t, []string{"a1"}, fl.stopped)
	})
}

func TestReRegisteredAgentStartsClean(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fl := &fakeLauncher{}
		f := newFixture(t, Config{}, WithLauncher(fl))
		tpl := analystTemplate
		tpl.Launch = launcher.Config{Image: "ghcr.io/example/analyst:1"}
		require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", tpl))
		ctx := context.Background()
		_, err := f.ctrl.CreateAgent(ctx, "analyst", "a1")
		require.NoError(t, err)
		f.start(t)
		defer f.stop(t)

		require.NoError(t, f.ctrl.StartAgent(ctx, "a1"))
		welcome, ok := f.next(t, "a1")
		require.True(t, ok)
		require.Equal(t, messagebus.Welcome, welcome.MessageType)
		id, err := f.ctrl.AssignTask(ctx, "a1", "analysis", nil, PriorityNormal)
		require.NoError(t, err)
		synctest.Wait()
		f.taskRequest(t, "a1")
		f.reply(t, "a1", id, nil)
		synctest.Wait()

		old, err := f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		require.NotNil(t, old.LastTask)
		require.NotNil(t, old.Launched)

		require.NoError(t, f.reg.Deregister("a1"))
		f.bus.UnregisterAgent("a1")
		f.addAgent(t, "a1", "analysis")

		status, err := f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		assert.Empty(t, status.TemplateID)
		assert.Nil(t, status.LastTask)
		assert.Nil(t, status.Launched)

		require.NoError(t, f.reg.Deregister("a1"))
		f.bus.UnregisterAgent("a1")
		_, err = f.ctrl.CreateAgent(ctx, "analyst", "a1")
		require.NoError(t, err)
		status, err = f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		assert.Equal(t, "analyst", status.TemplateID)
		assert.Nil(t, status.LastTask)
		assert.Nil(t, status.Launched)
	})
}

func TestStartAgentLaunchFailureRevertsState(t *testing.T) {
	fl := &fakeLauncher{err: errors.New("no docker")}
	f := newFixture(t, Config{}, WithLauncher(fl))
	tpl := analystTemplate
	tpl.Launch = launcher.Config{Image: "ghcr.io/example/analyst:1"}
	require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", tpl))
	_, err := f.ctrl.CreateAgent(context.Background(), "analyst", "a1")
	require.NoError(t, err)

	err = f.ctrl.StartAgent(context.Background(), "a1")
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, registry.StateIdle, f.agentState(t, "a1"))
}

func TestGetAgentStatus(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.ctrl.RegisterAgentTemplate("analyst", analystTemplate))
		_, err := f.ctrl.CreateAgent(context.Background(), "analyst", "a1")
		require.NoError(t, err)
		f.addAgent(t, "bare", "analysis")
		f.start(t)
		defer f.stop(t)

		first, _ := f.ctrl.AssignTask(context.Background(), "a1", "analysis", nil, PriorityNormal)
		synctest.Wait()
		status, err := f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		assert.Equal(t, "analyst", status.TemplateID)
		assert.Equal(t, registry.StateBusy, status.Agent.State)
		require.NotNil(t, status.CurrentTask)
		assert.Equal(t, first, status.CurrentTask.TaskID)
		require.NotNil(t, status.Limits)
		assert.Equal(t, analystTemplate.Limits, *status.Limits)
		assert.Equal(t, 1, status.PendingMessages)

		f.taskRequest(t, "a1")
		f.reply(t, "a1", first, nil)
		synctest.Wait()
		status, err = f.ctrl.GetAgentStatus("a1")
		require.NoError(t, err)
		assert.Nil(t, status.CurrentTask)
		require.NotNil(t, status.LastTask)
		assert.Equal(t, StatusCompleted, status.LastTask.Status)
		assert.Equal(t, 0, status.PendingMessages)

		bare, err := f.ctrl.GetAgentStatus("bare")
		require.NoError(t, err)
		assert.Nil(t, bare.Limits)
		assert.Nil(t, bare.LastTask)

		_, err = f.ctrl.GetAgentStatus("nobody")
		assert.ErrorIs(t, err, apperrors.ErrUnknownAgent)
	})
}
