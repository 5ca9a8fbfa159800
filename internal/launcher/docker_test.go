package launcher

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/resources"
)

type fakeDocker struct {
	mu       sync.Mutex
	pullErr  error
	startErr error
	created  []*container.Config
	hosts    []*container.HostConfig
	names    []string
	started  []string
	stopped  []string
	removed  []string
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.hosts = append(f.hosts, host)
	f.names = append(f.names, name)
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }
func (f *fakeDocker) Close() error                           { return nil }

func newTestLauncher(f *fakeDocker) *DockerLauncher {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return newDockerLauncher(f, "agents-net", log)
}

func TestLaunchCreatesAndStartsContainer(t *testing.T) {
	f := &fakeDocker{pullErr: errors.New("offline")}
	l := newTestLauncher(f)

	h, err := l.Launch(context.Background(), Request{
		AgentID: "a1",
		ReplyTo: "controller",
		Config:  Config{Image: "agents/analyst:1", Env: map[string]string{"B": "2", "A": "1"}},
		Limits:  resources.ResourceLimit{CPUPercent: 50, MemoryMB: 512},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-agentplane-a1", h.ContainerID)

	require.Len(t, f.created, 1)
	assert.Equal(t, "agents/analyst:1", f.created[0].Image)
	assert.Equal(t, []string{"AGENTPLANE_AGENT_ID=a1", "AGENTPLANE_REPLY_TO=controller", "A=1", "B=2"}, f.created[0].Env)
	assert.Equal(t, "a1", f.created[0].Labels[labelAgentID])
	assert.Equal(t, container.NetworkMode("agents-net"), f.hosts[0].NetworkMode)
	assert.Equal(t, int64(512*1024*1024), f.hosts[0].Resources.Memory)
	assert.Equal(t, int64(50000), f.hosts[0].Resources.CPUQuota)
	assert.Equal(t, []string{"c-agentplane-a1"}, f.started)

	again, err := l.Launch(context.Background(), Request{AgentID: "a1", Config: Config{Image: "agents/analyst:1"}})
	require.NoError(t, err)
	assert.Equal(t, h, again)
	assert.Len(t, f.created, 1)
}

func TestLaunchWithoutImageIsNoop(t *testing.T) {
	f := &fakeDocker{}
	l := newTestLauncher(f)

	h, err := l.Launch(context.Background(), Request{AgentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, h.ContainerID)
	assert.Empty(t, f.created)
}

func TestLaunchStartFailureRemovesContainer(t *testing.T) {
	f := &fakeDocker{startErr: errors.New("no cgroups")}
	l := newTestLauncher(f)

	_, err := l.Launch(context.Background(), Request{AgentID: "a1", Config: Config{Image: "img"}})
	require.Error(t, err)
	assert.Equal(t, []string{"c-agentplane-a1"}, f.removed)
}

func TestStop(t *testing.T) {
	f := &fakeDocker{}
	l := newTestLauncher(f)

	require.NoError(t, l.Stop(context.Background(), "never-launched"))
	assert.Empty(t, f.stopped)

	_, err := l.Launch(context.Background(), Request{AgentID: "a1", Config: Config{Image: "img"}})
	require.NoError(t, err)
	require.NoError(t, l.Stop(context.Background(), "a1"))
	assert.Equal(t, []string{"c-agentplane-a1"}, f.stopped)
	assert.Equal(t, []string{"c-agentplane-a1"}, f.removed)
}
