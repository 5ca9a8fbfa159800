package launcher

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
)

const (
	labelAgentID     = "agentplane.agent_id"
	stopTimeout      = 10 * time.Second
	cpuPeriod        = 100000
	bytesPerMegabyte = 1024 * 1024
)

// containerAPI is the part of the Docker client the launcher uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerLauncher runs each agent in its own container.
type DockerLauncher struct {
	cli            containerAPI
	defaultNetwork string
	logger         *logger.Logger

	mu         sync.Mutex
	containers map[string]string // agent id -> container id
}

// NewDockerLauncher connects to the Docker daemon described by cfg.
func NewDockerLauncher(cfg config.DockerConfig, log *logger.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker launcher created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))
	return newDockerLauncher(cli, cfg.DefaultNetwork, log), nil
}

func newDockerLauncher(cli containerAPI, defaultNetwork string, log *logger.Logger) *DockerLauncher {
	return &DockerLauncher{
		cli:            cli,
		defaultNetwork: defaultNetwork,
		logger:         log.WithComponent("launcher"),
		containers:     make(map[string]string),
	}
}

// Ping checks that the daemon answers.
func (d *DockerLauncher) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Launch pulls the image, then creates and starts the agent's container.
// A failed pull is logged and the create is attempted with a local image.
func (d *DockerLauncher) Launch(ctx context.Context, req Request) (Handle, error) {
	if !req.Config.Enabled() {
		return Handle{AgentID: req.AgentID}, nil
	}

	d.mu.Lock()
	if id, ok := d.containers[req.AgentID]; ok {
		d.mu.Unlock()
		return Handle{AgentID: req.AgentID, ContainerID: id}, nil
	}
	d.mu.Unlock()

	if err := d.pull(ctx, req.Config.Image); err != nil {
		d.logger.Warn("image pull failed, trying local image", zap.String("image", req.Config.Image), zap.Error(err))
	}

	networkMode := req.Config.Network
	if networkMode == "" {
		networkMode = d.defaultNetwork
	}

	containerCfg := &container.Config{
		Image:  req.Config.Image,
		Cmd:    req.Config.Command,
		Env:    buildEnv(req),
		Labels: map[string]string{labelAgentID: req.AgentID},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		Resources:   containerResources(req),
	}

	name := "agentplane-" + req.AgentID
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	d.mu.Lock()
	d.containers[req.AgentID] = resp.ID
	d.mu.Unlock()

	d.logger.Info("agent container started",
		zap.String("agent_id", req.AgentID),
		zap.String("container_id", resp.ID),
		zap.String("image", req.Config.Image))
	return Handle{AgentID: req.AgentID, ContainerID: resp.ID}, nil
}

// Stop stops and removes the agent's container, if it has one.
func (d *DockerLauncher) Stop(ctx context.Context, agentID string) error {
	d.mu.Lock()
	id, ok := d.containers[agentID]
	delete(d.containers, agentID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	secs := int(stopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		d.logger.Warn("failed to stop container", zap.String("container_id", id), zap.Error(err))
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	d.logger.Info("agent container removed", zap.String("agent_id", agentID), zap.String("container_id", id))
	return nil
}

// Close releases the Docker client.
func (d *DockerLauncher) Close() error {
	return d.cli.Close()
}

func (d *DockerLauncher) pull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func buildEnv(req Request) []string {
	env := make([]string, 0, len(req.Config.Env)+2)
	env = append(env, "AGENTPLANE_AGENT_ID="+req.AgentID)
	if req.ReplyTo != "" {
		env = append(env, "AGENTPLANE_REPLY_TO="+req.ReplyTo)
	}
	keys := make([]string, 0, len(req.Config.Env))
	for k := range req.Config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Config.Env[k])
	}
	return env
}

// containerResources maps a ResourceLimit onto cgroup settings. CPU percent
// is read as a share of one core.
func containerResources(req Request) container.Resources {
	var r container.Resources
	if req.Limits.MemoryMB > 0 {
		r.Memory = req.Limits.MemoryMB * bytesPerMegabyte
	}
	if req.Limits.CPUPercent > 0 {
		r.CPUPeriod = cpuPeriod
		r.CPUQuota = int64(req.Limits.CPUPercent / 100 * cpuPeriod)
	}
	return r
}
