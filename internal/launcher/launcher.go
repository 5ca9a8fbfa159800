// Package launcher starts and stops the external processes behind agents.
// The controller decides which template and limits apply; a Launcher only
// carries the decision out.
package launcher

import (
	"context"

	"github.com/kandev/agentplane/internal/resources"
)

// Config is the launch part of an agent template.
type Config struct {
	Image   string            `json:"image,omitempty" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Network string            `json:"network,omitempty" yaml:"network"`
}

// Enabled reports whether there is anything to launch.
func (c Config) Enabled() bool {
	return c.Image != ""
}

// Request asks for one agent process.
type Request struct {
	AgentID string
	Config  Config
	Limits  resources.ResourceLimit
	// ReplyTo is the bus id the agent should answer task requests on.
	ReplyTo string
}

// Handle identifies a launched process.
type Handle struct {
	AgentID     string `json:"agent_id"`
	ContainerID string `json:"container_id,omitempty"`
}

// Launcher spawns agent processes.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Handle, error)
	Stop(ctx context.Context, agentID string) error
	Close() error
}

// Noop satisfies Launcher without spawning anything.
type Noop struct{}

func (Noop) Launch(_ context.Context, req Request) (Handle, error) {
	return Handle{AgentID: req.AgentID}, nil
}

func (Noop) Stop(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }
