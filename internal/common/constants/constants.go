// Package constants provides names and limits shared across components.
package constants

import "time"

// BroadcastTarget is the to_agent sentinel that fans a message out to every
// registered inbox.
const BroadcastTarget = "broadcast"

// DefaultControllerID is the bus id the controller receives responses on
// when none is configured.
const DefaultControllerID = "controller"

// Timeouts for various operations.
const (
	// DefaultSampleTimeout bounds a single host resource sample.
	DefaultSampleTimeout = time.Second

	// DefaultTaskTimeout is how long an ASSIGNED or RUNNING task may wait for
	// its response before it is failed.
	DefaultTaskTimeout = 5 * time.Minute

	// MaxTaskTimeout is the longest per-task timeout a caller may request.
	MaxTaskTimeout = 7 * 24 * time.Hour

	// DefaultStopGrace bounds how long the controller drains in-flight work
	// on Stop.
	DefaultStopGrace = 10 * time.Second

	// ShutdownTimeout bounds the HTTP and MCP server shutdown.
	ShutdownTimeout = 15 * time.Second

	// LaunchTimeout bounds a container launch started by StartAgent.
	LaunchTimeout = 2 * time.Minute
)
