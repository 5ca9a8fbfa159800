package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/orchestrator"
)

const stopTimeout = 5 * time.Second

// Provide starts the MCP server and returns a cleanup function to stop it.
// The cleanup function is safe to call more than once.
func Provide(ctx context.Context, cfg Config, orch *orchestrator.Orchestrator, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, orch, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}
