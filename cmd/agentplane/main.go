// Package main is the entry point for the agentplane service. It starts the
// orchestrator, the HTTP API and, when enabled, the MCP tool server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentplane/internal/api"
	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/constants"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
	"github.com/kandev/agentplane/internal/mcpserver"
	"github.com/kandev/agentplane/internal/orchestrator"
)

var configPathFlag = flag.String("config", "", "Directory containing config.yaml")

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("agentplane exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting agentplane...",
		zap.String("database", cfg.Database.Driver),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("docker", cfg.Docker.Enabled),
		zap.Bool("mcp", cfg.MCP.Enabled))

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		_ = orch.Stop(context.Background())
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(orch, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	stopMCP := func() error { return nil }
	if cfg.MCP.Enabled {
		srv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, orch, log)
		if err != nil {
			_ = orch.Stop(context.Background())
			return fmt.Errorf("start MCP server: %w", err)
		}
		stopMCP = cleanup
		log.Info("MCP server started",
			zap.String("sse_endpoint", srv.SSEEndpoint()),
			zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down agentplane...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if err := stopMCP(); err != nil {
			errs = append(errs, fmt.Errorf("mcp server shutdown: %w", err))
		}
		if err := orch.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator stop: %w", err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("agentplane stopped")
	return err
}
