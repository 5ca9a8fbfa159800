// Package mcpserver exposes orchestrator operations as MCP tools.
// It serves both the SSE and the Streamable HTTP transports on one port.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/orchestrator"
)

const (
	serverName    = "agentplane-mcp"
	serverVersion = "1.0.0"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("mcp server already running")

// Config holds the MCP server configuration.
type Config struct {
	Port int // 0 picks a free port
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management:
// - SSE transport (/sse, /message)
// - Streamable HTTP transport (/mcp)
type Server struct {
	cfg                  Config
	orch                 *orchestrator.Orchestrator
	mcp                  *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server backed by orch. Tools are registered
// immediately so they can be called before Start.
func New(cfg Config, orch *orchestrator.Orchestrator, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		logger: log.WithComponent("mcp-server"),
	}
	s.mcp = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true))
	registerTools(s.mcp, orch, s.logger)
	return s
}

// MCP returns the underlying tool server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Start listens on the configured port and serves in a goroutine. It
// returns once the listener is open.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	s.sseServer = server.NewSSEServer(s.mcp)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		_ = listener.Close()
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
	}
	if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
	}
	return nil
}

// Port returns the bound port once Start has returned.
func (s *Server) Port() int {
	return s.cfg.Port
}

// SSEEndpoint returns the full SSE URL.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
