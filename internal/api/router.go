package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/orchestrator"
)

const serverName = "agentplane-api"

// SetupRoutes configures the API routes
func SetupRoutes(router *gin.RouterGroup, orch *orchestrator.Orchestrator, log *logger.Logger) {
	handler := NewHandler(orch, log)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("", handler.CreateAgent)
		agents.GET("/:id/status", handler.GetAgentStatus)
		agents.POST("/:id/start", handler.StartAgent)
		agents.POST("/:id/stop", handler.StopAgent)
		agents.DELETE("/:id", handler.TerminateAgent)
		agents.POST("/:id/heartbeat", handler.Heartbeat)
		agents.GET("/:id/limits", handler.GetAgentLimits)
		agents.PUT("/:id/limits", handler.SetAgentLimits)
	}

	router.GET("/system/usage", handler.GetSystemUsage)
	router.GET("/system/resources", handler.GetSystemResources)

	templates := router.Group("/templates")
	{
		templates.GET("", handler.ListTemplates)
		templates.POST("", handler.RegisterTemplate)
		templates.POST("/:id/agents", handler.CreateAgentFromTemplate)
	}

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.AssignTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:id", handler.GetTask)
	}
	router.GET("/queue", handler.GetQueueStatus)

	router.POST("/messages", handler.SendMessage)
	router.GET("/messages/history", handler.GetMessageHistory)
	router.POST("/topics/:topic", handler.PublishToTopic)
	router.POST("/topics/:topic/subscribers", handler.SubscribeToTopic)

	router.GET("/events/ws", handler.StreamEvents)
}

// NewRouter builds the gin engine with middleware, /health and /api/v1.
func NewRouter(orch *orchestrator.Orchestrator, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(OtelTracing(serverName))
	router.Use(RequestLogger(log, serverName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"controller": orch.Controller().IsRunning(),
			"events":     orch.Events().IsConnected(),
		})
	})

	SetupRoutes(router.Group("/api/v1"), orch, log)
	return router
}
