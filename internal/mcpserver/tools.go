package mcpserver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/errors"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/orchestrator"
)

const toolCount = 6

func registerTools(s *server.MCPServer, orch *orchestrator.Orchestrator, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents. Use this first to get agent IDs for other operations."),
			mcp.WithString("capability",
				mcp.Description("Only return agents advertising this capability"),
			),
		),
		listAgentsHandler(orch),
	)

	s.AddTool(
		mcp.NewTool("get_agent_status",
			mcp.WithDescription("Get an agent's state, limits, current task and pending message count."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID"),
			),
		),
		getAgentStatusHandler(orch),
	)

	s.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Queue a task for an agent, or for any agent with a capability. Exactly one of agent_id and capability must be set."),
			mcp.WithString("agent_id",
				mcp.Description("Target agent ID"),
			),
			mcp.WithString("capability",
				mcp.Description("Target capability; the least busy matching agent is chosen"),
			),
			mcp.WithString("task_type",
				mcp.Required(),
				mcp.Description("Task type understood by the agent"),
			),
			mcp.WithString("priority",
				mcp.Description("LOW, NORMAL, HIGH or URGENT (default NORMAL)"),
			),
			mcp.WithString("data",
				mcp.Description("Task payload as a JSON document"),
			),
		),
		assignTaskHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a task's status, result and transition history."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID returned by assign_task"),
			),
		),
		getTaskHandler(orch),
	)

	s.AddTool(
		mcp.NewTool("get_system_usage",
			mcp.WithDescription("Sample current host CPU, memory and GPU usage."),
		),
		getSystemUsageHandler(orch),
	)

	s.AddTool(
		mcp.NewTool("publish_to_topic",
			mcp.WithDescription("Publish a message to every agent subscribed to a topic."),
			mcp.WithString("topic",
				mcp.Required(),
				mcp.Description("Topic name"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Message content as a JSON document or plain text"),
			),
		),
		publishHandler(orch, log),
	)

	log.Info("registered MCP tools", zap.Int("count", toolCount))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

// errorResult reports err to the client. Only internal failures are logged.
func errorResult(log *logger.Logger, msg string, err error) *mcp.CallToolResult {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.HTTPStatus >= 500 && log != nil {
			log.Error(msg, zap.Error(err))
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", appErr.Code, appErr.Message))
	}
	if log != nil {
		log.Error(msg, zap.Error(err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

// parseJSONArg decodes raw as JSON, falling back to the plain string.
func parseJSONArg(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func listAgentsHandler(orch *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reg := orch.Registry()
		agents := reg.ListAgents()
		if capability := req.GetString("capability", ""); capability != "" {
			agents = reg.FindAgentsByCapability(capability)
		}
		return jsonResult(map[string]any{"agents": agents, "total": len(agents)})
	}
}

func getAgentStatusHandler(orch *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := orch.Controller().GetAgentStatus(agentID)
		if err != nil {
			return errorResult(nil, "failed to get agent status", err), nil
		}
		return jsonResult(status)
	}
}

func assignTaskHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskType, err := req.RequireString("task_type")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		priority, err := controller.ParsePriority(req.GetString("priority", ""))
		if err != nil {
			return errorResult(log, "invalid priority", err), nil
		}

		ctrl := orch.Controller()
		taskID, err := ctrl.AssignTaskWithOptions(ctx, controller.TaskRequest{
			AgentID:    req.GetString("agent_id", ""),
			Capability: req.GetString("capability", ""),
			TaskType:   taskType,
			Data:       parseJSONArg(req.GetString("data", "")),
			Priority:   priority,
		})
		if err != nil {
			return errorResult(log, "failed to assign task", err), nil
		}

		task, err := ctrl.GetTask(taskID)
		if err != nil {
			return errorResult(log, "failed to read task", err), nil
		}
		return jsonResult(map[string]any{"task_id": taskID, "status": task.Status})
	}
}

func getTaskHandler(orch *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := orch.Controller().GetTask(taskID)
		if err != nil {
			return errorResult(nil, "failed to get task", err), nil
		}
		return jsonResult(task)
	}
}

func getSystemUsageHandler(orch *orchestrator.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := orch.Resources()
		return jsonResult(map[string]any{
			"usage":     res.GetSystemUsage(ctx),
			"resources": res.SystemResources(),
		})
	}
}

func publishHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := orch.Bus().PublishToTopic(ctx, topic, parseJSONArg(content))
		if err != nil {
			return errorResult(log, "failed to publish", err), nil
		}
		return jsonResult(result)
	}
}
