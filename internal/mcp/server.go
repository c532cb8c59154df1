// Package mcp exposes the workflow and job services as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"workflow-api/internal/repository"
	"workflow-api/internal/services"
	"workflow-api/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	workflows services.WorkflowManager
	jobs      services.JobManager
}

func NewServer(workflows services.WorkflowManager, jobs services.JobManager, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"workflow-api",
			version,
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
		jobs:      jobs,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

var taskSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"body":     map[string]any{"type": "string", "description": "function(job, cb) { ... } or native:<name>"},
		"fallback": map[string]any{"type": "string"},
	},
	"required": []string{"body"},
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List every workflow definition"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Fetch one workflow definition"),
			mcp.WithString("uuid", mcp.Required(), mcp.Description("The uuid of the workflow")),
		),
		s.handleGetWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_workflow",
			mcp.WithDescription("Validate, compile and store a workflow"),
			mcp.WithString("name", mcp.Description("Optional label")),
			mcp.WithString("uuid", mcp.Description("Optional identifier; generated when absent")),
			mcp.WithNumber("timeout", mcp.Description("Optional timeout in seconds")),
			mcp.WithArray("chain", mcp.Description("Ordered tasks"), mcp.Items(taskSchema)),
			mcp.WithArray("onerror", mcp.Description("Tasks run when the chain fails"), mcp.Items(taskSchema)),
		),
		s.handleCreateWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"delete_workflow",
			mcp.WithDescription("Delete a workflow definition"),
			mcp.WithString("uuid", mcp.Required(), mcp.Description("The uuid of the workflow")),
		),
		s.handleDeleteWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_job",
			mcp.WithDescription("Record a job over a snapshot of a workflow"),
			mcp.WithString("workflow_uuid", mcp.Required(), mcp.Description("The workflow to instantiate")),
			mcp.WithString("name", mcp.Description("Optional label")),
			mcp.WithObject("params", mcp.Description("Free-form job parameters")),
		),
		s.handleCreateJob,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_job",
			mcp.WithDescription("Fetch one job with its workflow snapshot"),
			mcp.WithString("uuid", mcp.Required(), mcp.Description("The uuid of the job")),
		),
		s.handleGetJob,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.workflows.List(ctx)
	if err != nil {
		return toolError("list workflows", err), nil
	}
	return jsonResult(workflows), nil
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("uuid")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: uuid"), nil
	}

	workflow, err := s.workflows.Get(ctx, id)
	if err != nil {
		return toolError("get workflow", err), nil
	}
	return jsonResult(workflow), nil
}

func (s *Server) handleCreateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	// Round trip through JSON so task sources decode exactly as over HTTP.
	data, err := json.Marshal(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	var input struct {
		UUID    string        `json:"uuid"`
		Name    string        `json:"name"`
		Timeout *float64      `json:"timeout"`
		Chain   []models.Task `json:"chain"`
		OnError []models.Task `json:"onerror"`
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid workflow: %v", err)), nil
	}

	workflow, err := s.workflows.Create(ctx, &models.Workflow{
		UUID:    input.UUID,
		Name:    input.Name,
		Timeout: input.Timeout,
		Chain:   input.Chain,
		OnError: input.OnError,
	})
	if err != nil {
		return toolError("create workflow", err), nil
	}
	return jsonResult(workflow), nil
}

func (s *Server) handleDeleteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("uuid")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: uuid"), nil
	}

	if err := s.workflows.Delete(ctx, id, repository.AnyVersion); err != nil {
		return toolError("delete workflow", err), nil
	}
	return mcp.NewToolResultText("Workflow deleted"), nil
}

func (s *Server) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_uuid")
	if err != nil || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_uuid"), nil
	}
	params, _ := request.GetArguments()["params"].(map[string]any)

	job, err := s.jobs.Create(ctx, services.CreateJobRequest{
		Name:         request.GetString("name", ""),
		WorkflowUUID: workflowID,
		Params:       params,
	})
	if err != nil {
		return toolError("create job", err), nil
	}
	return jsonResult(job), nil
}

func (s *Server) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("uuid")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: uuid"), nil
	}

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return toolError("get job", err), nil
	}
	return jsonResult(job), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

// toolError reports err to the model. Backend details stay out of the
// message the same way they stay out of HTTP problem documents.
func toolError(op string, err error) *mcp.CallToolResult {
	var ie *services.InternalError
	if errors.As(err, &ie) {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %s", op, ie.Op))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", op, err))
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
