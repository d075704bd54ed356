package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avelara/machina/internal/diagram"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/pkg/schema"
)

// notifyWaitLimit bounds how long a completion watcher stays alive.
const notifyWaitLimit = 24 * time.Hour

// handleCreateWorkflow validates and registers a workflow spec.
func (s *MachinaServer) handleCreateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specRaw := mcp.ParseStringMap(req, "spec", nil)
	if specRaw == nil {
		return mcp.NewToolResultError("spec is required"), nil
	}

	specBytes, err := json.Marshal(specRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}
	var spec schema.WorkflowSpec
	if err := json.Unmarshal(specBytes, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}

	wf, err := s.service.CreateWorkflow(ctx, &spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow rejected: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Spec.Steps),
	})
}

// handleExecuteWorkflow starts a run and returns the execution record
// immediately.
func (s *MachinaServer) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	initialContext := mcp.ParseStringMap(req, "context", nil)
	notify := req.GetBool("notify", false)

	exec, execErr := s.service.ExecuteWorkflow(ctx, workflowID, initialContext)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed to start: %v", execErr)), nil
	}

	if notify {
		s.captureSession(ctx, exec.ID)
		s.watchForCompletion(exec.ID)
	}

	return marshalResult(exec)
}

// handleStatus returns an execution with its step states.
func (s *MachinaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	detail, detailErr := s.service.GetExecution(ctx, executionID)
	if detailErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", detailErr)), nil
	}
	return marshalResult(detail)
}

// handleCancel requests cancellation of an execution.
func (s *MachinaServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.service.CancelExecution(ctx, executionID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleQuery lists resources based on filters.
func (s *MachinaServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "instances":
		return s.queryInstances(ctx, filter)
	case "commands":
		return s.queryCommands(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule manages cron schedules.
func (s *MachinaServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("create requires workflow_id and cron"), nil
		}
		initialContext := mcp.ParseStringMap(req, "context", nil)
		run, createErr := s.schedules.CreateSchedule(ctx, workflowID, cronExpr, initialContext)
		if createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule rejected: %v", createErr)), nil
		}
		return marshalResult(run)

	case "delete", "enable", "disable":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s requires schedule_id", action)), nil
		}
		var opErr error
		switch action {
		case "delete":
			opErr = s.schedules.DeleteSchedule(ctx, scheduleID)
		case "enable":
			opErr = s.schedules.SetEnabled(ctx, scheduleID, true)
		case "disable":
			opErr = s.schedules.SetEnabled(ctx, scheduleID, false)
		}
		if opErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, opErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Query helpers ---

// handleDiagram renders a workflow's dependency graph in the requested format.
func (s *MachinaServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	wf, err := s.service.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", err)), nil
	}

	var states []*store.StepState
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		detail, dErr := s.service.GetExecution(ctx, executionID)
		if dErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %v", dErr)), nil
		}
		states = detail.Steps
	}

	model, buildErr := diagram.Build(&wf.Spec, states)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default: // image
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

func (s *MachinaServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}

	workflows, err := s.service.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *MachinaServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.service.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *MachinaServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	inf := store.InstanceFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		inf.ExecutionID = execID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		is := schema.InstanceStatus(status)
		inf.Status = &is
	}

	instances, err := s.service.ListInstances(ctx, inf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *MachinaServer) queryCommands(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	execID, _ := filter["execution_id"].(string)
	if execID == "" {
		return mcp.NewToolResultError("command query requires 'execution_id' in filter"), nil
	}

	commands, err := s.service.ListCommands(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"commands": commands})
}

func (s *MachinaServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	execID, _ := filter["execution_id"].(string)
	if execID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since_sequence", 0))

	events, err := s.service.GetEvents(ctx, execID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *MachinaServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduledRunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		sf.WorkflowID = wfID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.schedules.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// captureSession maps the execution to the caller's MCP session so the
// completion notification reaches it.
func (s *MachinaServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// watchForCompletion waits out the execution in the background and pushes
// a notification when it reaches a terminal state.
func (s *MachinaServer) watchForCompletion(executionID string) {
	go func() {
		ctx := context.Background()
		detail, err := s.service.WaitForExecution(ctx, executionID, notifyWaitLimit)
		if err != nil {
			s.logger.Warn("completion watch ended without a terminal state",
				"execution_id", executionID, "error", err)
			s.sessions.Forget(executionID)
			return
		}

		payload := map[string]any{
			"execution_id": executionID,
			"status":       string(detail.Execution.Status),
		}
		if len(detail.Execution.Error) > 0 {
			payload["error"] = json.RawMessage(detail.Execution.Error)
		}
		if err := s.notifier.Notify(ctx, executionID, payload); err != nil {
			s.logger.Warn("failed to push completion notification",
				"execution_id", executionID, "error", err)
		}
	}()
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
