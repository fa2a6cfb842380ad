package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Tools implements the MCP tool handlers on top of the control API.
type Tools struct {
	client *Client
}

// NewTools creates tool handlers that call the control API through client.
func NewTools(client *Client) *Tools {
	return &Tools{client: client}
}

// RegisterTools registers all run control tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	t := NewTools(client)

	s.AddTool(gomcp.NewTool("get_status",
		gomcp.WithDescription("Get the live status of the current or last load test run: state, active users, requests, failures, per-task latency."),
	), t.status)

	s.AddTool(gomcp.NewTool("get_health",
		gomcp.WithDescription("Check whether the load tester can reach the node under test."),
	), t.health)

	s.AddTool(gomcp.NewTool("start_run",
		gomcp.WithDescription("Start a load test run. This is a MUTATING operation that sends real transactions. Patterns: constant, ramp, spike."),
		gomcp.WithString("pattern",
			gomcp.Description("User-count pattern: constant (default), ramp, spike"),
			gomcp.Enum(string(types.PatternConstant), string(types.PatternRamp), string(types.PatternSpike)),
		),
		gomcp.WithNumber("duration_sec", gomcp.Description("Run duration in seconds; 0 runs until stopped")),
		gomcp.WithNumber("users", gomcp.Description("Concurrent users for the constant pattern")),
		gomcp.WithNumber("spawn_rate", gomcp.Description("Users started per second (default 1)")),
		gomcp.WithNumber("ramp_start", gomcp.Description("Users at the start of a ramp")),
		gomcp.WithNumber("ramp_end", gomcp.Description("Users at the end of a ramp")),
		gomcp.WithNumber("ramp_steps", gomcp.Description("Discrete ramp steps; 0 ramps linearly")),
		gomcp.WithNumber("baseline_users", gomcp.Description("Users outside spikes")),
		gomcp.WithNumber("spike_users", gomcp.Description("Users during a spike")),
		gomcp.WithNumber("spike_duration", gomcp.Description("Spike length in seconds")),
		gomcp.WithNumber("spike_interval", gomcp.Description("Seconds from one spike start to the next")),
		gomcp.WithString("wait_strategy",
			gomcp.Description("Pause between tasks: between (default), constant, constant-pacing"),
			gomcp.Enum(string(types.WaitBetween), string(types.WaitConstant), string(types.WaitConstantPacing)),
		),
		gomcp.WithNumber("wait_min_ms", gomcp.Description("Minimum (or constant) wait in milliseconds")),
		gomcp.WithNumber("wait_max_ms", gomcp.Description("Maximum wait in milliseconds for the between strategy")),
		gomcp.WithNumber("transfer_weight", gomcp.Description("Relative weight of the native transfer task")),
		gomcp.WithNumber("swap_weight", gomcp.Description("Relative weight of the swap task")),
	), t.start)

	s.AddTool(gomcp.NewTool("stop_run",
		gomcp.WithDescription("Stop the current load test run and wait for its result. This is a MUTATING operation."),
	), t.stop)

	s.AddTool(gomcp.NewTool("list_runs",
		gomcp.WithDescription("List finished load test runs with summary metrics (paginated, favorites first)."),
		gomcp.WithNumber("limit", gomcp.Description("Max results to return (default: 10, max: 100)")),
		gomcp.WithNumber("offset", gomcp.Description("Results offset for pagination (default: 0)")),
	), t.listRuns)

	s.AddTool(gomcp.NewTool("get_run",
		gomcp.WithDescription("Get the result of one run by ID, including per-task statistics."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID")),
	), t.getRun)

	s.AddTool(gomcp.NewTool("get_run_events",
		gomcp.WithDescription("Get the recorded task outcomes of one run (paginated)."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID")),
		gomcp.WithNumber("limit", gomcp.Description("Max events to return (default: 50, max: 1000)")),
		gomcp.WithNumber("offset", gomcp.Description("Offset for pagination (default: 0)")),
	), t.getRunEvents)

	s.AddTool(gomcp.NewTool("delete_run",
		gomcp.WithDescription("Delete a finished run and its event log. This is a MUTATING operation."),
		gomcp.WithString("id", gomcp.Required(), gomcp.Description("Run ID to delete")),
	), t.deleteRun)
}

func (t *Tools) status(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.client.Get(ctx, "/v1/status")
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Load tester unreachable: %v", err)), nil
	}
	var m types.RunMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Error parsing status: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatStatus(m)), nil
}

func (t *Tools) health(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.client.Get(ctx, "/ready")
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Load tester not ready: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHealth(raw)), nil
}

func (t *Tools) start(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	run := types.StartRunRequest{
		Pattern:       types.LoadPattern(req.GetString("pattern", "")),
		DurationSec:   req.GetInt("duration_sec", 0),
		SpawnRate:     req.GetFloat("spawn_rate", 0),
		Users:         req.GetInt("users", 0),
		RampStart:     req.GetInt("ramp_start", 0),
		RampEnd:       req.GetInt("ramp_end", 0),
		RampSteps:     req.GetInt("ramp_steps", 0),
		BaselineUsers: req.GetInt("baseline_users", 0),
		SpikeUsers:    req.GetInt("spike_users", 0),
		SpikeDuration: req.GetInt("spike_duration", 0),
		SpikeInterval: req.GetInt("spike_interval", 0),
		WaitStrategy:  types.WaitStrategy(req.GetString("wait_strategy", "")),
		WaitMinMs:     req.GetInt("wait_min_ms", 0),
		WaitMaxMs:     req.GetInt("wait_max_ms", 0),
	}
	if v := req.GetInt("transfer_weight", -1); v >= 0 {
		run.TransferWeight = &v
	}
	if v := req.GetInt("swap_weight", -1); v >= 0 {
		run.SwapWeight = &v
	}

	raw, err := t.client.Post(ctx, "/v1/start", run)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(raw, &resp)

	pattern := string(run.Pattern)
	if pattern == "" {
		pattern = "server default"
	}
	duration := "until stopped"
	if run.DurationSec > 0 {
		duration = fmt.Sprintf("%ds", run.DurationSec)
	}
	return gomcp.NewToolResultText(joinLines(
		section("Run Started"),
		kv("Run ID", resp.RunID),
		kv("Pattern", pattern),
		kv("Duration", duration),
	)), nil
}

func (t *Tools) stop(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := t.client.Post(ctx, "/v1/stop", nil)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
	}
	var resp map[string]string
	_ = json.Unmarshal(raw, &resp)
	return gomcp.NewToolResultText(joinLines(
		section("Run Stopped"),
		kv("Run ID", resp["runId"]),
		kv("Status", resp["status"]),
		"Results are available in history.",
	)), nil
}

func (t *Tools) listRuns(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(req.GetInt("limit", 10)))
	q.Set("offset", fmt.Sprint(req.GetInt("offset", 0)))

	raw, err := t.client.Get(ctx, "/v1/history?"+q.Encode())
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatHistory(raw)), nil
}

func (t *Tools) getRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	raw, err := t.client.Get(ctx, "/v1/history/"+url.PathEscape(id))
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Get run failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatRunDetail(raw)), nil
}

func (t *Tools) getRunEvents(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(req.GetInt("limit", 50)))
	q.Set("offset", fmt.Sprint(req.GetInt("offset", 0)))

	raw, err := t.client.Get(ctx, "/v1/history/"+url.PathEscape(id)+"/events?"+q.Encode())
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Get run events failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatEvents(raw)), nil
}

func (t *Tools) deleteRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return gomcp.NewToolResultError("id is required"), nil
	}
	if _, err := t.client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(joinLines(
		section("Run Deleted"),
		kv("ID", id),
	)), nil
}
