package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/oriys/triage/internal/client"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/orchestrator"
	"github.com/spf13/cobra"
)

// mcpCmd 以 stdio 方式运行 MCP 服务器，把分诊能力暴露为 AI 助手可调用的工具
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve triage tools over MCP (stdio)",
	Long: `Run a Model Context Protocol server on stdin/stdout.

Tools:
  analyze_log    classify a log and list remediation options
  start_run      start a triage run on the gateway
  get_run        fetch a run
  list_runs      list recent runs
  select_option  select an option and dispatch actions

With --local, analyze_log runs in-process and needs no gateway.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.ServeStdio(newMCPServer(newToolSet(mcpLocal)))
	},
}

var mcpLocal bool

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpLocal, "local", false, "run analyze_log locally")
}

// toolSet MCP 工具的实现
type toolSet struct {
	gateway  *client.Client
	pipeline *orchestrator.Pipeline
	local    bool
}

func newToolSet(local bool) *toolSet {
	return &toolSet{
		gateway:  newClient(),
		pipeline: orchestrator.NewDefaultPipeline(),
		local:    local,
	}
}

// newMCPServer 注册全部工具
func newMCPServer(t *toolSet) *server.MCPServer {
	s := server.NewMCPServer("triage", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("analyze_log",
		mcp.WithDescription("Classify a raw log line into a failure category and return ranked remediation options. Does not create a run."),
		mcp.WithString("log", mcp.Required(), mcp.Description("raw log text")),
	), t.analyzeLog)

	s.AddTool(mcp.NewTool("start_run",
		mcp.WithDescription("Start a triage run for a log. The run waits for an option to be selected."),
		mcp.WithString("log", mcp.Required(), mcp.Description("raw log text")),
		mcp.WithString("source", mcp.Description("source label, defaults to mcp")),
	), t.startRun)

	s.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Fetch a triage run with its classification, options and dispatch outcome."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("run ID")),
	), t.getRun)

	s.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List triage runs, newest first."),
		mcp.WithString("state", mcp.Description("filter by state"), mcp.Enum(runStateNames()...)),
		mcp.WithNumber("limit", mcp.Description("maximum number of runs, default 20")),
	), t.listRuns)

	s.AddTool(mcp.NewTool("select_option",
		mcp.WithDescription("Select a remediation option of a run awaiting selection and optionally notify Slack or open a Jira issue."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("run ID")),
		mcp.WithString("option_id", mcp.Required(), mcp.Description("option ID from the run's options")),
		mcp.WithBoolean("notify", mcp.Description("send a Slack notification")),
		mcp.WithBoolean("create_ticket", mcp.Description("create a Jira issue")),
		mcp.WithString("channel_hint", mcp.Description("notification channel hint")),
	), t.selectOption)

	return s
}

func (t *toolSet) analyzeLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("log")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var analysis *domain.Analysis
	if t.local {
		analysis, err = t.pipeline.Analyze(raw)
	} else {
		analysis, err = t.gateway.Analyze(ctx, raw)
	}
	return jsonResult(analysis, err)
}

func (t *toolSet) startRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("log")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := t.gateway.StartRun(ctx, raw, req.GetString("source", "mcp"))
	return jsonResult(run, err)
}

func (t *toolSet) getRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := t.gateway.GetRun(ctx, id)
	return jsonResult(run, err)
}

func (t *toolSet) listRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.gateway.ListRuns(ctx, client.ListRunsOptions{
		State: req.GetString("state", ""),
		Limit: req.GetInt("limit", 20),
	})
	return jsonResult(list, err)
}

func (t *toolSet) selectOption(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	optionID, err := req.RequireString("option_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := t.gateway.Select(ctx, id, client.SelectRequest{
		OptionID:     optionID,
		Notify:       req.GetBool("notify", false),
		CreateTicket: req.GetBool("create_ticket", false),
		ChannelHint:  req.GetString("channel_hint", ""),
	})
	return jsonResult(run, err)
}

// jsonResult 把结果编码为文本内容；业务错误作为工具错误返回给模型
func jsonResult(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func runStateNames() []string {
	states := domain.AllRunStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
