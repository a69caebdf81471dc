// Package executor invokes the Claude CLI as a child process and parses its
// single JSON reply.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
)

// Request describes one CLI invocation.
type Request struct {
	Prompt          string
	ProjectPath     string
	Model           string
	SessionID       string // resume an existing CLI session
	SystemPrompt    string
	MaxBudgetUSD    float64 // 0 means no budget flag
	AllowedTools    []string
	DisallowedTools []string
	Agent           string
	MCPConfig       string
	Stream          bool // reserved; rejected before invocation
}

// Usage is the token accounting reported by the CLI.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one invocation. Success carries the reply body,
// cost, and session id; failure carries the error message. DurationMs is the
// wall clock from process start to exit in both cases.
type Result struct {
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// cliReply is the JSON document the CLI writes to stdout.
type cliReply struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	Usage        Usage   `json:"usage"`
}

// runCommand executes the assembled command and returns stdout, stderr, and
// the process error. Overridable in tests.
type runCommand func(ctx context.Context, dir, name string, args []string) (stdout, stderr []byte, err error)

// Client invokes the configured CLI command. Safe for concurrent use.
type Client struct {
	cfg    config.ExecutorConfig
	logger *logger.Logger
	run    runCommand
}

// NewClient creates an executor client.
func NewClient(cfg config.ExecutorConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "executor")),
		run:    runProcess,
	}
}

// DefaultModel returns the configured fallback model identifier.
func (c *Client) DefaultModel() string {
	return c.cfg.DefaultModel
}

// DefaultProjectPath returns the configured fallback working directory.
func (c *Client) DefaultProjectPath() string {
	return c.cfg.DefaultProjectPath
}

// Execute runs one CLI invocation. The context bounds the call: when it
// expires or is cancelled the child process is killed and a failure result is
// returned. Execute never returns a Go error for executor failures; those are
// reported in the Result so callers can persist them.
func (c *Client) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()

	if req.Stream {
		return &Result{
			Success:    false,
			Error:      "streaming is not implemented",
			DurationMs: 0,
		}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &Result{Success: false, Error: "prompt must not be empty"}
	}

	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath = c.cfg.DefaultProjectPath
	}
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	args := c.buildArgs(req, model)

	c.logger.Debug("invoking claude cli",
		zap.String("command", c.cfg.Command),
		zap.String("project_path", projectPath),
		zap.String("model", model))

	stdout, stderr, err := c.run(ctx, projectPath, c.cfg.Command, args)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if detail := strings.TrimSpace(string(stderr)); detail != "" {
			msg = msg + ": " + truncate(detail, 512)
		}
		c.logger.Warn("claude cli failed",
			zap.Int64("duration_ms", elapsed),
			zap.String("error", msg))
		return &Result{Success: false, Error: msg, DurationMs: elapsed}
	}

	var reply cliReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &reply); err != nil {
		c.logger.Warn("unparseable claude cli output",
			zap.Int64("duration_ms", elapsed),
			zap.Error(err))
		return &Result{
			Success:    false,
			Error:      "unparseable executor output: " + err.Error(),
			DurationMs: elapsed,
		}
	}

	if reply.IsError {
		return &Result{
			Success:    false,
			Error:      truncate(reply.Result, 2048),
			DurationMs: elapsed,
		}
	}

	usage := reply.Usage
	return &Result{
		Success:    true,
		Result:     reply.Result,
		DurationMs: elapsed,
		CostUSD:    reply.TotalCostUSD,
		SessionID:  reply.SessionID,
		Usage:      &usage,
	}
}

// buildArgs assembles the CLI argument list. The CLI contract: print mode,
// one JSON document on stdout.
func (c *Client) buildArgs(req Request, model string) []string {
	args := []string{"--print", "--output-format", "json", "--model", model}

	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", formatBudget(req.MaxBudgetUSD))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	if req.Agent != "" {
		args = append(args, "--agent", req.Agent)
	}
	if req.MCPConfig != "" {
		args = append(args, "--mcp-config", req.MCPConfig)
	}

	return append(args, req.Prompt)
}

func runProcess(ctx context.Context, dir, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	// Surface the deadline instead of the generic "signal: killed"
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func formatBudget(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
