package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
)

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		Command:            "claude",
		DefaultProjectPath: "/workspace",
		DefaultModel:       "sonnet",
	}
}

// stubRun captures the invocation and returns canned process output.
type stubRun struct {
	dir    string
	name   string
	args   []string
	stdout string
	stderr string
	err    error
}

func (s *stubRun) run(_ context.Context, dir, name string, args []string) ([]byte, []byte, error) {
	s.dir = dir
	s.name = name
	s.args = args
	return []byte(s.stdout), []byte(s.stderr), s.err
}

func newTestClient(t *testing.T, stub *stubRun) *Client {
	t.Helper()
	c := NewClient(testConfig(), logger.Default())
	c.run = stub.run
	return c
}

func TestExecuteSuccess(t *testing.T) {
	stub := &stubRun{
		stdout: `{"result":"hi there","is_error":false,"total_cost_usd":0.042,"session_id":"sess-1","usage":{"input_tokens":10,"output_tokens":20}}`,
	}
	c := newTestClient(t, stub)

	result := c.Execute(context.Background(), Request{Prompt: "hello"})

	require.True(t, result.Success)
	assert.Equal(t, "hi there", result.Result)
	assert.Equal(t, 0.042, result.CostUSD)
	assert.Equal(t, "sess-1", result.SessionID)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.Equal(t, 20, result.Usage.OutputTokens)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))
}

func TestExecuteDefaultsModelAndPath(t *testing.T) {
	stub := &stubRun{stdout: `{"result":"ok"}`}
	c := newTestClient(t, stub)

	c.Execute(context.Background(), Request{Prompt: "hello"})

	assert.Equal(t, "/workspace", stub.dir)
	assert.Equal(t, "claude", stub.name)
	assert.Contains(t, stub.args, "--model")
	assert.Contains(t, stub.args, "sonnet")
}

func TestExecuteBuildsOptionFlags(t *testing.T) {
	stub := &stubRun{stdout: `{"result":"ok"}`}
	c := newTestClient(t, stub)

	c.Execute(context.Background(), Request{
		Prompt:          "do it",
		Model:           "opus",
		SessionID:       "sess-9",
		SystemPrompt:    "be terse",
		MaxBudgetUSD:    1.5,
		AllowedTools:    []string{"Read", "Write"},
		DisallowedTools: []string{"Bash"},
		Agent:           "reviewer",
		MCPConfig:       "/etc/mcp.json",
	})

	args := stub.args
	assert.Equal(t, []string{"--print", "--output-format", "json", "--model", "opus"}, args[:5])
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-9")
	assert.Contains(t, args, "--append-system-prompt")
	assert.Contains(t, args, "--max-budget-usd")
	assert.Contains(t, args, "1.5")
	assert.Contains(t, args, "--allowedTools")
	assert.Contains(t, args, "Read,Write")
	assert.Contains(t, args, "--disallowedTools")
	assert.Contains(t, args, "Bash")
	assert.Contains(t, args, "--agent")
	assert.Contains(t, args, "--mcp-config")
	// The prompt is always the final argument.
	assert.Equal(t, "do it", args[len(args)-1])
}

func TestExecuteRejectsEmptyPrompt(t *testing.T) {
	c := newTestClient(t, &stubRun{})

	result := c.Execute(context.Background(), Request{Prompt: "   "})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "prompt")
}

func TestExecuteRejectsStreaming(t *testing.T) {
	c := newTestClient(t, &stubRun{})

	result := c.Execute(context.Background(), Request{Prompt: "x", Stream: true})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "not implemented")
}

func TestExecuteProcessFailureIncludesStderr(t *testing.T) {
	stub := &stubRun{
		err:    errors.New("exit status 1"),
		stderr: "invalid API key",
	}
	c := newTestClient(t, stub)

	result := c.Execute(context.Background(), Request{Prompt: "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "exit status 1")
	assert.Contains(t, result.Error, "invalid API key")
}

func TestExecuteUnparseableOutput(t *testing.T) {
	stub := &stubRun{stdout: "I am not JSON"}
	c := newTestClient(t, stub)

	result := c.Execute(context.Background(), Request{Prompt: "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "unparseable")
}

func TestExecuteErrorReply(t *testing.T) {
	stub := &stubRun{stdout: `{"result":"budget exceeded","is_error":true}`}
	c := newTestClient(t, stub)

	result := c.Execute(context.Background(), Request{Prompt: "x"})
	require.False(t, result.Success)
	assert.Equal(t, "budget exceeded", result.Error)
	assert.Empty(t, result.Result)
}

func TestExecuteContextError(t *testing.T) {
	stub := &stubRun{err: context.DeadlineExceeded}
	c := newTestClient(t, stub)

	result := c.Execute(context.Background(), Request{Prompt: "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "deadline exceeded")
}
