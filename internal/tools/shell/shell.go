// Package shell implements the execute_command tool: host shell access
// with a safety deny-list, a hard timeout, and temp-script execution for
// commands the inline interpreter would mangle.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/exec"
)

// DefaultTimeout bounds one command execution.
const DefaultTimeout = 60 * time.Second

// maxOutputChars caps what is fed back to the model.
const maxOutputChars = 8000

// Tool is the execute_command tool.
type Tool struct {
	timeout time.Duration
	workDir string
}

// New creates the shell tool. workDir hosts temporary script files.
func New(workDir string, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tool{timeout: timeout, workDir: workDir}
}

func (t *Tool) Name() string { return "execute_command" }

func (t *Tool) Description() string {
	return "Execute a shell command on the host and return its combined output. Long or heavily quoted commands are run from a temporary script file."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The command line to execute"
			}
		},
		"required": ["command"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, agent.NewArgumentError("execute_command: invalid arguments: " + err.Error())
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return nil, agent.NewArgumentError("execute_command: command is required")
	}

	if refused, pattern := exec.CheckCommand(command); refused {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Refused: this command matches the safety deny-list (%s). It could damage the host or kill this process, so it was not executed.", pattern),
			IsError: true,
		}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd, cleanup, err := t.buildCommand(runCtx, command)
	if err != nil {
		return &agent.ToolResult{Content: "failed to prepare command: " + err.Error(), IsError: true}, nil
	}
	if cleanup != nil {
		defer cleanup()
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	runErr := cmd.Run()

	text := strings.TrimSpace(output.String())
	if len(text) > maxOutputChars {
		text = text[:maxOutputChars] + "\n...[output truncated]"
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Error: command timed out after %s.\n%s", t.timeout, text),
			IsError: true,
		}, nil
	}
	if runErr != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Error: %v\n%s", runErr, text),
			IsError: true,
		}, nil
	}
	if text == "" {
		text = "(command completed with no output)"
	}
	return &agent.ToolResult{Content: text}, nil
}

// buildCommand selects the platform interpreter and, for complex commands
// on a command-interpreter host, writes the body to a temp script first.
func (t *Tool) buildCommand(ctx context.Context, command string) (*osexec.Cmd, func(), error) {
	if runtime.GOOS == "windows" {
		if exec.IsComplexCommand(command) {
			path, cleanup, err := t.writeScript(command, ".ps1")
			if err != nil {
				return nil, nil, err
			}
			return osexec.CommandContext(ctx, "powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File", path), cleanup, nil
		}
		return osexec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command), nil, nil
	}

	if exec.IsComplexCommand(command) {
		path, cleanup, err := t.writeScript(command, ".sh")
		if err != nil {
			return nil, nil, err
		}
		return osexec.CommandContext(ctx, "sh", path), cleanup, nil
	}
	return osexec.CommandContext(ctx, "sh", "-c", command), nil, nil
}

func (t *Tool) writeScript(command, ext string) (string, func(), error) {
	dir := t.workDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "cmd_"+uuid.NewString()[:8]+ext)
	if err := os.WriteFile(path, []byte(command), 0o700); err != nil {
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}
