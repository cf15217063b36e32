// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

const maxExecOutputBytes = 32 * 1024

// ExecTool runs shell commands inside the workspace. When an allow list
// is configured, only commands whose first word matches it may run.
type ExecTool struct {
	workspace string
	allow     []string
	timeout   time.Duration
}

func NewExecTool(workspace string, allow []string, timeoutSeconds int) *ExecTool {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &ExecTool{
		workspace: workspace,
		allow:     allow,
		timeout:   time.Duration(timeoutSeconds) * time.Second,
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return stdout/stderr."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Optional timeout override in seconds",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) allowed(command string) bool {
	if len(t.allow) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, prefix := range t.allow {
		if fields[0] == prefix {
			return true
		}
	}
	return false
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return ErrorResult("command is required")
	}
	if !t.allowed(command) {
		return ErrorResultf("command not in allow list: %s", strings.Fields(command)[0])
	}

	timeout := t.timeout
	if override := intArg(args, "timeout_seconds", 0); override > 0 {
		timeout = time.Duration(override) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	logger.DebugCF("tools", "exec finished", map[string]interface{}{
		"command":    truncateOutput(command, 120),
		"elapsed_ms": elapsed.Milliseconds(),
		"error":      err != nil,
	})

	var b strings.Builder
	if out := strings.TrimSpace(stdout.String()); out != "" {
		b.WriteString(truncateOutput(out, maxExecOutputBytes))
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(truncateOutput(errOut, maxExecOutputBytes))
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResultf("command timed out after %s\n%s", timeout, b.String())
	}
	if err != nil {
		result := ErrorResultf("%s\nExit code: %v", b.String(), err)
		return result
	}
	if b.Len() == 0 {
		return NewResult("(no output)")
	}
	return NewResult(b.String())
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n[truncated %d bytes]", len(s)-max)
}
