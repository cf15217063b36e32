// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// patchCommand is one step of a batch patch. Type selects the executor,
// Action the operation within it.
type patchCommand struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Target  string `json:"target"`
	Content string `json:"content,omitempty"`
}

var (
	patchFileBlock  = regexp.MustCompile("(?s)```" + `([a-z]+):([^` + "`" + `\n]+)\n(.*?)` + "```")
	patchShellBlock = regexp.MustCompile("(?s)```bash\n(.*?)```")
	patchGitBlock   = regexp.MustCompile("(?s)```git\n(.*?)```")
)

// ApplyPatchTool applies a multi-step patch in one call: file edits plus
// optional shell commands. Shell steps go through the exec tool so the
// command allow list still applies.
type ApplyPatchTool struct {
	resolver pathResolver
	exec     *ExecTool
}

func NewApplyPatchTool(workspace string, restrict bool, execTool *ExecTool) *ApplyPatchTool {
	return &ApplyPatchTool{
		resolver: pathResolver{workspace: workspace, restrict: restrict},
		exec:     execTool,
	}
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a batch patch: either a JSON array of commands " +
		`([{"type":"file_edit","action":"create|update|append|delete|mkdir","target":"path","content":"..."}]) ` +
		"or Markdown code blocks (```lang:path for file content, ```bash for commands). " +
		"Steps run in order; failures are reported but do not stop later steps."
}

func (t *ApplyPatchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"patch": map[string]interface{}{
				"type":        "string",
				"description": "Patch content, JSON array or Markdown code blocks",
			},
		},
		"required": []string{"patch"},
	}
}

func (t *ApplyPatchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	patch := stringArg(args, "patch")
	commands, err := parsePatchCommands(patch)
	if err != nil {
		return ErrorResultf("patch parse error: %v", err)
	}

	var lines []string
	succeeded, failed := 0, 0
	for i, cmd := range commands {
		output, err := t.runCommand(ctx, cmd)
		if err != nil {
			failed++
			lines = append(lines, fmt.Sprintf("%d. FAILED %s %s: %v", i+1, cmd.Action, cmd.Target, err))
			continue
		}
		succeeded++
		lines = append(lines, fmt.Sprintf("%d. ok %s %s: %s", i+1, cmd.Action, cmd.Target, output))
	}

	summary := fmt.Sprintf("Applied %d patch steps: %d succeeded, %d failed.\n%s",
		len(commands), succeeded, failed, strings.Join(lines, "\n"))
	if failed > 0 {
		return ErrorResult(summary)
	}
	return NewResult(summary)
}

func (t *ApplyPatchTool) runCommand(ctx context.Context, cmd patchCommand) (string, error) {
	switch cmd.Type {
	case "file_edit":
		return t.runFileEdit(cmd)
	case "shell_command":
		return t.runShell(ctx, cmd.Target)
	default:
		return "", fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (t *ApplyPatchTool) runFileEdit(cmd patchCommand) (string, error) {
	path, err := t.resolver.resolve(cmd.Target)
	if err != nil {
		return "", err
	}
	switch cmd.Action {
	case "create", "update":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(cmd.Content), 0644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes", len(cmd.Content)), nil
	case "append":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := f.WriteString(cmd.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("appended %d bytes", len(cmd.Content)), nil
	case "delete":
		if err := os.Remove(path); err != nil {
			return "", err
		}
		return "deleted", nil
	case "mkdir":
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", err
		}
		return "created directory", nil
	default:
		return "", fmt.Errorf("unknown file action %q", cmd.Action)
	}
}

func (t *ApplyPatchTool) runShell(ctx context.Context, command string) (string, error) {
	if t.exec == nil {
		return "", fmt.Errorf("shell commands are disabled")
	}
	result := t.exec.Execute(ctx, map[string]interface{}{"command": command})
	if result.IsError {
		return "", fmt.Errorf("%s", result.ForLLM)
	}
	return result.ForLLM, nil
}

// parsePatchCommands accepts a JSON array or Markdown code blocks and
// returns the steps in document order.
func parsePatchCommands(patch string) ([]patchCommand, error) {
	trimmed := strings.TrimSpace(patch)
	if trimmed == "" {
		return nil, fmt.Errorf("empty patch")
	}
	if trimmed[0] == '[' {
		return parseJSONPatch(trimmed)
	}
	if strings.Contains(trimmed, "```") {
		return parseMarkdownPatch(trimmed)
	}
	return nil, fmt.Errorf("patch must be a JSON array or Markdown code blocks")
}

func parseJSONPatch(patch string) ([]patchCommand, error) {
	var commands []patchCommand
	if err := json.Unmarshal([]byte(patch), &commands); err != nil {
		return nil, err
	}
	for i, cmd := range commands {
		if cmd.Type == "" {
			return nil, fmt.Errorf("command %d: type is required", i+1)
		}
		if cmd.Action == "" {
			return nil, fmt.Errorf("command %d: action is required", i+1)
		}
		if cmd.Target == "" {
			return nil, fmt.Errorf("command %d: target is required", i+1)
		}
	}
	return commands, nil
}

func parseMarkdownPatch(patch string) ([]patchCommand, error) {
	type positioned struct {
		pos int
		cmd patchCommand
	}
	var steps []positioned

	for _, m := range patchFileBlock.FindAllStringSubmatchIndex(patch, -1) {
		steps = append(steps, positioned{pos: m[0], cmd: patchCommand{
			Type:    "file_edit",
			Action:  "update",
			Target:  strings.TrimSpace(patch[m[4]:m[5]]),
			Content: patch[m[6]:m[7]],
		}})
	}
	for _, m := range patchShellBlock.FindAllStringSubmatchIndex(patch, -1) {
		steps = append(steps, positioned{pos: m[0], cmd: patchCommand{
			Type:   "shell_command",
			Action: "run",
			Target: strings.TrimSpace(patch[m[2]:m[3]]),
		}})
	}
	// git blocks hold bare subcommands, one per line
	for _, m := range patchGitBlock.FindAllStringSubmatchIndex(patch, -1) {
		for j, line := range strings.Split(strings.TrimSpace(patch[m[2]:m[3]]), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			steps = append(steps, positioned{pos: m[0] + j, cmd: patchCommand{
				Type:   "shell_command",
				Action: "run",
				Target: "git " + line,
			}})
		}
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("no code blocks found in patch")
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].pos < steps[j].pos })

	commands := make([]patchCommand, len(steps))
	for i, s := range steps {
		commands[i] = s.cmd
	}
	return commands, nil
}
