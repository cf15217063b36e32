package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePatchCommands_JSONArray(t *testing.T) {
	patch := `[
		{"type":"file_edit","action":"create","target":"a.txt","content":"alpha"},
		{"type":"shell_command","action":"run","target":"echo hi"}
	]`
	commands, err := parsePatchCommands(patch)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("got %d commands", len(commands))
	}
	if commands[0].Type != "file_edit" || commands[0].Action != "create" || commands[0].Target != "a.txt" {
		t.Fatalf("first command = %+v", commands[0])
	}
	if commands[1].Type != "shell_command" || commands[1].Target != "echo hi" {
		t.Fatalf("second command = %+v", commands[1])
	}
}

func TestParsePatchCommands_JSONValidation(t *testing.T) {
	if _, err := parsePatchCommands(`[{"type":"file_edit","target":"a.txt"}]`); err == nil {
		t.Fatal("missing action must fail")
	}
	if _, err := parsePatchCommands(`[{"action":"create","target":"a.txt"}]`); err == nil {
		t.Fatal("missing type must fail")
	}
	if _, err := parsePatchCommands(""); err == nil {
		t.Fatal("empty patch must fail")
	}
	if _, err := parsePatchCommands("just prose, no blocks"); err == nil {
		t.Fatal("patch without blocks must fail")
	}
}

func TestParsePatchCommands_MarkdownBlocks(t *testing.T) {
	patch := "```go:cmd/main.go\npackage main\n```\n\n" +
		"```bash\ngo build ./...\n```\n\n" +
		"```git\nadd .\ncommit -m 'fix'\n```\n"

	commands, err := parsePatchCommands(patch)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(commands) != 4 {
		t.Fatalf("got %d commands: %+v", len(commands), commands)
	}

	if commands[0].Type != "file_edit" || commands[0].Action != "update" {
		t.Fatalf("file step = %+v", commands[0])
	}
	if commands[0].Target != "cmd/main.go" || commands[0].Content != "package main\n" {
		t.Fatalf("file step payload = %+v", commands[0])
	}
	if commands[1].Type != "shell_command" || commands[1].Target != "go build ./..." {
		t.Fatalf("bash step = %+v", commands[1])
	}
	if commands[2].Target != "git add ." || commands[3].Target != "git commit -m 'fix'" {
		t.Fatalf("git steps = %+v %+v", commands[2], commands[3])
	}
}

func TestApplyPatch_FileSteps(t *testing.T) {
	workspace := t.TempDir()
	tool := NewApplyPatchTool(workspace, true, nil)

	patch := `[
		{"type":"file_edit","action":"mkdir","target":"data"},
		{"type":"file_edit","action":"create","target":"data/a.txt","content":"alpha\n"},
		{"type":"file_edit","action":"append","target":"data/a.txt","content":"beta\n"},
		{"type":"file_edit","action":"update","target":"data/b.txt","content":"gamma\n"}
	]`
	result := tool.Execute(context.Background(), map[string]interface{}{"patch": patch})
	if result.IsError {
		t.Fatalf("patch failed: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "4 succeeded, 0 failed") {
		t.Fatalf("summary = %s", result.ForLLM)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "data", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "alpha\nbeta\n" {
		t.Fatalf("a.txt = %q", string(data))
	}
	if _, err := os.Stat(filepath.Join(workspace, "data", "b.txt")); err != nil {
		t.Fatalf("b.txt missing: %v", err)
	}
}

func TestApplyPatch_DeleteStep(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "old.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := NewApplyPatchTool(workspace, true, nil)
	result := tool.Execute(context.Background(), map[string]interface{}{
		"patch": `[{"type":"file_edit","action":"delete","target":"old.txt"}]`,
	})
	if result.IsError {
		t.Fatalf("patch failed: %s", result.ForLLM)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists after delete step")
	}
}

func TestApplyPatch_FailedStepDoesNotStopLaterSteps(t *testing.T) {
	workspace := t.TempDir()
	tool := NewApplyPatchTool(workspace, true, nil)

	patch := `[
		{"type":"file_edit","action":"delete","target":"missing.txt"},
		{"type":"file_edit","action":"create","target":"kept.txt","content":"still here"}
	]`
	result := tool.Execute(context.Background(), map[string]interface{}{"patch": patch})
	if !result.IsError {
		t.Fatal("a failed step must mark the result as error")
	}
	if !strings.Contains(result.ForLLM, "1 succeeded, 1 failed") {
		t.Fatalf("summary = %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "FAILED") {
		t.Fatalf("summary = %s", result.ForLLM)
	}

	if _, err := os.Stat(filepath.Join(workspace, "kept.txt")); err != nil {
		t.Fatal("later step did not run after a failure")
	}
}

func TestApplyPatch_WorkspaceEscapeDenied(t *testing.T) {
	workspace := t.TempDir()
	tool := NewApplyPatchTool(workspace, true, nil)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"patch": `[{"type":"file_edit","action":"create","target":"../evil.txt","content":"x"}]`,
	})
	if !result.IsError {
		t.Fatal("escape must fail the step")
	}
	if !strings.Contains(result.ForLLM, "escapes workspace") {
		t.Fatalf("summary = %s", result.ForLLM)
	}
}

func TestApplyPatch_ShellStepRunsThroughExec(t *testing.T) {
	workspace := t.TempDir()
	execTool := NewExecTool(workspace, []string{"echo"}, 30)
	tool := NewApplyPatchTool(workspace, true, execTool)

	patch := `[
		{"type":"shell_command","action":"run","target":"echo patched"},
		{"type":"shell_command","action":"run","target":"rm -rf ."}
	]`
	result := tool.Execute(context.Background(), map[string]interface{}{"patch": patch})
	if !result.IsError {
		t.Fatal("disallowed command must fail its step")
	}
	if !strings.Contains(result.ForLLM, "1 succeeded, 1 failed") {
		t.Fatalf("summary = %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "patched") {
		t.Fatalf("echo output missing: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "not in allow list") {
		t.Fatalf("allow list refusal missing: %s", result.ForLLM)
	}
}

func TestApplyPatch_ShellStepWithoutExecDisabled(t *testing.T) {
	workspace := t.TempDir()
	tool := NewApplyPatchTool(workspace, true, nil)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"patch": `[{"type":"shell_command","action":"run","target":"echo hi"}]`,
	})
	if !result.IsError {
		t.Fatal("shell step without exec must fail")
	}
	if !strings.Contains(result.ForLLM, "shell commands are disabled") {
		t.Fatalf("summary = %s", result.ForLLM)
	}
}

func TestApplyPatch_UnknownTypeReported(t *testing.T) {
	workspace := t.TempDir()
	tool := NewApplyPatchTool(workspace, true, nil)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"patch": `[{"type":"database","action":"drop","target":"users"}]`,
	})
	if !result.IsError {
		t.Fatal("unknown command type must fail")
	}
	if !strings.Contains(result.ForLLM, "unknown command type") {
		t.Fatalf("summary = %s", result.ForLLM)
	}
}
