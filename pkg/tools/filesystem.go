// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadFileBytes = 256 * 1024

// pathResolver confines file tools to the workspace when restrict is on.
type pathResolver struct {
	workspace string
	restrict  bool
}

func (pr pathResolver) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(pr.workspace, path)
	}
	cleaned := filepath.Clean(path)
	if pr.restrict {
		workspace := filepath.Clean(pr.workspace)
		if cleaned != workspace && !strings.HasPrefix(cleaned, workspace+string(os.PathSeparator)) {
			return "", fmt.Errorf("path escapes workspace: %s", path)
		}
	}
	return cleaned, nil
}

type ReadFileTool struct {
	resolver pathResolver
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{resolver: pathResolver{workspace: workspace, restrict: restrict}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Returns the file content as text."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := t.resolver.resolve(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResultf("failed to read %s: %v", path, err)
	}
	if len(data) > maxReadFileBytes {
		return NewResult(fmt.Sprintf("%s\n\n[truncated: file is %d bytes, showing first %d]",
			string(data[:maxReadFileBytes]), len(data), maxReadFileBytes))
	}
	return NewResult(string(data))
}

type WriteFileTool struct {
	resolver pathResolver
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{resolver: pathResolver{workspace: workspace, restrict: restrict}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Overwrites existing content."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := t.resolver.resolve(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ErrorResultf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return ErrorResultf("failed to write %s: %v", path, err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

type AppendFileTool struct {
	resolver pathResolver
}

func NewAppendFileTool(workspace string, restrict bool) *AppendFileTool {
	return &AppendFileTool{resolver: pathResolver{workspace: workspace, restrict: restrict}}
}

func (t *AppendFileTool) Name() string { return "append_file" }

func (t *AppendFileTool) Description() string {
	return "Append content to the end of a file, creating it if missing."
}

func (t *AppendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to append",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := t.resolver.resolve(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ErrorResultf("failed to create directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrorResultf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return ErrorResultf("failed to append to %s: %v", path, err)
	}
	return NewResult(fmt.Sprintf("Appended %d bytes to %s", len(content), path))
}

type EditFileTool struct {
	resolver pathResolver
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{resolver: pathResolver{workspace: workspace, restrict: restrict}}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact text fragment in a file. The old_text must appear exactly once."
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := t.resolver.resolve(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	oldText := stringArg(args, "old_text")
	newText := stringArg(args, "new_text")
	if oldText == "" {
		return ErrorResult("old_text is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResultf("failed to read %s: %v", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldText)
	if count == 0 {
		return ErrorResultf("old_text not found in %s", path)
	}
	if count > 1 {
		return ErrorResultf("old_text appears %d times in %s; provide a longer unique fragment", count, path)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return ErrorResultf("failed to write %s: %v", path, err)
	}
	return NewResult(fmt.Sprintf("Edited %s", path))
}

type ListDirTool struct {
	resolver pathResolver
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{resolver: pathResolver{workspace: workspace, restrict: restrict}}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List entries in a directory. Directories are suffixed with /."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path, absolute or relative to the workspace. Defaults to the workspace root.",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	raw := stringArg(args, "path")
	if raw == "" {
		raw = "."
	}
	path, err := t.resolver.resolve(raw)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResultf("failed to list %s: %v", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return NewResult(fmt.Sprintf("%s is empty", path))
	}
	return NewResult(strings.Join(names, "\n"))
}
