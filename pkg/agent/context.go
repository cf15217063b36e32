// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/tools"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

// ContextBuilder assembles the system prompt and message array for a turn.
type ContextBuilder struct {
	workspace string
	memory    *MemoryStore
	tools     *tools.Registry
	workers   *workers.Registry
}

func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		memory:    NewMemoryStore(workspace),
	}
}

// GetMemoryStore returns the memory store used by this context builder.
func (cb *ContextBuilder) GetMemoryStore() *MemoryStore {
	return cb.memory
}

// SetToolsRegistry sets the tools registry for the tools prompt section.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.Registry) {
	cb.tools = registry
}

// SetWorkersRegistry sets the worker registry for the delegation section.
func (cb *ContextBuilder) SetWorkersRegistry(registry *workers.Registry) {
	cb.workers = registry
}

func (cb *ContextBuilder) getIdentity(taskType string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	identity := fmt.Sprintf(`# crewclaw 🦀

You are crewclaw, a coordination agent for a small crew of AI workers.

## Current Time
%s

## Runtime
%s

## Task Mode
%s

## Workspace
Your workspace is at: %s
- Memory: %s/memory/MEMORY.md
- Daily Notes: %s/memory/YYYYMM/YYYYMMDD.md

%s%s## Important Rules

1. **ALWAYS use tools for actions** - When you need to perform an action, call an appropriate tool. Do NOT pretend actions were executed.

2. **Delegate heavy work** - When a task needs research, coding, or review beyond a quick answer, delegate it to a worker instead of doing everything inline.

3. **Be helpful and accurate** - When using tools or delegating, briefly explain what you're doing.

4. **Memory** - When remembering something, write to %s/memory/MEMORY.md`,
		now, rt, NormalizeTaskType(taskType), workspacePath, workspacePath, workspacePath,
		cb.buildToolsSection(), cb.buildDelegationSection(), workspacePath)

	return identity
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}
	names := cb.tools.Names()
	if len(names) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("You have access to the following tools:\n\n")
	for _, def := range cb.tools.ToProviderDefs() {
		fmt.Fprintf(&sb, "- **%s**: %s\n", def.Function.Name, def.Function.Description)
	}
	sb.WriteString("\n")
	return sb.String()
}

// buildDelegationSection describes the strict delegation protocol. Present
// only when worker profiles exist; a coordinator without workers must never
// be told it can delegate.
func (cb *ContextBuilder) buildDelegationSection() string {
	if cb.workers == nil || cb.workers.Len() == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Delegation Protocol\n\n")
	sb.WriteString("You can delegate a task to one of these workers:\n\n")
	sb.WriteString(cb.workers.Describe())
	sb.WriteString("\n\nTo delegate, call the delegate tool, or output the STRICT format on its own line:\n\n")
	sb.WriteString("    DELEGATE: <worker> <<<concrete task instructions>>>\n\n")
	sb.WriteString("Multiple DELEGATE lines run in parallel. Never claim delegation happened unless you emitted the strict format or called the tool.\n\n")
	return sb.String()
}

// BuildSystemPrompt assembles identity, workspace bootstrap files, and
// memory into the system prompt.
func (cb *ContextBuilder) BuildSystemPrompt(taskType string) string {
	parts := []string{cb.getIdentity(taskType)}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if memoryContext := cb.memory.GetMemoryContext(); memoryContext != "" {
		parts = append(parts, memoryContext)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// loadBootstrapFiles reads the workspace's standing instruction files.
func (cb *ContextBuilder) loadBootstrapFiles() string {
	files := []string{
		"AGENTS.md",
		"USER.md",
		"IDENTITY.md",
	}

	var result string
	for _, filename := range files {
		path := filepath.Join(cb.workspace, filename)
		if data, err := os.ReadFile(path); err == nil {
			result += fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data))
		}
	}
	return result
}

// BuildMessages builds the full message array for one turn: system prompt,
// rolling summary, prior history, optional focus overlay, and the current
// user message with its attachments.
func (cb *ContextBuilder) BuildMessages(history []providers.Message, summary, currentMessage string, media []string, channel, chatID, taskType, overlay string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt(taskType)

	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}
	if summary != "" {
		systemPrompt += "\n\n## Summary of Previous Conversation\n\n" + summary
	}

	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars":   len(systemPrompt),
		"section_count": strings.Count(systemPrompt, "\n\n---\n\n") + 1,
	})

	// A history that opens with tool results references tool calls the
	// provider cannot see. Drop them or the whole request is rejected.
	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugCF("agent", "removing orphaned tool message from history", map[string]interface{}{
			"tool_call_id": history[0].ToolCallID,
		})
		history = history[1:]
	}

	messages := make([]providers.Message, 0, len(history)+3)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)

	if overlay != "" {
		messages = append(messages, providers.Message{Role: "user", Content: overlay})
	}

	// An empty current message means the caller is rebuilding context from
	// persisted history (the user turn is already in there).
	if currentMessage != "" || len(media) > 0 {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: cb.buildUserContentWithMedia(currentMessage, media),
			Media:   buildMediaRefs(media),
		})
	}

	return messages
}

var imageExtMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func buildMediaRefs(media []string) []providers.MediaRef {
	if len(media) == 0 {
		return nil
	}
	refs := make([]providers.MediaRef, 0, len(media))
	for _, item := range media {
		pathOrURL := strings.TrimSpace(item)
		if pathOrURL == "" {
			continue
		}
		mimeType, ok := imageExtMIME[strings.ToLower(filepath.Ext(pathOrURL))]
		if !ok {
			continue
		}
		refs = append(refs, providers.MediaRef{Path: pathOrURL, MIMEType: mimeType})
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func (cb *ContextBuilder) buildUserContentWithMedia(currentMessage string, media []string) string {
	if len(media) == 0 {
		return currentMessage
	}

	var b strings.Builder
	b.WriteString(currentMessage)
	b.WriteString("\n\n[ATTACHMENTS]\n")
	for i, m := range media {
		path := strings.TrimSpace(m)
		if path == "" {
			continue
		}
		fmt.Fprintf(&b, "- #%d %s\n", i+1, path)
		if excerpt := buildAttachmentExcerpt(path); excerpt != "" {
			b.WriteString(excerpt)
			if !strings.HasSuffix(excerpt, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

var textExcerptExts = map[string]bool{
	".md":   true,
	".txt":  true,
	".log":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".csv":  true,
	".go":   true,
	".py":   true,
	".ts":   true,
	".js":   true,
}

const excerptMaxChars = 12000

func buildAttachmentExcerpt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExtMIME[ext]; ok {
		return "  [type=image]\n"
	}
	if !textExcerptExts[ext] {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := string(data)
	if len(content) > excerptMaxChars {
		content = content[:excerptMaxChars] + "\n... (truncated)"
	}
	return "  [excerpt]\n" + indentLines(content, "    ") + "\n"
}

func indentLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}
