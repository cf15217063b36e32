// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
)

// Tool is a capability the LLM can invoke during the agent loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ContextAwareTool receives the active channel/chat before each round so
// results can be delivered to the right place.
type ContextAwareTool interface {
	SetContext(channel, chatID string)
}

// ToolResult separates what the LLM sees from what the user sees.
// ForLLM is always fed back into the conversation; ForUser is pushed to
// the channel immediately unless Silent is set.
type ToolResult struct {
	ForLLM  string
	ForUser string
	Silent  bool
	IsError bool
	Err     error
}

func NewResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

func ErrorResultf(format string, args ...interface{}) *ToolResult {
	return &ToolResult{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

// Registry holds the tools available to one agent or worker.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset builds a filtered registry for a worker profile. An empty allow
// list means every tool except the denied ones.
func (r *Registry) Subset(allowed, denied []string) *Registry {
	allowSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowSet[name] = true
	}
	denySet := make(map[string]bool, len(denied))
	for _, name := range denied {
		denySet[name] = true
	}

	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, tool := range r.tools {
		if denySet[name] {
			continue
		}
		if len(allowSet) > 0 && !allowSet[name] {
			continue
		}
		sub.tools[name] = tool
	}
	return sub
}

// SetContext forwards the active channel/chat to context-aware tools.
func (r *Registry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools {
		if aware, ok := tool.(ContextAwareTool); ok {
			aware.SetContext(channel, chatID)
		}
	}
}

// ToProviderDefs converts registered tools to provider tool definitions.
func (r *Registry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool by name. Unknown tools and panics come back as
// error results so the loop never dies on a bad tool call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *ToolResult) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResultf("unknown tool: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("tools", "tool panicked", map[string]interface{}{
				"tool":  name,
				"panic": fmt.Sprintf("%v", rec),
			})
			result = ErrorResultf("tool %s crashed: %v", name, rec)
		}
	}()

	result = tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResultf("tool %s returned no result", name)
	}
	return result
}

// ExecuteWithContext sets the channel context and then executes.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string) *ToolResult {
	r.SetContext(channel, chatID)
	return r.Execute(ctx, name, args)
}

// stringArg pulls a string argument with a default.
func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg tolerates JSON numbers arriving as float64.
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
