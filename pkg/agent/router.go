// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"fmt"
	"strings"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/health"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

// Task types form a closed set. Anything else routes like TaskChat.
const (
	TaskChat      = "chat"
	TaskCode      = "code"
	TaskVision    = "vision"
	TaskReasoning = "reasoning"
	TaskSummary   = "summary"
)

// TaskTypes lists the closed set in display order.
var TaskTypes = []string{TaskChat, TaskCode, TaskVision, TaskReasoning, TaskSummary}

func IsTaskType(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case TaskChat, TaskCode, TaskVision, TaskReasoning, TaskSummary:
		return true
	}
	return false
}

// NormalizeTaskType lowercases a task type and folds unknown values to chat.
func NormalizeTaskType(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	if IsTaskType(t) {
		return t
	}
	return TaskChat
}

// ModelSelectionResult records one routing decision. It is built once and
// never mutated afterwards; the router keeps no reference to it.
type ModelSelectionResult struct {
	Model       string
	Provider    string
	TaskType    string
	Reason      string
	HealthTrace []string
}

// Router maps a task type to a concrete model, honoring per-turn pins,
// per-model health, and the configured fallback chains. Selection never
// fails a turn: when every candidate looks unhealthy the last one inspected
// is returned anyway.
type Router struct {
	routing         config.RoutingConfig
	health          *health.Registry
	defaultProvider string
	defaultModel    string
}

func NewRouter(routing config.RoutingConfig, registry *health.Registry, defaultProvider, defaultModel string) *Router {
	return &Router{
		routing:         routing,
		health:          registry,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

func (r *Router) routeFor(taskType string) config.ModelRef {
	switch NormalizeTaskType(taskType) {
	case TaskCode:
		return r.routing.Routes.Code
	case TaskVision:
		return r.routing.Routes.Vision
	case TaskReasoning:
		return r.routing.Routes.Reasoning
	case TaskSummary:
		return r.routing.Routes.Summary
	default:
		return r.routing.Routes.Chat
	}
}

// SelectModel resolves a task type to a model without consulting health.
// A non-empty override (a model pinned by the user or a worker profile)
// wins over the task route; the task route wins over the default model.
func (r *Router) SelectModel(taskType, override string) ModelSelectionResult {
	task := NormalizeTaskType(taskType)

	if override = strings.TrimSpace(override); override != "" {
		if ref, ok := r.routing.Overrides[override]; ok && ref.Model != "" {
			return ModelSelectionResult{
				Model:    ref.Model,
				Provider: ref.Provider,
				TaskType: task,
				Reason:   fmt.Sprintf("configured override %q", override),
			}
		}
		return ModelSelectionResult{
			Model:    override,
			Provider: r.providerFor(override, task),
			TaskType: task,
			Reason:   "pinned model",
		}
	}

	if ref := r.routeFor(task); ref.Model != "" {
		return ModelSelectionResult{
			Model:    ref.Model,
			Provider: ref.Provider,
			TaskType: task,
			Reason:   fmt.Sprintf("route for %s", task),
		}
	}

	return ModelSelectionResult{
		Model:    r.defaultModel,
		Provider: r.defaultProvider,
		TaskType: task,
		Reason:   "default model",
	}
}

// SelectModelWithHealth resolves like SelectModel, then walks the fallback
// chain while the candidate is unhealthy. Every inspected candidate lands in
// HealthTrace. Chains may contain cycles; a visited set stops the walk and
// the last candidate is returned regardless of its health, because refusing
// to pick a model would fail the turn for no benefit.
func (r *Router) SelectModelWithHealth(taskType, override string) ModelSelectionResult {
	base := r.SelectModel(taskType, override)
	if r.health == nil || base.Model == "" {
		return base
	}

	trace := make([]string, 0, 4)
	visited := make(map[string]bool)
	candidate := base.Model
	provider := base.Provider

	for {
		h := r.health.Lookup(candidate)
		trace = append(trace, traceEntry(candidate, h))
		if h.Available {
			return ModelSelectionResult{
				Model:       candidate,
				Provider:    provider,
				TaskType:    base.TaskType,
				Reason:      base.Reason,
				HealthTrace: trace,
			}
		}
		visited[candidate] = true

		next, ok := r.routing.Fallbacks[candidate]
		if !ok || next == "" || visited[next] {
			logger.WarnCF("router", "fallback chain exhausted", map[string]interface{}{
				"task":      base.TaskType,
				"candidate": candidate,
				"trace":     strings.Join(trace, " -> "),
			})
			return ModelSelectionResult{
				Model:       candidate,
				Provider:    provider,
				TaskType:    base.TaskType,
				Reason:      "selected despite limited availability",
				HealthTrace: trace,
			}
		}

		logger.InfoCF("router", "model unhealthy, trying fallback", map[string]interface{}{
			"task":     base.TaskType,
			"from":     candidate,
			"to":       next,
			"err_rate": h.ErrorRate,
		})
		candidate = next
		provider = r.providerFor(next, base.TaskType)
	}
}

// providerFor guesses the provider for a model that arrived without one:
// a "provider/model" prefix wins, then a route that names the same model,
// then the default provider.
func (r *Router) providerFor(model, taskType string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return strings.ToLower(model[:idx])
	}
	for _, ref := range []config.ModelRef{
		r.routeFor(taskType),
		r.routing.Routes.Chat,
		r.routing.Routes.Code,
		r.routing.Routes.Vision,
		r.routing.Routes.Reasoning,
		r.routing.Routes.Summary,
	} {
		if ref.Model == model && ref.Provider != "" {
			return ref.Provider
		}
	}
	return r.defaultProvider
}

func traceEntry(model string, h health.ModelHealth) string {
	if h.Available {
		return model + " (available)"
	}
	return fmt.Sprintf("%s (unavailable, error_rate=%.2f)", model, h.ErrorRate)
}
