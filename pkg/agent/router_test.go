package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/health"
)

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		Routes: config.RouteModelsConfig{
			Chat:      config.ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			Code:      config.ModelRef{Provider: "anthropic", Model: "claude-opus-4"},
			Vision:    config.ModelRef{Provider: "openai", Model: "gpt-4o"},
			Reasoning: config.ModelRef{Provider: "deepseek", Model: "deepseek-reasoner"},
		},
		Fallbacks: map[string]string{
			"claude-opus-4":     "claude-sonnet-4-5",
			"claude-sonnet-4-5": "gpt-4o",
		},
		Overrides: map[string]config.ModelRef{
			"fast": {Provider: "groq", Model: "llama-3.3-70b"},
		},
	}
}

func TestSelectModel_TaskRoutes(t *testing.T) {
	r := NewRouter(testRoutingConfig(), nil, "anthropic", "claude-sonnet-4-5")

	tests := []struct {
		task         string
		wantModel    string
		wantProvider string
	}{
		{TaskChat, "claude-sonnet-4-5", "anthropic"},
		{TaskCode, "claude-opus-4", "anthropic"},
		{TaskVision, "gpt-4o", "openai"},
		{TaskReasoning, "deepseek-reasoner", "deepseek"},
		{"nonsense", "claude-sonnet-4-5", "anthropic"}, // folds to chat
	}
	for _, tt := range tests {
		got := r.SelectModel(tt.task, "")
		if got.Model != tt.wantModel {
			t.Errorf("task %s: model = %s, want %s", tt.task, got.Model, tt.wantModel)
		}
		if got.Provider != tt.wantProvider {
			t.Errorf("task %s: provider = %s, want %s", tt.task, got.Provider, tt.wantProvider)
		}
	}
}

func TestSelectModel_EmptyRouteFallsBackToDefault(t *testing.T) {
	r := NewRouter(testRoutingConfig(), nil, "anthropic", "claude-sonnet-4-5")

	got := r.SelectModel(TaskSummary, "")
	if got.Model != "claude-sonnet-4-5" || got.Provider != "anthropic" {
		t.Fatalf("expected default model for unrouted task, got %s/%s", got.Provider, got.Model)
	}
	if got.Reason != "default model" {
		t.Fatalf("unexpected reason: %s", got.Reason)
	}
}

func TestSelectModel_OverrideWins(t *testing.T) {
	r := NewRouter(testRoutingConfig(), nil, "anthropic", "claude-sonnet-4-5")

	// A configured override alias resolves to its mapped ref.
	got := r.SelectModel(TaskCode, "fast")
	if got.Model != "llama-3.3-70b" || got.Provider != "groq" {
		t.Fatalf("configured override not honored: %s/%s", got.Provider, got.Model)
	}

	// An unknown override is treated as a literal pinned model.
	got = r.SelectModel(TaskChat, "qwen3:14b")
	if got.Model != "qwen3:14b" {
		t.Fatalf("pinned model not honored: %s", got.Model)
	}
	if got.Reason != "pinned model" {
		t.Fatalf("unexpected reason: %s", got.Reason)
	}
}

func TestSelectModel_ProviderPrefixParsed(t *testing.T) {
	r := NewRouter(testRoutingConfig(), nil, "anthropic", "claude-sonnet-4-5")

	got := r.SelectModel(TaskChat, "ollama/qwen3:14b")
	if got.Provider != "ollama" {
		t.Fatalf("expected provider parsed from prefix, got %s", got.Provider)
	}
}

func markUnhealthy(reg *health.Registry, model string) {
	// Enough failures to push the error rate past any threshold.
	for i := 0; i < 10; i++ {
		reg.Report(model, false, 10*time.Millisecond)
	}
}

func TestSelectModelWithHealth_HealthyFirstCandidate(t *testing.T) {
	reg := health.NewRegistry(0.5)
	r := NewRouter(testRoutingConfig(), reg, "anthropic", "claude-sonnet-4-5")

	got := r.SelectModelWithHealth(TaskCode, "")
	if got.Model != "claude-opus-4" {
		t.Fatalf("expected first candidate when healthy, got %s", got.Model)
	}
	if len(got.HealthTrace) != 1 {
		t.Fatalf("expected single trace entry, got %v", got.HealthTrace)
	}
}

func TestSelectModelWithHealth_WalksFallbackChain(t *testing.T) {
	reg := health.NewRegistry(0.5)
	markUnhealthy(reg, "claude-opus-4")
	r := NewRouter(testRoutingConfig(), reg, "anthropic", "claude-sonnet-4-5")

	got := r.SelectModelWithHealth(TaskCode, "")
	if got.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected fallback model, got %s", got.Model)
	}
	if len(got.HealthTrace) != 2 {
		t.Fatalf("expected two trace entries, got %v", got.HealthTrace)
	}
	if !strings.Contains(got.HealthTrace[0], "unavailable") {
		t.Fatalf("first trace entry should record unavailability: %s", got.HealthTrace[0])
	}
}

func TestSelectModelWithHealth_ExhaustedChainStillPicks(t *testing.T) {
	reg := health.NewRegistry(0.5)
	markUnhealthy(reg, "claude-opus-4")
	markUnhealthy(reg, "claude-sonnet-4-5")
	markUnhealthy(reg, "gpt-4o")
	r := NewRouter(testRoutingConfig(), reg, "anthropic", "claude-sonnet-4-5")

	got := r.SelectModelWithHealth(TaskCode, "")
	if got.Model != "gpt-4o" {
		t.Fatalf("expected last chain candidate despite being unhealthy, got %s", got.Model)
	}
	if got.Reason != "selected despite limited availability" {
		t.Fatalf("unexpected reason: %s", got.Reason)
	}
	if len(got.HealthTrace) != 3 {
		t.Fatalf("expected full trace, got %v", got.HealthTrace)
	}
}

func TestSelectModelWithHealth_CycleTerminates(t *testing.T) {
	cfg := testRoutingConfig()
	cfg.Fallbacks = map[string]string{
		"claude-opus-4":     "claude-sonnet-4-5",
		"claude-sonnet-4-5": "claude-opus-4",
	}
	reg := health.NewRegistry(0.5)
	markUnhealthy(reg, "claude-opus-4")
	markUnhealthy(reg, "claude-sonnet-4-5")
	r := NewRouter(cfg, reg, "anthropic", "claude-sonnet-4-5")

	done := make(chan ModelSelectionResult, 1)
	go func() { done <- r.SelectModelWithHealth(TaskCode, "") }()

	select {
	case got := <-done:
		if got.Model == "" {
			t.Fatalf("cycle walk must still return a model")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback cycle did not terminate")
	}
}

func TestNormalizeTaskType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CODE", TaskCode},
		{" vision ", TaskVision},
		{"", TaskChat},
		{"banana", TaskChat},
	}
	for _, tt := range tests {
		if got := NormalizeTaskType(tt.in); got != tt.want {
			t.Errorf("NormalizeTaskType(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
