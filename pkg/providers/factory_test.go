package providers

import (
	"context"
	"testing"

	"github.com/crewclaw/crewclaw/pkg/config"
)

type stubProvider struct {
	model string
}

func (s *stubProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	return &LLMResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (s *stubProvider) GetDefaultModel() string { return s.model }

func TestNormalizeProviderName(t *testing.T) {
	cases := map[string]string{
		"Claude":    "anthropic",
		"codex":     "openai",
		"ANTHROPIC": "anthropic",
		"groq":      "groq",
		" ollama ":  "ollama",
	}
	for in, want := range cases {
		if got := NormalizeProviderName(in); got != want {
			t.Errorf("NormalizeProviderName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildProviderSet_NoneConfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := BuildProviderSet(context.Background(), cfg); err == nil {
		t.Fatal("expected error when no provider is configured")
	}
}

func TestBuildProviderSet_OpenRouterOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "sk-or-test"

	set, err := BuildProviderSet(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildProviderSet failed: %v", err)
	}
	if _, err := set.Get("openrouter"); err != nil {
		t.Fatalf("expected openrouter to be configured: %v", err)
	}
	if _, name := set.Default(); name != "openrouter" {
		t.Fatalf("expected openrouter default, got %s", name)
	}
}

func TestBuildProviderSet_DefaultPriority(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Groq.APIKey = "gsk-test"
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"

	set, err := BuildProviderSet(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildProviderSet failed: %v", err)
	}
	if _, name := set.Default(); name != "anthropic" {
		t.Fatalf("expected anthropic to win default priority, got %s", name)
	}
}

func TestBuildProviderSet_ConfiguredDefaultWins(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Groq.APIKey = "gsk-test"
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	cfg.Agents.Defaults.Provider = "groq"

	set, err := BuildProviderSet(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildProviderSet failed: %v", err)
	}
	if _, name := set.Default(); name != "groq" {
		t.Fatalf("expected configured default groq, got %s", name)
	}
}

func TestProviderSet_GetAlias(t *testing.T) {
	set := &ProviderSet{providers: map[string]LLMProvider{}}
	set.Register("anthropic", &stubProvider{model: "claude-sonnet-4-5"})

	p, err := set.Get("claude")
	if err != nil {
		t.Fatalf("alias lookup failed: %v", err)
	}
	if p.GetDefaultModel() != "claude-sonnet-4-5" {
		t.Fatalf("unexpected provider resolved: %s", p.GetDefaultModel())
	}

	if _, err := set.Get("missing"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestProviderSet_ForModel(t *testing.T) {
	set := &ProviderSet{providers: map[string]LLMProvider{}}
	set.Register("groq", &stubProvider{model: "llama-3.3-70b-versatile"})
	set.Register("openrouter", &stubProvider{model: "anthropic/claude-sonnet-4.5"})
	set.defaultName = "groq"

	// Prefixed model resolves its provider, model string untouched:
	// each provider strips its own prefix.
	p, model, err := set.ForModel("groq/llama-3.1-8b-instant")
	if err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if model != "groq/llama-3.1-8b-instant" {
		t.Fatalf("expected model passthrough, got %s", model)
	}
	if p.GetDefaultModel() != "llama-3.3-70b-versatile" {
		t.Fatal("resolved wrong provider for groq prefix")
	}

	// OpenRouter model IDs contain slashes, so the set strips only the
	// leading openrouter/ segment.
	_, model, err = set.ForModel("openrouter/anthropic/claude-sonnet-4.5")
	if err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if model != "anthropic/claude-sonnet-4.5" {
		t.Fatalf("expected openrouter prefix stripped, got %s", model)
	}

	// Bare model falls back to the default provider.
	p, model, err = set.ForModel("llama-3.1-8b-instant")
	if err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if model != "llama-3.1-8b-instant" {
		t.Fatalf("expected bare model passthrough, got %s", model)
	}
	if p.GetDefaultModel() != "llama-3.3-70b-versatile" {
		t.Fatal("expected default provider for bare model")
	}

	// Unknown prefix also falls back to the default provider.
	p, _, err = set.ForModel("mystery/model-x")
	if err != nil {
		t.Fatalf("ForModel failed: %v", err)
	}
	if p.GetDefaultModel() != "llama-3.3-70b-versatile" {
		t.Fatal("expected default provider for unknown prefix")
	}
}
