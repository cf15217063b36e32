// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/crewclaw/crewclaw/pkg/auth"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	groqBaseURL       = "https://api.groq.com/openai/v1"
	deepseekBaseURL   = "https://api.deepseek.com/v1"
)

// Provider priority when no explicit default is configured.
var providerPriority = []string{"anthropic", "openai", "openrouter", "deepseek", "groq", "ollama", "copilot"}

// ProviderSet holds every configured provider keyed by canonical name.
// The router picks a provider by name; the set resolves the instance.
type ProviderSet struct {
	mu          sync.RWMutex
	providers   map[string]LLMProvider
	defaultName string
}

// NormalizeProviderName folds aliases onto canonical provider names.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "claude":
		return "anthropic"
	case "codex", "gpt":
		return "openai"
	default:
		return name
	}
}

// BuildProviderSet constructs providers for every configured backend.
// A backend counts as configured when it has credentials (or, for
// ollama, an endpoint; for copilot, a CLI path or auth_method "cli").
func BuildProviderSet(ctx context.Context, cfg *config.Config) (*ProviderSet, error) {
	set := &ProviderSet{providers: make(map[string]LLMProvider)}

	if pc := cfg.Providers.Anthropic; pc.APIKey != "" || pc.AuthMethod == "oauth" {
		p, err := buildAnthropic(ctx, pc)
		if err != nil {
			return nil, err
		}
		set.providers["anthropic"] = p
	}
	if pc := cfg.Providers.OpenAI; pc.APIKey != "" {
		set.providers["openai"] = NewOpenAIProvider(pc.APIKey, pc.APIBase, "gpt-4o")
	}
	if pc := cfg.Providers.OpenRouter; pc.APIKey != "" {
		base := pc.APIBase
		if base == "" {
			base = openRouterBaseURL
		}
		set.providers["openrouter"] = NewHTTPProvider("openrouter", pc.APIKey, base, pc.Proxy, "anthropic/claude-sonnet-4.5")
	}
	if pc := cfg.Providers.Groq; pc.APIKey != "" {
		base := pc.APIBase
		if base == "" {
			base = groqBaseURL
		}
		set.providers["groq"] = NewHTTPProvider("groq", pc.APIKey, base, pc.Proxy, "llama-3.3-70b-versatile")
	}
	if pc := cfg.Providers.DeepSeek; pc.APIKey != "" {
		base := pc.APIBase
		if base == "" {
			base = deepseekBaseURL
		}
		set.providers["deepseek"] = NewHTTPProvider("deepseek", pc.APIKey, base, pc.Proxy, "deepseek-chat")
	}
	if pc := cfg.Providers.Ollama; pc.APIBase != "" {
		set.providers["ollama"] = NewHTTPProvider("ollama", pc.APIKey, pc.APIBase, pc.Proxy, "qwen3:14b")
	}
	if pc := cfg.Providers.Copilot; pc.CLIPath != "" || pc.AuthMethod == "cli" {
		set.providers["copilot"] = NewCopilotProvider(pc.CLIPath, "")
	}

	if len(set.providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured. Set an API key in ~/.crewclaw/config.json or via CREWCLAW_PROVIDERS_* env vars")
	}

	set.defaultName = pickDefault(cfg.Agents.Defaults.Provider, set.providers)

	logger.InfoCF("provider", "provider set ready", map[string]interface{}{
		"providers": set.Names(),
		"default":   set.defaultName,
	})
	return set, nil
}

func buildAnthropic(ctx context.Context, pc config.ProviderConfig) (LLMProvider, error) {
	const defaultModel = "claude-sonnet-4-5"
	if pc.AuthMethod == "oauth" {
		ts, err := auth.TokenSource(ctx, "anthropic")
		if err != nil {
			return nil, fmt.Errorf("no credentials for anthropic. Run: crewclaw auth login --provider anthropic")
		}
		return NewAnthropicProviderWithTokenSource(ctx, ts, defaultModel)
	}
	return NewAnthropicProvider(pc.APIKey, pc.APIBase, defaultModel), nil
}

func pickDefault(configured string, providers map[string]LLMProvider) string {
	if name := NormalizeProviderName(configured); name != "" {
		if _, ok := providers[name]; ok {
			return name
		}
	}
	for _, name := range providerPriority {
		if _, ok := providers[name]; ok {
			return name
		}
	}
	// Unreachable while providerPriority covers every buildable backend.
	for name := range providers {
		return name
	}
	return ""
}

// Get resolves a provider by name or alias.
func (s *ProviderSet) Get(name string) (LLMProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical := NormalizeProviderName(name)
	if p, ok := s.providers[canonical]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q is not configured (available: %s)", name, strings.Join(s.namesLocked(), ", "))
}

// Default returns the default provider and its canonical name.
func (s *ProviderSet) Default() (LLMProvider, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[s.defaultName], s.defaultName
}

// ForModel resolves "provider/model" references. When the first path
// segment names a configured provider the rest of the string is the model
// id, so "openrouter/anthropic/claude-sonnet-4.5" leaves "anthropic/..."
// for the OpenRouter side. A bare model string, or a prefix that matches
// no configured provider, maps to the default provider with the string
// passed through unchanged.
func (s *ProviderSet) ForModel(model string) (LLMProvider, string, error) {
	if idx := strings.Index(model, "/"); idx > 0 {
		prefix := NormalizeProviderName(model[:idx])
		s.mu.RLock()
		p, ok := s.providers[prefix]
		s.mu.RUnlock()
		if ok {
			return p, model[idx+1:], nil
		}
	}
	p, _ := s.Default()
	if p == nil {
		return nil, "", fmt.Errorf("no default provider available")
	}
	return p, model, nil
}

// Register adds or replaces a provider. Used by tests and by subagent
// dispatch when a worker profile pins its own backend.
func (s *ProviderSet) Register(name string, p LLMProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[NormalizeProviderName(name)] = p
	if s.defaultName == "" {
		s.defaultName = NormalizeProviderName(name)
	}
}

// Names returns the configured provider names, sorted.
func (s *ProviderSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *ProviderSet) namesLocked() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases providers that hold OS resources (the copilot CLI).
func (s *ProviderSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.providers {
		if closer, ok := p.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.WarnCF("provider", "provider close failed", map[string]interface{}{
					"provider": name,
					"error":    err.Error(),
				})
			}
		}
	}
}
