package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agents.Defaults.Workspace != "~/.crewclaw/workspace" {
		t.Errorf("default workspace = %q", cfg.Agents.Defaults.Workspace)
	}
	if !cfg.Agents.Defaults.RestrictToWorkspace {
		t.Error("workspace restriction should default on")
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 18890 {
		t.Errorf("default gateway = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if !cfg.Routing.Classifier.Enabled || cfg.Routing.FallbackRoute != "chat" {
		t.Error("classifier should default enabled with chat fallback")
	}
	if cfg.Quota.Enabled || cfg.Quota.Backend != "memory" {
		t.Errorf("quota defaults = enabled=%v backend=%q", cfg.Quota.Enabled, cfg.Quota.Backend)
	}
	if cfg.Heartbeat.Interval != 30 {
		t.Errorf("heartbeat interval = %d, want 30", cfg.Heartbeat.Interval)
	}
	if cfg.Tools.Shell.TimeoutSeconds != 300 {
		t.Errorf("shell timeout = %d, want 300", cfg.Tools.Shell.TimeoutSeconds)
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig on a missing file: %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("missing file did not yield defaults, port = %d", cfg.Gateway.Port)
	}
}

func TestLoadConfig_JSONOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "agents": {"defaults": {"model": "qwen3:32b", "max_tokens": 4096}},
  "channels": {"telegram": {"enabled": true, "token": "123:abc", "allow_from": ["42", 99]}},
  "routing": {"fallback_route": "code"},
  "quota": {"enabled": true, "limits": {"llm": {"per_minute": 10, "per_day": 200}}}
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Agents.Defaults.Model != "qwen3:32b" || cfg.Agents.Defaults.MaxTokens != 4096 {
		t.Errorf("agent overrides not applied: %+v", cfg.Agents.Defaults)
	}
	if cfg.Agents.Defaults.Temperature != 0.7 {
		t.Errorf("untouched default lost, temperature = %v", cfg.Agents.Defaults.Temperature)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "123:abc" {
		t.Errorf("telegram overrides not applied: %+v", cfg.Channels.Telegram)
	}
	if got := cfg.Channels.Telegram.AllowFrom; len(got) != 2 || got[0] != "42" || got[1] != "99" {
		t.Errorf("allow_from = %v, want [42 99] as strings", got)
	}
	if cfg.Routing.FallbackRoute != "code" {
		t.Errorf("fallback route = %q", cfg.Routing.FallbackRoute)
	}
	if lim := cfg.QuotaLimitFor("llm"); lim.PerMinute != 10 || lim.PerDay != 200 {
		t.Errorf("llm quota = %+v", lim)
	}
	if lim := cfg.QuotaLimitFor("unlisted"); lim.PerMinute != 0 || lim.PerDay != 0 {
		t.Errorf("unlisted service should fall back to default, got %+v", lim)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("CREWCLAW_AGENTS_DEFAULTS_MODEL", "env-model")
	t.Setenv("CREWCLAW_PROVIDERS_ANTHROPIC_API_KEY", "sk-from-env")
	t.Setenv("CREWCLAW_QUOTA_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"agents": {"defaults": {"model": "file-model"}}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Agents.Defaults.Model != "env-model" {
		t.Errorf("env should win over file, model = %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("provider API key not read from env, got %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		t.Errorf("anthropic env leaked into openai: %q", cfg.Providers.OpenAI.APIKey)
	}
	if !cfg.Quota.Enabled {
		t.Error("quota enable flag not read from env")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"strings", `["alice", "bob"]`, []string{"alice", "bob"}, false},
		{"mixed numbers", `["123", 456]`, []string{"123", "456"}, false},
		{"empty", `[]`, []string{}, false},
		{"not an array", `"alice"`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexibleStringSlice
			err := json.Unmarshal([]byte(tt.input), &f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(f) != len(tt.want) {
				t.Fatalf("got %v, want %v", f, tt.want)
			}
			for i := range f {
				if f[i] != tt.want[i] {
					t.Errorf("entry %d = %q, want %q", i, f[i], tt.want[i])
				}
			}
		})
	}
}

func TestWorkspacePathExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents.Defaults.Workspace = "~/ws"

	got := cfg.WorkspacePath()
	if strings.HasPrefix(got, "~") {
		t.Errorf("WorkspacePath left the tilde in place: %q", got)
	}
	if !strings.HasSuffix(got, "/ws") {
		t.Errorf("WorkspacePath = %q, want .../ws", got)
	}

	cfg.Agents.Defaults.Workspace = "/abs/path"
	if got := cfg.WorkspacePath(); got != "/abs/path" {
		t.Errorf("absolute workspace rewritten to %q", got)
	}
}

func TestSessionsDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents.Defaults.Workspace = "/data/crewclaw/workspace"

	if got := cfg.SessionsDir(); got != "/data/crewclaw/sessions" {
		t.Errorf("derived sessions dir = %q, want /data/crewclaw/sessions", got)
	}

	cfg.Sessions.Dir = "/elsewhere/sessions"
	if got := cfg.SessionsDir(); got != "/elsewhere/sessions" {
		t.Errorf("explicit sessions dir = %q", got)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Agents.Defaults.Model = "round-trip"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after save: %v", err)
	}
	if loaded.Agents.Defaults.Model != "round-trip" {
		t.Errorf("model after round trip = %q", loaded.Agents.Defaults.Model)
	}
}
