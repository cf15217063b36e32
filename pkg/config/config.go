// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents     AgentsConfig     `json:"agents"`
	Channels   ChannelsConfig   `json:"channels"`
	Providers  ProvidersConfig  `json:"providers"`
	Gateway    GatewayConfig    `json:"gateway"`
	Tools      ToolsConfig      `json:"tools"`
	Routing    RoutingConfig    `json:"routing"`
	Quota      QuotaConfig      `json:"quota"`
	Reflection ReflectionConfig `json:"reflection"`
	Delegation DelegationConfig `json:"delegation"`
	Sessions   SessionsConfig   `json:"sessions"`
	Loop       LoopConfig       `json:"loop"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	MCP        MCPConfig        `json:"mcp"`
	Logging    LoggingConfig    `json:"logging"`
	mu         sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace           string  `json:"workspace" env:"CREWCLAW_AGENTS_DEFAULTS_WORKSPACE"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace" env:"CREWCLAW_AGENTS_DEFAULTS_RESTRICT_TO_WORKSPACE"`
	Provider            string  `json:"provider" env:"CREWCLAW_AGENTS_DEFAULTS_PROVIDER"`
	Model               string  `json:"model" env:"CREWCLAW_AGENTS_DEFAULTS_MODEL"`
	MaxTokens           int     `json:"max_tokens" env:"CREWCLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"CREWCLAW_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxToolIterations   int     `json:"max_tool_iterations" env:"CREWCLAW_AGENTS_DEFAULTS_MAX_TOOL_ITERATIONS"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Lark     LarkConfig     `json:"lark"`
	Discord  DiscordConfig  `json:"discord"`
	QQ       QQConfig       `json:"qq"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	Slack    SlackConfig    `json:"slack"`
	Line     LineConfig     `json:"line"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string              `json:"bridge_url" env:"CREWCLAW_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"CREWCLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type LarkConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_LARK_ENABLED"`
	AppID     string              `json:"app_id" env:"CREWCLAW_CHANNELS_LARK_APP_ID"`
	AppSecret string              `json:"app_secret" env:"CREWCLAW_CHANNELS_LARK_APP_SECRET"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_LARK_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"CREWCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
}

type QQConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_QQ_ENABLED"`
	AppID     string              `json:"app_id" env:"CREWCLAW_CHANNELS_QQ_APP_ID"`
	AppSecret string              `json:"app_secret" env:"CREWCLAW_CHANNELS_QQ_APP_SECRET"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_QQ_ALLOW_FROM"`
}

type DingTalkConfig struct {
	Enabled      bool                `json:"enabled" env:"CREWCLAW_CHANNELS_DINGTALK_ENABLED"`
	ClientID     string              `json:"client_id" env:"CREWCLAW_CHANNELS_DINGTALK_CLIENT_ID"`
	ClientSecret string              `json:"client_secret" env:"CREWCLAW_CHANNELS_DINGTALK_CLIENT_SECRET"`
	AllowFrom    FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_DINGTALK_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"CREWCLAW_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"CREWCLAW_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"CREWCLAW_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_SLACK_ALLOW_FROM"`
}

// LineConfig drives the LINE Messaging API webhook. Unlike the other
// channels this one needs a publicly reachable listen address.
type LineConfig struct {
	Enabled       bool                `json:"enabled" env:"CREWCLAW_CHANNELS_LINE_ENABLED"`
	ChannelSecret string              `json:"channel_secret" env:"CREWCLAW_CHANNELS_LINE_CHANNEL_SECRET"`
	AccessToken   string              `json:"access_token" env:"CREWCLAW_CHANNELS_LINE_ACCESS_TOKEN"`
	ListenAddr    string              `json:"listen_addr" env:"CREWCLAW_CHANNELS_LINE_LISTEN_ADDR"`
	AllowFrom     FlexibleStringSlice `json:"allow_from" env:"CREWCLAW_CHANNELS_LINE_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic" envPrefix:"CREWCLAW_PROVIDERS_ANTHROPIC_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"CREWCLAW_PROVIDERS_OPENAI_"`
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"CREWCLAW_PROVIDERS_OPENROUTER_"`
	Groq       ProviderConfig `json:"groq" envPrefix:"CREWCLAW_PROVIDERS_GROQ_"`
	DeepSeek   ProviderConfig `json:"deepseek" envPrefix:"CREWCLAW_PROVIDERS_DEEPSEEK_"`
	Ollama     ProviderConfig `json:"ollama" envPrefix:"CREWCLAW_PROVIDERS_OLLAMA_"`
	Copilot    ProviderConfig `json:"copilot" envPrefix:"CREWCLAW_PROVIDERS_COPILOT_"`
}

type ProviderConfig struct {
	APIKey     string `json:"api_key" env:"API_KEY"`
	APIBase    string `json:"api_base" env:"API_BASE"`
	Proxy      string `json:"proxy,omitempty" env:"PROXY"`
	AuthMethod string `json:"auth_method,omitempty" env:"AUTH_METHOD"`
	CLIPath    string `json:"cli_path,omitempty" env:"CLI_PATH"` // copilot only: where the copilot CLI lives
}

type GatewayConfig struct {
	Host string `json:"host" env:"CREWCLAW_GATEWAY_HOST"`
	Port int    `json:"port" env:"CREWCLAW_GATEWAY_PORT"`
}

type WebToolsConfig struct {
	MaxResults     int `json:"max_results" env:"CREWCLAW_TOOLS_WEB_MAX_RESULTS"`
	FetchMaxBytes  int `json:"fetch_max_bytes" env:"CREWCLAW_TOOLS_WEB_FETCH_MAX_BYTES"`
	TimeoutSeconds int `json:"timeout_seconds" env:"CREWCLAW_TOOLS_WEB_TIMEOUT_SECONDS"`
}

type ShellToolsConfig struct {
	Allow          FlexibleStringSlice `json:"allow" env:"CREWCLAW_TOOLS_SHELL_ALLOW"`
	TimeoutSeconds int                 `json:"timeout_seconds" env:"CREWCLAW_TOOLS_SHELL_TIMEOUT_SECONDS"`
}

type CronToolsConfig struct {
	ExecTimeoutMinutes int `json:"exec_timeout_minutes" env:"CREWCLAW_TOOLS_CRON_EXEC_TIMEOUT_MINUTES"` // 0 means no timeout
}

type ToolsConfig struct {
	Web   WebToolsConfig   `json:"web"`
	Shell ShellToolsConfig `json:"shell"`
	Cron  CronToolsConfig  `json:"cron"`
}

// ModelRef pins one provider/model pair for a route.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type RoutingConfig struct {
	Classifier    RoutingClassifierConfig `json:"classifier"`
	FallbackRoute string                  `json:"fallback_route" env:"CREWCLAW_ROUTING_FALLBACK_ROUTE"`
	Routes        RouteModelsConfig       `json:"routes"`
	// Fallbacks maps a model name to the model tried next when it is
	// unhealthy. Chains may be several hops long; cycles are tolerated.
	Fallbacks map[string]string   `json:"fallbacks"`
	Health    RouteHealthConfig   `json:"health"`
	Overrides map[string]ModelRef `json:"overrides"`
}

type RoutingClassifierConfig struct {
	Enabled              bool    `json:"enabled" env:"CREWCLAW_ROUTING_CLASSIFIER_ENABLED"`
	UseLLM               bool    `json:"use_llm" env:"CREWCLAW_ROUTING_CLASSIFIER_USE_LLM"`
	MinConfidence        float64 `json:"min_confidence" env:"CREWCLAW_ROUTING_CLASSIFIER_MIN_CONFIDENCE"`
	MinConfidenceForCode float64 `json:"min_confidence_for_code" env:"CREWCLAW_ROUTING_CLASSIFIER_MIN_CONFIDENCE_FOR_CODE"`
}

type RouteModelsConfig struct {
	Chat      ModelRef `json:"chat"`
	Code      ModelRef `json:"code"`
	Vision    ModelRef `json:"vision"`
	Reasoning ModelRef `json:"reasoning"`
	Summary   ModelRef `json:"summary"`
}

type RouteHealthConfig struct {
	Enabled          bool    `json:"enabled" env:"CREWCLAW_ROUTING_HEALTH_ENABLED"`
	ProbeIntervalSec int     `json:"probe_interval_sec" env:"CREWCLAW_ROUTING_HEALTH_PROBE_INTERVAL_SEC"`
	MaxErrorRate     float64 `json:"max_error_rate" env:"CREWCLAW_ROUTING_HEALTH_MAX_ERROR_RATE"`
}

type QuotaConfig struct {
	Enabled bool        `json:"enabled" env:"CREWCLAW_QUOTA_ENABLED"`
	Backend string      `json:"backend" env:"CREWCLAW_QUOTA_BACKEND"` // "memory" or "redis"
	Prefix  string      `json:"prefix" env:"CREWCLAW_QUOTA_PREFIX"`
	Redis   RedisConfig `json:"redis"`
	// Limits maps a service name to its windows. A missing service falls
	// back to Default; values <= 0 mean unlimited.
	Limits  map[string]QuotaLimitConfig `json:"limits"`
	Default QuotaLimitConfig            `json:"default"`
}

type QuotaLimitConfig struct {
	PerMinute int `json:"per_minute" env:"CREWCLAW_QUOTA_DEFAULT_PER_MINUTE"`
	PerDay    int `json:"per_day" env:"CREWCLAW_QUOTA_DEFAULT_PER_DAY"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"CREWCLAW_QUOTA_REDIS_ADDR"`
	Password string `json:"password" env:"CREWCLAW_QUOTA_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"CREWCLAW_QUOTA_REDIS_DB"`
}

type ReflectionConfig struct {
	Enabled             bool     `json:"enabled" env:"CREWCLAW_REFLECTION_ENABLED"`
	Judge               ModelRef `json:"judge"`
	AcceptableThreshold float64  `json:"acceptable_threshold" env:"CREWCLAW_REFLECTION_ACCEPTABLE_THRESHOLD"`
	CriticalThreshold   float64  `json:"critical_threshold" env:"CREWCLAW_REFLECTION_CRITICAL_THRESHOLD"`
	MaxRetries          int      `json:"max_retries" env:"CREWCLAW_REFLECTION_MAX_RETRIES"`
	Escalation          ModelRef `json:"escalation"`
}

type DelegationConfig struct {
	Enabled     bool           `json:"enabled" env:"CREWCLAW_DELEGATION_ENABLED"`
	MaxParallel int            `json:"max_parallel" env:"CREWCLAW_DELEGATION_MAX_PARALLEL"`
	Workers     []WorkerConfig `json:"workers"`
}

type WorkerConfig struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	SystemPrompt string              `json:"system_prompt"`
	AllowedTools FlexibleStringSlice `json:"allowed_tools"`
	DeniedTools  FlexibleStringSlice `json:"denied_tools"`
}

type SessionsConfig struct {
	Dir                string `json:"dir" env:"CREWCLAW_SESSIONS_DIR"`
	SummarizeThreshold int    `json:"summarize_threshold" env:"CREWCLAW_SESSIONS_SUMMARIZE_THRESHOLD"`
	KeepRecent         int    `json:"keep_recent" env:"CREWCLAW_SESSIONS_KEEP_RECENT"`
	MaxTurns           int    `json:"max_turns" env:"CREWCLAW_SESSIONS_MAX_TURNS"`
}

type LoopConfig struct {
	MaxLoops  int `json:"max_loops" env:"CREWCLAW_LOOP_MAX_LOOPS"`
	MaxMillis int `json:"max_millis" env:"CREWCLAW_LOOP_MAX_MILLIS"`
}

type HeartbeatConfig struct {
	Enabled  bool `json:"enabled" env:"CREWCLAW_HEARTBEAT_ENABLED"`
	Interval int  `json:"interval" env:"CREWCLAW_HEARTBEAT_INTERVAL"` // minutes, min 5
}

// MCPConfig lists external MCP servers whose tools are bridged into the
// agent's registry at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"CREWCLAW_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"CREWCLAW_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.crewclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "",
				Model:               "",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:   false,
				BridgeURL: "ws://localhost:3001",
				AllowFrom: FlexibleStringSlice{},
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Lark: LarkConfig{
				Enabled:   false,
				AppID:     "",
				AppSecret: "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			QQ: QQConfig{
				Enabled:   false,
				AppID:     "",
				AppSecret: "",
				AllowFrom: FlexibleStringSlice{},
			},
			DingTalk: DingTalkConfig{
				Enabled:      false,
				ClientID:     "",
				ClientSecret: "",
				AllowFrom:    FlexibleStringSlice{},
			},
			Slack: SlackConfig{
				Enabled:   false,
				BotToken:  "",
				AppToken:  "",
				AllowFrom: FlexibleStringSlice{},
			},
			Line: LineConfig{
				Enabled:    false,
				ListenAddr: ":8090",
				AllowFrom:  FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			Anthropic:  ProviderConfig{},
			OpenAI:     ProviderConfig{},
			OpenRouter: ProviderConfig{},
			Groq:       ProviderConfig{},
			DeepSeek:   ProviderConfig{},
			Ollama:     ProviderConfig{},
			Copilot:    ProviderConfig{},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				MaxResults:     5,
				FetchMaxBytes:  512 * 1024,
				TimeoutSeconds: 30,
			},
			Shell: ShellToolsConfig{
				Allow:          FlexibleStringSlice{},
				TimeoutSeconds: 300,
			},
			Cron: CronToolsConfig{
				ExecTimeoutMinutes: 5, // default 5 minutes for LLM operations
			},
		},
		Routing: RoutingConfig{
			Classifier: RoutingClassifierConfig{
				Enabled:              true,
				UseLLM:               false,
				MinConfidence:        0.6,
				MinConfidenceForCode: 0.8,
			},
			FallbackRoute: "chat",
			Routes:        RouteModelsConfig{},
			Fallbacks:     map[string]string{},
			Health: RouteHealthConfig{
				Enabled:          true,
				ProbeIntervalSec: 300,
				MaxErrorRate:     0.5,
			},
			Overrides: map[string]ModelRef{},
		},
		Quota: QuotaConfig{
			Enabled: false,
			Backend: "memory",
			Prefix:  "crewclaw:quota",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Limits: map[string]QuotaLimitConfig{},
			Default: QuotaLimitConfig{
				PerMinute: 0,
				PerDay:    0,
			},
		},
		Reflection: ReflectionConfig{
			Enabled:             false,
			AcceptableThreshold: 0.7,
			CriticalThreshold:   0.4,
			MaxRetries:          2,
		},
		Delegation: DelegationConfig{
			Enabled:     true,
			MaxParallel: 5,
			Workers:     []WorkerConfig{},
		},
		Sessions: SessionsConfig{
			Dir:                "",
			SummarizeThreshold: 50,
			KeepRecent:         10,
			MaxTurns:           200,
		},
		Loop: LoopConfig{
			MaxLoops:  3,
			MaxMillis: 25000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 30, // default 30 minutes
		},
		MCP: MCPConfig{
			Servers: []MCPServerConfig{},
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// SessionsDir returns the configured session directory, defaulting to
// <workspace>/../sessions when unset.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	dir := c.Sessions.Dir
	c.mu.RUnlock()
	if dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(filepath.Dir(c.WorkspacePath()), "sessions")
}

// QuotaLimitFor resolves the limit windows for a service, falling back to
// the default block when the service has no entry.
func (c *Config) QuotaLimitFor(service string) QuotaLimitConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if lim, ok := c.Quota.Limits[service]; ok {
		return lim
	}
	return c.Quota.Default
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
