// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/oauth2"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicProvider wraps the official SDK. Unlike the generic HTTP path it
// speaks the native Messages API, so system prompts and tool results use
// Anthropic's own wire shapes.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// NewAnthropicProviderWithTokenSource builds a provider that authenticates
// with an OAuth bearer token (claude.ai subscription auth) instead of an
// API key. The token is resolved once; expired tokens refresh through ts.
func NewAnthropicProviderWithTokenSource(ctx context.Context, ts oauth2.TokenSource, defaultModel string) (*AnthropicProvider, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve anthropic token: %w", err)
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAuthToken(tok.AccessToken)),
		defaultModel: defaultModel,
	}, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	model = strings.TrimPrefix(model, "anthropic/")

	maxTokens := defaultAnthropicMaxTokens
	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		maxTokens = mt
	}

	system, converted := buildAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = buildAnthropicTools(tools)
	}

	logger.DebugCF("provider.anthropic", "request sent", map[string]interface{}{
		"model":          model,
		"messages_count": len(converted),
		"tools_count":    len(tools),
	})

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var textParts []string
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			textParts = append(textParts, variant.Text)
		case anthropic.ToolUseBlock:
			args := make(map[string]interface{})
			raw := variant.JSON.Input.Raw()
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]interface{}{"raw": raw}
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}

	return &LLMResponse{
		Content:      strings.Join(textParts, "\n"),
		ToolCalls:    toolCalls,
		FinishReason: anthropicFinishReason(string(resp.StopReason)),
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) GetDefaultModel() string {
	return p.defaultModel
}

// buildAnthropicMessages converts the neutral transcript into Messages API
// params. System messages come back as a separate prompt string, tool
// responses become user-role tool_result blocks.
func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.Media))
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, media := range msg.Media {
				if block, ok := anthropicImageBlock(media); ok {
					blocks = append(blocks, block)
				}
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return strings.Join(systemParts, "\n\n"), out
}

func anthropicImageBlock(media MediaRef) (anthropic.ContentBlockParamUnion, bool) {
	path := strings.TrimSpace(media.Path)
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		// Remote URLs are not inlined here; the caller should fetch first.
		return anthropic.ContentBlockParamUnion{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) > maxInlineImageBytes {
		return anthropic.ContentBlockParamUnion{}, false
	}
	mimeType := strings.TrimSpace(media.MIMEType)
	if mimeType == "" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return anthropic.ContentBlockParamUnion{}, false
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return anthropic.NewImageBlockBase64(mimeType, encoded), true
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.Function.Parameters["properties"].(map[string]interface{}); ok {
			schema.Properties = props
		}
		if reqRaw, ok := tool.Function.Parameters["required"].([]string); ok {
			schema.Required = reqRaw
		} else if reqAny, ok := tool.Function.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(reqAny))
			for _, r := range reqAny {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			schema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Function.Name,
				Description: anthropic.String(tool.Function.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}
