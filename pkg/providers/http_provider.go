// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

// HTTPProvider speaks the OpenAI-compatible chat completions protocol. It
// backs OpenRouter, Groq, DeepSeek, and local Ollama endpoints.
type HTTPProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	httpClient   *http.Client
}

const maxInlineImageBytes = 5 * 1024 * 1024

// imagePayloadAudit traces what happened to one media reference while the
// request was assembled. Kept until after the call so a timeout can be
// correlated with payload size or a file that vanished mid-flight.
type imagePayloadAudit struct {
	SourcePath            string
	URLType               string
	ImageURL              string
	ImageURLLength        int
	Included              bool
	LocalExistsBefore     bool
	LocalSizeBeforeBytes  int64
	DropReason            string
	LocalExistsAfterTimer *bool
	LocalSizeAfterBytes   *int64
}

func NewHTTPProvider(name, apiKey, apiBase, proxy, defaultModel string) *HTTPProvider {
	p := &HTTPProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			p.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	return p
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p.apiBase == "" {
		return nil, fmt.Errorf("API base not configured")
	}
	if model == "" {
		model = p.defaultModel
	}
	model = stripGatewayPrefix(model)

	wire, audits := wireMessages(messages)
	if len(audits) > 0 {
		logger.DebugCF("provider.http", "image payload audit", map[string]interface{}{
			"model":  model,
			"images": auditLogFields(audits),
		})
	}

	jsonData, err := json.Marshal(p.requestPayload(model, wire, tools, options))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logger.DebugCF("provider.http", "request sent", map[string]interface{}{
		"endpoint":       p.apiBase + "/chat/completions",
		"model":          model,
		"messages_count": len(messages),
	})

	resp, err := p.send(ctx, jsonData)
	if err != nil {
		p.logSendFailure(model, err, audits)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.WarnCF("provider.http", "response non-OK", map[string]interface{}{
			"model":        model,
			"status_code":  resp.StatusCode,
			"body_preview": truncateForLog(string(body), 200),
		})
		return nil, fmt.Errorf("API request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}

	llmResp, err := p.parseResponse(body)
	if err != nil {
		logger.WarnCF("provider.http", "response parse failed", map[string]interface{}{
			"model":        model,
			"error":        err.Error(),
			"body_preview": truncateForLog(string(body), 300),
		})
		return nil, err
	}

	logger.DebugCF("provider.http", "response parsed", map[string]interface{}{
		"model":         model,
		"content_len":   len(llmResp.Content),
		"tool_calls":    len(llmResp.ToolCalls),
		"finish_reason": llmResp.FinishReason,
	})
	return llmResp, nil
}

// stripGatewayPrefix drops gateway-style prefixes (groq/llama-x -> llama-x,
// ollama/qwen3:14b -> qwen3:14b). OpenRouter model IDs keep their slashes.
func stripGatewayPrefix(model string) string {
	prefix, rest, found := strings.Cut(model, "/")
	if found && (prefix == "groq" || prefix == "ollama") {
		return rest
	}
	return model
}

func (p *HTTPProvider) requestPayload(model string, wire []map[string]interface{}, tools []ToolDefinition, options map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"model":    model,
		"messages": wire,
	}

	// Ollama's OpenAI-compatible endpoint can default to very large context
	// windows, which may crash or time out under multimodal load.
	if strings.Contains(strings.ToLower(p.apiBase), ":11434") {
		payload["keep_alive"] = -1
		payload["options"] = map[string]interface{}{"num_ctx": 8192}
	}

	if len(tools) > 0 {
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	if maxTokens, ok := options["max_tokens"].(int); ok {
		key := "max_tokens"
		if strings.HasPrefix(strings.ToLower(model), "o1") {
			key = "max_completion_tokens"
		}
		payload[key] = maxTokens
	}
	if temperature, ok := options["temperature"].(float64); ok {
		payload["temperature"] = temperature
	}
	return payload
}

func (p *HTTPProvider) send(ctx context.Context, jsonBody []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.httpClient.Do(req)
}

// logSendFailure records a transport-level failure. After a timeout it
// re-stats local image files to tell "payload too large" apart from "file
// was cleaned up while the request was in flight".
func (p *HTTPProvider) logSendFailure(model string, err error, audits []imagePayloadAudit) {
	isTimeout := isTimeoutError(err)
	logger.WarnCF("provider.http", "request failed (no response received)", map[string]interface{}{
		"model":      model,
		"error":      err.Error(),
		"is_timeout": isTimeout,
	})
	if isTimeout && len(audits) > 0 {
		logger.WarnCF("provider.http", "image payload audit after timeout", map[string]interface{}{
			"model":  model,
			"images": auditLogFields(enrichAuditAfterTimeout(audits)),
		})
	}
}

// truncateForLog bounds a string for log output.
func truncateForLog(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// buildHTTPMessages is the audit-free variant for callers that do not track
// image payloads.
func buildHTTPMessages(messages []Message) []map[string]interface{} {
	out, _ := wireMessages(messages)
	return out
}

// wireMessages converts the provider-neutral history into the OpenAI wire
// shape. User messages carrying media become multipart content; everything
// else stays a plain string.
func wireMessages(messages []Message) ([]map[string]interface{}, []imagePayloadAudit) {
	out := make([]map[string]interface{}, 0, len(messages))
	var audits []imagePayloadAudit
	for _, msg := range messages {
		entry := map[string]interface{}{"role": msg.Role}

		if msg.Role == "user" && len(msg.Media) > 0 {
			parts, partAudits := multipartContent(msg)
			audits = append(audits, partAudits...)
			if len(parts) > 0 {
				entry["content"] = parts
			} else {
				entry["content"] = msg.Content
			}
		} else {
			entry["content"] = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			entry["tool_calls"] = toWireToolCalls(msg.ToolCalls)
		}
		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		out = append(out, entry)
	}
	return out, audits
}

// multipartContent renders a media-bearing user message as text plus
// image_url parts. Media that cannot be inlined is dropped from the parts
// but stays in the audit trail.
func multipartContent(msg Message) ([]map[string]interface{}, []imagePayloadAudit) {
	parts := make([]map[string]interface{}, 0, len(msg.Media)+1)
	audits := make([]imagePayloadAudit, 0, len(msg.Media))

	if strings.TrimSpace(msg.Content) != "" {
		parts = append(parts, map[string]interface{}{"type": "text", "text": msg.Content})
	}
	for _, media := range msg.Media {
		imageURL, audit, ok := toImageURLPayload(media)
		audits = append(audits, audit)
		if !ok {
			continue
		}
		parts = append(parts, map[string]interface{}{
			"type":      "image_url",
			"image_url": map[string]string{"url": imageURL},
		})
	}
	return parts, audits
}

// toWireToolCalls re-encodes decoded tool calls into the OpenAI wire shape,
// where arguments travel as a JSON string.
func toWireToolCalls(calls []ToolCall) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(calls))
	for _, tc := range calls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, map[string]interface{}{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(args),
			},
		})
	}
	return out
}

func toImageURLPayload(media MediaRef) (string, imagePayloadAudit, bool) {
	path := strings.TrimSpace(media.Path)
	audit := imagePayloadAudit{SourcePath: path}

	if path == "" {
		audit.DropReason = "empty_path"
		return "", audit, false
	}
	if isRemoteURL(path) {
		audit.URLType = "remote_url"
		audit.ImageURL = path
		audit.ImageURLLength = len(path)
		audit.Included = true
		return path, audit, true
	}

	audit.URLType = "data_uri"
	if st, err := os.Stat(path); err == nil {
		audit.LocalExistsBefore = true
		audit.LocalSizeBeforeBytes = st.Size()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		audit.DropReason = "read_failed"
		return "", audit, false
	}
	// Keep payload bounded for API compatibility.
	if len(data) > maxInlineImageBytes {
		audit.DropReason = "file_too_large"
		return "", audit, false
	}
	if !audit.LocalExistsBefore {
		audit.LocalExistsBefore = true
		audit.LocalSizeBeforeBytes = int64(len(data))
	}

	mimeType := imageMIME(media.MIMEType, path)
	uri := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	audit.ImageURL = fmt.Sprintf("data:%s;base64,[omitted]", mimeType)
	audit.ImageURLLength = len(uri)
	audit.Included = true
	return uri, audit, true
}

func isRemoteURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// imageMIME resolves the declared MIME type, falling back to the file
// extension, then to a generic octet stream.
func imageMIME(declared, path string) string {
	if mt := strings.TrimSpace(declared); mt != "" {
		return mt
	}
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func auditLogFields(entries []imagePayloadAudit) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.logFields())
	}
	return out
}

func (a imagePayloadAudit) logFields() map[string]interface{} {
	fields := map[string]interface{}{
		"source_path":             a.SourcePath,
		"url_type":                a.URLType,
		"image_url":               a.ImageURL,
		"image_url_length":        a.ImageURLLength,
		"included":                a.Included,
		"local_exists_before":     a.LocalExistsBefore,
		"local_size_before_bytes": a.LocalSizeBeforeBytes,
		"drop_reason":             a.DropReason,
	}
	if a.LocalExistsAfterTimer != nil {
		fields["local_exists_after_timeout"] = *a.LocalExistsAfterTimer
	}
	if a.LocalSizeAfterBytes != nil {
		fields["local_size_after_timeout_bytes"] = *a.LocalSizeAfterBytes
	}
	return fields
}

// enrichAuditAfterTimeout re-checks local image files after a timed-out
// request. Remote URLs are skipped.
func enrichAuditAfterTimeout(entries []imagePayloadAudit) []imagePayloadAudit {
	out := make([]imagePayloadAudit, len(entries))
	copy(out, entries)
	for i := range out {
		path := strings.TrimSpace(out[i].SourcePath)
		if path == "" || isRemoteURL(path) {
			continue
		}
		st, err := os.Stat(path)
		switch {
		case err == nil:
			exists, size := true, st.Size()
			out[i].LocalExistsAfterTimer = &exists
			out[i].LocalSizeAfterBytes = &size
		case os.IsNotExist(err):
			exists := false
			out[i].LocalExistsAfterTimer = &exists
		}
	}
	return out
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "context deadline exceeded")
}

type completionEnvelope struct {
	Choices []completionChoice `json:"choices"`
	Usage   *UsageInfo         `json:"usage"`
}

type completionChoice struct {
	Message struct {
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (p *HTTPProvider) parseResponse(body []byte) (*LLMResponse, error) {
	var envelope completionEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop"}, nil
	}

	choice := envelope.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function == nil {
			continue
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeToolArguments(tc.Function.Arguments),
		})
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage:        envelope.Usage,
	}, nil
}

// decodeToolArguments decodes a JSON argument string, keeping invalid JSON
// under a raw key so the tool layer still sees what the model sent.
func decodeToolArguments(raw string) map[string]interface{} {
	args := make(map[string]interface{})
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return args
}

func (p *HTTPProvider) GetDefaultModel() string {
	return p.defaultModel
}

// Name identifies the provider instance for quota accounting and health.
func (p *HTTPProvider) Name() string {
	return p.name
}
