// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	copilot "github.com/github/copilot-sdk/go"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

// CopilotProvider drives the GitHub Copilot CLI through its SDK. The CLI
// process is started lazily on first use and kept alive for the lifetime
// of the provider. Tool definitions are ignored: the CLI runs its own
// agentic loop with its own tools.
//
// Requires the Copilot CLI: https://github.com/github/copilot-cli
type CopilotProvider struct {
	cliPath      string
	defaultModel string

	mu      sync.Mutex
	client  *copilot.Client
	started bool
}

func NewCopilotProvider(cliPath, defaultModel string) *CopilotProvider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4.5"
	}
	return &CopilotProvider{
		cliPath:      cliPath,
		defaultModel: defaultModel,
	}
}

func (p *CopilotProvider) ensureStarted() (*copilot.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return p.client, nil
	}
	opts := &copilot.ClientOptions{}
	if p.cliPath != "" {
		opts.CLIPath = p.cliPath
	}
	client := copilot.NewClient(opts)
	if err := client.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start copilot CLI: %w", err)
	}
	p.client = client
	p.started = true
	logger.InfoCF("provider.copilot", "copilot CLI started", map[string]interface{}{
		"cli_path": p.cliPath,
	})
	return client, nil
}

// Close stops the underlying CLI process.
func (p *CopilotProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.client == nil {
		return nil
	}
	p.started = false
	return p.client.Stop()
}

func (p *CopilotProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	client, err := p.ensureStarted()
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = p.defaultModel
	}
	model = strings.TrimPrefix(model, "copilot/")

	session, err := client.CreateSession(ctx, &copilot.SessionConfig{
		Model: model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create copilot session: %w", err)
	}
	defer session.Destroy()

	prompt := flattenTranscript(messages)
	event, err := session.SendAndWait(ctx, copilot.MessageOptions{
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("copilot request failed: %w", err)
	}

	content := ""
	if event != nil && event.Data.Content != nil {
		content = *event.Data.Content
	}

	return &LLMResponse{
		Content:      content,
		FinishReason: "stop",
	}, nil
}

func (p *CopilotProvider) GetDefaultModel() string {
	return p.defaultModel
}

// flattenTranscript folds a structured transcript into a single prompt.
// The CLI keeps no server-side conversation state between our sessions,
// so prior turns travel inline.
func flattenTranscript(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case "system":
			b.WriteString("[instructions]\n")
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		case "assistant":
			b.WriteString("[assistant]\n")
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		case "tool":
			// Tool output from our own loop; surfaced as context.
			b.WriteString("[tool output]\n")
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		default:
			b.WriteString("[user]\n")
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}
