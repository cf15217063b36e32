// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package tools

import (
	"context"
	"strings"
	"sync"
)

// SendCallback delivers a message to a channel. Wired to the bus by the
// gateway so the tool package stays transport-free.
type SendCallback func(channel, chatID, content string) error

// MessageTool lets the LLM push a message to the user mid-task. The loop
// checks HasSentInRound to avoid sending the final response twice.
type MessageTool struct {
	mu          sync.Mutex
	callback    SendCallback
	channel     string
	chatID      string
	sentInRound bool
}

func NewMessageTool() *MessageTool {
	return &MessageTool{}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the task finishes. Use sparingly for progress updates or intermediate findings."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) SetSendCallback(cb SendCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
}

func (t *MessageTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
	// a new context starts a new round
	t.sentInRound = false
}

// HasSentInRound reports whether the tool already delivered a message in
// the current round.
func (t *MessageTool) HasSentInRound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentInRound
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content := strings.TrimSpace(stringArg(args, "content"))
	if content == "" {
		return ErrorResult("content is required")
	}

	t.mu.Lock()
	cb := t.callback
	channel := t.channel
	chatID := t.chatID
	t.mu.Unlock()

	if cb == nil {
		return ErrorResult("message delivery is not configured")
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no active channel for message delivery")
	}

	if err := cb(channel, chatID, content); err != nil {
		return ErrorResultf("failed to send message: %v", err)
	}

	t.mu.Lock()
	t.sentInRound = true
	t.mu.Unlock()

	return SilentResult("Message sent to user.")
}
