// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

// Channel is one chat transport: it turns platform events into inbound bus
// messages and delivers outbound bus messages back to the platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseChannel carries what every transport shares: the name, the bus, and
// the sender allowlist.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{name: name, bus: msgBus, allowFrom: allowed}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed reports whether a sender passes the allowlist. An empty
// allowlist admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	return b.allowFrom[senderID]
}

// HandleMessage runs the allowlist and publishes the message inbound with
// the canonical "channel:chatID" session key.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !b.IsAllowed(senderID) {
		logger.WarnCF("channels", "message dropped by allowlist", map[string]interface{}{
			"channel": b.name,
			"sender":  senderID,
		})
		return
	}
	b.bus.PublishInbound(bus.InboundMessage{
		Channel:    b.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: b.name + ":" + chatID,
		Media:      media,
		Metadata:   metadata,
	})
}

// splitMessage breaks content into chunks of at most limit runes, preferring
// to cut at a line break so code blocks and lists stay readable.
func splitMessage(content string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for utf8.RuneCountInString(remaining) > limit {
		runes := []rune(remaining)
		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut < limit/2 {
			cut = len(window)
		}
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
