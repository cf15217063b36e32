// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package bus

import (
	"context"
)

// InboundMessage is a user message normalized from any channel.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	SessionKey string            `json:"session_key"`
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply addressed back to a channel chat.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageBus decouples channel adapters from the agent loop. Both directions
// are buffered; a full buffer drops the oldest pending entry rather than
// blocking an adapter goroutine.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

const defaultBuffer = 100

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBuffer),
		outbound: make(chan OutboundMessage, defaultBuffer),
	}
}

// PublishInbound queues a message for the agent loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		// buffer full: drop the oldest so fresh input wins
		select {
		case <-b.inbound:
		default:
		}
		select {
		case b.inbound <- msg:
		default:
		}
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false when the context ended.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues a reply for delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		select {
		case <-b.outbound:
		default:
		}
		select {
		case b.outbound <- msg:
		default:
		}
	}
}

// ConsumeOutbound blocks until a reply is ready or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// InboundDepth reports queued inbound messages. Health checks use it.
func (b *MessageBus) InboundDepth() int {
	return len(b.inbound)
}

// OutboundDepth reports queued outbound messages.
func (b *MessageBus) OutboundDepth() int {
	return len(b.outbound)
}
