// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
)

const dingtalkMessageLimit = 4000

// DingTalkChannel uses the stream-mode SDK. Replies go through the
// per-conversation session webhook, which is only handed to us on inbound
// messages, so the latest webhook per conversation is cached for sends.
type DingTalkChannel struct {
	BaseChannel
	cfg    config.DingTalkConfig
	client *client.StreamClient

	mu       sync.Mutex
	webhooks map[string]string
}

func NewDingTalkChannel(cfg config.DingTalkConfig, msgBus *bus.MessageBus) *DingTalkChannel {
	return &DingTalkChannel{
		BaseChannel: NewBaseChannel("dingtalk", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		webhooks:    make(map[string]string),
	}
}

func (d *DingTalkChannel) Start(ctx context.Context) error {
	cli := client.NewStreamClient(client.WithAppCredential(
		client.NewAppCredentialConfig(d.cfg.ClientID, d.cfg.ClientSecret)))
	cli.RegisterChatBotCallbackRouter(d.onMessage)

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("dingtalk stream: %w", err)
	}
	d.client = cli
	return nil
}

func (d *DingTalkChannel) Stop(ctx context.Context) error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}

func (d *DingTalkChannel) onMessage(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	text := strings.TrimSpace(data.Text.Content)
	if text == "" {
		return nil, nil
	}

	d.mu.Lock()
	d.webhooks[data.ConversationId] = data.SessionWebhook
	d.mu.Unlock()

	d.HandleMessage(data.SenderStaffId, data.ConversationId, text, nil, map[string]string{
		"message_id": data.MsgId,
	})
	return nil, nil
}

func (d *DingTalkChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	d.mu.Lock()
	webhook := d.webhooks[out.ChatID]
	d.mu.Unlock()
	if webhook == "" {
		return fmt.Errorf("dingtalk: no session webhook for conversation %q", out.ChatID)
	}

	replier := chatbot.NewChatbotReplier()
	for _, chunk := range splitMessage(out.Content, dingtalkMessageLimit) {
		if err := replier.SimpleReplyText(ctx, webhook, []byte(chunk)); err != nil {
			return fmt.Errorf("dingtalk send: %w", err)
		}
	}
	return nil
}
