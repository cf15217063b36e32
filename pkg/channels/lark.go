// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const larkMessageLimit = 4000

// LarkChannel connects over the long-lived websocket endpoint, so it works
// for both Lark and Feishu tenants without a public callback URL.
type LarkChannel struct {
	BaseChannel
	cfg    config.LarkConfig
	client *lark.Client
	cancel context.CancelFunc
}

func NewLarkChannel(cfg config.LarkConfig, msgBus *bus.MessageBus) *LarkChannel {
	return &LarkChannel{
		BaseChannel: NewBaseChannel("lark", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (l *LarkChannel) Start(ctx context.Context) error {
	l.client = lark.NewClient(l.cfg.AppID, l.cfg.AppSecret)

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			l.onMessage(event)
			return nil
		})

	wsClient := larkws.NewClient(l.cfg.AppID, l.cfg.AppSecret, larkws.WithEventHandler(handler))

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		if err := wsClient.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("channels", "lark websocket stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (l *LarkChannel) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

func (l *LarkChannel) onMessage(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message
	if deref(msg.MessageType) != "text" {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(deref(msg.Content)), &body); err != nil {
		logger.WarnCF("channels", "lark content parse failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	text := body.Text
	for _, mention := range msg.Mentions {
		if mention != nil && mention.Key != nil {
			text = strings.ReplaceAll(text, *mention.Key, "")
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = deref(event.Event.Sender.SenderId.OpenId)
	}

	l.HandleMessage(senderID, deref(msg.ChatId), text, nil, map[string]string{
		"message_id": deref(msg.MessageId),
	})
}

func (l *LarkChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	for _, chunk := range splitMessage(out.Content, larkMessageLimit) {
		content, err := json.Marshal(map[string]string{"text": chunk})
		if err != nil {
			return err
		}
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType("chat_id").
			Body(larkim.NewCreateMessageReqBodyBuilder().
				ReceiveId(out.ChatID).
				MsgType("text").
				Content(string(content)).
				Build()).
			Build()
		resp, err := l.client.Im.Message.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("lark send: %w", err)
		}
		if !resp.Success() {
			return fmt.Errorf("lark send: %s", resp.Msg)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
