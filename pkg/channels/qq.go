// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const qqMessageLimit = 2000

// QQChannel handles guild @-mentions through the official bot gateway.
// The platform only lets bots speak as a reply to a recent message, so
// the last inbound message id per channel is cached and attached to sends.
type QQChannel struct {
	BaseChannel
	cfg config.QQConfig
	api openapi.OpenAPI

	mu         sync.Mutex
	lastMsgIDs map[string]string
}

func NewQQChannel(cfg config.QQConfig, msgBus *bus.MessageBus) *QQChannel {
	return &QQChannel{
		BaseChannel: NewBaseChannel("qq", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		lastMsgIDs:  make(map[string]string),
	}
}

func (q *QQChannel) Start(ctx context.Context) error {
	appID, err := strconv.ParseUint(q.cfg.AppID, 10, 64)
	if err != nil {
		return fmt.Errorf("qq app id %q: %w", q.cfg.AppID, err)
	}
	botToken := token.BotToken(appID, q.cfg.AppSecret)
	q.api = botgo.NewOpenAPI(botToken).WithTimeout(5 * time.Second)

	wsInfo, err := q.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("qq gateway info: %w", err)
	}

	var onAtMessage event.ATMessageEventHandler = func(_ *dto.WSPayload, data *dto.WSATMessageData) error {
		q.onMessage(data)
		return nil
	}
	intent := websocket.RegisterHandlers(onAtMessage)

	go func() {
		// Start blocks for the life of the session; the SDK reconnects
		// internally and offers no close handle.
		if err := botgo.NewSessionManager().Start(wsInfo, botToken, &intent); err != nil {
			logger.ErrorCF("channels", "qq session stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (q *QQChannel) Stop(ctx context.Context) error {
	return nil
}

func (q *QQChannel) onMessage(data *dto.WSATMessageData) {
	if data == nil || data.Author == nil || data.Author.Bot {
		return
	}
	content := stripQQMentions(data.Content)
	if content == "" {
		return
	}

	q.mu.Lock()
	q.lastMsgIDs[data.ChannelID] = data.ID
	q.mu.Unlock()

	q.HandleMessage(data.Author.ID, data.ChannelID, content, nil, map[string]string{
		"message_id": data.ID,
	})
}

// stripQQMentions drops <@!123> style mention tokens from the content.
func stripQQMentions(content string) string {
	for {
		start := strings.Index(content, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], ">")
		if end < 0 {
			break
		}
		content = content[:start] + content[start+end+1:]
	}
	return strings.TrimSpace(content)
}

func (q *QQChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	q.mu.Lock()
	replyTo := q.lastMsgIDs[out.ChatID]
	q.mu.Unlock()

	for _, chunk := range splitMessage(out.Content, qqMessageLimit) {
		toCreate := &dto.MessageToCreate{Content: chunk, MsgID: replyTo}
		if _, err := q.api.PostMessage(ctx, out.ChatID, toCreate); err != nil {
			return fmt.Errorf("qq send: %w", err)
		}
	}
	return nil
}
