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

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const slackMessageLimit = 3900

// SlackChannel runs in Socket Mode so no public HTTP endpoint is needed.
// Direct messages come in as message events; channel traffic only when
// the bot is @-mentioned.
type SlackChannel struct {
	BaseChannel
	cfg    config.SlackConfig
	client *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc
}

func NewSlackChannel(cfg config.SlackConfig, msgBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (s *SlackChannel) Start(ctx context.Context) error {
	s.client = slack.New(s.cfg.BotToken, slack.OptionAppLevelToken(s.cfg.AppToken))
	s.socket = socketmode.New(s.client)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.consumeEvents(runCtx)
	go func() {
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("channels", "slack socket stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (s *SlackChannel) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackChannel) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleCallback(apiEvent)
			case socketmode.EventTypeConnectionError:
				logger.WarnCF("channels", "slack connection error", map[string]interface{}{
					"data": fmt.Sprintf("%v", evt.Data),
				})
			}
		}
	}
}

func (s *SlackChannel) handleCallback(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Channel mentions arrive as AppMention too; only take DMs here.
		if ev.BotID != "" || ev.SubType != "" || ev.ChannelType != "im" {
			return
		}
		s.HandleMessage(ev.User, ev.Channel, ev.Text, nil, map[string]string{
			"message_id": ev.TimeStamp,
		})
	case *slackevents.AppMentionEvent:
		text := stripSlackMention(ev.Text)
		if text == "" {
			return
		}
		s.HandleMessage(ev.User, ev.Channel, text, nil, map[string]string{
			"message_id": ev.TimeStamp,
		})
	}
}

// stripSlackMention removes a leading <@U…> token from mention text.
func stripSlackMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if end := strings.Index(text, ">"); end > 0 {
			text = text[end+1:]
		}
	}
	return strings.TrimSpace(text)
}

func (s *SlackChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	for _, chunk := range splitMessage(out.Content, slackMessageLimit) {
		if _, _, err := s.client.PostMessage(out.ChatID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}
