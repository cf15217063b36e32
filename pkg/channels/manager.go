// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

// Manager owns every enabled transport and moves outbound bus messages to
// the transport they belong to.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	wg       sync.WaitGroup
}

// NewManager builds the enabled channels from config. A channel with
// missing credentials is skipped with a warning rather than failing the
// whole gateway.
func NewManager(cfg *config.Config, msgBus *bus.MessageBus) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
	ch := cfg.Channels

	if ch.Telegram.Enabled {
		if ch.Telegram.Token == "" {
			logger.WarnCF("channels", "telegram enabled but token missing, skipping", nil)
		} else {
			m.register(NewTelegramChannel(ch.Telegram, msgBus, cfg.WorkspacePath()))
		}
	}
	if ch.Discord.Enabled {
		if ch.Discord.Token == "" {
			logger.WarnCF("channels", "discord enabled but token missing, skipping", nil)
		} else {
			m.register(NewDiscordChannel(ch.Discord, msgBus))
		}
	}
	if ch.Slack.Enabled {
		if ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
			logger.WarnCF("channels", "slack enabled but bot_token or app_token missing, skipping", nil)
		} else {
			m.register(NewSlackChannel(ch.Slack, msgBus))
		}
	}
	if ch.Lark.Enabled {
		if ch.Lark.AppID == "" || ch.Lark.AppSecret == "" {
			logger.WarnCF("channels", "lark enabled but app_id or app_secret missing, skipping", nil)
		} else {
			m.register(NewLarkChannel(ch.Lark, msgBus))
		}
	}
	if ch.DingTalk.Enabled {
		if ch.DingTalk.ClientID == "" || ch.DingTalk.ClientSecret == "" {
			logger.WarnCF("channels", "dingtalk enabled but client_id or client_secret missing, skipping", nil)
		} else {
			m.register(NewDingTalkChannel(ch.DingTalk, msgBus))
		}
	}
	if ch.QQ.Enabled {
		if ch.QQ.AppID == "" || ch.QQ.AppSecret == "" {
			logger.WarnCF("channels", "qq enabled but app_id or app_secret missing, skipping", nil)
		} else {
			m.register(NewQQChannel(ch.QQ, msgBus))
		}
	}
	if ch.WhatsApp.Enabled {
		if ch.WhatsApp.BridgeURL == "" {
			logger.WarnCF("channels", "whatsapp enabled but bridge_url missing, skipping", nil)
		} else {
			m.register(NewWhatsAppChannel(ch.WhatsApp, msgBus))
		}
	}
	if ch.Line.Enabled {
		if ch.Line.ChannelSecret == "" || ch.Line.AccessToken == "" {
			logger.WarnCF("channels", "line enabled but channel_secret or access_token missing, skipping", nil)
		} else {
			m.register(NewLineChannel(ch.Line, msgBus))
		}
	}

	return m
}

// NewEmptyManager builds a manager with no channels; callers register
// their own. The agent command uses it to run the CLI transport alone.
func NewEmptyManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// Register adds a channel constructed outside the config path.
func (m *Manager) Register(c Channel) {
	m.register(c)
}

func (m *Manager) register(c Channel) {
	m.channels[c.Name()] = c
}

// StartAll starts every channel and the outbound dispatcher. A channel that
// fails to start is logged and left out; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) {
	for name, c := range m.channels {
		if err := c.Start(ctx); err != nil {
			logger.ErrorCF("channels", "channel failed to start", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			delete(m.channels, name)
			continue
		}
		logger.InfoCF("channels", "channel started", map[string]interface{}{
			"channel": name,
		})
	}

	m.wg.Add(1)
	go m.dispatchOutbound(ctx)
}

// StopAll stops the channels; the dispatcher exits when the context given
// to StartAll is canceled.
func (m *Manager) StopAll(ctx context.Context) {
	for name, c := range m.channels {
		if err := c.Stop(ctx); err != nil {
			logger.WarnCF("channels", "channel stop failed", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
	m.wg.Wait()
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer m.wg.Done()
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		c, found := m.channels[msg.Channel]
		if !found {
			logger.WarnCF("channels", "outbound message for unknown channel", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
			continue
		}
		if err := c.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "failed to deliver message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

// EnabledChannels returns the names of the channels that registered, sorted.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	c, ok := m.channels[name]
	return c, ok
}
