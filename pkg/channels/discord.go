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

	"github.com/bwmarrin/discordgo"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
)

const discordMessageLimit = 2000

// DiscordChannel listens over the gateway websocket. Guild messages are
// only picked up when the bot is mentioned; direct messages always are.
type DiscordChannel struct {
	BaseChannel
	cfg     config.DiscordConfig
	session *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(d.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	d.session = session
	return nil
}

func (d *DiscordChannel) Stop(ctx context.Context) error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != "" && !mentionsUser(s.State.User.ID, m.Mentions) {
		return
	}

	content := stripMention(m.Content, s.State.User.ID)
	for _, att := range m.Attachments {
		content = strings.TrimSpace(content + "\n[attachment] " + att.URL)
	}
	if content == "" {
		return
	}

	d.HandleMessage(m.Author.ID, m.ChannelID, content, nil, map[string]string{
		"message_id": m.ID,
	})
}

func mentionsUser(userID string, mentions []*discordgo.User) bool {
	for _, u := range mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func stripMention(content, userID string) string {
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	content = strings.ReplaceAll(content, "<@!"+userID+">", "")
	return strings.TrimSpace(content)
}

func (d *DiscordChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	for _, chunk := range splitMessage(out.Content, discordMessageLimit) {
		if _, err := d.session.ChannelMessageSend(out.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
