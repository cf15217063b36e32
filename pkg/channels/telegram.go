// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const telegramMessageLimit = 4000

// TelegramChannel speaks the Bot API over long polling. Inbound photos,
// documents, and voice notes are downloaded into the workspace media
// directory so the agent can read them as attachments.
type TelegramChannel struct {
	BaseChannel
	cfg      config.TelegramConfig
	bot      *telego.Bot
	mediaDir string
	cancel   context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus, workspace string) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		mediaDir:    filepath.Join(workspace, "media"),
	}
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := telego.NewBot(t.cfg.Token, telego.WithDefaultLogger(false, false))
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}
	t.bot = bot
	t.cancel = cancel

	go t.consumeUpdates(runCtx, updates)
	return nil
}

func (t *TelegramChannel) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *TelegramChannel) consumeUpdates(ctx context.Context, updates <-chan telego.Update) {
	for update := range updates {
		msg := update.Message
		if msg == nil || msg.From == nil {
			continue
		}
		if msg.From.IsBot {
			continue
		}

		senderID := strconv.FormatInt(msg.From.ID, 10)
		chatID := strconv.FormatInt(msg.Chat.ID, 10)

		content := msg.Text
		if content == "" {
			content = msg.Caption
		}
		media := t.downloadMedia(ctx, msg)
		if content == "" && len(media) == 0 {
			continue
		}

		t.HandleMessage(senderID, chatID, content, media, map[string]string{
			"message_id": strconv.Itoa(msg.MessageID),
		})
	}
}

func (t *TelegramChannel) downloadMedia(ctx context.Context, msg *telego.Message) []string {
	type ref struct {
		fileID string
		name   string
	}
	var refs []ref
	if len(msg.Photo) > 0 {
		// Sizes arrive smallest first; the last one is the original.
		refs = append(refs, ref{msg.Photo[len(msg.Photo)-1].FileID, "photo.jpg"})
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		refs = append(refs, ref{msg.Document.FileID, name})
	}
	if msg.Voice != nil {
		refs = append(refs, ref{msg.Voice.FileID, "voice.ogg"})
	}
	if len(refs) == 0 {
		return nil
	}

	var paths []string
	for _, r := range refs {
		path, err := t.fetchFile(ctx, r.fileID, r.name)
		if err != nil {
			logger.WarnCF("channels", "telegram media download failed", map[string]interface{}{
				"file_id": r.fileID,
				"error":   err.Error(),
			})
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (t *TelegramChannel) fetchFile(ctx context.Context, fileID, name string) (string, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(t.mediaDir, 0755); err != nil {
		return "", err
	}
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
	path := filepath.Join(t.mediaDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), safe))

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (t *TelegramChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", out.ChatID, err)
	}
	for _, chunk := range splitMessage(out.Content, telegramMessageLimit) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
