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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const whatsappMessageLimit = 4000

// bridgeFrame is the JSON frame exchanged with the WhatsApp bridge
// process. The bridge owns the phone session; we only speak websocket.
type bridgeFrame struct {
	Type      string   `json:"type"`
	Sender    string   `json:"sender,omitempty"`
	ChatID    string   `json:"chat_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	Media     []string `json:"media,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// WhatsAppChannel connects to an external bridge over websocket and
// reconnects with backoff when the bridge restarts.
type WhatsAppChannel struct {
	BaseChannel
	cfg    config.WhatsAppConfig
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		cfg:         cfg,
	}
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.maintainConnection(runCtx)
	return nil
}

func (w *WhatsAppChannel) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	return nil
}

func (w *WhatsAppChannel) maintainConnection(ctx context.Context) {
	backoff := 5 * time.Second
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("channels", "whatsapp bridge dial failed", map[string]interface{}{
				"url":   w.cfg.BridgeURL,
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 60*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = 5 * time.Second
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		logger.InfoCF("channels", "whatsapp bridge connected", map[string]interface{}{
			"url": w.cfg.BridgeURL,
		})

		w.readLoop(ctx, conn)

		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
	}
}

func (w *WhatsAppChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for ctx.Err() == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnCF("channels", "whatsapp bridge read failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WarnCF("channels", "whatsapp bridge frame invalid", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if frame.Type != "message" || frame.ChatID == "" {
			continue
		}
		if frame.Content == "" && len(frame.Media) == 0 {
			continue
		}

		w.HandleMessage(frame.Sender, frame.ChatID, frame.Content, frame.Media, map[string]string{
			"message_id": frame.MessageID,
		})
	}
}

func (w *WhatsAppChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	for _, chunk := range splitMessage(out.Content, whatsappMessageLimit) {
		frame := bridgeFrame{Type: "send", ChatID: out.ChatID, Content: chunk}
		if err := w.conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("whatsapp send: %w", err)
		}
	}
	return nil
}
