// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const (
	lineMessageLimit   = 4900
	linePushEndpoint   = "https://api.line.me/v2/bot/message/push"
	lineDefaultListen  = ":8090"
	lineWebhookPath    = "/webhook"
	lineMaxWebhookBody = 1 << 20
)

// LineChannel receives webhook events from the LINE platform and pushes
// replies through the Messaging API. Replies always use the push endpoint:
// reply tokens expire long before a slow agent turn finishes.
type LineChannel struct {
	BaseChannel
	cfg    config.LineConfig
	server *http.Server
	client *http.Client
}

func NewLineChannel(cfg config.LineConfig, msgBus *bus.MessageBus) *LineChannel {
	return &LineChannel{
		BaseChannel: NewBaseChannel("line", msgBus, cfg.AllowFrom),
		cfg:         cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LineChannel) Start(ctx context.Context) error {
	addr := l.cfg.ListenAddr
	if addr == "" {
		addr = lineDefaultListen
	}

	mux := http.NewServeMux()
	mux.HandleFunc(lineWebhookPath, l.handleWebhook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	l.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := l.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("channels", "line webhook server stopped", map[string]interface{}{
				"addr":  addr,
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (l *LineChannel) Stop(ctx context.Context) error {
	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

type lineWebhookPayload struct {
	Events []lineWebhookEvent `json:"events"`
}

type lineWebhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Timestamp  int64  `json:"timestamp"`
	Message    struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"message"`
	Source struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
	} `json:"source"`
}

func (l *LineChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, lineMaxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if !verifyLineSignature(body, r.Header.Get("X-Line-Signature"), l.cfg.ChannelSecret) {
		logger.WarnCF("channels", "line signature rejected", nil)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var payload lineWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	for _, event := range payload.Events {
		if event.Type != "message" || event.Message.Type != "text" {
			continue
		}
		chatID := event.Source.GroupID
		if chatID == "" {
			chatID = event.Source.UserID
		}
		l.HandleMessage(event.Source.UserID, chatID, event.Message.Text, nil, map[string]string{
			"message_id": event.Message.ID,
		})
	}
	w.WriteHeader(http.StatusOK)
}

// verifyLineSignature checks the HMAC-SHA256 webhook signature.
func verifyLineSignature(body []byte, signature, channelSecret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (l *LineChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	for _, chunk := range splitMessage(out.Content, lineMessageLimit) {
		payload := map[string]interface{}{
			"to": out.ChatID,
			"messages": []map[string]interface{}{
				{"type": "text", "text": chunk},
			},
		}
		if err := l.callAPI(ctx, linePushEndpoint, payload); err != nil {
			return fmt.Errorf("line send: %w", err)
		}
	}
	return nil
}

func (l *LineChannel) callAPI(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.AccessToken)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
