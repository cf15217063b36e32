// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Manager persists small cross-restart facts, currently the last channel and
// chat a user talked through. Heartbeat and cron delivery read it to pick a
// destination when the process restarts before anyone has spoken.
type Manager struct {
	mu   sync.Mutex
	path string
	data persistedState
}

type persistedState struct {
	LastChannel string `json:"last_channel"`
	LastChatID  string `json:"last_chat_id"`
}

func NewManager(workspace string) *Manager {
	m := &Manager{
		path: filepath.Join(workspace, ".state.json"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	// A corrupt file reads as empty state rather than blocking startup.
	_ = json.Unmarshal(data, &m.data)
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// SetLastRoute records the channel and chat a reply just went through.
// Unchanged routes skip the disk write.
func (m *Manager) SetLastRoute(channel, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.LastChannel == channel && m.data.LastChatID == chatID {
		return nil
	}
	m.data.LastChannel = channel
	m.data.LastChatID = chatID
	return m.save()
}

// LastRoute returns the persisted delivery target, empty strings when no
// conversation has happened yet.
func (m *Manager) LastRoute() (channel, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastChannel, m.data.LastChatID
}
