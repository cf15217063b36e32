// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewclaw/crewclaw/pkg/providers"
)

// SessionFlags carries small per-session switches that must survive restarts.
type SessionFlags struct {
	LocalOnly            bool     `json:"local_only,omitempty"`
	PrevPrimaryRoute     string   `json:"prev_primary_route,omitempty"`
	OperatingMode        string   `json:"operating_mode,omitempty"`
	PinnedModel          string   `json:"pinned_model,omitempty"`
	PinnedProvider       string   `json:"pinned_provider,omitempty"`
	PinnedTaskType       string   `json:"pinned_task_type,omitempty"`
	RefinementRetries    int      `json:"refinement_retries,omitempty"`
	ExecutedDelegations  []string `json:"executed_delegations,omitempty"`
	WorkOverlayDirective string   `json:"work_overlay_directive,omitempty"`
	WorkOverlayTurnsLeft int      `json:"work_overlay_turns_left,omitempty"`
	PendingOriginReply   bool     `json:"pending_origin_reply,omitempty"`
	OriginMessageID      string   `json:"origin_message_id,omitempty"`
	OriginRoute          string   `json:"origin_route,omitempty"`
}

type Session struct {
	Key       string              `json:"key"`
	Messages  []providers.Message `json:"messages"`
	Summary   string              `json:"summary,omitempty"`
	Flags     SessionFlags        `json:"flags,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// SessionManager keeps sessions in memory and persists them as one JSON file
// per session key under dir.
type SessionManager struct {
	mu       sync.RWMutex
	dir      string
	sessions map[string]*Session
}

func NewSessionManager(dir string) *SessionManager {
	return &SessionManager{
		dir:      dir,
		sessions: make(map[string]*Session),
	}
}

// sanitizeFilename makes a session key safe as a file name. Colons appear in
// every channel session key (e.g. "telegram:123") and are not portable.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}

// GetOrCreate returns the session for key, loading it from disk on first
// access and creating it when absent.
func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getOrLoadLocked(key)
}

func (sm *SessionManager) getOrLoadLocked(key string) *Session {
	if s, ok := sm.sessions[key]; ok {
		return s
	}

	name := sanitizeFilename(key)
	if validFilename(name) {
		path := filepath.Join(sm.dir, name+".json")
		if data, err := os.ReadFile(path); err == nil {
			var s Session
			if err := json.Unmarshal(data, &s); err == nil {
				s.Key = key
				sm.sessions[key] = &s
				return &s
			}
		}
	}

	now := time.Now()
	s := &Session{
		Key:       key,
		Messages:  []providers.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	sm.sessions[key] = s
	return s
}

func (sm *SessionManager) AddMessage(key, role, content string) {
	sm.AddFullMessage(key, providers.Message{Role: role, Content: content})
}

func (sm *SessionManager) AddFullMessage(key string, msg providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

func (sm *SessionManager) GetHistory(key string) []providers.Message {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

func (sm *SessionManager) GetSummary(key string) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getOrLoadLocked(key).Summary
}

// SetSummary replaces the rolling summary and drops the messages it covers,
// keeping only the newest keepRecent entries.
func (sm *SessionManager) SetSummary(key, summary string, keepRecent int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	s.Summary = summary
	if keepRecent >= 0 && len(s.Messages) > keepRecent {
		kept := make([]providers.Message, keepRecent)
		copy(kept, s.Messages[len(s.Messages)-keepRecent:])
		s.Messages = kept
	}
	s.UpdatedAt = time.Now()
}

// TruncateHistory drops the oldest messages past a hard cap and reports how
// many were evicted.
func (sm *SessionManager) TruncateHistory(key string, maxMessages int) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	if maxMessages <= 0 || len(s.Messages) <= maxMessages {
		return 0
	}
	evicted := len(s.Messages) - maxMessages
	kept := make([]providers.Message, maxMessages)
	copy(kept, s.Messages[evicted:])
	s.Messages = kept
	s.UpdatedAt = time.Now()
	return evicted
}

// GetUpdatedTime returns when the session last changed, or the zero time for
// sessions that have never been written.
func (sm *SessionManager) GetUpdatedTime(key string) time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[key]; ok {
		return s.UpdatedAt
	}

	name := sanitizeFilename(key)
	if !validFilename(name) {
		return time.Time{}
	}
	path := filepath.Join(sm.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return time.Time{}
	}
	s.Key = key
	sm.sessions[key] = &s
	return s.UpdatedAt
}

// SetHistory replaces the message log wholesale. Used by emergency context
// compression; normal turns append instead.
func (sm *SessionManager) SetHistory(key string, messages []providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	s.Messages = make([]providers.Message, len(messages))
	copy(s.Messages, messages)
	s.UpdatedAt = time.Now()
}

// ResetSession clears messages and summary but keeps flags, so pins and the
// operating mode survive a daily cutover.
func (sm *SessionManager) ResetSession(key string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	s.Messages = []providers.Message{}
	s.Summary = ""
	s.UpdatedAt = time.Now()
}

func (sm *SessionManager) GetFlags(key string) SessionFlags {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getOrLoadLocked(key).Flags
}

func (sm *SessionManager) SetFlags(key string, flags SessionFlags) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrLoadLocked(key)
	s.Flags = flags
	s.UpdatedAt = time.Now()
}

// Save writes the session to disk. Keys that cannot form a safe file name
// are rejected.
func (sm *SessionManager) Save(key string) error {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session not found: %s", key)
	}

	name := sanitizeFilename(key)
	if !validFilename(name) {
		return fmt.Errorf("invalid session key: %q", key)
	}

	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return err
	}

	sm.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	sm.mu.RUnlock()
	if err != nil {
		return err
	}

	path := filepath.Join(sm.dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Keys lists the keys currently loaded in memory.
func (sm *SessionManager) Keys() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	keys := make([]string, 0, len(sm.sessions))
	for k := range sm.sessions {
		keys = append(keys, k)
	}
	return keys
}
