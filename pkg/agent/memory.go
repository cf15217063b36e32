// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CutoverHour is when one logical day ends and the next begins. Activity
// before it belongs to the previous calendar day. All window math runs in
// UTC, same as quota accounting.
const CutoverHour = 4

// MemoryStore manages persistent memory for the agent.
// - Long-term memory: memory/MEMORY.md
// - Daily notes: memory/YYYYMM/YYYYMMDD.md
type MemoryStore struct {
	workspace  string
	memoryDir  string
	memoryFile string
}

// NewMemoryStore creates a MemoryStore rooted at workspace and ensures the
// memory directory exists.
func NewMemoryStore(workspace string) *MemoryStore {
	memoryDir := filepath.Join(workspace, "memory")
	os.MkdirAll(memoryDir, 0755)

	return &MemoryStore{
		workspace:  workspace,
		memoryDir:  memoryDir,
		memoryFile: filepath.Join(memoryDir, "MEMORY.md"),
	}
}

func (ms *MemoryStore) dailyNotePath(date time.Time) string {
	day := date.UTC().Format("20060102")
	return filepath.Join(ms.memoryDir, day[:6], day+".md")
}

// ReadLongTerm reads MEMORY.md. A missing file reads as empty.
func (ms *MemoryStore) ReadLongTerm() string {
	if data, err := os.ReadFile(ms.memoryFile); err == nil {
		return string(data)
	}
	return ""
}

// WriteLongTerm replaces MEMORY.md.
func (ms *MemoryStore) WriteLongTerm(content string) error {
	return os.WriteFile(ms.memoryFile, []byte(content), 0644)
}

// AppendLongTerm adds a block to MEMORY.md, separated by a blank line.
func (ms *MemoryStore) AppendLongTerm(content string) error {
	existing := ms.ReadLongTerm()
	if existing == "" {
		return ms.WriteLongTerm(content)
	}
	return ms.WriteLongTerm(strings.TrimRight(existing, "\n") + "\n\n" + content)
}

// SaveDailyNoteForDate writes content to the daily note for a specific
// date, creating the month directory and date header as needed.
func (ms *MemoryStore) SaveDailyNoteForDate(date time.Time, content string) error {
	path := ms.dailyNotePath(date)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var existing string
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}

	var out string
	if existing == "" {
		out = fmt.Sprintf("# %s\n\n%s", date.UTC().Format("2006-01-02"), content)
	} else {
		out = existing + "\n\n" + content
	}
	return os.WriteFile(path, []byte(out), 0644)
}

// GetRecentDailyNotes returns up to the last N days of notes, newest first,
// joined by a separator.
func (ms *MemoryStore) GetRecentDailyNotes(days int) string {
	var notes []string
	for i := 0; i < days; i++ {
		date := time.Now().UTC().AddDate(0, 0, -i)
		if data, err := os.ReadFile(ms.dailyNotePath(date)); err == nil {
			notes = append(notes, string(data))
		}
	}
	return strings.Join(notes, "\n\n---\n\n")
}

// GetMemoryContext returns the formatted memory block for the system
// prompt: long-term memory plus the last three days of notes.
func (ms *MemoryStore) GetMemoryContext() string {
	var parts []string

	if longTerm := ms.ReadLongTerm(); longTerm != "" {
		parts = append(parts, "## Long-term Memory\n\n"+longTerm)
	}
	if recent := ms.GetRecentDailyNotes(3); recent != "" {
		parts = append(parts, "## Recent Daily Notes\n\n"+recent)
	}

	if len(parts) == 0 {
		return ""
	}
	return "# Memory\n\n" + strings.Join(parts, "\n\n---\n\n")
}

// GetCutoverBoundary returns the most recent daily cutover boundary:
// CutoverHour UTC of today or yesterday, whichever is the most recent past
// time.
func GetCutoverBoundary(now time.Time) time.Time {
	nowUTC := now.UTC()
	today := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), CutoverHour, 0, 0, 0, time.UTC)
	if nowUTC.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}

// GetLogicalDate returns the logical date for a time: activity before
// CutoverHour UTC belongs to the previous day.
func GetLogicalDate(t time.Time) time.Time {
	tUTC := t.UTC()
	if tUTC.Hour() < CutoverHour {
		tUTC = tUTC.AddDate(0, 0, -1)
	}
	return time.Date(tUTC.Year(), tUTC.Month(), tUTC.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatCutoverNote builds a daily note from a session summary and its last
// messages.
func FormatCutoverNote(summary string, recentMessages []string) string {
	var parts []string
	if summary != "" {
		parts = append(parts, "## Session Summary\n\n"+summary)
	}
	if len(recentMessages) > 0 {
		parts = append(parts, "## Last Messages\n\n"+strings.Join(recentMessages, "\n"))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n")
}

// ConsolidationPrompt asks the model to distill durable facts out of a
// session summary for MEMORY.md. Used after summarization.
func ConsolidationPrompt(summary string) string {
	return fmt.Sprintf(`Extract durable facts worth remembering long-term from this conversation summary: user preferences, ongoing projects, decisions, and commitments. Return a short markdown list, or the single word NONE when nothing qualifies.

SUMMARY:
%s`, summary)
}
