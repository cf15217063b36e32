package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewclaw/crewclaw/pkg/providers"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"cli:direct", "cli_direct"},
		{"telegram:42", "telegram_42"},
		{"dingtalk:cidAbc123", "dingtalk_cidAbc123"},
		{"worker:coder:42", "worker_coder_42"},
		{"plainkey", "plainkey"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.key); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)

	key := "telegram:42"
	sm.AddMessage(key, "user", "remind me at nine")
	sm.AddMessage(key, "assistant", "scheduled.")
	sm.SetFlags(key, SessionFlags{PinnedModel: "claude-sonnet-4-5", OperatingMode: "work"})
	if err := sm.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The colon must not reach the filesystem.
	if _, err := os.Stat(filepath.Join(dir, "telegram_42.json")); err != nil {
		t.Fatalf("expected sanitized session file: %v", err)
	}

	sm2 := NewSessionManager(dir)
	history := sm2.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages after reload, got %d", len(history))
	}
	if history[1].Role != "assistant" || history[1].Content != "scheduled." {
		t.Errorf("unexpected last message: %+v", history[1])
	}
	flags := sm2.GetFlags(key)
	if flags.PinnedModel != "claude-sonnet-4-5" || flags.OperatingMode != "work" {
		t.Errorf("flags did not survive reload: %+v", flags)
	}
}

func TestSave_RejectsUnsafeKeys(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	for _, key := range []string{"", ".", "..", "a/b", `a\b`} {
		sm.GetOrCreate(key)
		if err := sm.Save(key); err == nil {
			t.Errorf("Save(%q): expected error, got nil", key)
		}
	}
}

func TestSave_UnknownKey(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	if err := sm.Save("telegram:7"); err == nil {
		t.Fatal("expected error saving a session that was never created")
	}
}

func TestAddFullMessage(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "discord:guild-1"

	sm.AddFullMessage(key, providers.Message{
		Role:    "assistant",
		Content: "",
		ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]interface{}{"path": "notes.md"}},
		},
	})
	sm.AddFullMessage(key, providers.Message{Role: "tool", Content: "hello", ToolCallID: "call_1"})

	history := sm.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if len(history[0].ToolCalls) != 1 || history[0].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool call not preserved: %+v", history[0])
	}
	if history[1].ToolCallID != "call_1" {
		t.Errorf("tool call id not preserved: %+v", history[1])
	}
}

func TestGetHistory_ReturnsCopy(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "cli:direct"
	sm.AddMessage(key, "user", "original")

	got := sm.GetHistory(key)
	got[0].Content = "mutated"

	if sm.GetHistory(key)[0].Content != "original" {
		t.Fatal("mutating the returned slice changed the stored history")
	}
}

func TestSetSummary_DropsCoveredMessages(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "telegram:9"
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		sm.AddMessage(key, "user", content)
	}

	sm.SetSummary(key, "six short user turns", 2)

	if got := sm.GetSummary(key); got != "six short user turns" {
		t.Errorf("summary = %q", got)
	}
	history := sm.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("expected 2 kept messages, got %d", len(history))
	}
	if history[0].Content != "m5" || history[1].Content != "m6" {
		t.Errorf("expected newest messages kept, got %q %q", history[0].Content, history[1].Content)
	}
}

func TestSetSummary_KeepRecentLargerThanHistory(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "telegram:10"
	sm.AddMessage(key, "user", "only one")

	sm.SetSummary(key, "summary", 10)

	if len(sm.GetHistory(key)) != 1 {
		t.Fatal("nothing should be dropped when keepRecent exceeds history")
	}
}

func TestTruncateHistory(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "slack:C01"
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		sm.AddMessage(key, "user", content)
	}

	if n := sm.TruncateHistory(key, 3); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	history := sm.GetHistory(key)
	if len(history) != 3 || history[0].Content != "c" {
		t.Errorf("expected oldest dropped, got %+v", history)
	}

	// Under the cap: a no-op.
	if n := sm.TruncateHistory(key, 10); n != 0 {
		t.Errorf("expected 0 evicted under cap, got %d", n)
	}
	// Non-positive cap: a no-op rather than clearing everything.
	if n := sm.TruncateHistory(key, 0); n != 0 {
		t.Errorf("expected 0 evicted with cap 0, got %d", n)
	}
	if len(sm.GetHistory(key)) != 3 {
		t.Error("cap 0 must not clear history")
	}
}

func TestSetHistory_ReplacesAndCopies(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "qq:u77"
	sm.AddMessage(key, "user", "old turn")

	replacement := []providers.Message{
		{Role: "user", Content: "compressed"},
	}
	sm.SetHistory(key, replacement)
	replacement[0].Content = "mutated after call"

	history := sm.GetHistory(key)
	if len(history) != 1 || history[0].Content != "compressed" {
		t.Fatalf("unexpected history after SetHistory: %+v", history)
	}
}

func TestResetSession_KeepsFlags(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	key := "telegram:42"
	sm.AddMessage(key, "user", "hello")
	sm.SetSummary(key, "greeting", 0)
	sm.SetFlags(key, SessionFlags{
		PinnedModel:   "gpt-5-mini",
		OperatingMode: "chat",
		LocalOnly:     true,
	})

	before := sm.GetUpdatedTime(key)
	time.Sleep(5 * time.Millisecond)
	sm.ResetSession(key)

	if len(sm.GetHistory(key)) != 0 {
		t.Error("messages should be cleared")
	}
	if sm.GetSummary(key) != "" {
		t.Error("summary should be cleared")
	}
	flags := sm.GetFlags(key)
	if flags.PinnedModel != "gpt-5-mini" || !flags.LocalOnly {
		t.Errorf("flags must survive reset: %+v", flags)
	}
	if !sm.GetUpdatedTime(key).After(before) {
		t.Error("UpdatedAt should advance on reset")
	}
}

func TestResetSession_UnknownKey(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	sm.ResetSession("never:seen") // must not panic
}

func TestGetUpdatedTime_LoadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)

	if !sm.GetUpdatedTime("telegram:1").IsZero() {
		t.Fatal("expected zero time for unknown session")
	}

	sm.AddMessage("telegram:1", "user", "hi")
	if err := sm.Save("telegram:1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh manager should read the timestamp without GetOrCreate first.
	sm2 := NewSessionManager(dir)
	if sm2.GetUpdatedTime("telegram:1").IsZero() {
		t.Fatal("expected stored timestamp from disk")
	}
}

func TestFlags_ExecutedDelegationsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)
	key := "lark:oc_1"
	sm.SetFlags(key, SessionFlags{
		ExecutedDelegations: []string{"coder:req-1", "researcher:req-2"},
		PendingOriginReply:  true,
		OriginRoute:         "telegram:42",
	})
	if err := sm.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	flags := NewSessionManager(dir).GetFlags(key)
	if len(flags.ExecutedDelegations) != 2 || flags.ExecutedDelegations[1] != "researcher:req-2" {
		t.Errorf("delegations lost: %+v", flags)
	}
	if !flags.PendingOriginReply || flags.OriginRoute != "telegram:42" {
		t.Errorf("origin fields lost: %+v", flags)
	}
}

func TestKeys(t *testing.T) {
	sm := NewSessionManager(t.TempDir())
	sm.GetOrCreate("telegram:1")
	sm.GetOrCreate("cli:direct")

	keys := sm.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["telegram:1"] || !seen["cli:direct"] {
		t.Errorf("unexpected key set: %v", keys)
	}
}
