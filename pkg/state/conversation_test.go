package state

import (
	"testing"

	"github.com/crewclaw/crewclaw/pkg/providers"
)

func TestSystemBucketCreatedLazily(t *testing.T) {
	st := NewConversation("telegram:1")
	if _, ok := st.Scratch[SystemBucket]; !ok {
		t.Fatal("NewConversation did not seed the system bucket")
	}

	// Zero-value state grows the bucket on first access.
	var bare ConversationState
	bare.System()["k"] = "v"
	if got, _ := bare.System()["k"].(string); got != "v" {
		t.Fatalf("system bucket on zero value = %q, want v", got)
	}
}

func TestRouteReasonRoundTrip(t *testing.T) {
	st := NewConversation("cli:direct")
	if st.RouteReason() != "" {
		t.Fatalf("fresh state has route reason %q", st.RouteReason())
	}
	st.SetRouteReason("code via keyword: matched 'refactor'")
	if got := st.RouteReason(); got != "code via keyword: matched 'refactor'" {
		t.Fatalf("RouteReason = %q", got)
	}
}

func TestDelegationExecutedSet(t *testing.T) {
	st := NewConversation("telegram:1")

	if st.DelegationExecuted("req-1") {
		t.Fatal("fresh state claims req-1 already executed")
	}
	st.MarkDelegationExecuted("req-1")
	st.MarkDelegationExecuted("req-2")
	if !st.DelegationExecuted("req-1") || !st.DelegationExecuted("req-2") {
		t.Fatal("marked IDs not reported as executed")
	}
	if st.DelegationExecuted("req-3") {
		t.Fatal("unmarked ID reported as executed")
	}

	ids := st.ExecutedDelegationIDs()
	if len(ids) != 2 {
		t.Fatalf("ExecutedDelegationIDs returned %d IDs, want 2", len(ids))
	}
}

func TestSeedExecutedDelegations(t *testing.T) {
	st := NewConversation("telegram:1")
	st.SeedExecutedDelegations([]string{"a", "b"})
	if !st.DelegationExecuted("a") || !st.DelegationExecuted("b") {
		t.Fatal("seeded IDs not reported as executed")
	}

	// A persisted scratch may hold the raw slice form after a JSON round trip.
	raw := NewConversation("telegram:2")
	raw.System()["delegation_executed"] = []string{"x"}
	if !raw.DelegationExecuted("x") {
		t.Fatal("slice-form executed set not recognized")
	}
	raw.MarkDelegationExecuted("y")
	if !raw.DelegationExecuted("x") || !raw.DelegationExecuted("y") {
		t.Fatal("marking on slice-form set lost entries")
	}
}

func TestNewChildStateIsolation(t *testing.T) {
	parent := NewConversation("telegram:1")
	parent.TraceID = "trace-7"
	parent.Channel = "telegram"
	parent.ChatID = "1"
	parent.Model = "qwen3:32b"
	parent.Messages = []providers.Message{
		{Role: "user", Content: "secret history"},
	}

	child := parent.NewChildState("worker:coder:1", "req-9")
	if len(child.Messages) != 0 {
		t.Fatalf("child inherited %d parent messages", len(child.Messages))
	}
	if child.Model != "" {
		t.Fatalf("child inherited model pin %q", child.Model)
	}
	if child.TraceID != "trace-7" || child.Channel != "telegram" || child.ChatID != "1" {
		t.Fatalf("child lost trace context: %+v", child)
	}

	sess, trace, reqID, ok := child.ParentRef()
	if !ok || sess != "telegram:1" || trace != "trace-7" || reqID != "req-9" {
		t.Fatalf("ParentRef = %q %q %q %v", sess, trace, reqID, ok)
	}
	if _, _, _, ok := parent.ParentRef(); ok {
		t.Fatal("parent state reports a parent reference")
	}
}

func TestLastMessages(t *testing.T) {
	st := NewConversation("cli:direct")
	if st.LastUserMessage() != "" || st.LastAssistantMessage() != "" {
		t.Fatal("empty history returned non-empty messages")
	}

	st.Messages = []providers.Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
		{Role: "tool", Content: "tool output"},
	}
	if got := st.LastUserMessage(); got != "second question" {
		t.Fatalf("LastUserMessage = %q", got)
	}
	if got := st.LastAssistantMessage(); got != "first answer" {
		t.Fatalf("LastAssistantMessage = %q", got)
	}
}

func TestAttachmentPolicyAllowed(t *testing.T) {
	p := DefaultAttachmentPolicy()
	tests := []struct {
		mime string
		want bool
	}{
		{"image/png", true},
		{"image/jpeg", true},
		{"text/plain", true},
		{"application/json", true},
		{"application/pdf", true},
		{"application/x-ndjson", true},
		{"application/zip", false},
		{"video/mp4", false},
		{"", false},
		{"IMAGE/PNG", true},
		{"  text/markdown  ", true},
	}
	for _, tt := range tests {
		if got := p.Allowed(tt.mime); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}

func TestAttachmentPolicyFilter(t *testing.T) {
	p := DefaultAttachmentPolicy()
	kept, dropped := p.Filter([]Attachment{
		{Name: "shot.png", MIME: "image/png"},
		{Name: "build.zip", MIME: "application/zip"},
		{Name: "notes.txt", MIME: "text/plain"},
		{Name: "clip.mp4", MIME: "video/mp4"},
	})
	if len(kept) != 2 || kept[0].Name != "shot.png" || kept[1].Name != "notes.txt" {
		t.Fatalf("kept = %+v", kept)
	}
	if len(dropped) != 2 || dropped[0] != "build.zip" || dropped[1] != "clip.mp4" {
		t.Fatalf("dropped = %v", dropped)
	}
}
