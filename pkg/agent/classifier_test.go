package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/state"
)

// mockLLM is the stand-in provider for agent tests. It replays queued
// responses in order, repeating the last one when the queue runs dry.
type mockLLM struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	err       error
	calls     int
	lastMsgs  []providers.Message
}

func (m *mockLLM) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastMsgs = messages
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &providers.LLMResponse{Content: "ok"}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *mockLLM) GetDefaultModel() string { return "mock-model" }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textReply(content string) *mockLLM {
	return &mockLLM{responses: []*providers.LLMResponse{{Content: content}}}
}

func stateWithText(text string) *state.ConversationState {
	st := state.NewConversation("test:session")
	st.Messages = []providers.Message{{Role: "user", Content: text}}
	return st
}

func TestDetermineTaskType_ModeOverridesEverything(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("please summarize this thread, tl;dr")
	st.Mode = "code"

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskCode {
		t.Fatalf("task = %s, want code", d.TaskType)
	}
	if d.Source != "mode" {
		t.Fatalf("source = %s, want mode", d.Source)
	}
	if st.RouteReason() == "" {
		t.Fatal("route reason must be recorded")
	}
}

func TestDetermineTaskType_PinnedTaskWins(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("hello there")
	st.PinnedTaskType = "vision"
	st.Model = "gpt-4o"

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskVision || d.Source != "pin" {
		t.Fatalf("got %s via %s, want vision via pin", d.TaskType, d.Source)
	}
	if st.PinnedTaskType != "vision" || st.Model != "gpt-4o" {
		t.Fatal("a pin matching the decision must survive")
	}
}

func TestDetermineTaskType_ImageAttachmentRoutesVision(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("what is this")
	st.Attachments = []state.Attachment{{Name: "photo.jpg", MIME: "image/jpeg"}}

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskVision || d.Source != "attachment" {
		t.Fatalf("got %s via %s, want vision via attachment", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_IncompatiblePinCleared(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("look at this")
	st.Mode = "chat"
	st.PinnedTaskType = "vision"
	st.Model = "gpt-4o"
	st.Provider = "openai"

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskChat {
		t.Fatalf("task = %s, want chat", d.TaskType)
	}
	if st.PinnedTaskType != "" || st.Model != "" || st.Provider != "" {
		t.Fatalf("incompatible pin must be cleared, got pin=%q model=%q provider=%q",
			st.PinnedTaskType, st.Model, st.Provider)
	}
}

func TestDetermineTaskType_LogAttachmentRoutesReasoning(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("something broke")
	logData := "" +
		"2026-02-21 10:00:01 ERROR connection refused\n" +
		"2026-02-21 10:00:02 ERROR connection refused\n" +
		"2026-02-21 10:00:03 WARN retrying\n" +
		"2026-02-21 10:00:04 INFO recovered\n" +
		"2026-02-21 10:00:05 INFO steady\n"
	st.Attachments = []state.Attachment{{Name: "app-20260221.log", MIME: "text/plain", Data: []byte(logData)}}

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskReasoning || d.Source != "attachment" {
		t.Fatalf("got %s via %s, want reasoning via attachment", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_KeywordSummary(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("tl;dr this thread for me")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskSummary || d.Source != "keyword" {
		t.Fatalf("got %s via %s, want summary via keyword", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_WeakCodeSignalGated(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	// "implement" alone scores below the stricter code gate and there is no
	// hard evidence (no fence, diff, or file path).
	st := stateWithText("could you implement that idea we discussed")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskChat || d.Source != "fallback" {
		t.Fatalf("got %s via %s, want chat via fallback", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_StrongCodeEvidenceLowersGate(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := stateWithText("implement this:\n```go\nfunc main() {}\n```")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskCode || d.Source != "keyword" {
		t.Fatalf("got %s via %s, want code via keyword", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_LLMClassification(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true, UseLLM: true}, TaskChat)
	c.SetLLM(textReply(`{"task_type": "reasoning", "confidence": 0.92, "reason": "asks for a root cause"}`), "mock-model")
	st := stateWithText("the deploy went sideways, can you look into it")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskReasoning || d.Source != "llm" {
		t.Fatalf("got %s via %s, want reasoning via llm", d.TaskType, d.Source)
	}
	if d.Confidence != 0.92 {
		t.Fatalf("confidence = %v, want 0.92", d.Confidence)
	}
}

func TestDetermineTaskType_LLMBelowGateIgnored(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true, UseLLM: true}, TaskChat)
	c.SetLLM(textReply(`{"task_type": "code", "confidence": 0.7, "reason": "maybe code"}`), "mock-model")
	// Code needs 0.8 without hard evidence; 0.7 must not clear it.
	st := stateWithText("hmm what do you think about that approach")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskChat || d.Source != "fallback" {
		t.Fatalf("got %s via %s, want chat via fallback", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_LLMFailureFallsThrough(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true, UseLLM: true}, TaskChat)
	c.SetLLM(&mockLLM{err: fmt.Errorf("provider down")}, "mock-model")
	st := stateWithText("tl;dr please")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskSummary || d.Source != "keyword" {
		t.Fatalf("llm failure must fall through to keywords, got %s via %s", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_DisabledSkipsDerivedSignals(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: false}, TaskChat)

	st := stateWithText("tl;dr this thread for me")
	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskChat || d.Source != "fallback" {
		t.Fatalf("disabled classifier must fall back, got %s via %s", d.TaskType, d.Source)
	}

	// Explicit pins are user intent, not derived signals; they still apply.
	st = stateWithText("tl;dr this thread for me")
	st.PinnedTaskType = "summary"
	d = c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskSummary || d.Source != "pin" {
		t.Fatalf("pin must survive a disabled classifier, got %s via %s", d.TaskType, d.Source)
	}
}

func TestDetermineTaskType_EmptyTextFallsBack(t *testing.T) {
	c := NewClassifier(config.RoutingClassifierConfig{Enabled: true}, TaskChat)
	st := state.NewConversation("test:session")

	d := c.DetermineTaskType(context.Background(), st)
	if d.TaskType != TaskChat || d.Source != "fallback" {
		t.Fatalf("got %s via %s, want chat via fallback", d.TaskType, d.Source)
	}
}

func TestLooksLikeLog(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want bool
	}{
		{"log extension with levels", "server.log", "ERROR boom\nERROR boom\n", true},
		{"dated name with timestamp", "app-20260221.txt", "[2026-02-21 09:00:01] started\n", true},
		{"dense timestamps", "notes.txt",
			"2026-02-21 09:00:01 a\n2026-02-21 09:00:02 b\n2026-02-21 09:00:03 c\n2026-02-21 09:00:04 d\n2026-02-21 09:00:05 e\n", true},
		{"plain prose", "essay.txt", "Once upon a time there was a very small crab.\nIt wrote Go.\n", false},
		{"empty data log name", "x.log", "", true},
		{"empty data plain name", "x.txt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeLog(tt.file, []byte(tt.data)); got != tt.want {
				t.Errorf("looksLikeLog(%q) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}

func TestExtractFirstJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"prose wrapped", "Sure! Here you go: {\"a\": 1} hope that helps", `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"nested", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"unbalanced", `{"a": 1`, ""},
		{"no json", "nothing here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractFirstJSON(tt.in); got != tt.want {
				t.Errorf("extractFirstJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
