package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/quota"
	"github.com/crewclaw/crewclaw/pkg/state"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

func TestTraceMiddleware_SeedsTraceID(t *testing.T) {
	var seen string
	handler := traceMiddleware()(func(ctx context.Context, st *state.ConversationState) error {
		seen = st.TraceID
		return nil
	})

	st := state.NewConversation("s")
	if err := handler(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if seen == "" {
		t.Fatal("trace ID not seeded")
	}

	st.TraceID = "existing"
	handler(context.Background(), st)
	if seen != "existing" {
		t.Fatalf("existing trace ID overwritten: %s", seen)
	}
}

func TestMemoryMiddleware_InjectsOnce(t *testing.T) {
	ms := NewMemoryStore(t.TempDir())
	if err := ms.WriteLongTerm("The user prefers short answers."); err != nil {
		t.Fatal(err)
	}

	handler := memoryMiddleware(ms)(func(ctx context.Context, st *state.ConversationState) error {
		return nil
	})

	st := state.NewConversation("s")
	st.Messages = []providers.Message{{Role: "system", Content: "base prompt"}}

	handler(context.Background(), st)
	if !strings.Contains(st.Messages[0].Content, "prefers short answers") {
		t.Fatalf("memory not injected into system message:\n%s", st.Messages[0].Content)
	}

	before := st.Messages[0].Content
	handler(context.Background(), st)
	if st.Messages[0].Content != before {
		t.Fatal("memory injected twice")
	}
}

func TestMemoryMiddleware_CreatesSystemMessage(t *testing.T) {
	ms := NewMemoryStore(t.TempDir())
	ms.WriteLongTerm("fact")

	handler := memoryMiddleware(ms)(func(ctx context.Context, st *state.ConversationState) error {
		return nil
	})

	st := state.NewConversation("s")
	st.Messages = []providers.Message{{Role: "user", Content: "hi"}}
	handler(context.Background(), st)

	if st.Messages[0].Role != "system" || !strings.Contains(st.Messages[0].Content, "# Memory") {
		t.Fatalf("expected a prepended memory system message, got %+v", st.Messages[0])
	}
}

func testQuotaManager(perMinute int) *quota.Manager {
	return quota.NewManager(quota.NewMemoryStore(), "test", func(service string) quota.Limit {
		return quota.Limit{PerMinute: perMinute}
	})
}

func TestQuotaMiddleware_DenialShortCircuits(t *testing.T) {
	mgr := testQuotaManager(1)
	calls := 0
	handler := quotaMiddleware(mgr, "llm")(func(ctx context.Context, st *state.ConversationState) error {
		calls++
		return nil
	})

	st := state.NewConversation("s")
	if err := handler(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || st.CachedResponse != "" {
		t.Fatalf("first call should pass: calls=%d cached=%q", calls, st.CachedResponse)
	}

	st2 := state.NewConversation("s2")
	if err := handler(context.Background(), st2); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatal("denied turn must not reach the provider")
	}
	if !strings.Contains(st2.CachedResponse, "minute") {
		t.Fatalf("refusal should mention the window, got %q", st2.CachedResponse)
	}
}

func TestRetryMiddleware_RetriesTransient(t *testing.T) {
	attempts := 0
	handler := retryMiddleware(2)(func(ctx context.Context, st *state.ConversationState) error {
		attempts++
		if attempts < 2 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	if err := handler(context.Background(), state.NewConversation("s")); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryMiddleware_PermanentErrorNotRetried(t *testing.T) {
	attempts := 0
	handler := retryMiddleware(3)(func(ctx context.Context, st *state.ConversationState) error {
		attempts++
		return errors.New("invalid api key")
	})

	if err := handler(context.Background(), state.NewConversation("s")); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("429 too many requests"), true},
		{errors.New("model overloaded, retry"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("bad request"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isTransientError(tt.err); got != tt.want {
			t.Errorf("isTransientError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	b := NewCircuitBreaker(3, 30*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !b.Allow("anthropic") {
			t.Fatalf("closed circuit must allow (failure %d)", i)
		}
		b.RecordFailure("anthropic")
	}
	if b.Allow("anthropic") {
		t.Fatal("circuit must open after threshold failures")
	}
	if b.State("anthropic") != "open" {
		t.Fatalf("state = %s, want open", b.State("anthropic"))
	}

	// After the cooldown one probe call goes through.
	now = now.Add(31 * time.Second)
	if !b.Allow("anthropic") {
		t.Fatal("expected half-open probe after cooldown")
	}
	if b.Allow("anthropic") {
		t.Fatal("half-open admits a single probe only")
	}

	b.RecordSuccess("anthropic")
	if !b.Allow("anthropic") || b.State("anthropic") != "closed" {
		t.Fatal("successful probe must close the circuit")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Allow("openai")
	b.RecordFailure("openai")
	now = now.Add(11 * time.Second)
	if !b.Allow("openai") {
		t.Fatal("expected probe")
	}
	b.RecordFailure("openai")
	if b.Allow("openai") {
		t.Fatal("failed probe must re-open the circuit")
	}
}

func TestBreakerMiddleware_FailsFastWhenOpen(t *testing.T) {
	b := NewCircuitBreaker(1, time.Hour)
	calls := 0
	handler := breakerMiddleware(b)(func(ctx context.Context, st *state.ConversationState) error {
		calls++
		return errors.New("provider exploded")
	})

	st := state.NewConversation("s")
	st.Provider = "anthropic"

	handler(context.Background(), st) // failure trips the breaker
	err := handler(context.Background(), st)
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected fail-fast error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("open circuit must skip the call, calls = %d", calls)
	}
}

func TestDelegationMiddleware_RunsWorkersAndReinvokes(t *testing.T) {
	registry := echoRegistry("researcher")
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		return "findings about " + req.Description, nil
	})

	var persisted []providers.Message
	coreCalls := 0
	handler := delegationMiddleware(d, func(sessionID string, msg providers.Message) {
		persisted = append(persisted, msg)
	})(func(ctx context.Context, st *state.ConversationState) error {
		coreCalls++
		if coreCalls == 1 {
			st.Messages = append(st.Messages, providers.Message{
				Role:    "assistant",
				Content: "DELEGATE: researcher <<<the v2 docs>>>",
			})
		} else {
			st.Messages = append(st.Messages, providers.Message{
				Role:    "assistant",
				Content: "Here is what the crew found.",
			})
		}
		return nil
	})

	st := state.NewConversation("s")
	if err := handler(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	if coreCalls != 2 {
		t.Fatalf("core calls = %d, want 2 (initial + integration)", coreCalls)
	}
	if len(persisted) != 1 || !strings.Contains(persisted[0].Content, "[DELEGATION RESULTS]") {
		t.Fatalf("delegation results not persisted: %+v", persisted)
	}
	if st.LastAssistantMessage() != "Here is what the crew found." {
		t.Fatalf("integration turn missing, last = %q", st.LastAssistantMessage())
	}
}

func TestDelegationMiddleware_NoDirectivesSingleTurn(t *testing.T) {
	registry := echoRegistry("researcher")
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		return "ok", nil
	})

	coreCalls := 0
	handler := delegationMiddleware(d, nil)(func(ctx context.Context, st *state.ConversationState) error {
		coreCalls++
		st.Messages = append(st.Messages, providers.Message{Role: "assistant", Content: "plain answer"})
		return nil
	})

	if err := handler(context.Background(), state.NewConversation("s")); err != nil {
		t.Fatal(err)
	}
	if coreCalls != 1 {
		t.Fatalf("core calls = %d, want 1", coreCalls)
	}
}

func TestNormalizeMiddleware_DropsOrphanedToolResults(t *testing.T) {
	handler := normalizeMiddleware()(func(ctx context.Context, st *state.ConversationState) error {
		return nil
	})

	st := state.NewConversation("s")
	st.Messages = []providers.Message{
		{Role: "system", Content: "prompt"},
		{Role: "tool", Content: "orphan", ToolCallID: "gone"},
		{Role: "user", Content: "hello"},
	}
	handler(context.Background(), st)

	for _, m := range st.Messages {
		if m.Role == "tool" {
			t.Fatal("orphaned tool message survived normalization")
		}
	}
	if len(st.Messages) != 2 {
		t.Fatalf("unexpected message count %d", len(st.Messages))
	}
}

func TestNormalizeMiddleware_CachedResponseShortCircuits(t *testing.T) {
	calls := 0
	handler := normalizeMiddleware()(func(ctx context.Context, st *state.ConversationState) error {
		calls++
		return nil
	})

	st := state.NewConversation("s")
	st.CachedResponse = "canned"
	handler(context.Background(), st)
	if calls != 0 {
		t.Fatal("cached response must skip the provider call")
	}
}

func TestIsolate_PanicBeforeNextDegradesToPassThrough(t *testing.T) {
	broken := func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			panic("element bug")
		}
	}

	coreCalls := 0
	handler := isolate("broken", broken)(func(ctx context.Context, st *state.ConversationState) error {
		coreCalls++
		return nil
	})

	if err := handler(context.Background(), state.NewConversation("s")); err != nil {
		t.Fatalf("isolated panic must not fail the turn: %v", err)
	}
	if coreCalls != 1 {
		t.Fatal("turn must still reach the core after an element panic")
	}
}

func TestIsolate_PanicAfterNextKeepsResult(t *testing.T) {
	broken := func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			if err := next(ctx, st); err != nil {
				return err
			}
			panic("post-processing bug")
		}
	}

	coreCalls := 0
	handler := isolate("broken", broken)(func(ctx context.Context, st *state.ConversationState) error {
		coreCalls++
		return nil
	})

	if err := handler(context.Background(), state.NewConversation("s")); err != nil {
		t.Fatalf("turn result must survive a post-next panic: %v", err)
	}
	if coreCalls != 1 {
		t.Fatalf("core ran %d times, want 1", coreCalls)
	}
}

func TestAssemble_FullChain(t *testing.T) {
	cfg := config.DefaultConfig()
	ms := NewMemoryStore(t.TempDir())
	ms.WriteLongTerm("remember me")

	var summarized, evicted bool
	coreCalls := 0
	handler := Assemble(cfg, PipelineDeps{
		Memory:   ms,
		Quota:    testQuotaManager(100),
		Breaker:  NewCircuitBreaker(5, time.Minute),
		RetryMax: 1,
		Summarize: func(sessionID string) {
			summarized = true
		},
		Evict: func(sessionID string) int {
			evicted = true
			return 0
		},
	}, func(ctx context.Context, st *state.ConversationState) error {
		coreCalls++
		return nil
	})

	st := state.NewConversation("s")
	st.Messages = []providers.Message{{Role: "system", Content: "prompt"}, {Role: "user", Content: "hi"}}
	if err := handler(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	if coreCalls != 1 {
		t.Fatalf("core calls = %d, want 1", coreCalls)
	}
	if st.TraceID == "" {
		t.Fatal("trace not seeded through the chain")
	}
	if !strings.Contains(st.Messages[0].Content, "remember me") {
		t.Fatal("memory element skipped")
	}
	if !summarized || !evicted {
		t.Fatalf("post-turn elements skipped: summarize=%v evict=%v", summarized, evicted)
	}
}

func TestQuotaRefusalWindows(t *testing.T) {
	day := quotaRefusal(quota.CheckResult{Window: "day"})
	if !strings.Contains(day, "daily") {
		t.Fatalf("day refusal should mention daily limit: %q", day)
	}
	other := quotaRefusal(quota.CheckResult{Window: ""})
	if other == "" {
		t.Fatal("default refusal must not be empty")
	}
	if fmt.Sprintf("%s", day) == other {
		t.Fatal("refusals should differ per window")
	}
}
