package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/crewclaw/crewclaw/pkg/heartbeat"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/state"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

func stateWithAssistant(content string, toolCalls ...providers.ToolCall) *state.ConversationState {
	st := state.NewConversation("test:session")
	st.TraceID = "trace-1"
	st.Messages = []providers.Message{
		{Role: "user", Content: "do the thing"},
		{Role: "assistant", Content: content, ToolCalls: toolCalls},
	}
	return st
}

func echoRegistry(names ...string) *workers.Registry {
	r := workers.NewRegistry()
	for _, n := range names {
		r.Register(workers.Profile{Name: n, Description: n + " worker"})
	}
	return r
}

func TestExtractPendingDelegations_ToolCallForm(t *testing.T) {
	st := stateWithAssistant("on it", providers.ToolCall{
		ID:   "call_1",
		Name: "delegate",
		Arguments: map[string]interface{}{
			"worker":      "Coder",
			"description": "write the parser tests",
		},
	})

	reqs := ExtractPendingDelegations(st)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].ID != "call_1" {
		t.Fatalf("tool-call ID must be reused, got %s", reqs[0].ID)
	}
	if reqs[0].WorkerType != "coder" {
		t.Fatalf("worker type must be lowercased, got %s", reqs[0].WorkerType)
	}
	if reqs[0].Description != "write the parser tests" {
		t.Fatalf("unexpected description: %s", reqs[0].Description)
	}
}

func TestExtractPendingDelegations_TextForm(t *testing.T) {
	st := stateWithAssistant("Let me split this up.\n" +
		"DELEGATE: researcher <<<find the v2 release notes\nand list breaking changes>>>\n" +
		"DELEGATE: coder <<<bump the dependency>>>")

	reqs := ExtractPendingDelegations(st)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].WorkerType != "researcher" || reqs[1].WorkerType != "coder" {
		t.Fatalf("unexpected workers: %s, %s", reqs[0].WorkerType, reqs[1].WorkerType)
	}
	if !strings.Contains(reqs[0].Description, "breaking changes") {
		t.Fatalf("multiline description truncated: %q", reqs[0].Description)
	}
	// Text directives carry no model-issued ID, so each gets a fresh one.
	if reqs[0].ID == "" || reqs[0].ID == reqs[1].ID {
		t.Fatalf("directive requests need distinct generated IDs, got %q and %q", reqs[0].ID, reqs[1].ID)
	}
}

func TestExtractPendingDelegations_MalformedDropped(t *testing.T) {
	st := stateWithAssistant("DELEGATE: coder <<<>>>", providers.ToolCall{
		ID:        "call_x",
		Name:      "delegate",
		Arguments: map[string]interface{}{"worker": "", "description": "no worker named"},
	})

	if reqs := ExtractPendingDelegations(st); len(reqs) != 0 {
		t.Fatalf("malformed requests must be dropped, got %d", len(reqs))
	}
}

func TestExtractPendingDelegations_OlderTurnsIgnored(t *testing.T) {
	st := state.NewConversation("test:session")
	st.Messages = []providers.Message{
		{Role: "assistant", Content: "DELEGATE: coder <<<old directive>>>"},
		{Role: "user", Content: "thanks, anything else?"},
		{Role: "assistant", Content: "all done"},
	}

	if reqs := ExtractPendingDelegations(st); len(reqs) != 0 {
		t.Fatalf("directives in older turns must not re-trigger, got %d", len(reqs))
	}
}

func TestExtractPendingDelegations_ScansWholeTurnTail(t *testing.T) {
	// One turn can produce several assistant messages: a tool-call form
	// request, its acknowledgement, then a closing text directive.
	st := state.NewConversation("test:session")
	st.Messages = []providers.Message{
		{Role: "user", Content: "ship it"},
		{Role: "assistant", Content: "Splitting the work.", ToolCalls: []providers.ToolCall{{
			ID:        "call_7",
			Name:      "delegate",
			Arguments: map[string]interface{}{"worker": "researcher", "description": "find prior art"},
		}}},
		{Role: "tool", Content: "Delegation request queued for dispatch.", ToolCallID: "call_7"},
		{Role: "assistant", Content: "DELEGATE: coder <<<wire the endpoint>>>"},
	}

	reqs := ExtractPendingDelegations(st)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests across the turn tail, got %d", len(reqs))
	}
	if reqs[0].ID != "call_7" || reqs[0].WorkerType != "researcher" {
		t.Fatalf("unexpected first request: %+v", reqs[0])
	}
	if reqs[1].WorkerType != "coder" {
		t.Fatalf("unexpected second request: %+v", reqs[1])
	}
}

func TestDelegateToolDefinition(t *testing.T) {
	def := DelegateToolDefinition(echoRegistry("coder", "researcher"))
	if def.Type != "function" || def.Function.Name != "delegate" {
		t.Fatalf("unexpected definition shape: %+v", def)
	}
	if !strings.Contains(def.Function.Description, "- coder: coder worker") {
		t.Fatalf("worker lineup missing from description:\n%s", def.Function.Description)
	}
	required, ok := def.Function.Parameters["required"].([]string)
	if !ok || len(required) != 2 {
		t.Fatalf("required parameters = %v", def.Function.Parameters["required"])
	}
}

func TestHasRoutableDelegations(t *testing.T) {
	registry := echoRegistry("coder")

	st := stateWithAssistant("DELEGATE: coder <<<do it>>>")
	if !HasRoutableDelegations(st, registry) {
		t.Fatal("expected routable delegation")
	}

	st = stateWithAssistant("DELEGATE: plumber <<<fix the sink>>>")
	if HasRoutableDelegations(st, registry) {
		t.Fatal("unknown worker must not count as routable")
	}
	if HasRoutableDelegations(st, nil) {
		t.Fatal("nil registry must report false")
	}
}

func TestDispatch_OrderAndUnknownWorker(t *testing.T) {
	registry := echoRegistry("coder", "researcher")
	d := NewDispatcher(registry, 4, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		return "done: " + req.Description, nil
	})

	parent := state.NewConversation("test:session")
	reqs := []PendingDelegationRequest{
		{ID: "r1", WorkerType: "coder", Description: "first"},
		{ID: "r2", WorkerType: "plumber", Description: "second"},
		{ID: "r3", WorkerType: "researcher", Description: "third"},
	}

	results := d.Dispatch(context.Background(), parent, reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Output != "done: first" || results[2].Output != "done: third" {
		t.Fatalf("results out of request order: %+v", results)
	}
	if !results[1].Failed() || !strings.Contains(results[1].Error, "plumber") {
		t.Fatalf("unknown worker must fail with a named error, got %+v", results[1])
	}
	if !strings.Contains(results[1].Error, "coder") {
		t.Fatalf("error should list available workers, got %s", results[1].Error)
	}
}

func TestDispatch_ConsumesRequestsExactlyOnce(t *testing.T) {
	registry := echoRegistry("coder")
	var runs int32
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		atomic.AddInt32(&runs, 1)
		return "ok", nil
	})

	parent := state.NewConversation("test:session")
	reqs := []PendingDelegationRequest{{ID: "r1", WorkerType: "coder", Description: "x"}}

	if got := d.Dispatch(context.Background(), parent, reqs); len(got) != 1 {
		t.Fatalf("first dispatch: expected 1 result, got %d", len(got))
	}
	if got := d.Dispatch(context.Background(), parent, reqs); len(got) != 0 {
		t.Fatalf("second dispatch must skip the consumed request, got %d results", len(got))
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("worker ran %d times, want 1", runs)
	}
	if !parent.DelegationExecuted("r1") {
		t.Fatal("request ID must land in the executed set")
	}
}

func TestDispatch_FailedWorkerStillConsumed(t *testing.T) {
	registry := echoRegistry("coder")
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		return "", fmt.Errorf("compile error")
	})

	parent := state.NewConversation("test:session")
	reqs := []PendingDelegationRequest{{ID: "r1", WorkerType: "coder", Description: "x"}}

	results := d.Dispatch(context.Background(), parent, reqs)
	if len(results) != 1 || !results[0].Failed() {
		t.Fatalf("expected one failed result, got %+v", results)
	}
	if results[0].Output != "" {
		t.Fatalf("failed result must not carry output, got %q", results[0].Output)
	}
	if !parent.DelegationExecuted("r1") {
		t.Fatal("failed requests are still consumed")
	}
}

func TestDispatch_PanickingWorkerContained(t *testing.T) {
	registry := echoRegistry("coder", "researcher")
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		if p.Name == "coder" {
			panic("nil map write")
		}
		return "findings", nil
	})

	parent := state.NewConversation("test:session")
	results := d.Dispatch(context.Background(), parent, []PendingDelegationRequest{
		{ID: "r1", WorkerType: "coder", Description: "x"},
		{ID: "r2", WorkerType: "researcher", Description: "y"},
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Failed() || !strings.Contains(results[0].Error, "crashed") {
		t.Fatalf("panic must surface as a crashed error, got %+v", results[0])
	}
	if results[1].Output != "findings" {
		t.Fatalf("sibling worker must be unaffected, got %+v", results[1])
	}
}

func TestDispatch_ParallelismBounded(t *testing.T) {
	registry := echoRegistry("coder")
	var inFlight, peak int32
	gate := make(chan struct{})

	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})

	parent := state.NewConversation("test:session")
	reqs := make([]PendingDelegationRequest, 5)
	for i := range reqs {
		reqs[i] = PendingDelegationRequest{ID: fmt.Sprintf("r%d", i), WorkerType: "coder", Description: "x"}
	}

	done := make(chan []DelegationResult, 1)
	go func() { done <- d.Dispatch(context.Background(), parent, reqs) }()
	close(gate)

	results := <-done
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("parallelism exceeded the bound: peak %d", p)
	}
}

func TestDispatch_ChildStateIsolated(t *testing.T) {
	registry := echoRegistry("coder")
	var childSeen *state.ConversationState
	d := NewDispatcher(registry, 1, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		childSeen = child
		return "ok", nil
	})

	parent := state.NewConversation("parent:session")
	parent.TraceID = "trace-9"
	parent.Messages = []providers.Message{{Role: "user", Content: "secret history"}}

	d.Dispatch(context.Background(), parent, []PendingDelegationRequest{
		{ID: "r1", WorkerType: "coder", Description: "x"},
	})

	if childSeen == nil {
		t.Fatal("worker never ran")
	}
	if len(childSeen.Messages) != 0 {
		t.Fatal("child must not inherit parent history")
	}
	session, trace, requestID, ok := childSeen.ParentRef()
	if !ok || session != "parent:session" || trace != "trace-9" || requestID != "r1" {
		t.Fatalf("child back-reference wrong: %s %s %s %v", session, trace, requestID, ok)
	}
}

func TestDispatch_ReportsHeartbeats(t *testing.T) {
	registry := echoRegistry("coder", "researcher")
	d := NewDispatcher(registry, 2, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		if p.Name == "coder" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})
	beats := heartbeat.NewBus()
	d.SetHeartbeats(beats)

	parent := state.NewConversation("test:session")
	d.Dispatch(context.Background(), parent, []PendingDelegationRequest{
		{ID: "r1", WorkerType: "coder", Description: "x"},
		{ID: "r2", WorkerType: "researcher", Description: "y"},
	})

	latest, ok := beats.Latest("coder")
	if !ok || latest.Status != heartbeat.StatusFailed {
		t.Fatalf("coder's last beat should be failed, got %+v (ok=%v)", latest, ok)
	}
	latest, ok = beats.Latest("researcher")
	if !ok || latest.Status != heartbeat.StatusDone {
		t.Fatalf("researcher's last beat should be done, got %+v (ok=%v)", latest, ok)
	}

	recent := beats.Recent("researcher", 10)
	if len(recent) < 2 || recent[len(recent)-2].Status != heartbeat.StatusProcessing {
		t.Fatalf("expected a processing beat before done, got %+v", recent)
	}
}

func TestRunDelegation_Single(t *testing.T) {
	registry := echoRegistry("coder")
	d := NewDispatcher(registry, 1, func(ctx context.Context, p workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
		return "single result", nil
	})

	parent := state.NewConversation("test:session")
	res := d.RunDelegation(context.Background(), parent, PendingDelegationRequest{ID: "r1", WorkerType: "coder", Description: "x"})
	if res.Failed() || res.Output != "single result" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = d.RunDelegation(context.Background(), parent, PendingDelegationRequest{ID: "r1", WorkerType: "coder", Description: "x"})
	if !res.Failed() {
		t.Fatal("re-running a consumed request must fail")
	}
}

func TestFormatDelegationResults(t *testing.T) {
	out := FormatDelegationResults([]DelegationResult{
		{RequestID: "r1", WorkerType: "researcher", Output: "three findings"},
		{RequestID: "r2", WorkerType: "coder", Error: "compile error"},
	})

	if !strings.HasPrefix(out, "[DELEGATION RESULTS]") {
		t.Fatalf("missing header: %q", out)
	}
	rIdx := strings.Index(out, "### researcher")
	cIdx := strings.Index(out, "### coder (failed)")
	if rIdx < 0 || cIdx < 0 || rIdx > cIdx {
		t.Fatalf("sections missing or out of order:\n%s", out)
	}
	if !strings.Contains(out, "compile error") {
		t.Fatalf("failure text missing:\n%s", out)
	}
}
