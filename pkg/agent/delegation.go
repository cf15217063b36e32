// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewclaw/crewclaw/pkg/heartbeat"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/state"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

// PendingDelegationRequest is one extracted worker request, consumed exactly
// once. Requests without an explicit ID get a fresh UUID at extraction.
type PendingDelegationRequest struct {
	ID          string
	WorkerType  string
	Description string
	Args        map[string]interface{}
}

// DelegationResult is what one worker turn produced. Worker failures become
// error text here; they never propagate to sibling requests or fail the
// parent turn.
type DelegationResult struct {
	RequestID  string
	WorkerType string
	Output     string
	Error      string
	DurationMS int64
}

func (r DelegationResult) Failed() bool {
	return r.Error != ""
}

// delegateDirective matches the strict text form the coordinator prompt
// demands: DELEGATE: <worker> <<<description>>>. The description may span
// lines.
var delegateDirective = regexp.MustCompile(`DELEGATE:[ \t]*([A-Za-z0-9_-]+)[ \t]*<<<((?s:.*?))>>>`)

// delegateToolName is the structured form: the model calls this tool with
// worker and description arguments instead of emitting directive text.
const delegateToolName = "delegate"

// DelegateToolDefinition advertises the structured delegation form to the
// provider. Only coordinator turns carry it; worker turns never see it.
func DelegateToolDefinition(crew *workers.Registry) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.FunctionSchema{
			Name: delegateToolName,
			Description: "Delegate a task to a background worker and get its report back in the next message. " +
				"Available workers:\n" + crew.Describe(),
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"worker": map[string]interface{}{
						"type":        "string",
						"description": "Name of the worker profile to run",
					},
					"description": map[string]interface{}{
						"type":        "string",
						"description": "Complete, self-contained task instructions for the worker",
					},
				},
				"required": []string{"worker", "description"},
			},
		},
	}
}

// ExtractPendingDelegations scans the assistant messages produced since the
// last user turn for delegation requests, both tool-call and text form. The
// tool loop can emit several assistant messages per turn, so everything
// after the final user message counts; directives from earlier turns sit
// behind a user message and never re-trigger. Malformed requests (missing
// worker type or empty description) are dropped with only a debug log; a
// malformed directive must not break the turn.
func ExtractPendingDelegations(st *state.ConversationState) []PendingDelegationRequest {
	start := 0
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == "user" {
			start = i + 1
			break
		}
	}

	var reqs []PendingDelegationRequest
	for _, msg := range st.Messages[start:] {
		if msg.Role != "assistant" {
			continue
		}

		for _, tc := range msg.ToolCalls {
			if tc.Name != delegateToolName {
				continue
			}
			worker, _ := tc.Arguments["worker"].(string)
			description, _ := tc.Arguments["description"].(string)
			if strings.TrimSpace(worker) == "" || strings.TrimSpace(description) == "" {
				logger.DebugCF("delegation", "dropping malformed delegate tool call", map[string]interface{}{
					"id": tc.ID,
				})
				continue
			}
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}
			reqs = append(reqs, PendingDelegationRequest{
				ID:          id,
				WorkerType:  strings.ToLower(strings.TrimSpace(worker)),
				Description: strings.TrimSpace(description),
				Args:        tc.Arguments,
			})
		}

		for _, m := range delegateDirective.FindAllStringSubmatch(msg.Content, -1) {
			worker := strings.TrimSpace(m[1])
			description := strings.TrimSpace(m[2])
			if worker == "" || description == "" {
				logger.DebugCF("delegation", "dropping malformed delegate directive", map[string]interface{}{
					"worker": worker,
				})
				continue
			}
			reqs = append(reqs, PendingDelegationRequest{
				ID:          uuid.NewString(),
				WorkerType:  strings.ToLower(worker),
				Description: description,
			})
		}
	}

	return reqs
}

// HasRoutableDelegations reports whether at least one pending request names
// a registered worker profile.
func HasRoutableDelegations(st *state.ConversationState, registry *workers.Registry) bool {
	if registry == nil {
		return false
	}
	for _, req := range ExtractPendingDelegations(st) {
		if _, ok := registry.Lookup(req.WorkerType); ok {
			return true
		}
	}
	return false
}

// WorkerRunner executes one worker turn against an isolated child state and
// returns the worker's final output. The dispatcher owns everything around
// it: dedup, lifecycle events, concurrency, and failure containment.
type WorkerRunner func(ctx context.Context, profile workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error)

// Dispatcher routes extracted delegation requests to worker profiles and
// runs them with bounded parallelism.
type Dispatcher struct {
	registry    *workers.Registry
	maxParallel int
	run         WorkerRunner
	now         func() time.Time
	beats       *heartbeat.Bus
}

func NewDispatcher(registry *workers.Registry, maxParallel int, run WorkerRunner) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	return &Dispatcher{
		registry:    registry,
		maxParallel: maxParallel,
		run:         run,
		now:         time.Now,
	}
}

// SetHeartbeats attaches a liveness bus; every worker turn then reports
// spawn and completion beats on it.
func (d *Dispatcher) SetHeartbeats(beats *heartbeat.Bus) {
	d.beats = beats
}

// Heartbeats returns the attached liveness bus, if any.
func (d *Dispatcher) Heartbeats() *heartbeat.Bus {
	return d.beats
}

func (d *Dispatcher) reportBeat(worker, requestID, status string) {
	if d.beats == nil {
		return
	}
	d.beats.Report(heartbeat.WorkerHeartbeat{
		Worker:    worker,
		RequestID: requestID,
		Status:    status,
	})
}

// Dispatch executes the given requests. Semantics:
//   - requests whose ID is already in the parent's executed set are skipped
//   - unknown worker types produce an error-text result
//   - at most maxParallel workers run simultaneously
//   - results come back in request order regardless of completion order
//
// The executed set is updated before the worker starts, so a request is
// consumed even when its worker fails.
func (d *Dispatcher) Dispatch(ctx context.Context, parent *state.ConversationState, reqs []PendingDelegationRequest) []DelegationResult {
	if len(reqs) == 0 {
		return nil
	}

	type slot struct {
		req     PendingDelegationRequest
		profile workers.Profile
		known   bool
	}

	slots := make([]slot, 0, len(reqs))
	for _, req := range reqs {
		if parent.DelegationExecuted(req.ID) {
			logger.DebugCF("delegation", "skipping already-executed request", map[string]interface{}{
				"request_id": req.ID,
				"worker":     req.WorkerType,
			})
			continue
		}
		profile, ok := d.registry.Lookup(req.WorkerType)
		if ok {
			parent.MarkDelegationExecuted(req.ID)
		}
		slots = append(slots, slot{req: req, profile: profile, known: ok})
	}
	if len(slots) == 0 {
		return nil
	}

	results := make([]DelegationResult, len(slots))
	sem := make(chan struct{}, d.maxParallel)
	var wg sync.WaitGroup

	for i, s := range slots {
		if !s.known {
			results[i] = DelegationResult{
				RequestID:  s.req.ID,
				WorkerType: s.req.WorkerType,
				Error:      fmt.Sprintf("no worker profile named %q (available: %s)", s.req.WorkerType, strings.Join(d.registry.Names(), ", ")),
			}
			continue
		}

		wg.Add(1)
		go func(i int, s slot) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.runOne(ctx, parent, s.profile, s.req)
		}(i, s)
	}
	wg.Wait()

	return results
}

// RunDelegation executes a single request synchronously, bypassing the
// parallelism gate. The request is still consumed via the executed set.
func (d *Dispatcher) RunDelegation(ctx context.Context, parent *state.ConversationState, req PendingDelegationRequest) DelegationResult {
	if parent.DelegationExecuted(req.ID) {
		return DelegationResult{RequestID: req.ID, WorkerType: req.WorkerType, Error: "request already executed"}
	}
	profile, ok := d.registry.Lookup(req.WorkerType)
	if !ok {
		return DelegationResult{
			RequestID:  req.ID,
			WorkerType: req.WorkerType,
			Error:      fmt.Sprintf("no worker profile named %q", req.WorkerType),
		}
	}
	parent.MarkDelegationExecuted(req.ID)
	return d.runOne(ctx, parent, profile, req)
}

// runOne runs one worker turn in an isolated child state, emitting the
// spawn event strictly before the child turn and the end event strictly
// after it.
func (d *Dispatcher) runOne(ctx context.Context, parent *state.ConversationState, profile workers.Profile, req PendingDelegationRequest) (res DelegationResult) {
	childKey := fmt.Sprintf("%s:delegate:%d", parent.SessionID, d.now().UnixNano())
	child := parent.NewChildState(childKey, req.ID)

	logger.InfoCF("delegation", "delegation.spawn", map[string]interface{}{
		"request_id": req.ID,
		"worker":     profile.Name,
		"child":      childKey,
		"parent":     parent.SessionID,
	})
	d.reportBeat(profile.Name, req.ID, heartbeat.StatusProcessing)
	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			res = DelegationResult{
				RequestID:  req.ID,
				WorkerType: profile.Name,
				Error:      fmt.Sprintf("worker %s crashed: %v", profile.Name, r),
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
		status := heartbeat.StatusDone
		if res.Failed() {
			status = heartbeat.StatusFailed
		}
		d.reportBeat(profile.Name, req.ID, status)
		logger.InfoCF("delegation", "delegation.end", map[string]interface{}{
			"request_id":  req.ID,
			"worker":      profile.Name,
			"child":       childKey,
			"duration_ms": res.DurationMS,
			"failed":      res.Failed(),
		})
	}()

	output, err := d.run(ctx, profile, req, child)
	res = DelegationResult{
		RequestID:  req.ID,
		WorkerType: profile.Name,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Output = ""
		res.Error = err.Error()
	}
	return res
}

// FormatDelegationResults renders worker results for re-injection into the
// parent conversation, in request order.
func FormatDelegationResults(results []DelegationResult) string {
	var b strings.Builder
	b.WriteString("[DELEGATION RESULTS]\n")
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		if r.Failed() {
			fmt.Fprintf(&b, "### %s (failed)\n%s\n", r.WorkerType, r.Error)
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n", r.WorkerType, r.Output)
	}
	b.WriteString("\nIntegrate these results into your answer to the user. Do not mention the delegation mechanics.")
	return b.String()
}
