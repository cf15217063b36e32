// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/quota"
	"github.com/crewclaw/crewclaw/pkg/state"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

// TurnFunc processes one conversation turn against the state.
type TurnFunc func(ctx context.Context, st *state.ConversationState) error

// Middleware wraps a TurnFunc. Elements must call next at most once; the
// isolation boundary depends on it.
type Middleware func(next TurnFunc) TurnFunc

// PipelineDeps carries the typed dependencies the pipeline elements need.
// Nil dependencies drop their element from the chain.
type PipelineDeps struct {
	Memory       *MemoryStore
	Quota        *quota.Manager
	QuotaService string
	Breaker      *CircuitBreaker
	Dispatcher   *Dispatcher
	Workers      *workers.Registry
	RetryMax     int
	Persist      func(sessionID string, msg providers.Message)
	Summarize    func(sessionID string)
	Evict        func(sessionID string) int
}

type pipelineElement struct {
	name string
	mw   Middleware
}

// Assemble composes the turn-processing chain from an explicit ordered
// list. Fixed order, outermost first: trace seeding, memory injection,
// quota guard, retry, circuit breaker, delegation, summarization, eviction,
// call-shape normalization. Delegation is linked only when the worker
// registry is non-empty. Every element runs inside a failure-isolation
// boundary, so a broken element degrades to pass-through instead of
// aborting turns.
func Assemble(cfg *config.Config, deps PipelineDeps, core TurnFunc) TurnFunc {
	service := deps.QuotaService
	if service == "" {
		service = "llm"
	}
	retries := deps.RetryMax
	if retries <= 0 {
		retries = 2
	}

	elements := make([]pipelineElement, 0, 9)
	elements = append(elements, pipelineElement{"trace", traceMiddleware()})
	if deps.Memory != nil {
		elements = append(elements, pipelineElement{"memory", memoryMiddleware(deps.Memory)})
	}
	if deps.Quota != nil {
		elements = append(elements, pipelineElement{"quota", quotaMiddleware(deps.Quota, service)})
	}
	elements = append(elements, pipelineElement{"retry", retryMiddleware(retries)})
	if deps.Breaker != nil {
		elements = append(elements, pipelineElement{"breaker", breakerMiddleware(deps.Breaker)})
	}
	if deps.Dispatcher != nil && deps.Workers != nil && deps.Workers.Len() > 0 {
		elements = append(elements, pipelineElement{"delegation", delegationMiddleware(deps.Dispatcher, deps.Persist)})
	}
	if deps.Summarize != nil {
		elements = append(elements, pipelineElement{"summarize", summarizeMiddleware(deps.Summarize)})
	}
	if deps.Evict != nil {
		elements = append(elements, pipelineElement{"evict", evictMiddleware(deps.Evict, cfg.Sessions.MaxTurns)})
	}
	elements = append(elements, pipelineElement{"normalize", normalizeMiddleware()})

	handler := core
	for i := len(elements) - 1; i >= 0; i-- {
		handler = isolate(elements[i].name, elements[i].mw)(handler)
	}
	return handler
}

// isolate wraps one element in the failure boundary: a panic in the
// element's own machinery logs and degrades to pass-through. When the
// element had not yet reached next, next still runs so the turn proceeds;
// when it panicked after next, the turn's result is kept.
func isolate(name string, mw Middleware) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) (err error) {
			ran := false
			guard := func(c context.Context, s *state.ConversationState) error {
				ran = true
				return next(c, s)
			}
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorCF("middleware", "element panicked, degrading to pass-through", map[string]interface{}{
						"element": name,
						"panic":   fmt.Sprintf("%v", r),
					})
					if !ran {
						err = next(ctx, st)
					} else {
						err = nil
					}
				}
			}()
			return mw(guard)(ctx, st)
		}
	}
}

// traceMiddleware seeds a trace ID when the state has none.
func traceMiddleware() Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			if st.TraceID == "" {
				st.TraceID = uuid.NewString()
			}
			return next(ctx, st)
		}
	}
}

const memoryHeader = "# Memory"

// memoryMiddleware injects the long-term memory block into the system
// context, once.
func memoryMiddleware(ms *MemoryStore) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			memoryContext := ms.GetMemoryContext()
			if memoryContext == "" {
				return next(ctx, st)
			}
			if len(st.Messages) > 0 && st.Messages[0].Role == "system" {
				if !strings.Contains(st.Messages[0].Content, memoryHeader) {
					st.Messages[0].Content += "\n\n---\n\n" + memoryContext
				}
			} else {
				st.Messages = append([]providers.Message{{Role: "system", Content: memoryContext}}, st.Messages...)
			}
			return next(ctx, st)
		}
	}
}

// quotaMiddleware charges one request against the service's windows. A
// denial short-circuits the turn with a polite refusal instead of an error;
// store outages fail open inside the manager.
func quotaMiddleware(mgr *quota.Manager, service string) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			res := mgr.CheckAndTrack(ctx, service)
			if !res.Allowed() {
				st.CachedResponse = quotaRefusal(res)
				logger.InfoCF("middleware", "quota denied, refusing turn", map[string]interface{}{
					"session": st.SessionID,
					"service": service,
					"window":  res.Window,
				})
				return nil
			}
			return next(ctx, st)
		}
	}
}

func quotaRefusal(res quota.CheckResult) string {
	switch res.Window {
	case "minute":
		return "I'm handling a lot of requests right now. Give me a minute and ask again."
	case "day":
		return "I've reached my daily usage limit. I'll be available again tomorrow."
	default:
		return "I've reached a usage limit and can't process this right now. Please try again later."
	}
}

// retryMiddleware retries transient provider failures with exponential
// backoff and jitter. Permanent errors and exhausted turn budgets pass
// straight through.
func retryMiddleware(maxRetries int) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			var err error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				if attempt > 0 {
					backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
					backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
					logger.WarnCF("middleware", "transient provider error, retrying", map[string]interface{}{
						"session": st.SessionID,
						"attempt": attempt,
						"backoff": backoff.String(),
						"error":   err.Error(),
					})
					select {
					case <-ctx.Done():
						return err
					case <-time.After(backoff):
					}
				}
				err = next(ctx, st)
				if err == nil || !isTransientError(err) || ctx.Err() != nil {
					return err
				}
			}
			return err
		}
	}
}

var transientMarkers = []string{
	"429",
	"rate limit",
	"overloaded",
	"connection refused",
	"connection reset",
	"502",
	"503",
	"504",
	"temporarily unavailable",
	"server error",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// breakerMiddleware fails fast while a provider's circuit is open and feeds
// call outcomes back into the breaker.
func breakerMiddleware(b *CircuitBreaker) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			name := st.Provider
			if name == "" {
				name = "default"
			}
			if !b.Allow(name) {
				return fmt.Errorf("provider %s circuit open, skipping call", name)
			}
			err := next(ctx, st)
			if err != nil {
				b.RecordFailure(name)
			} else {
				b.RecordSuccess(name)
			}
			return err
		}
	}
}

// delegationMiddleware runs the dispatch pass after the provider produced
// its answer: extract directives, run workers, append their results, then
// re-invoke the inner chain once so the model integrates them.
func delegationMiddleware(d *Dispatcher, persist func(sessionID string, msg providers.Message)) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			if err := next(ctx, st); err != nil {
				return err
			}
			if st.CachedResponse != "" {
				return nil
			}
			reqs := ExtractPendingDelegations(st)
			if len(reqs) == 0 {
				return nil
			}
			results := d.Dispatch(ctx, st, reqs)
			if len(results) == 0 {
				return nil
			}
			msg := providers.Message{
				Role:    "user",
				Content: FormatDelegationResults(results),
			}
			st.Messages = append(st.Messages, msg)
			if persist != nil {
				persist(st.SessionID, msg)
			}
			return next(ctx, st)
		}
	}
}

// summarizeMiddleware triggers history compaction after the turn. The
// trigger itself decides whether thresholds are crossed.
func summarizeMiddleware(trigger func(sessionID string)) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			err := next(ctx, st)
			if err == nil {
				trigger(st.SessionID)
			}
			return err
		}
	}
}

// evictMiddleware enforces the hard cap on retained turns after
// summarization had its chance.
func evictMiddleware(evict func(sessionID string) int, maxTurns int) Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			err := next(ctx, st)
			if err == nil && maxTurns > 0 {
				if n := evict(st.SessionID); n > 0 {
					logger.DebugCF("middleware", "evicted old turns", map[string]interface{}{
						"session": st.SessionID,
						"evicted": n,
					})
				}
			}
			return err
		}
	}
}

// normalizeMiddleware is the innermost element: final message-array shaping
// before the provider call. It honors the cached-response short-circuit and
// strips leading orphaned tool results, which make several providers reject
// the whole conversation.
func normalizeMiddleware() Middleware {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, st *state.ConversationState) error {
			if st.CachedResponse != "" {
				return nil
			}
			for len(st.Messages) > 0 && firstConversational(st.Messages).Role == "tool" {
				logger.DebugCF("middleware", "dropping orphaned tool message", map[string]interface{}{
					"session": st.SessionID,
				})
				st.Messages = removeFirstConversational(st.Messages)
			}
			return next(ctx, st)
		}
	}
}

func firstConversational(msgs []providers.Message) providers.Message {
	for _, m := range msgs {
		if m.Role != "system" {
			return m
		}
	}
	return providers.Message{}
}

func removeFirstConversational(msgs []providers.Message) []providers.Message {
	for i, m := range msgs {
		if m.Role != "system" {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type breakerEntry struct {
	state    breakerState
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks consecutive failures per provider. After threshold
// failures the circuit opens; once the cooldown elapses a single probe call
// is let through (half-open), and its outcome decides between closing and
// re-opening.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[string]*breakerEntry
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*breakerEntry),
		now:       time.Now,
	}
}

func (b *CircuitBreaker) entry(provider string) *breakerEntry {
	e, ok := b.entries[provider]
	if !ok {
		e = &breakerEntry{}
		b.entries[provider] = e
	}
	return e
}

// Allow reports whether a call to the provider may proceed right now.
func (b *CircuitBreaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider)
	switch e.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(e.openedAt) >= b.cooldown {
			e.state = breakerHalfOpen
			return true
		}
		return false
	default: // half-open: one probe already in flight
		return false
	}
}

func (b *CircuitBreaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider)
	if e.state != breakerClosed {
		logger.InfoCF("breaker", "circuit closed", map[string]interface{}{"provider": provider})
	}
	e.state = breakerClosed
	e.failures = 0
}

func (b *CircuitBreaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider)
	e.failures++
	if e.state == breakerHalfOpen || e.failures >= b.threshold {
		if e.state != breakerOpen {
			logger.WarnCF("breaker", "circuit opened", map[string]interface{}{
				"provider": provider,
				"failures": e.failures,
			})
		}
		e.state = breakerOpen
		e.openedAt = b.now()
	}
}

// State reports the circuit state for status output.
func (b *CircuitBreaker) State(provider string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(provider).state.String()
}
