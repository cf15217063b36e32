// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package health

import (
	"context"
	"sync"
	"time"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

// CheckFunc probes one target and reports liveness with a short reason.
type CheckFunc func() (bool, string)

// ModelHealth is the last known condition of one model.
type ModelHealth struct {
	Available bool      `json:"available"`
	LatencyMS int64     `json:"latency_ms"`
	ErrorRate float64   `json:"error_rate"`
	CheckedAt time.Time `json:"checked_at"`
}

const outcomeWindow = 20

type modelEntry struct {
	health   ModelHealth
	outcomes []bool // ring buffer of recent call results
	next     int
	filled   bool
	probe    CheckFunc
}

func (e *modelEntry) record(ok bool) {
	if len(e.outcomes) == 0 {
		e.outcomes = make([]bool, outcomeWindow)
	}
	e.outcomes[e.next] = ok
	e.next = (e.next + 1) % outcomeWindow
	if e.next == 0 {
		e.filled = true
	}
}

func (e *modelEntry) errorRate() float64 {
	n := e.next
	if e.filled {
		n = outcomeWindow
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !e.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// Registry tracks per-model health from live call outcomes and optional
// background probes. Models it has never heard of count as available, so
// routing is never blocked by missing data.
type Registry struct {
	mu           sync.RWMutex
	models       map[string]*modelEntry
	maxErrorRate float64
}

func NewRegistry(maxErrorRate float64) *Registry {
	if maxErrorRate <= 0 {
		maxErrorRate = 0.5
	}
	return &Registry{
		models:       make(map[string]*modelEntry),
		maxErrorRate: maxErrorRate,
	}
}

func (r *Registry) entry(model string) *modelEntry {
	e, ok := r.models[model]
	if !ok {
		e = &modelEntry{health: ModelHealth{Available: true}}
		r.models[model] = e
	}
	return e
}

// Report feeds one live call outcome into the model's record.
func (r *Registry) Report(model string, ok bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(model)
	e.record(ok)
	rate := e.errorRate()
	e.health = ModelHealth{
		Available: ok || rate <= r.maxErrorRate,
		LatencyMS: latency.Milliseconds(),
		ErrorRate: rate,
		CheckedAt: time.Now(),
	}
}

// Lookup returns the model's last known health. Unknown models read as
// available with zeroed metrics.
func (r *Registry) Lookup(model string) ModelHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.models[model]; ok {
		return e.health
	}
	return ModelHealth{Available: true}
}

// Healthy is the routing shortcut for Lookup().Available.
func (r *Registry) Healthy(model string) bool {
	return r.Lookup(model).Available
}

// RegisterProbe attaches a background check to a model.
func (r *Registry) RegisterProbe(model string, probe CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(model).probe = probe
}

// Start runs registered probes on a ticker until ctx ends.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		r.runProbes()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runProbes()
			}
		}
	}()
}

func (r *Registry) runProbes() {
	r.mu.RLock()
	targets := make(map[string]CheckFunc)
	for model, e := range r.models {
		if e.probe != nil {
			targets[model] = e.probe
		}
	}
	r.mu.RUnlock()

	for model, probe := range targets {
		start := time.Now()
		ok, reason := probe()
		r.Report(model, ok, time.Since(start))
		if !ok {
			logger.WarnCF("health", "model probe failed", map[string]interface{}{
				"model":  model,
				"reason": reason,
			})
		}
	}
}

// Snapshot copies the current table for status output.
func (r *Registry) Snapshot() map[string]ModelHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ModelHealth, len(r.models))
	for model, e := range r.models {
		out[model] = e.health
	}
	return out
}
