// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/state"
)

// ReflectionVerdict is what the QA loop does with a judged draft.
type ReflectionVerdict int

const (
	VerdictAccept ReflectionVerdict = iota
	VerdictRefine
	VerdictEscalate
)

func (v ReflectionVerdict) String() string {
	switch v {
	case VerdictRefine:
		return "refine"
	case VerdictEscalate:
		return "escalate"
	default:
		return "accept"
	}
}

// Reflector runs an optional self-judgment pass over a draft answer.
// A broken judge must never block answers: evaluation failures route to
// Accept with a logged warning.
type Reflector struct {
	cfg      config.ReflectionConfig
	provider providers.LLMProvider
	model    string
}

func NewReflector(cfg config.ReflectionConfig, provider providers.LLMProvider, model string) *Reflector {
	if cfg.AcceptableThreshold <= 0 {
		cfg.AcceptableThreshold = 0.7
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.4
	}
	if cfg.CriticalThreshold >= cfg.AcceptableThreshold {
		cfg.CriticalThreshold = cfg.AcceptableThreshold / 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Reflector{cfg: cfg, provider: provider, model: model}
}

const judgePromptFormat = `You are a strict quality judge. Evaluate whether the answer actually resolves the user's request.
Return JSON only with keys: confidence (0..1), sufficient (bool), correction (string), reasoning (string).
correction must name the concrete gap when sufficient is false, otherwise be empty.

USER REQUEST:
%s

DRAFT ANSWER:
%s`

// Evaluate runs one judge-model call over the draft. The response must be
// strict JSON; brace scanning tolerates wrapping prose, and out-of-range
// confidences are clamped rather than rejected.
func (r *Reflector) Evaluate(ctx context.Context, query, answer string) (state.ReflectionFeedback, error) {
	if r.provider == nil {
		return state.ReflectionFeedback{}, fmt.Errorf("no judge provider configured")
	}

	prompt := fmt.Sprintf(judgePromptFormat, query, answer)
	resp, err := r.provider.Chat(ctx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, r.model, map[string]interface{}{
		"temperature": 0.1,
		"max_tokens":  512,
	})
	if err != nil {
		return state.ReflectionFeedback{}, fmt.Errorf("judge call failed: %w", err)
	}

	raw := extractFirstJSON(resp.Content)
	if raw == "" {
		return state.ReflectionFeedback{}, fmt.Errorf("judge returned no JSON")
	}
	var fb state.ReflectionFeedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return state.ReflectionFeedback{}, fmt.Errorf("judge JSON unparseable: %w", err)
	}
	fb.Confidence = clamp01(fb.Confidence)
	return fb, nil
}

// Route decides what to do with judged feedback. Confidence below the
// critical threshold escalates even when retries remain; between critical
// and acceptable it refines while the retry budget lasts; anything else
// is accepted.
func (r *Reflector) Route(fb state.ReflectionFeedback, retryCount int) ReflectionVerdict {
	if fb.Confidence < r.cfg.CriticalThreshold {
		return VerdictEscalate
	}
	if fb.Confidence < r.cfg.AcceptableThreshold && retryCount < r.cfg.MaxRetries {
		return VerdictRefine
	}
	return VerdictAccept
}

// Judge evaluates and routes in one call, applying the fail-safe: any
// evaluation error reads as Accept so answers keep flowing.
func (r *Reflector) Judge(ctx context.Context, query, answer string, retryCount int) (state.ReflectionOutcome, ReflectionVerdict) {
	fb, err := r.Evaluate(ctx, query, answer)
	if err != nil {
		logger.WarnCF("reflection", "judge failed, accepting draft", map[string]interface{}{
			"error": err.Error(),
		})
		return state.ReflectionOutcome{}, VerdictAccept
	}
	verdict := r.Route(fb, retryCount)
	logger.InfoCF("reflection", "draft judged", map[string]interface{}{
		"confidence": fb.Confidence,
		"sufficient": fb.Sufficient,
		"verdict":    verdict.String(),
		"retries":    retryCount,
	})
	return state.ReflectionOutcome{Present: true, Feedback: fb}, verdict
}

// RefinementPrompt builds the instruction for a refine pass: the draft is
// rewritten with the judge's correction appended to the request.
func RefinementPrompt(query, answer, correction string) string {
	return fmt.Sprintf(`Your previous answer needs revision.

ORIGINAL REQUEST:
%s

PREVIOUS ANSWER:
%s

REQUIRED CORRECTION:
%s

Rewrite the answer applying the correction. Return only the improved answer.`, query, answer, correction)
}

// EscalationModel names the stronger-tier model for escalated drafts; empty
// when none is configured.
func (r *Reflector) EscalationModel() (provider, model string) {
	return r.cfg.Escalation.Provider, r.cfg.Escalation.Model
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
