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
	"regexp"
	"strings"

	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/state"
)

// TaskDecision records how the task type for a turn was derived.
type TaskDecision struct {
	TaskType   string
	Source     string // "mode", "pin", "attachment", "keyword", "llm", "fallback"
	Confidence float64
	Reason     string
	Evidence   []string
}

// Classifier derives the task type for a turn. Signals are consulted in
// strict priority order: explicit indicators (operating mode, pinned task
// type) win over attachment heuristics, which win over keyword hints and
// the optional LLM confirmation. The classifier never overrides the
// operating mode; it clears per-turn pins that conflict with it.
type Classifier struct {
	cfg      config.RoutingClassifierConfig
	fallback string
	provider providers.LLMProvider
	model    string
}

func NewClassifier(cfg config.RoutingClassifierConfig, fallbackRoute string) *Classifier {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}
	if cfg.MinConfidenceForCode <= 0 {
		cfg.MinConfidenceForCode = 0.8
	}
	if !IsTaskType(fallbackRoute) {
		fallbackRoute = TaskChat
	}
	return &Classifier{cfg: cfg, fallback: NormalizeTaskType(fallbackRoute)}
}

// SetLLM attaches the model used for the optional confirmation call.
func (c *Classifier) SetLLM(provider providers.LLMProvider, model string) {
	c.provider = provider
	c.model = model
}

// DetermineTaskType decides the task type for the turn described by st.
// Apart from clearing pins that conflict with the operating mode, it only
// reads the state; the decision reason lands in the _system scratch.
func (c *Classifier) DetermineTaskType(ctx context.Context, st *state.ConversationState) TaskDecision {
	decision := c.derive(ctx, st)

	// The operating mode always wins over derived signals.
	if st.Mode != "" && IsTaskType(st.Mode) {
		mode := NormalizeTaskType(st.Mode)
		if decision.TaskType != mode {
			decision = TaskDecision{
				TaskType:   mode,
				Source:     "mode",
				Confidence: 1.0,
				Reason:     fmt.Sprintf("operating mode %s overrides derived type %s", mode, decision.TaskType),
				Evidence:   []string{"mode=" + mode},
			}
		}
	}

	c.clearStalePins(st, decision.TaskType)
	st.SetRouteReason(fmt.Sprintf("%s via %s: %s", decision.TaskType, decision.Source, decision.Reason))

	logger.DebugCF("classifier", "task type decided", map[string]interface{}{
		"session":    st.SessionID,
		"task":       decision.TaskType,
		"source":     decision.Source,
		"confidence": decision.Confidence,
	})
	return decision
}

func (c *Classifier) derive(ctx context.Context, st *state.ConversationState) TaskDecision {
	// 1. Explicit indicators.
	if st.PinnedTaskType != "" && IsTaskType(st.PinnedTaskType) {
		task := NormalizeTaskType(st.PinnedTaskType)
		return TaskDecision{
			TaskType:   task,
			Source:     "pin",
			Confidence: 1.0,
			Reason:     "user-pinned task type",
			Evidence:   []string{"pin=" + task},
		}
	}

	// Disabling the classifier turns off derived signals only; the
	// operating mode and explicit pins above still apply.
	if !c.cfg.Enabled {
		return TaskDecision{
			TaskType:   c.fallback,
			Source:     "fallback",
			Confidence: 0,
			Reason:     "classifier disabled",
		}
	}

	// 2. Attachment heuristics.
	if d, ok := classifyAttachments(st.Attachments); ok {
		return d
	}

	// 3. Keyword hints over the latest user text, optionally confirmed by
	// an LLM classification call.
	text := st.LastUserMessage()
	keyword := classifyKeywords(text)

	if c.cfg.UseLLM && c.provider != nil && strings.TrimSpace(text) != "" {
		if llm, ok := c.classifyWithLLM(ctx, text); ok {
			gate := c.cfg.MinConfidence
			if llm.TaskType == TaskCode {
				gate = c.cfg.MinConfidenceForCode
				// Code is expensive to mis-route; without hard evidence in
				// the text the stricter gate must hold on its own.
				if hasStrongCodeEvidence(text) {
					gate = c.cfg.MinConfidence
				}
			}
			if llm.Confidence >= gate {
				return TaskDecision{
					TaskType:   llm.TaskType,
					Source:     "llm",
					Confidence: llm.Confidence,
					Reason:     llm.Reason,
					Evidence:   []string{fmt.Sprintf("llm_confidence=%.2f", llm.Confidence)},
				}
			}
			logger.DebugCF("classifier", "llm classification below gate", map[string]interface{}{
				"task":       llm.TaskType,
				"confidence": llm.Confidence,
				"gate":       gate,
			})
		}
	}

	if keyword.TaskType != "" && keyword.TaskType != c.fallback {
		gate := c.cfg.MinConfidence
		if keyword.TaskType == TaskCode && !hasStrongCodeEvidence(text) {
			gate = c.cfg.MinConfidenceForCode
		}
		if keyword.Confidence >= gate {
			return keyword
		}
	}

	// 4. Fallback.
	return TaskDecision{
		TaskType:   c.fallback,
		Source:     "fallback",
		Confidence: 0,
		Reason:     "no signal cleared its gate",
	}
}

// clearStalePins drops per-turn overrides that no longer fit the decided
// task type, e.g. a model pinned for vision when the turn carries no image.
func (c *Classifier) clearStalePins(st *state.ConversationState, decided string) {
	if st.PinnedTaskType == "" {
		return
	}
	if NormalizeTaskType(st.PinnedTaskType) == decided {
		return
	}
	logger.InfoCF("classifier", "clearing incompatible pin", map[string]interface{}{
		"session":     st.SessionID,
		"pinned_task": st.PinnedTaskType,
		"decided":     decided,
		"model":       st.Model,
	})
	st.PinnedTaskType = ""
	st.Model = ""
	st.Provider = ""
}

// classifyAttachments maps attachments to a task type: any image routes to
// vision, and text files that look like logs route to reasoning so log
// triage happens without the user asking for it.
func classifyAttachments(atts []state.Attachment) (TaskDecision, bool) {
	for _, a := range atts {
		if strings.HasPrefix(strings.ToLower(a.MIME), "image/") {
			return TaskDecision{
				TaskType:   TaskVision,
				Source:     "attachment",
				Confidence: 1.0,
				Reason:     "image attachment",
				Evidence:   []string{"mime=" + a.MIME},
			}, true
		}
	}
	for _, a := range atts {
		if looksLikeLog(a.Name, a.Data) {
			return TaskDecision{
				TaskType:   TaskReasoning,
				Source:     "attachment",
				Confidence: 0.9,
				Reason:     "log-shaped attachment",
				Evidence:   []string{"file=" + a.Name},
			}, true
		}
	}
	return TaskDecision{}, false
}

var (
	logNameDate   = regexp.MustCompile(`-\d{8}(\.|$)`)
	timestampLine = regexp.MustCompile(`(?m)^\s*\[?\d{4}[-/]\d{2}[-/]\d{2}[T ]\d{2}:\d{2}`)
	levelToken    = regexp.MustCompile(`\b(ERROR|WARN|WARNING|INFO|DEBUG|FATAL)\b`)
)

var stackMarkers = []string{"at ", "goroutine ", "Traceback", "panic:", "Caused by"}

const logSniffLimit = 64 * 1024

// looksLikeLog sniffs a text attachment for log shape: a log-ish filename,
// timestamp-line density, log-level token density, or stack-trace markers.
func looksLikeLog(name string, data []byte) bool {
	lowerName := strings.ToLower(name)
	nameHit := strings.HasSuffix(lowerName, ".log") || logNameDate.MatchString(lowerName)

	if len(data) > logSniffLimit {
		data = data[:logSniffLimit]
	}
	sample := string(data)
	if strings.TrimSpace(sample) == "" {
		return nameHit
	}

	lines := strings.Split(sample, "\n")
	total := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			total++
		}
	}
	timestamped := len(timestampLine.FindAllString(sample, -1))
	levels := len(levelToken.FindAllString(sample, -1))
	stack := false
	for _, m := range stackMarkers {
		if strings.Contains(sample, m) {
			stack = true
			break
		}
	}

	if nameHit && (timestamped > 0 || levels > 0 || stack) {
		return true
	}
	if total >= 5 && timestamped*10 >= total*3 {
		return true
	}
	if levels >= 5 && stack {
		return true
	}
	return false
}

type keywordRule struct {
	re     *regexp.Regexp
	task   string
	weight float64
}

// Weighted keyword table. Japanese terms are included because chat traffic
// is frequently bilingual.
var keywordRules = []keywordRule{
	{regexp.MustCompile("```"), TaskCode, 0.5},
	{regexp.MustCompile(`(?m)^diff --git`), TaskCode, 0.9},
	{regexp.MustCompile(`(?i)\b(implement|refactor|compile|unit test|pull request|stack ?trace)\b`), TaskCode, 0.4},
	{regexp.MustCompile(`(?i)\b(bug|fix|patch|lint)\b`), TaskCode, 0.25},
	{regexp.MustCompile(`実装|コード|バグ修正|リファクタ`), TaskCode, 0.4},
	{regexp.MustCompile(`\.(go|py|ts|tsx|js|rs|java|c|cpp|rb)\b`), TaskCode, 0.3},

	{regexp.MustCompile(`(?i)\b(why|analyz|investigat|root cause|diagnos|triage|debug)\w*\b`), TaskReasoning, 0.4},
	{regexp.MustCompile(`(?i)\b(step by step|reason through|prove)\b`), TaskReasoning, 0.4},
	{regexp.MustCompile(`なぜ|原因|調査|分析して`), TaskReasoning, 0.4},
	{regexp.MustCompile(`(?i)\btraceback\b|panic:|goroutine \d+`), TaskReasoning, 0.5},

	{regexp.MustCompile(`(?i)\b(summariz|tl;?dr|recap|condense)\w*\b`), TaskSummary, 0.6},
	{regexp.MustCompile(`要約|まとめて`), TaskSummary, 0.6},

	{regexp.MustCompile(`(?i)\b(look at|describe) (this|the) (image|photo|picture|screenshot)\b`), TaskVision, 0.6},
	{regexp.MustCompile(`この画像|スクリーンショット`), TaskVision, 0.5},
}

// classifyKeywords scores the latest user text against the keyword table
// and returns the best-scoring task. Scores cap at 1.0.
func classifyKeywords(text string) TaskDecision {
	if strings.TrimSpace(text) == "" {
		return TaskDecision{}
	}

	scores := map[string]float64{}
	evidence := map[string][]string{}
	for _, rule := range keywordRules {
		if m := rule.re.FindString(text); m != "" {
			scores[rule.task] += rule.weight
			if len(evidence[rule.task]) < 3 {
				evidence[rule.task] = append(evidence[rule.task], strings.TrimSpace(m))
			}
		}
	}

	best := ""
	bestScore := 0.0
	for task, score := range scores {
		if score > bestScore || (score == bestScore && task < best) {
			best = task
			bestScore = score
		}
	}
	if best == "" {
		return TaskDecision{}
	}
	if bestScore > 1.0 {
		bestScore = 1.0
	}
	return TaskDecision{
		TaskType:   best,
		Source:     "keyword",
		Confidence: bestScore,
		Reason:     "keyword match: " + strings.Join(evidence[best], ", "),
		Evidence:   evidence[best],
	}
}

// hasStrongCodeEvidence checks for markers that make a code classification
// safe at the normal gate: fenced blocks, diffs, tracebacks, file paths.
func hasStrongCodeEvidence(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	if strings.Contains(text, "diff --git") {
		return true
	}
	if strings.Contains(text, "Traceback (most recent call last)") {
		return true
	}
	return regexp.MustCompile(`\b\S+\.(go|py|ts|js|rs|java|cpp)\b`).MatchString(text)
}

type llmClassification struct {
	TaskType   string  `json:"task_type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// classifyWithLLM asks the attached model for a strict-JSON classification.
// Anything unparseable or out of range reads as "no answer".
func (c *Classifier) classifyWithLLM(ctx context.Context, userText string) (llmClassification, bool) {
	if c.provider == nil {
		return llmClassification{}, false
	}

	systemPrompt := "You are a strict task classifier. Return JSON only with keys: task_type, confidence, reason. " +
		"task_type must be one of chat, code, vision, reasoning, summary. confidence must be 0..1."
	resp, err := c.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Classify this message:\n" + userText},
	}, nil, c.model, map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  300,
	})
	if err != nil || resp == nil {
		if err != nil {
			logger.DebugCF("classifier", "llm classification failed", map[string]interface{}{"error": err.Error()})
		}
		return llmClassification{}, false
	}

	raw := extractFirstJSON(resp.Content)
	if raw == "" {
		return llmClassification{}, false
	}
	var out llmClassification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return llmClassification{}, false
	}
	out.TaskType = strings.ToLower(strings.TrimSpace(out.TaskType))
	if !IsTaskType(out.TaskType) {
		return llmClassification{}, false
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return llmClassification{}, false
	}
	return out, true
}

// extractFirstJSON returns the first balanced {...} block in text. Models
// like to wrap JSON in prose or fences; brace scanning tolerates both.
func extractFirstJSON(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
