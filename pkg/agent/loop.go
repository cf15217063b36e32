// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/channels"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/health"
	"github.com/crewclaw/crewclaw/pkg/heartbeat"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/quota"
	"github.com/crewclaw/crewclaw/pkg/session"
	"github.com/crewclaw/crewclaw/pkg/state"
	"github.com/crewclaw/crewclaw/pkg/tools"
	"github.com/crewclaw/crewclaw/pkg/utils"
	"github.com/crewclaw/crewclaw/pkg/workers"
)

// DefaultResponse is returned when the model produces no text at all.
const DefaultResponse = "I've completed processing but have no response to give."

const stoppedEarlyResponse = "I had to stop before finishing because the turn ran out of time. Ask me to continue and I'll pick up where I left off."

// DefaultFocusTurns is how many replies /focus shapes when no count is given.
const DefaultFocusTurns = 8

const focusOverlayDirective = `Focus mode is active for this reply:
- Open with a one-sentence restatement of what the user wants
- Lead with the conclusion, then the steps, then what to verify
- Mark guesses as guesses and say "unknown" when something is unknown
- Keep it short; skip exhaustive background
- At most one follow-up suggestion
- Never claim an action happened unless a tool call actually ran`

// AgentLoop consumes inbound messages from the bus, runs each one through
// the middleware pipeline around a provider tool loop, and publishes the
// reply. It owns the session store, the tool registry, the worker crew,
// and every per-turn policy: classification, routing, quota, reflection.
type AgentLoop struct {
	bus            *bus.MessageBus
	cfg            *config.Config
	providers      *providers.ProviderSet
	sessions       *session.SessionManager
	contextBuilder *ContextBuilder
	tools          *tools.Registry
	crew           *workers.Registry
	classifier     *Classifier
	router         *Router
	reflector      *Reflector
	dispatcher     *Dispatcher
	health         *health.Registry
	quota          *quota.Manager
	breaker        *CircuitBreaker
	handler        TurnFunc
	channelManager *channels.Manager

	workspace     string
	contextWindow int
	maxIterations int
	loopMaxLoops  int
	loopMaxMillis int

	running     atomic.Bool
	summarizing sync.Map
	lastChannel atomic.Value // "channel\x00chatID"
	routeState  *state.Manager
}

// turnOptions carries everything runTurn needs beyond the session itself.
type turnOptions struct {
	SessionKey      string
	Channel         string
	ChatID          string
	UserMessage     string
	Media           []string
	OriginMessageID string
	NoHistory       bool
	TaskOverride    string
}

// turnBackend is a resolved provider plus the model id to call it with.
type turnBackend struct {
	provider providers.LLMProvider
	name     string
	model    string
}

// NewAgentLoop wires the full coordination engine. quotaMgr may be nil when
// quota accounting is disabled; healthReg must not be nil.
func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, set *providers.ProviderSet, healthReg *health.Registry, quotaMgr *quota.Manager) *AgentLoop {
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		logger.ErrorCF("agent", "failed to create workspace", map[string]interface{}{
			"workspace": workspace,
			"error":     err.Error(),
		})
	}

	contextWindow := cfg.Agents.Defaults.MaxTokens
	if contextWindow <= 0 {
		contextWindow = 8192
	}
	maxIterations := cfg.Agents.Defaults.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	registry := createToolRegistry(cfg, workspace, msgBus)

	crew := workers.NewRegistry()
	if cfg.Delegation.Enabled {
		crew = workers.FromConfig(cfg.Delegation.Workers)
	}

	contextBuilder := NewContextBuilder(workspace)
	contextBuilder.SetToolsRegistry(registry)
	contextBuilder.SetWorkersRegistry(crew)

	defaultProvider, defaultName := set.Default()
	defaultModel := cfg.Agents.Defaults.Model
	if defaultModel == "" && defaultProvider != nil {
		defaultModel = defaultProvider.GetDefaultModel()
	}

	classifier := NewClassifier(cfg.Routing.Classifier, cfg.Routing.FallbackRoute)
	if cfg.Routing.Classifier.UseLLM && defaultProvider != nil {
		classifier.SetLLM(defaultProvider, defaultModel)
	}

	al := &AgentLoop{
		bus:            msgBus,
		cfg:            cfg,
		providers:      set,
		sessions:       session.NewSessionManager(cfg.SessionsDir()),
		contextBuilder: contextBuilder,
		tools:          registry,
		crew:           crew,
		classifier:     classifier,
		router:         NewRouter(cfg.Routing, healthReg, defaultName, defaultModel),
		health:         healthReg,
		quota:          quotaMgr,
		breaker:        NewCircuitBreaker(5, 30*time.Second),
		workspace:      workspace,
		contextWindow:  contextWindow,
		maxIterations:  maxIterations,
		loopMaxLoops:   cfg.Loop.MaxLoops,
		loopMaxMillis:  cfg.Loop.MaxMillis,
		routeState:     state.NewManager(workspace),
	}

	// Seed the in-memory route from disk so heartbeat and cron delivery
	// still have a destination right after a restart.
	if ch, id := al.routeState.LastRoute(); ch != "" && id != "" {
		al.lastChannel.Store(ch + "\x00" + id)
	}

	if cfg.Reflection.Enabled {
		al.reflector = al.buildReflector(cfg.Reflection, set)
	}

	al.dispatcher = NewDispatcher(crew, cfg.Delegation.MaxParallel, al.runWorkerTurn)
	al.dispatcher.SetHeartbeats(heartbeat.NewBus())

	al.handler = Assemble(cfg, PipelineDeps{
		Memory:       contextBuilder.GetMemoryStore(),
		Quota:        quotaMgr,
		QuotaService: "llm",
		Breaker:      al.breaker,
		Dispatcher:   al.dispatcher,
		Workers:      crew,
		RetryMax:     2,
		Persist: func(sessionID string, msg providers.Message) {
			al.sessions.AddFullMessage(sessionID, msg)
		},
		Summarize: al.maybeSummarize,
		Evict: func(sessionID string) int {
			return al.sessions.TruncateHistory(sessionID, cfg.Sessions.MaxTurns)
		},
	}, al.runProviderTurn)

	return al
}

func (al *AgentLoop) buildReflector(cfg config.ReflectionConfig, set *providers.ProviderSet) *Reflector {
	var judge providers.LLMProvider
	if cfg.Judge.Provider != "" {
		p, err := set.Get(cfg.Judge.Provider)
		if err != nil {
			logger.WarnCF("agent", "reflection judge provider not configured, using default", map[string]interface{}{
				"provider": cfg.Judge.Provider,
				"error":    err.Error(),
			})
		} else {
			judge = p
		}
	}
	if judge == nil {
		judge, _ = set.Default()
	}
	if judge == nil {
		logger.WarnCF("agent", "reflection enabled but no provider available, disabling", nil)
		return nil
	}
	model := cfg.Judge.Model
	if model == "" {
		model = judge.GetDefaultModel()
	}
	return NewReflector(cfg, judge, model)
}

func createToolRegistry(cfg *config.Config, workspace string, msgBus *bus.MessageBus) *tools.Registry {
	registry := tools.NewRegistry()
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewAppendFileTool(workspace, restrict))
	registry.Register(tools.NewEditFileTool(workspace, restrict))
	registry.Register(tools.NewListDirTool(workspace, restrict))

	execTool := tools.NewExecTool(workspace, cfg.Tools.Shell.Allow, cfg.Tools.Shell.TimeoutSeconds)
	registry.Register(execTool)
	registry.Register(tools.NewApplyPatchTool(workspace, restrict, execTool))
	registry.Register(tools.NewWebSearchTool(cfg.Tools.Web.MaxResults, cfg.Tools.Web.TimeoutSeconds))
	registry.Register(tools.NewWebFetchTool(cfg.Tools.Web.FetchMaxBytes, cfg.Tools.Web.TimeoutSeconds))

	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
		return nil
	})
	registry.Register(messageTool)

	return registry
}

// SetChannelManager hands the loop a reference for /status reporting.
func (al *AgentLoop) SetChannelManager(cm *channels.Manager) {
	al.channelManager = cm
}

// RegisterTool adds a tool after construction (MCP servers, cron helpers).
func (al *AgentLoop) RegisterTool(t tools.Tool) {
	al.tools.Register(t)
}

// Sessions exposes the session store to services that share it, like the
// cron runner and the heartbeat loop.
func (al *AgentLoop) Sessions() *session.SessionManager {
	return al.sessions
}

// WorkerHeartbeats exposes the liveness bus the dispatcher reports on.
func (al *AgentLoop) WorkerHeartbeats() *heartbeat.Bus {
	return al.dispatcher.Heartbeats()
}

// LastChannel reports where the most recent external conversation happened,
// so proactive services know where to speak.
func (al *AgentLoop) LastChannel() (channel, chatID string) {
	v, ok := al.lastChannel.Load().(string)
	if !ok || v == "" {
		return "", ""
	}
	parts := strings.SplitN(v, "\x00", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// Run consumes inbound messages until the context is canceled.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	logger.InfoCF("agent", "agent loop started", map[string]interface{}{
		"workspace": al.workspace,
		"tools":     len(al.tools.Names()),
		"workers":   al.crew.Len(),
	})

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}

		response, err := al.processMessage(ctx, msg)
		if err != nil {
			logger.ErrorCF("agent", "message processing failed", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
			response = fmt.Sprintf("Error processing message: %v", err)
		}
		if response == "" {
			continue
		}

		// When the model already spoke through the message tool this round,
		// publishing the final text would say the same thing twice.
		if al.messageSentInRound() {
			logger.DebugCF("agent", "final response suppressed, message tool already replied", map[string]interface{}{
				"session": msg.SessionKey,
			})
			continue
		}

		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  response,
			Metadata: al.consumeOriginReply(msg.SessionKey),
		})
	}

	logger.InfoCF("agent", "agent loop stopped", nil)
	return nil
}

// Stop makes Run exit after the in-flight message finishes.
func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) messageSentInRound() bool {
	t, ok := al.tools.Get("message")
	if !ok {
		return false
	}
	mt, ok := t.(*tools.MessageTool)
	return ok && mt.HasSentInRound()
}

// consumeOriginReply drains pending origin-reply metadata set during the
// turn, so channels can thread the answer back to the triggering message.
func (al *AgentLoop) consumeOriginReply(sessionKey string) map[string]string {
	flags := al.sessions.GetFlags(sessionKey)
	if !flags.PendingOriginReply {
		return nil
	}
	meta := map[string]string{
		"origin_message_id": flags.OriginMessageID,
		"origin_route":      flags.OriginRoute,
		"reply_mode":        "origin",
	}
	flags.PendingOriginReply = false
	flags.OriginMessageID = ""
	flags.OriginRoute = ""
	al.sessions.SetFlags(sessionKey, flags)
	if err := al.sessions.Save(sessionKey); err != nil {
		logger.WarnCF("agent", "failed to persist session flags", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}
	return meta
}

// ProcessDirect handles one message synchronously, outside the bus. Used by
// the CLI channel and by tests.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

// ProcessDirectWithChannel is ProcessDirect with an explicit origin.
func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	return al.processMessage(ctx, bus.InboundMessage{
		Channel:    channel,
		SenderID:   "direct",
		ChatID:     chatID,
		Content:    content,
		SessionKey: sessionKey,
	})
}

// ProcessHeartbeat runs a prompt with no session history and no reflection
// pass. The heartbeat session still records what was said.
func (al *AgentLoop) ProcessHeartbeat(ctx context.Context, prompt string) (string, error) {
	return al.runTurn(ctx, turnOptions{
		SessionKey:   "heartbeat",
		Channel:      "heartbeat",
		ChatID:       "heartbeat",
		UserMessage:  prompt,
		NoHistory:    true,
		TaskOverride: TaskChat,
	})
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	preview := utils.Truncate(msg.Content, 80)
	if strings.Contains(strings.ToLower(msg.Content), "error") {
		preview = msg.Content
	}
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, preview), map[string]interface{}{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"session": msg.SessionKey,
	})

	if msg.Channel != "" && msg.ChatID != "" && !isInternalChannel(msg.Channel) {
		al.lastChannel.Store(msg.Channel + "\x00" + msg.ChatID)
		if err := al.routeState.SetLastRoute(msg.Channel, msg.ChatID); err != nil {
			logger.DebugCF("agent", "failed to persist last route", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	al.maybeDailyCutover(msg.SessionKey)

	if response, handled := al.handleCommand(msg); handled {
		return response, nil
	}

	return al.runTurn(ctx, turnOptions{
		SessionKey:      msg.SessionKey,
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		UserMessage:     msg.Content,
		Media:           msg.Media,
		OriginMessageID: strings.TrimSpace(msg.Metadata["message_id"]),
	})
}

// runTurn is the per-message engine: classify, route, assemble context, run
// the pipeline, reflect, and write back session state.
func (al *AgentLoop) runTurn(ctx context.Context, opts turnOptions) (string, error) {
	flags := al.sessions.GetFlags(opts.SessionKey)
	st := al.buildTurnState(opts, flags)

	var decision TaskDecision
	if opts.TaskOverride != "" {
		decision = TaskDecision{
			TaskType:   NormalizeTaskType(opts.TaskOverride),
			Source:     "caller",
			Confidence: 1.0,
			Reason:     "fixed route",
		}
		st.SetRouteReason(fmt.Sprintf("%s via caller: fixed route", decision.TaskType))
	} else {
		decision = al.classifier.DetermineTaskType(ctx, st)
	}
	st.TaskType = decision.TaskType

	// The classifier clears pins that contradict the decided route; fold
	// that back into the stored flags.
	if flags.PinnedTaskType != "" && st.PinnedTaskType == "" {
		flags.PinnedTaskType = ""
		flags.PinnedModel = ""
		flags.PinnedProvider = ""
	}

	selection := al.router.SelectModelWithHealth(st.TaskType, st.Model)
	selection = al.applyLocalOnly(flags, selection)
	st.Model = selection.Model
	st.Provider = selection.Provider

	logger.InfoCF("agent", "turn routed", map[string]interface{}{
		"session":  opts.SessionKey,
		"task":     st.TaskType,
		"source":   decision.Source,
		"model":    selection.Model,
		"provider": selection.Provider,
		"reason":   selection.Reason,
	})
	if len(selection.HealthTrace) > 0 {
		logger.DebugCF("agent", "health trace: "+strings.Join(selection.HealthTrace, " -> "), map[string]interface{}{
			"task": st.TaskType,
		})
	}

	if opts.OriginMessageID != "" && st.TaskType != TaskChat {
		flags.PendingOriginReply = true
		flags.OriginMessageID = opts.OriginMessageID
		flags.OriginRoute = st.TaskType
	}

	var history []providers.Message
	var summary string
	if !opts.NoHistory {
		history = al.sessions.GetHistory(opts.SessionKey)
		summary = al.sessions.GetSummary(opts.SessionKey)
	}
	overlay := ""
	if flags.WorkOverlayTurnsLeft > 0 {
		overlay = flags.WorkOverlayDirective
	}
	st.Messages = al.contextBuilder.BuildMessages(history, summary, opts.UserMessage, opts.Media, opts.Channel, opts.ChatID, st.TaskType, overlay)

	// Persist before the call so emergency compression and crash recovery
	// both see the user turn.
	al.sessions.AddMessage(opts.SessionKey, "user", opts.UserMessage)

	turnCtx := ctx
	cancel := func() {}
	if al.loopMaxMillis > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(al.loopMaxMillis)*time.Millisecond)
	}
	err := al.handler(turnCtx, st)
	cancel()

	response := st.CachedResponse
	if response != "" {
		al.sessions.AddMessage(opts.SessionKey, "assistant", response)
	} else {
		response = st.LastAssistantMessage()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.WarnCF("agent", "turn stopped at time budget", map[string]interface{}{
				"session":     opts.SessionKey,
				"budget_ms":   al.loopMaxMillis,
				"stop_reason": "deadline",
			})
			response = stoppedEarlyResponse
			al.sessions.AddMessage(opts.SessionKey, "assistant", response)
			err = nil
		} else {
			al.writeBackFlags(opts.SessionKey, flags, st, decision)
			return "", err
		}
	}

	if al.reflector != nil && st.CachedResponse == "" && !opts.NoHistory && response != stoppedEarlyResponse {
		response = al.applyReflection(ctx, st, opts.UserMessage, response)
	}

	if response == "" {
		response = DefaultResponse
	}

	if flags.WorkOverlayTurnsLeft > 0 {
		flags.WorkOverlayTurnsLeft--
		if flags.WorkOverlayTurnsLeft <= 0 {
			flags.WorkOverlayTurnsLeft = 0
			flags.WorkOverlayDirective = ""
		}
	}

	al.writeBackFlags(opts.SessionKey, flags, st, decision)

	logger.InfoCF("agent", fmt.Sprintf("Turn finished: %s", utils.Truncate(response, 120)), map[string]interface{}{
		"session": opts.SessionKey,
		"task":    st.TaskType,
		"model":   st.Model,
	})
	return response, nil
}

func (al *AgentLoop) writeBackFlags(sessionKey string, flags session.SessionFlags, st *state.ConversationState, decision TaskDecision) {
	flags.PrevPrimaryRoute = decision.TaskType
	flags.ExecutedDelegations = st.ExecutedDelegationIDs()
	flags.RefinementRetries = st.RetryCount
	al.sessions.SetFlags(sessionKey, flags)
	if err := al.sessions.Save(sessionKey); err != nil {
		logger.WarnCF("agent", "failed to persist session", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}
}

func (al *AgentLoop) applyLocalOnly(flags session.SessionFlags, selection ModelSelectionResult) ModelSelectionResult {
	if !flags.LocalOnly || strings.EqualFold(selection.Provider, "ollama") {
		return selection
	}
	p, err := al.providers.Get("ollama")
	if err != nil {
		logger.WarnCF("agent", "local-only session but ollama is not configured", map[string]interface{}{
			"error": err.Error(),
		})
		return selection
	}
	return ModelSelectionResult{
		Model:       p.GetDefaultModel(),
		Provider:    "ollama",
		TaskType:    selection.TaskType,
		Reason:      "local-only session",
		HealthTrace: selection.HealthTrace,
	}
}

func (al *AgentLoop) buildTurnState(opts turnOptions, flags session.SessionFlags) *state.ConversationState {
	st := state.NewConversation(opts.SessionKey)
	st.Channel = opts.Channel
	st.ChatID = opts.ChatID
	st.Mode = flags.OperatingMode
	st.Model = flags.PinnedModel
	st.Provider = flags.PinnedProvider
	st.PinnedTaskType = flags.PinnedTaskType
	st.SeedExecutedDelegations(flags.ExecutedDelegations)

	// The classifier reads the latest user text before the full context is
	// assembled.
	st.Messages = []providers.Message{{Role: "user", Content: opts.UserMessage}}

	atts, dropped := state.DefaultAttachmentPolicy().Filter(al.loadAttachments(opts.Media))
	st.Attachments = atts
	if len(dropped) > 0 {
		logger.InfoCF("agent", "attachments dropped by policy", map[string]interface{}{
			"session": opts.SessionKey,
			"names":   strings.Join(dropped, ", "),
		})
	}
	return st
}

var attachmentExtMIME = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".json": "application/json",
	".pdf":  "application/pdf",
	".xml":  "application/xml",
}

func mimeForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := imageExtMIME[ext]; ok {
		return m
	}
	if m, ok := attachmentExtMIME[ext]; ok {
		return m
	}
	return "application/octet-stream"
}

func (al *AgentLoop) loadAttachments(media []string) []state.Attachment {
	if len(media) == 0 {
		return nil
	}
	out := make([]state.Attachment, 0, len(media))
	for _, item := range media {
		path := strings.TrimSpace(item)
		if path == "" {
			continue
		}
		att := state.Attachment{
			Name: filepath.Base(path),
			MIME: mimeForPath(path),
			Path: path,
		}
		// A bounded prefix is enough for the log-shape heuristic.
		if strings.HasPrefix(att.MIME, "text/") {
			att.Data = readPrefix(path, logSniffLimit)
		}
		out = append(out, att)
	}
	return out
}

func readPrefix(path string, limit int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, limit)
	n, _ := io.ReadFull(f, buf)
	if n == 0 {
		return nil
	}
	return buf[:n]
}

// applyReflection judges the draft and, when told to, reruns the provider
// with the judge's correction. Refinement and escalation call the core turn
// directly so one user message is charged against quota exactly once.
// cfg.Loop.MaxLoops caps total provider passes for the turn, counting the
// draft; whatever answer is in hand when the budget runs out ships.
func (al *AgentLoop) applyReflection(ctx context.Context, st *state.ConversationState, query, draft string) string {
	response := draft
	passes := 1
	for {
		outcome, verdict := al.reflector.Judge(ctx, query, response, st.RetryCount)
		st.Reflection = outcome
		if verdict == VerdictAccept {
			return response
		}
		if al.loopMaxLoops > 0 && passes >= al.loopMaxLoops {
			logger.InfoCF("agent", "turn pass budget spent, keeping current answer", map[string]interface{}{
				"session": st.SessionID,
				"passes":  passes,
				"verdict": verdict.String(),
			})
			return response
		}
		passes++

		prompt := RefinementPrompt(query, response, outcome.Feedback.Correction)

		if verdict == VerdictEscalate {
			ep, em := al.reflector.EscalationModel()
			if ep == "" && em == "" {
				logger.WarnCF("agent", "escalation verdict with no escalation model, keeping draft", map[string]interface{}{
					"session":    st.SessionID,
					"confidence": outcome.Feedback.Confidence,
				})
				return response
			}
			if ep != "" {
				st.Provider = ep
			}
			if em != "" {
				st.Model = em
			}
			logger.InfoCF("agent", "escalating low-confidence answer", map[string]interface{}{
				"session":    st.SessionID,
				"confidence": outcome.Feedback.Confidence,
				"model":      st.Model,
			})
			if out, ok := al.rerunWithPrompt(ctx, st, prompt); ok {
				response = out
			}
			// The stronger model's answer is final either way.
			return response
		}

		st.RetryCount++
		logger.InfoCF("agent", "refining answer after reflection", map[string]interface{}{
			"session":    st.SessionID,
			"confidence": outcome.Feedback.Confidence,
			"retry":      st.RetryCount,
		})
		out, ok := al.rerunWithPrompt(ctx, st, prompt)
		if !ok {
			return response
		}
		response = out
	}
}

func (al *AgentLoop) rerunWithPrompt(ctx context.Context, st *state.ConversationState, prompt string) (string, bool) {
	msg := providers.Message{Role: "user", Content: prompt}
	st.Messages = append(st.Messages, msg)
	al.sessions.AddFullMessage(st.SessionID, msg)
	if err := al.runProviderTurn(ctx, st); err != nil {
		logger.WarnCF("agent", "reflection rerun failed, keeping previous draft", map[string]interface{}{
			"session": st.SessionID,
			"error":   err.Error(),
		})
		return "", false
	}
	out := st.LastAssistantMessage()
	if out == "" {
		return "", false
	}
	return out, true
}

// runProviderTurn is the pipeline core: resolve the backend, run the tool
// loop, persist the final assistant message.
func (al *AgentLoop) runProviderTurn(ctx context.Context, st *state.ConversationState) error {
	if st.CachedResponse != "" {
		return nil
	}

	backend, err := al.resolveBackend(st.Provider, st.Model)
	if err != nil {
		return err
	}

	final, iterations, err := al.executeToolLoop(ctx, st, backend, al.tools)
	if err != nil {
		return err
	}
	if final == "" {
		final = DefaultResponse
	}

	finalMsg := providers.Message{Role: "assistant", Content: final}
	st.Messages = append(st.Messages, finalMsg)
	al.sessions.AddFullMessage(st.SessionID, finalMsg)

	logger.DebugCF("agent", "provider turn complete", map[string]interface{}{
		"session":    st.SessionID,
		"model":      backend.model,
		"iterations": iterations,
		"chars":      len(final),
	})
	return nil
}

func (al *AgentLoop) resolveBackend(providerName, model string) (turnBackend, error) {
	if providerName != "" {
		p, err := al.providers.Get(providerName)
		if err == nil {
			m := stripProviderPrefix(providerName, model)
			if m == "" {
				m = p.GetDefaultModel()
			}
			return turnBackend{provider: p, name: providers.NormalizeProviderName(providerName), model: m}, nil
		}
		logger.WarnCF("agent", "configured provider unavailable, resolving by model", map[string]interface{}{
			"provider": providerName,
			"error":    err.Error(),
		})
	}
	if model != "" {
		if p, m, err := al.providers.ForModel(model); err == nil {
			name := providers.NormalizeProviderName(providerName)
			if idx := strings.Index(model, "/"); idx > 0 {
				name = providers.NormalizeProviderName(model[:idx])
			}
			return turnBackend{provider: p, name: name, model: m}, nil
		}
	}
	p, name := al.providers.Default()
	if p == nil {
		return turnBackend{}, fmt.Errorf("no provider available for model %q", model)
	}
	m := model
	if m == "" {
		m = p.GetDefaultModel()
	}
	return turnBackend{provider: p, name: name, model: m}, nil
}

// stripProviderPrefix removes a leading "provider/" segment when it names
// the provider the call is already bound to.
func stripProviderPrefix(providerName, model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		if providers.NormalizeProviderName(model[:idx]) == providers.NormalizeProviderName(providerName) {
			return model[idx+1:]
		}
	}
	return model
}

// executeToolLoop alternates provider calls and tool executions until the
// model answers in plain text or the iteration budget runs out. Assistant
// and tool messages are persisted as they are produced.
func (al *AgentLoop) executeToolLoop(ctx context.Context, st *state.ConversationState, backend turnBackend, registry *tools.Registry) (string, int, error) {
	options := map[string]interface{}{
		"max_tokens":  al.contextWindow,
		"temperature": al.cfg.Agents.Defaults.Temperature,
	}
	toolDefs := registry.ToProviderDefs()
	if _, _, _, isChild := st.ParentRef(); !isChild && al.crew.Len() > 0 {
		toolDefs = append(toolDefs, DelegateToolDefinition(al.crew))
	}
	// Internal turns (cron, heartbeat, workers) hand tools the user's real
	// route, so a reminder scheduled from one still reaches a human chat.
	ctxChannel, ctxChat := st.Channel, st.ChatID
	if isInternalChannel(ctxChannel) {
		if ch, id := al.LastChannel(); ch != "" {
			ctxChannel, ctxChat = ch, id
		}
	}
	registry.SetContext(ctxChannel, ctxChat)

	answered := false
	finalContent := ""
	iteration := 0
	for iteration < al.maxIterations {
		iteration++
		logger.DebugCF("agent", "provider call", map[string]interface{}{
			"session":   st.SessionID,
			"iteration": iteration,
			"model":     backend.model,
			"messages":  len(st.Messages),
			"tools":     len(toolDefs),
		})

		response, err := al.chatWithRecovery(ctx, st, backend, toolDefs, options)
		if err != nil {
			return "", iteration, err
		}

		if len(response.ToolCalls) == 0 {
			answered = true
			finalContent = response.Content
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		}
		st.Messages = append(st.Messages, assistantMsg)
		al.sessions.AddFullMessage(st.SessionID, assistantMsg)

		pendingDelegation := false
		for _, tc := range response.ToolCalls {
			if tc.Name == delegateToolName {
				// Delegation runs in the dispatch pass after the tool loop
				// returns. Acknowledge the call so every tool_call_id has a
				// result; strict providers reject the transcript otherwise.
				pendingDelegation = true
				ack := providers.Message{
					Role:       "tool",
					Content:    "Delegation request queued for dispatch.",
					ToolCallID: tc.ID,
				}
				st.Messages = append(st.Messages, ack)
				al.sessions.AddFullMessage(st.SessionID, ack)
				continue
			}

			argsJSON, _ := json.Marshal(tc.Arguments)
			logger.InfoCF("agent", fmt.Sprintf("Tool call: %s(%s)", tc.Name, utils.Truncate(string(argsJSON), 200)), map[string]interface{}{
				"session":   st.SessionID,
				"tool":      tc.Name,
				"iteration": iteration,
			})

			result := registry.Execute(ctx, tc.Name, tc.Arguments)

			if result.ForUser != "" && !result.Silent && st.Channel != "" && !isInternalChannel(st.Channel) {
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel: st.Channel,
					ChatID:  st.ChatID,
					Content: result.ForUser,
				})
			}

			content := result.ForLLM
			if content == "" && result.Err != nil {
				content = result.Err.Error()
			}
			toolMsg := providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			}
			st.Messages = append(st.Messages, toolMsg)
			al.sessions.AddFullMessage(st.SessionID, toolMsg)
		}

		if pendingDelegation {
			answered = true
			finalContent = response.Content
			break
		}
	}

	if !answered {
		// Budget exhausted mid-tool-use: one last call without tools so the
		// model has to produce an answer from what it gathered.
		wrapMsg := providers.Message{
			Role:    "user",
			Content: "You have reached the tool budget for this turn. Answer now with what you have; do not request more tools.",
		}
		st.Messages = append(st.Messages, wrapMsg)
		al.sessions.AddFullMessage(st.SessionID, wrapMsg)

		response, err := al.chatWithRecovery(ctx, st, backend, nil, options)
		if err != nil {
			return "", iteration, err
		}
		iteration++
		finalContent = response.Content
	}

	return finalContent, iteration, nil
}

// chatWithRecovery calls the provider, reports the outcome to the health
// registry, and recovers from context-window overflows by compressing the
// session and rebuilding the conversation from it. Child states skip
// recovery: their context was never built from a session.
func (al *AgentLoop) chatWithRecovery(ctx context.Context, st *state.ConversationState, backend turnBackend, toolDefs []providers.ToolDefinition, options map[string]interface{}) (*providers.LLMResponse, error) {
	recoveries := 2
	if _, _, _, isChild := st.ParentRef(); isChild {
		recoveries = 0
	}

	healthKey := st.Model
	if healthKey == "" {
		healthKey = backend.model
	}

	var response *providers.LLMResponse
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		response, err = backend.provider.Chat(ctx, st.Messages, toolDefs, backend.model, options)
		al.health.Report(healthKey, err == nil, time.Since(start))
		if err == nil {
			return response, nil
		}
		if attempt >= recoveries || !isContextWindowError(err) {
			return nil, err
		}

		logger.WarnCF("agent", "context window exceeded, compressing session", map[string]interface{}{
			"session": st.SessionID,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		al.forceCompression(st.SessionID)

		// The session already holds the current user message, so the
		// rebuild passes no new one.
		history := al.sessions.GetHistory(st.SessionID)
		summary := al.sessions.GetSummary(st.SessionID)
		st.Messages = al.contextBuilder.BuildMessages(history, summary, "", nil, st.Channel, st.ChatID, st.TaskType, "")
	}
}

func isContextWindowError(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadline") || strings.Contains(msg, "canceled") {
		return false
	}
	for _, marker := range []string{
		"context length",
		"context window",
		"maximum context",
		"token limit",
		"too many tokens",
		"input is too long",
		"prompt is too long",
		"invalidparameter",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// runWorkerTurn executes one delegated task in its own conversation: the
// worker's system prompt, its tool subset, no coordinator history. The
// child session is persisted under the parent-derived key.
func (al *AgentLoop) runWorkerTurn(ctx context.Context, profile workers.Profile, req PendingDelegationRequest, child *state.ConversationState) (string, error) {
	backend, err := al.resolveBackend(profile.Provider, profile.Model)
	if err != nil {
		return "", err
	}
	child.Provider = backend.name
	child.Model = profile.Model
	if child.Model == "" {
		child.Model = backend.model
	}
	child.TaskType = TaskChat

	child.Messages = []providers.Message{
		{Role: "system", Content: workerSystemPrompt(profile, al.workspace)},
		{Role: "user", Content: req.Description},
	}
	al.sessions.AddMessage(child.SessionID, "user", req.Description)

	registry := al.tools.Subset(profile.AllowedTools, profile.DeniedTools)
	final, iterations, err := al.executeToolLoop(ctx, child, backend, registry)
	if err != nil {
		return "", err
	}
	if final == "" {
		final = "The worker finished without producing a report."
	}

	al.sessions.AddMessage(child.SessionID, "assistant", final)
	if err := al.sessions.Save(child.SessionID); err != nil {
		logger.WarnCF("agent", "failed to persist worker session", map[string]interface{}{
			"session": child.SessionID,
			"error":   err.Error(),
		})
	}

	logger.DebugCF("agent", "worker turn finished", map[string]interface{}{
		"worker":     profile.Name,
		"session":    child.SessionID,
		"iterations": iterations,
		"chars":      len(final),
	})
	return final, nil
}

func workerSystemPrompt(profile workers.Profile, workspace string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# crewclaw worker: %s\n\n", profile.Name)
	if profile.SystemPrompt != "" {
		b.WriteString(profile.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are the %s worker. Complete the objective below and report the result.", profile.Name)
	}
	fmt.Fprintf(&b, "\n\n## Workspace\n%s\n\n", workspace)
	b.WriteString("Report your final result as plain text. Never emit DELEGATE directives; delegation belongs to the coordinator.")
	return b.String()
}

// forceCompression halves a session that no longer fits the model's context
// window. The newest half plus the latest message survive; a note marks the
// cut so the model knows history is missing.
func (al *AgentLoop) forceCompression(sessionKey string) {
	history := al.sessions.GetHistory(sessionKey)
	if len(history) <= 4 {
		return
	}

	last := history[len(history)-1]
	conversation := history[:len(history)-1]
	mid := len(conversation) / 2
	// Never let the kept slice open with an orphaned tool result.
	for mid < len(conversation) && conversation[mid].Role == "tool" {
		mid++
	}
	dropped := mid

	newHistory := make([]providers.Message, 0, len(conversation)-mid+2)
	newHistory = append(newHistory, providers.Message{
		Role:    "user",
		Content: fmt.Sprintf("[Context note: emergency compression dropped the %d oldest messages to fit the context window]", dropped),
	})
	newHistory = append(newHistory, conversation[mid:]...)
	newHistory = append(newHistory, last)

	al.sessions.SetHistory(sessionKey, newHistory)
	if err := al.sessions.Save(sessionKey); err != nil {
		logger.WarnCF("agent", "failed to persist compressed session", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}
	logger.WarnCF("agent", "emergency compression applied", map[string]interface{}{
		"session": sessionKey,
		"dropped": dropped,
		"kept":    len(newHistory),
	})
}

// maybeSummarize kicks off background summarization when the session
// crosses the message threshold or 75% of the context window. At most one
// summarization per session runs at a time.
func (al *AgentLoop) maybeSummarize(sessionKey string) {
	history := al.sessions.GetHistory(sessionKey)
	threshold := al.cfg.Sessions.SummarizeThreshold
	if threshold <= 0 {
		threshold = 50
	}
	tokenBudget := al.contextWindow * 75 / 100
	if len(history) <= threshold && estimateTokens(history) <= tokenBudget {
		return
	}

	if _, inFlight := al.summarizing.LoadOrStore(sessionKey, true); inFlight {
		return
	}

	go func() {
		defer al.summarizing.Delete(sessionKey)

		channel, chatID := splitSessionKey(sessionKey)
		if channel != "" && chatID != "" && !isInternalChannel(channel) {
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: "Optimizing conversation history, one moment...",
			})
		}
		al.summarizeSession(sessionKey)
	}()
}

func (al *AgentLoop) summarizeSession(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	keepRecent := al.cfg.Sessions.KeepRecent
	if keepRecent <= 0 {
		keepRecent = 10
	}

	history := al.sessions.GetHistory(sessionKey)
	if len(history) <= keepRecent {
		return
	}
	existing := al.sessions.GetSummary(sessionKey)

	selection := al.router.SelectModel(TaskSummary, "")
	backend, err := al.resolveBackend(selection.Provider, selection.Model)
	if err != nil {
		logger.WarnCF("agent", "no backend available for summarization", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
		return
	}

	// Single oversized messages (huge tool dumps) would eat the whole
	// summary budget, so they are skipped with a note instead.
	maxMessageTokens := al.contextWindow / 2
	toSummarize := history[:len(history)-keepRecent]
	valid := make([]providers.Message, 0, len(toSummarize))
	omitted := 0
	for _, m := range toSummarize {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.Content == "" {
			continue
		}
		if utf8.RuneCountInString(m.Content)*2/5 > maxMessageTokens {
			omitted++
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return
	}

	var finalSummary string
	if len(valid) > 10 {
		mid := len(valid) / 2
		first, err1 := al.summarizeBatch(ctx, backend, valid[:mid], existing)
		second, err2 := al.summarizeBatch(ctx, backend, valid[mid:], "")
		switch {
		case err1 != nil && err2 != nil:
			logger.WarnCF("agent", "summarization failed", map[string]interface{}{
				"session": sessionKey,
				"error":   err1.Error(),
			})
			return
		case err1 != nil:
			finalSummary = second
		case err2 != nil:
			finalSummary = first
		default:
			merged, err := al.mergeSummaries(ctx, backend, first, second)
			if err != nil {
				finalSummary = strings.TrimSpace(first + "\n" + second)
			} else {
				finalSummary = merged
			}
		}
	} else {
		finalSummary, err = al.summarizeBatch(ctx, backend, valid, existing)
		if err != nil {
			logger.WarnCF("agent", "summarization failed", map[string]interface{}{
				"session": sessionKey,
				"error":   err.Error(),
			})
			return
		}
	}

	finalSummary = strings.TrimSpace(finalSummary)
	if finalSummary == "" {
		return
	}
	if omitted > 0 {
		finalSummary += fmt.Sprintf("\n[Note: %d oversized messages were omitted from this summary.]", omitted)
	}

	al.sessions.SetSummary(sessionKey, finalSummary, keepRecent)
	if err := al.sessions.Save(sessionKey); err != nil {
		logger.WarnCF("agent", "failed to persist summarized session", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}
	logger.InfoCF("agent", "session summarized", map[string]interface{}{
		"session":       sessionKey,
		"summary_chars": len(finalSummary),
		"kept_recent":   keepRecent,
		"omitted":       omitted,
	})

	al.consolidateMemory(ctx, backend, finalSummary)
}

func (al *AgentLoop) summarizeBatch(ctx context.Context, backend turnBackend, batch []providers.Message, existingSummary string) (string, error) {
	var b strings.Builder
	if existingSummary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(existingSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, m := range batch {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nSummarize this conversation concisely. Keep decisions, open tasks, user preferences, and any facts the assistant will need later. Plain prose, no headers.")

	response, err := backend.provider.Chat(ctx, []providers.Message{
		{Role: "user", Content: b.String()},
	}, nil, backend.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Content), nil
}

func (al *AgentLoop) mergeSummaries(ctx context.Context, backend turnBackend, first, second string) (string, error) {
	prompt := fmt.Sprintf("Merge these two partial conversation summaries into one concise summary. Keep decisions, open tasks, and user preferences; drop repetition.\n\nPart 1:\n%s\n\nPart 2:\n%s", first, second)
	response, err := backend.provider.Chat(ctx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, backend.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Content), nil
}

// consolidateMemory asks the summary model for durable facts and appends
// them to long-term memory. "NONE" means nothing qualified.
func (al *AgentLoop) consolidateMemory(ctx context.Context, backend turnBackend, summary string) {
	response, err := backend.provider.Chat(ctx, []providers.Message{
		{Role: "user", Content: ConsolidationPrompt(summary)},
	}, nil, backend.model, map[string]interface{}{
		"max_tokens":  512,
		"temperature": 0.2,
	})
	if err != nil {
		logger.DebugCF("agent", "memory consolidation skipped", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	facts := strings.TrimSpace(response.Content)
	if facts == "" || strings.EqualFold(facts, "NONE") {
		return
	}
	if err := al.contextBuilder.GetMemoryStore().AppendLongTerm(facts); err != nil {
		logger.WarnCF("agent", "failed to append long-term memory", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("agent", "long-term memory updated from summary", map[string]interface{}{
		"chars": len(facts),
	})
}

func estimateTokens(messages []providers.Message) int {
	totalChars := 0
	for _, m := range messages {
		totalChars += utf8.RuneCountInString(m.Content)
	}
	// Rough average of 2.5 characters per token.
	return totalChars * 2 / 5
}

// maybeDailyCutover archives a session that last spoke before the daily
// boundary: the summary and the last few exchanges go to the daily note for
// the day they belong to, then the session starts fresh.
func (al *AgentLoop) maybeDailyCutover(sessionKey string) {
	updated := al.sessions.GetUpdatedTime(sessionKey)
	if updated.IsZero() {
		return
	}
	boundary := GetCutoverBoundary(time.Now())
	if !updated.Before(boundary) {
		return
	}

	history := al.sessions.GetHistory(sessionKey)
	summary := al.sessions.GetSummary(sessionKey)
	if len(history) == 0 && summary == "" {
		al.sessions.ResetSession(sessionKey)
		al.sessions.Save(sessionKey)
		return
	}

	recent := make([]string, 0, 6)
	start := len(history) - 6
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		recent = append(recent, fmt.Sprintf("- **%s**: %s", m.Role, utils.Truncate(m.Content, 200)))
	}

	note := FormatCutoverNote(summary, recent)
	memory := al.contextBuilder.GetMemoryStore()
	if err := memory.SaveDailyNoteForDate(GetLogicalDate(updated), note); err != nil {
		logger.WarnCF("agent", "failed to archive session to daily note", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}

	al.sessions.ResetSession(sessionKey)
	al.sessions.Save(sessionKey)
	logger.InfoCF("agent", "daily cutover archived previous session", map[string]interface{}{
		"session":  sessionKey,
		"boundary": boundary.Format(time.RFC3339),
	})
}

const helpText = `CrewClaw commands:
/help - this list
/status - providers, workers, pins, quota
/model <name> [task] - pin a model; /model clear to unpin
/task <chat|code|vision|reasoning|summary> - pin the task type; /task clear to unpin
/mode <type> - set the operating mode (overrides classification); /mode off to clear
/focus [turns] - structured replies for the next N turns; /focus off, /focus status
/local - route every call to the local ollama backend
/cloud - leave local-only mode
/reset - clear this conversation (pins and mode survive)`

// handleCommand intercepts slash commands before they reach the model.
func (al *AgentLoop) handleCommand(msg bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)
	if len(parts) == 0 {
		return "", false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	flags := al.sessions.GetFlags(msg.SessionKey)

	save := func() {
		al.sessions.SetFlags(msg.SessionKey, flags)
		if err := al.sessions.Save(msg.SessionKey); err != nil {
			logger.WarnCF("agent", "failed to persist session flags", map[string]interface{}{
				"session": msg.SessionKey,
				"error":   err.Error(),
			})
		}
	}

	switch cmd {
	case "/help":
		return helpText, true

	case "/status":
		return al.statusReport(msg.SessionKey, flags), true

	case "/model":
		if len(args) == 0 {
			if flags.PinnedModel == "" {
				return "No model pinned. Usage: /model <name> [task] or /model clear", true
			}
			scope := flags.PinnedTaskType
			if scope == "" {
				scope = "all"
			}
			return fmt.Sprintf("Pinned model: %s (%s tasks)", flags.PinnedModel, scope), true
		}
		if strings.EqualFold(args[0], "clear") {
			flags.PinnedModel = ""
			flags.PinnedProvider = ""
			flags.PinnedTaskType = ""
			save()
			return "Model pin cleared.", true
		}
		flags.PinnedModel = args[0]
		flags.PinnedProvider = ""
		if len(args) > 1 && IsTaskType(args[1]) {
			flags.PinnedTaskType = NormalizeTaskType(args[1])
		} else {
			// Bind the pin to the route the conversation is currently on,
			// so a later topic change releases it.
			flags.PinnedTaskType = flags.PrevPrimaryRoute
		}
		save()
		reply := fmt.Sprintf("Pinned model %s", flags.PinnedModel)
		if flags.PinnedTaskType != "" {
			reply += fmt.Sprintf(" for %s tasks", flags.PinnedTaskType)
		}
		return reply + ". Use /model clear to unpin.", true

	case "/task":
		if len(args) == 0 {
			if flags.PinnedTaskType == "" {
				return fmt.Sprintf("No task pinned. Usage: /task <%s> or /task clear", strings.Join(TaskTypes, "|")), true
			}
			return "Pinned task type: " + flags.PinnedTaskType, true
		}
		if strings.EqualFold(args[0], "clear") {
			flags.PinnedTaskType = ""
			save()
			return "Task pin cleared.", true
		}
		if !IsTaskType(args[0]) {
			return fmt.Sprintf("Unknown task type %q. Valid: %s", args[0], strings.Join(TaskTypes, ", ")), true
		}
		flags.PinnedTaskType = NormalizeTaskType(args[0])
		save()
		return fmt.Sprintf("Turns now run as %s tasks until /task clear.", flags.PinnedTaskType), true

	case "/mode":
		if len(args) == 0 {
			if flags.OperatingMode == "" {
				return fmt.Sprintf("No operating mode set. Usage: /mode <%s> or /mode off", strings.Join(TaskTypes, "|")), true
			}
			return "Operating mode: " + flags.OperatingMode, true
		}
		if strings.EqualFold(args[0], "off") {
			flags.OperatingMode = ""
			save()
			return "Operating mode cleared.", true
		}
		if !IsTaskType(args[0]) {
			return fmt.Sprintf("Unknown mode %q. Valid: %s", args[0], strings.Join(TaskTypes, ", ")), true
		}
		flags.OperatingMode = NormalizeTaskType(args[0])
		save()
		return fmt.Sprintf("Operating mode set to %s. It overrides automatic classification until /mode off.", flags.OperatingMode), true

	case "/focus":
		fc := parseFocusCommand(args)
		switch fc.Kind {
		case "status":
			if flags.WorkOverlayTurnsLeft <= 0 {
				return "Focus mode is off.", true
			}
			return fmt.Sprintf("Focus mode is on for %d more replies.", flags.WorkOverlayTurnsLeft), true
		case "off":
			flags.WorkOverlayTurnsLeft = 0
			flags.WorkOverlayDirective = ""
			save()
			return "Focus mode off.", true
		case "on":
			flags.WorkOverlayTurnsLeft = fc.Turns
			flags.WorkOverlayDirective = focusOverlayDirective
			save()
			return fmt.Sprintf("Focus mode on for the next %d replies.", fc.Turns), true
		default:
			return "Usage: /focus [turns], /focus off, /focus status", true
		}

	case "/local":
		flags.LocalOnly = true
		save()
		return "Local-only mode on: every call now uses the ollama backend.", true

	case "/cloud":
		flags.LocalOnly = false
		save()
		return "Local-only mode off: cloud providers are back in rotation.", true

	case "/reset":
		al.sessions.ResetSession(msg.SessionKey)
		if err := al.sessions.Save(msg.SessionKey); err != nil {
			logger.WarnCF("agent", "failed to persist reset session", map[string]interface{}{
				"session": msg.SessionKey,
				"error":   err.Error(),
			})
		}
		return "Conversation cleared. Pins and mode were kept.", true
	}

	return "", false
}

type focusCommand struct {
	Kind  string // "on", "off", "status", "invalid"
	Turns int
}

func parseFocusCommand(args []string) focusCommand {
	if len(args) == 0 {
		return focusCommand{Kind: "on", Turns: DefaultFocusTurns}
	}
	switch strings.ToLower(args[0]) {
	case "off":
		return focusCommand{Kind: "off"}
	case "status":
		return focusCommand{Kind: "status"}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > 50 {
		return focusCommand{Kind: "invalid"}
	}
	return focusCommand{Kind: "on", Turns: n}
}

func (al *AgentLoop) statusReport(sessionKey string, flags session.SessionFlags) string {
	var b strings.Builder
	b.WriteString("CrewClaw status\n")

	_, defaultName := al.providers.Default()
	fmt.Fprintf(&b, "- providers: %s (default: %s)\n", strings.Join(al.providers.Names(), ", "), defaultName)

	if al.crew.Len() > 0 {
		fmt.Fprintf(&b, "- workers: %s\n", strings.Join(al.crew.Names(), ", "))
		if beats := al.dispatcher.Heartbeats(); beats != nil {
			for _, name := range beats.Workers() {
				if hb, ok := beats.Latest(name); ok && hb.Status == heartbeat.StatusProcessing {
					fmt.Fprintf(&b, "- worker %s: busy since %s\n", name, hb.At.Format("15:04:05"))
				}
			}
		}
	} else {
		b.WriteString("- workers: none (delegation disabled)\n")
	}

	if al.channelManager != nil {
		if enabled := al.channelManager.EnabledChannels(); len(enabled) > 0 {
			fmt.Fprintf(&b, "- channels: %s\n", strings.Join(enabled, ", "))
		}
	}

	history := al.sessions.GetHistory(sessionKey)
	fmt.Fprintf(&b, "- session: %d messages", len(history))
	if al.sessions.GetSummary(sessionKey) != "" {
		b.WriteString(" (summarized)")
	}
	b.WriteString("\n")

	if flags.OperatingMode != "" {
		fmt.Fprintf(&b, "- mode: %s\n", flags.OperatingMode)
	}
	if flags.PinnedModel != "" {
		scope := flags.PinnedTaskType
		if scope == "" {
			scope = "all"
		}
		fmt.Fprintf(&b, "- pinned model: %s (%s tasks)\n", flags.PinnedModel, scope)
	} else if flags.PinnedTaskType != "" {
		fmt.Fprintf(&b, "- pinned task: %s\n", flags.PinnedTaskType)
	}
	if flags.LocalOnly {
		b.WriteString("- local-only: on\n")
	}
	if flags.WorkOverlayTurnsLeft > 0 {
		fmt.Fprintf(&b, "- focus: %d replies left\n", flags.WorkOverlayTurnsLeft)
	}

	if al.quota != nil {
		limit := al.quota.GetLimit("llm")
		if !limit.Unlimited() {
			usage := al.quota.GetUsage(context.Background(), "llm")
			fmt.Fprintf(&b, "- quota: %d/%d this minute, %d/%d today\n",
				usage.Minute, limit.PerMinute, usage.Day, limit.PerDay)
		}
	}

	unhealthy := make([]string, 0, 2)
	for model, h := range al.health.Snapshot() {
		if !h.Available {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (error rate %.0f%%)", model, h.ErrorRate*100))
		}
	}
	if len(unhealthy) > 0 {
		fmt.Fprintf(&b, "- degraded models: %s\n", strings.Join(unhealthy, ", "))
	}

	for _, name := range al.providers.Names() {
		if s := al.breaker.State(name); s != "closed" {
			fmt.Fprintf(&b, "- circuit %s: %s\n", name, s)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

var internalChannels = map[string]bool{
	"cli":       true,
	"system":    true,
	"cron":      true,
	"heartbeat": true,
}

func isInternalChannel(channel string) bool {
	return internalChannels[strings.ToLower(channel)]
}

func splitSessionKey(key string) (channel, chatID string) {
	if idx := strings.Index(key, ":"); idx > 0 {
		return key[:idx], key[idx+1:]
	}
	return "", ""
}
