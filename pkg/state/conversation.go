// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package state

import (
	"strings"

	"github.com/crewclaw/crewclaw/pkg/providers"
)

// SystemBucket is the reserved scratch key for engine-internal bookkeeping.
// User-visible features must never write through it.
const SystemBucket = "_system"

const (
	scratchDelegationExecuted = "delegation_executed"
	scratchRouteReason        = "route_reason"
	scratchParentSession      = "parent_session"
	scratchParentTrace        = "parent_trace"
	scratchRequestID          = "request_id"
)

// Attachment is one file carried into a turn. Data is optional; Path is the
// on-disk or remote location channels downloaded the file to.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Path string `json:"path"`
	Data []byte `json:"-"`
}

// ReflectionFeedback is the judge's verdict over a draft answer.
// Confidence is clamped to [0,1] by the producer.
type ReflectionFeedback struct {
	Confidence float64 `json:"confidence"`
	Sufficient bool    `json:"sufficient"`
	Correction string  `json:"correction,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ReflectionOutcome carries feedback together with an explicit presence flag,
// so "no judgment ran" and "judgment with zero confidence" stay distinct.
type ReflectionOutcome struct {
	Present  bool
	Feedback ReflectionFeedback
}

// ConversationState is the single mutable record a turn flows through.
// It is rebuilt per turn from the session store and written back afterwards.
type ConversationState struct {
	SessionID string
	TraceID   string
	Channel   string
	ChatID    string

	Messages []providers.Message

	// Per-turn pins. Cleared by the classifier when incompatible with the
	// operating mode.
	Model    string
	Provider string

	// PinnedTaskType records which task type the model pin was made for, so
	// the classifier can tell a stale pin from a deliberate one.
	PinnedTaskType string

	// TaskType is the resolved route for this turn, set after classification.
	TaskType string

	// Mode is the operating mode the user put the session in. The
	// classifier reads it but never writes it.
	Mode string

	Scratch map[string]interface{}

	// CachedResponse short-circuits the provider call when non-empty.
	CachedResponse string

	Reflection ReflectionOutcome
	RetryCount int

	Attachments []Attachment
}

func NewConversation(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID: sessionID,
		Scratch: map[string]interface{}{
			SystemBucket: map[string]interface{}{},
		},
	}
}

// System returns the _system scratch bucket, creating it when absent.
func (s *ConversationState) System() map[string]interface{} {
	if s.Scratch == nil {
		s.Scratch = map[string]interface{}{}
	}
	bucket, ok := s.Scratch[SystemBucket].(map[string]interface{})
	if !ok {
		bucket = map[string]interface{}{}
		s.Scratch[SystemBucket] = bucket
	}
	return bucket
}

// SetRouteReason records why the current route was chosen.
func (s *ConversationState) SetRouteReason(reason string) {
	s.System()[scratchRouteReason] = reason
}

func (s *ConversationState) RouteReason() string {
	r, _ := s.System()[scratchRouteReason].(string)
	return r
}

// MarkDelegationExecuted adds a request ID to the executed set.
func (s *ConversationState) MarkDelegationExecuted(id string) {
	set := s.executedSet()
	set[id] = true
	s.System()[scratchDelegationExecuted] = set
}

// DelegationExecuted reports whether a request ID has already run.
func (s *ConversationState) DelegationExecuted(id string) bool {
	return s.executedSet()[id]
}

// ExecutedDelegationIDs returns the executed set for persistence.
func (s *ConversationState) ExecutedDelegationIDs() []string {
	set := s.executedSet()
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// SeedExecutedDelegations loads a previously persisted executed set.
func (s *ConversationState) SeedExecutedDelegations(ids []string) {
	if len(ids) == 0 {
		return
	}
	set := s.executedSet()
	for _, id := range ids {
		set[id] = true
	}
	s.System()[scratchDelegationExecuted] = set
}

func (s *ConversationState) executedSet() map[string]bool {
	switch v := s.System()[scratchDelegationExecuted].(type) {
	case map[string]bool:
		return v
	case []string:
		set := make(map[string]bool, len(v))
		for _, id := range v {
			set[id] = true
		}
		return set
	default:
		return map[string]bool{}
	}
}

// NewChildState builds the isolated state a delegated worker runs with.
// The child sees none of the parent history; only the back-reference in its
// _system bucket ties it to the spawning turn.
func (s *ConversationState) NewChildState(childSessionID, requestID string) *ConversationState {
	child := NewConversation(childSessionID)
	child.TraceID = s.TraceID
	child.Channel = s.Channel
	child.ChatID = s.ChatID
	sys := child.System()
	sys[scratchParentSession] = s.SessionID
	sys[scratchParentTrace] = s.TraceID
	sys[scratchRequestID] = requestID
	return child
}

// ParentRef reports the back-reference of a delegated child state.
func (s *ConversationState) ParentRef() (session, trace, requestID string, ok bool) {
	sys := s.System()
	session, _ = sys[scratchParentSession].(string)
	trace, _ = sys[scratchParentTrace].(string)
	requestID, _ = sys[scratchRequestID].(string)
	return session, trace, requestID, session != ""
}

// LastUserMessage returns the content of the newest user entry.
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// LastAssistantMessage returns the content of the newest assistant entry.
func (s *ConversationState) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// AttachmentPolicy filters inbound attachments by MIME prefix.
type AttachmentPolicy struct {
	allowed []string
}

// DefaultAttachmentPolicy accepts images, plain text, and common document
// containers. Everything else is dropped at ingestion.
func DefaultAttachmentPolicy() *AttachmentPolicy {
	return &AttachmentPolicy{allowed: []string{
		"image/",
		"text/",
		"application/json",
		"application/pdf",
		"application/xml",
		"application/x-ndjson",
	}}
}

func (p *AttachmentPolicy) Allowed(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if m == "" {
		return false
	}
	for _, prefix := range p.allowed {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// Filter returns the attachments that pass the policy and the names of the
// ones it dropped.
func (p *AttachmentPolicy) Filter(atts []Attachment) (kept []Attachment, dropped []string) {
	for _, a := range atts {
		if p.Allowed(a.MIME) {
			kept = append(kept, a)
			continue
		}
		dropped = append(dropped, a.Name)
	}
	return kept, dropped
}
