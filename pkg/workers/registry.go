// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package workers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/crewclaw/crewclaw/pkg/config"
)

// Profile describes one worker the coordinator can delegate to. Provider
// and Model are optional; empty values inherit the coordinator's backend.
type Profile struct {
	Name         string
	Description  string
	Provider     string
	Model        string
	SystemPrompt string
	AllowedTools []string
	DeniedTools  []string
}

// Registry holds worker profiles in registration order.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// DefaultProfiles returns the built-in worker lineup used when no
// workers are configured.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:        "researcher",
			Description: "Finds and summarizes information from the web",
			SystemPrompt: "You are a research worker. Investigate the given objective using web search " +
				"and page fetches, then report your findings concisely with source URLs. " +
				"Do not modify any files.",
			AllowedTools: []string{"web_search", "web_fetch", "read_file"},
		},
		{
			Name:        "coder",
			Description: "Writes and modifies code in the workspace",
			SystemPrompt: "You are a coding worker. Complete the given programming objective inside the " +
				"workspace. Read before you write, keep changes minimal, and report what you changed.",
			AllowedTools: []string{"read_file", "write_file", "edit_file", "append_file", "list_dir", "exec"},
		},
		{
			Name:        "reviewer",
			Description: "Reviews work produced by other workers",
			SystemPrompt: "You are a review worker. Inspect the referenced files or output and report " +
				"problems, risks, and concrete improvement suggestions. You cannot modify anything.",
			AllowedTools: []string{"read_file", "list_dir"},
		},
	}
}

// FromConfig builds a registry from configured workers, falling back to
// the default lineup when none are configured.
func FromConfig(configured []config.WorkerConfig) *Registry {
	r := NewRegistry()
	if len(configured) == 0 {
		for _, p := range DefaultProfiles() {
			_ = r.Register(p)
		}
		return r
	}
	for _, wc := range configured {
		_ = r.Register(Profile{
			Name:         wc.Name,
			Description:  wc.Description,
			Provider:     wc.Provider,
			Model:        wc.Model,
			SystemPrompt: wc.SystemPrompt,
			AllowedTools: wc.AllowedTools,
			DeniedTools:  wc.DeniedTools,
		})
	}
	return r
}

func (r *Registry) Register(p Profile) error {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	if name == "" {
		return fmt.Errorf("worker profile needs a name")
	}
	p.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[name]; !exists {
		r.order = append(r.order, name)
	}
	r.profiles[name] = p
	return nil
}

// Lookup resolves a profile by name, case-insensitively.
func (r *Registry) Lookup(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns profile names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// Describe renders the worker lineup for injection into the coordinator
// system prompt.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for _, name := range r.order {
		p := r.profiles[name]
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
