// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

const (
	heartbeatFile     = "HEARTBEAT.md"
	heartbeatOKMarker = "HEARTBEAT_OK"
	minIntervalMin    = 5
	turnTimeout       = 5 * time.Minute
)

const heartbeatPrompt = `This is a scheduled heartbeat wake-up, not a user message.
Below is your standing checklist from HEARTBEAT.md. Work through it with your tools.
If nothing needs attention right now, reply with exactly ` + heartbeatOKMarker + ` and nothing else.
If something does need attention, reply with the message the user should see.`

// Agent is the slice of the agent loop the heartbeat service drives.
type Agent interface {
	ProcessHeartbeat(ctx context.Context, prompt string) (string, error)
	LastChannel() (channel, chatID string)
}

// Service wakes the agent on a fixed interval so it can act without being
// messaged first. Results that are not HEARTBEAT_OK are delivered to the
// last active channel.
type Service struct {
	cfg       config.HeartbeatConfig
	agent     Agent
	bus       *bus.MessageBus
	workspace string
	beats     *Bus
	cancel    context.CancelFunc
}

func NewService(cfg config.HeartbeatConfig, agent Agent, msgBus *bus.MessageBus, workspace string, beats *Bus) *Service {
	return &Service{
		cfg:       cfg,
		agent:     agent,
		bus:       msgBus,
		workspace: workspace,
		beats:     beats,
	}
}

func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		logger.InfoCF("heartbeat", "heartbeat disabled", nil)
		return
	}

	interval := s.cfg.Interval
	if interval < minIntervalMin {
		interval = minIntervalMin
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	logger.InfoCF("heartbeat", "heartbeat started", map[string]interface{}{
		"interval_min": interval,
	})

	go func() {
		ticker := time.NewTicker(time.Duration(interval) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.runOnce(runCtx)
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) runOnce(ctx context.Context) {
	checklist, ok := s.readChecklist()
	if !ok {
		logger.DebugCF("heartbeat", "no checklist, skipping beat", nil)
		return
	}

	if s.beats != nil {
		s.beats.Report(WorkerHeartbeat{Worker: "heartbeat", Status: StatusProcessing})
	}

	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	response, err := s.agent.ProcessHeartbeat(turnCtx, heartbeatPrompt+"\n\n"+checklist)
	if err != nil {
		logger.WarnCF("heartbeat", "heartbeat turn failed", map[string]interface{}{
			"error": err.Error(),
		})
		if s.beats != nil {
			s.beats.Report(WorkerHeartbeat{Worker: "heartbeat", Status: StatusFailed})
		}
		return
	}
	if s.beats != nil {
		s.beats.Report(WorkerHeartbeat{Worker: "heartbeat", Status: StatusDone})
	}

	trimmed := strings.TrimSpace(response)
	if trimmed == "" || strings.Contains(trimmed, heartbeatOKMarker) {
		logger.DebugCF("heartbeat", "heartbeat ok, nothing to deliver", nil)
		return
	}

	channel, chatID := s.agent.LastChannel()
	if channel == "" || chatID == "" {
		logger.InfoCF("heartbeat", "heartbeat produced output but no active channel", map[string]interface{}{
			"length": len(trimmed),
		})
		return
	}

	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: trimmed,
	})
}

// readChecklist loads HEARTBEAT.md from the workspace. A missing file or
// one with only blank and comment lines means there is nothing to do.
func (s *Service) readChecklist() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.workspace, heartbeatFile))
	if err != nil {
		return "", false
	}
	content := string(data)

	meaningful := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		meaningful = true
		break
	}
	if !meaningful {
		return "", false
	}
	return content, true
}
