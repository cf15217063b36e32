// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package channels

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/crewclaw/crewclaw/pkg/bus"
)

// CLIChannel is the interactive terminal transport used by the agent
// command. Every line typed becomes an inbound message on the cli:direct
// session; replies print above the prompt.
type CLIChannel struct {
	BaseChannel
	workspace string
	rl        *readline.Instance
	cancel    context.CancelFunc
	onExit    func()
}

func NewCLIChannel(msgBus *bus.MessageBus, workspace string) *CLIChannel {
	return &CLIChannel{
		BaseChannel: NewBaseChannel("cli", msgBus, nil),
		workspace:   workspace,
	}
}

// SetExitFunc registers the callback run when the user ends the session
// with exit, EOF, or an interrupt on an empty line.
func (c *CLIChannel) SetExitFunc(fn func()) {
	c.onExit = fn
}

func (c *CLIChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(c.workspace, ".crewclaw_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	c.rl = rl

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.readLoop(runCtx)
	return nil
}

func (c *CLIChannel) readLoop(ctx context.Context) {
	defer func() {
		if c.onExit != nil {
			c.onExit()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		c.HandleMessage("user", "direct", line, nil, nil)
	}
}

func (c *CLIChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Send prints through readline's writer so the active prompt is redrawn
// under the reply.
func (c *CLIChannel) Send(ctx context.Context, out bus.OutboundMessage) error {
	if c.rl != nil {
		fmt.Fprintf(c.rl.Stdout(), "\ncrewclaw> %s\n\n", out.Content)
		return nil
	}
	fmt.Printf("\ncrewclaw> %s\n\n", out.Content)
	return nil
}
