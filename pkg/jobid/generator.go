// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

// Package jobid mints the human-readable identifiers scheduled jobs are
// stored and addressed by.
package jobid

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Generator mints IDs of the form job_YYYYMMDD_NNN with a per-day counter.
// The scheduler persists jobs across restarts, so callers should Seed the
// generator with the stored IDs before minting new ones.
type Generator struct {
	mu      sync.Mutex
	date    string
	counter int
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Next returns a fresh ID, e.g. job_20260825_003. The counter restarts at
// 001 each day.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	g.counter++
	return fmt.Sprintf("job_%s_%03d", g.date, g.counter)
}

// Seed advances the counter past every ID from today, so a restarted
// scheduler never reissues an ID still present in its store. IDs from other
// days or in other formats are ignored.
func (g *Generator) Seed(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	prefix := "job_" + g.date + "_"
	for _, id := range ids {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n <= g.counter {
			continue
		}
		g.counter = n
	}
}

func (g *Generator) rollLocked() {
	today := g.now().Format("20060102")
	if today != g.date {
		g.date = today
		g.counter = 0
	}
}
