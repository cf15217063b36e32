// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

// Package heartbeat tracks worker liveness and runs the scheduled
// proactive wake-up turn.
package heartbeat

import (
	"sync"
	"time"
)

// Worker heartbeat statuses.
const (
	StatusSpawned    = "spawned"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// WorkerHeartbeat is one liveness report from a delegated worker turn.
type WorkerHeartbeat struct {
	Worker    string
	RequestID string
	Status    string
	At        time.Time
	Detail    map[string]interface{}
}

// Bus fans worker heartbeats out to subscribers and keeps a short history
// per worker for status reporting.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan WorkerHeartbeat
	buffer      map[string][]WorkerHeartbeat
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan WorkerHeartbeat),
		buffer:      make(map[string][]WorkerHeartbeat),
		bufferSize:  100,
	}
}

// Report records a heartbeat and notifies subscribers. Slow subscribers
// miss beats rather than blocking the reporter.
func (b *Bus) Report(hb WorkerHeartbeat) {
	if hb.At.IsZero() {
		hb.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer[hb.Worker] = append(b.buffer[hb.Worker], hb)
	if len(b.buffer[hb.Worker]) > b.bufferSize {
		b.buffer[hb.Worker] = b.buffer[hb.Worker][len(b.buffer[hb.Worker])-b.bufferSize:]
	}

	for _, ch := range b.subscribers[hb.Worker] {
		select {
		case ch <- hb:
		default:
		}
	}
	for _, ch := range b.subscribers["*"] {
		select {
		case ch <- hb:
		default:
		}
	}
}

// Subscribe returns a channel of heartbeats for one worker, or for every
// worker when the name is "*".
func (b *Bus) Subscribe(worker string) <-chan WorkerHeartbeat {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan WorkerHeartbeat, 10)
	b.subscribers[worker] = append(b.subscribers[worker], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(worker string, ch <-chan WorkerHeartbeat) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[worker]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[worker] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Recent returns up to n most recent heartbeats for a worker, oldest first.
func (b *Bus) Recent(worker string, n int) []WorkerHeartbeat {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.buffer[worker]
	if len(buf) == 0 {
		return nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]WorkerHeartbeat, n)
	copy(out, buf[len(buf)-n:])
	return out
}

// Latest returns the most recent heartbeat for a worker.
func (b *Bus) Latest(worker string) (WorkerHeartbeat, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.buffer[worker]
	if len(buf) == 0 {
		return WorkerHeartbeat{}, false
	}
	return buf[len(buf)-1], true
}

// Workers lists every worker that has reported at least once.
func (b *Bus) Workers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.buffer))
	for name := range b.buffer {
		names = append(names, name)
	}
	return names
}
