// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/crewclaw/crewclaw/pkg/logger"
)

// Limit is the pair of windows applied to one service. A value <= 0 means
// the window is unlimited.
type Limit struct {
	PerMinute int
	PerDay    int
}

func (l Limit) Unlimited() bool {
	return l.PerMinute <= 0 && l.PerDay <= 0
}

// Usage is the counters observed for one service.
type Usage struct {
	Minute int64
	Day    int64
}

type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// CheckResult reports one accounting decision together with the usage seen
// at decision time and, on denial, the window that tripped.
type CheckResult struct {
	Decision Decision
	Usage    Usage
	Limit    Limit
	Window   string
}

func (r CheckResult) Allowed() bool {
	return r.Decision == DecisionAllowed
}

const (
	minuteTTL = 2 * time.Minute
	dayTTL    = 48 * time.Hour
)

// LimitResolver maps a service name to its configured windows.
type LimitResolver func(service string) Limit

// Manager tracks per-service usage over rolling minute and day windows.
// A broken store never blocks a request: accounting fails open.
type Manager struct {
	store   CounterStore
	prefix  string
	resolve LimitResolver
	now     func() time.Time
}

func NewManager(store CounterStore, prefix string, resolve LimitResolver) *Manager {
	if resolve == nil {
		resolve = func(string) Limit { return Limit{} }
	}
	return &Manager{
		store:   store,
		prefix:  prefix,
		resolve: resolve,
		now:     time.Now,
	}
}

func (m *Manager) minuteKey(service string, t time.Time) string {
	return fmt.Sprintf("%s:%s:minute:%s", m.prefix, service, t.UTC().Format("200601021504"))
}

func (m *Manager) dayKey(service string, t time.Time) string {
	return fmt.Sprintf("%s:%s:day:%s", m.prefix, service, t.UTC().Format("20060102"))
}

// CheckAndTrack counts one request against both windows and decides whether
// it may proceed. When a window is exceeded both increments are rolled back
// so a denied request leaves the counters untouched.
func (m *Manager) CheckAndTrack(ctx context.Context, service string) CheckResult {
	limit := m.resolve(service)
	if limit.Unlimited() {
		return CheckResult{Decision: DecisionAllowed, Limit: limit}
	}

	t := m.now()
	minuteKey := m.minuteKey(service, t)
	dayKey := m.dayKey(service, t)

	minuteCount, err := m.store.Incr(ctx, minuteKey, minuteTTL)
	if err != nil {
		logger.WarnCF("quota", "counter store unavailable, allowing request", map[string]interface{}{
			"service": service,
			"error":   err.Error(),
		})
		return CheckResult{Decision: DecisionAllowed, Limit: limit}
	}

	dayCount, err := m.store.Incr(ctx, dayKey, dayTTL)
	if err != nil {
		logger.WarnCF("quota", "counter store unavailable, allowing request", map[string]interface{}{
			"service": service,
			"error":   err.Error(),
		})
		return CheckResult{Decision: DecisionAllowed, Limit: limit, Usage: Usage{Minute: minuteCount}}
	}

	usage := Usage{Minute: minuteCount, Day: dayCount}

	window := ""
	if limit.PerMinute > 0 && minuteCount > int64(limit.PerMinute) {
		window = "minute"
	} else if limit.PerDay > 0 && dayCount > int64(limit.PerDay) {
		window = "day"
	}

	if window != "" {
		m.rollback(ctx, minuteKey, dayKey)
		usage.Minute--
		usage.Day--
		logger.InfoCF("quota", "request denied", map[string]interface{}{
			"service": service,
			"window":  window,
			"minute":  usage.Minute,
			"day":     usage.Day,
		})
		return CheckResult{Decision: DecisionDenied, Usage: usage, Limit: limit, Window: window}
	}

	return CheckResult{Decision: DecisionAllowed, Usage: usage, Limit: limit}
}

func (m *Manager) rollback(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := m.store.Decr(ctx, key); err != nil {
			logger.WarnCF("quota", "rollback failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}

// GetUsage reads the current counters without touching them. Store errors
// read as zero.
func (m *Manager) GetUsage(ctx context.Context, service string) Usage {
	t := m.now()
	minute, err := m.store.Get(ctx, m.minuteKey(service, t))
	if err != nil {
		logger.DebugCF("quota", "usage read failed", map[string]interface{}{"service": service, "error": err.Error()})
	}
	day, err := m.store.Get(ctx, m.dayKey(service, t))
	if err != nil {
		logger.DebugCF("quota", "usage read failed", map[string]interface{}{"service": service, "error": err.Error()})
	}
	return Usage{Minute: minute, Day: day}
}

func (m *Manager) GetLimit(service string) Limit {
	return m.resolve(service)
}

// GetUsagePercentage reports how much of each window is consumed, as 0-100.
// Unlimited windows read as 0.
func (m *Manager) GetUsagePercentage(ctx context.Context, service string) (minutePct, dayPct float64) {
	limit := m.resolve(service)
	usage := m.GetUsage(ctx, service)
	if limit.PerMinute > 0 {
		minutePct = float64(usage.Minute) / float64(limit.PerMinute) * 100
	}
	if limit.PerDay > 0 {
		dayPct = float64(usage.Day) / float64(limit.PerDay) * 100
	}
	return minutePct, dayPct
}
