// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

// Package cron schedules reminder and maintenance jobs with a JSON store
// that survives restarts.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/crewclaw/crewclaw/pkg/jobid"
	"github.com/crewclaw/crewclaw/pkg/logger"
)

// CronSchedule describes when a job fires. Exactly one of the kinds is
// used: "at" fires once at AtMS, "every" repeats each EveryMS, "cron"
// follows a five-field cron expression.
type CronSchedule struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"at_ms,omitempty"`
	EveryMS *int64 `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// CronJob is one stored job. Channel and To address the delivery target
// captured when the job was created.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Schedule       CronSchedule `json:"schedule"`
	Message        string       `json:"message"`
	Deliver        bool         `json:"deliver"`
	Channel        string       `json:"channel,omitempty"`
	To             string       `json:"to,omitempty"`
	Enabled        bool         `json:"enabled"`
	CreatedAtMS    int64        `json:"created_at_ms"`
	UpdatedAtMS    int64        `json:"updated_at_ms"`
	NextRunMS      *int64       `json:"next_run_ms,omitempty"`
	LastRunMS      *int64       `json:"last_run_ms,omitempty"`
	LastStatus     string       `json:"last_status,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	DeleteAfterRun bool         `json:"delete_after_run,omitempty"`
}

type cronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

// JobCallback executes one due job, typically by running its message
// through the agent. The returned text is only logged; delivery is the
// callback's business.
type JobCallback func(ctx context.Context, job CronJob) (string, error)

const (
	maxSchedulerSleep = time.Minute
	jobRunTimeout     = 10 * time.Minute
)

// CronService owns the job store and the scheduler loop.
type CronService struct {
	storePath string
	callback  JobCallback
	ids       *jobid.Generator

	mu    sync.Mutex
	store cronStore

	wake   chan struct{}
	cancel context.CancelFunc
}

func NewCronService(storePath string, callback JobCallback) *CronService {
	return &CronService{
		storePath: storePath,
		callback:  callback,
		ids:       jobid.NewGenerator(),
		store:     cronStore{Version: 1, Jobs: []CronJob{}},
		wake:      make(chan struct{}, 1),
	}
}

// Load reads the store from disk. A corrupted store is reset to empty and
// rewritten rather than blocking startup.
func (cs *CronService) Load() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := os.ReadFile(cs.storePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var store cronStore
	if err := json.Unmarshal(data, &store); err != nil {
		logger.WarnCF("cron", "store unreadable, resetting", map[string]interface{}{
			"path":  cs.storePath,
			"error": err.Error(),
		})
		cs.store = cronStore{Version: 1, Jobs: []CronJob{}}
		return cs.saveLocked()
	}
	if store.Version == 0 {
		store.Version = 1
	}
	if store.Jobs == nil {
		store.Jobs = []CronJob{}
	}
	cs.store = store

	// Replay stored IDs so a restart never reissues one.
	ids := make([]string, 0, len(store.Jobs))
	for _, job := range store.Jobs {
		ids = append(ids, job.ID)
	}
	cs.ids.Seed(ids)
	return nil
}

func (cs *CronService) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(cs.storePath), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		return err
	}
	tmp := cs.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, cs.storePath)
}

// AddJob validates the schedule, persists the job, and wakes the
// scheduler. One-shot "at" jobs are removed automatically after they run.
func (cs *CronService) AddJob(name string, schedule CronSchedule, message string, deliver bool, channel, to string) (CronJob, error) {
	now := time.Now().UnixMilli()
	next, err := computeNextRun(schedule, now)
	if err != nil {
		return CronJob{}, err
	}

	job := CronJob{
		ID:             cs.ids.Next(),
		Name:           name,
		Schedule:       schedule,
		Message:        message,
		Deliver:        deliver,
		Channel:        channel,
		To:             to,
		Enabled:        true,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		NextRunMS:      next,
		DeleteAfterRun: schedule.Kind == "at",
	}

	cs.mu.Lock()
	cs.store.Jobs = append(cs.store.Jobs, job)
	err = cs.saveLocked()
	cs.mu.Unlock()
	if err != nil {
		return CronJob{}, err
	}

	cs.kick()
	logger.InfoCF("cron", "job added", map[string]interface{}{
		"id":   job.ID,
		"name": job.Name,
		"kind": schedule.Kind,
	})
	return job, nil
}

// ListJobs returns a copy of every stored job, oldest first.
func (cs *CronService) ListJobs() []CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	jobs := make([]CronJob, len(cs.store.Jobs))
	copy(jobs, cs.store.Jobs)
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtMS != jobs[j].CreatedAtMS {
			return jobs[i].CreatedAtMS < jobs[j].CreatedAtMS
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// RemoveJob deletes a job by ID.
func (cs *CronService) RemoveJob(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, job := range cs.store.Jobs {
		if job.ID == id {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
			if err := cs.saveLocked(); err != nil {
				logger.WarnCF("cron", "store save failed", map[string]interface{}{"error": err.Error()})
			}
			return true
		}
	}
	return false
}

// EnableJob toggles a job. Re-enabling recomputes the next run from now.
func (cs *CronService) EnableJob(id string, enabled bool) (CronJob, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.ID != id {
			continue
		}
		now := time.Now().UnixMilli()
		job.Enabled = enabled
		job.UpdatedAtMS = now
		if enabled {
			if next, err := computeNextRun(job.Schedule, now); err == nil {
				job.NextRunMS = next
			}
		}
		if err := cs.saveLocked(); err != nil {
			logger.WarnCF("cron", "store save failed", map[string]interface{}{"error": err.Error()})
		}
		updated := *job
		cs.kick()
		return updated, true
	}
	return CronJob{}, false
}

// Start loads the store and runs the scheduler until ctx ends.
func (cs *CronService) Start(ctx context.Context) error {
	if err := cs.Load(); err != nil {
		return fmt.Errorf("cron store: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel
	go cs.loop(runCtx)

	cs.mu.Lock()
	count := len(cs.store.Jobs)
	cs.mu.Unlock()
	logger.InfoCF("cron", "scheduler started", map[string]interface{}{"jobs": count})
	return nil
}

func (cs *CronService) Stop() {
	if cs.cancel != nil {
		cs.cancel()
	}
}

func (cs *CronService) kick() {
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (cs *CronService) loop(ctx context.Context) {
	for {
		timer := time.NewTimer(cs.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-cs.wake:
			timer.Stop()
		case <-timer.C:
			// Re-read the store so jobs added by another process (the
			// cron CLI against a running gateway) are picked up.
			if err := cs.Load(); err != nil {
				logger.WarnCF("cron", "store reload failed", map[string]interface{}{"error": err.Error()})
			}
			cs.runDue(ctx)
		}
	}
}

// untilNext computes the sleep until the earliest enabled job, capped so
// store edits from other processes are noticed within a minute.
func (cs *CronService) untilNext() time.Duration {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now().UnixMilli()
	sleep := maxSchedulerSleep
	for _, job := range cs.store.Jobs {
		if !job.Enabled || job.NextRunMS == nil {
			continue
		}
		d := time.Duration(*job.NextRunMS-now) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d < sleep {
			sleep = d
		}
	}
	return sleep
}

// runDue snapshots every due job and advances its schedule before the
// callback runs, so a slow job cannot fire twice.
func (cs *CronService) runDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	cs.mu.Lock()
	var due []CronJob
	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if !job.Enabled || job.NextRunMS == nil || *job.NextRunMS > now {
			continue
		}
		due = append(due, *job)

		last := now
		job.LastRunMS = &last
		job.UpdatedAtMS = now
		if job.Schedule.Kind == "at" {
			job.Enabled = false
			job.NextRunMS = nil
		} else if next, err := computeNextRun(job.Schedule, now); err == nil {
			job.NextRunMS = next
		} else {
			job.Enabled = false
			job.LastError = err.Error()
		}
	}
	if len(due) > 0 {
		if err := cs.saveLocked(); err != nil {
			logger.WarnCF("cron", "store save failed", map[string]interface{}{"error": err.Error()})
		}
	}
	cs.mu.Unlock()

	for _, job := range due {
		go cs.execute(ctx, job)
	}
}

func (cs *CronService) execute(ctx context.Context, job CronJob) {
	logger.InfoCF("cron", "job firing", map[string]interface{}{
		"id":   job.ID,
		"name": job.Name,
	})

	status, errText := "ok", ""
	if cs.callback == nil {
		status, errText = "skipped", "no executor attached"
	} else {
		runCtx, cancel := context.WithTimeout(ctx, jobRunTimeout)
		defer cancel()
		if _, err := cs.callback(runCtx, job); err != nil {
			status, errText = "error", err.Error()
			logger.WarnCF("cron", "job failed", map[string]interface{}{
				"id":    job.ID,
				"error": err.Error(),
			})
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID != job.ID {
			continue
		}
		if job.DeleteAfterRun {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
		} else {
			cs.store.Jobs[i].LastStatus = status
			cs.store.Jobs[i].LastError = errText
		}
		if err := cs.saveLocked(); err != nil {
			logger.WarnCF("cron", "store save failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
}

func computeNextRun(schedule CronSchedule, nowMS int64) (*int64, error) {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS == nil {
			return nil, fmt.Errorf("at schedule requires at_ms")
		}
		at := *schedule.AtMS
		return &at, nil
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil, fmt.Errorf("every schedule requires a positive every_ms")
		}
		next := nowMS + *schedule.EveryMS
		return &next, nil
	case "cron":
		if schedule.Expr == "" {
			return nil, fmt.Errorf("cron schedule requires expr")
		}
		tick, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(nowMS), false)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", schedule.Expr, err)
		}
		next := tick.UnixMilli()
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
}
