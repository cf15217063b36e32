// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crewclaw/crewclaw/pkg/tools"
)

// CronTool lets the model manage scheduled jobs. The active channel and
// chat are captured per round so reminders go back where they were asked.
type CronTool struct {
	service *CronService
	channel string
	chatID  string
}

func NewCronTool(service *CronService) *CronTool {
	return &CronTool{service: service}
}

func (t *CronTool) Name() string { return "schedule" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs. Actions: list, add, remove, enable, disable. " +
		"For add, provide message plus exactly one of every_seconds (repeating), " +
		"cron_expr (five-field cron), or in_seconds (one-shot delay). " +
		"The job's output is delivered to this chat when it fires."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: list, add, remove, enable, disable",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short job name (add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Prompt the agent runs when the job fires (add)",
			},
			"every_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Repeat interval in seconds (add)",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Five-field cron expression (add)",
			},
			"in_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "One-shot delay in seconds (add)",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (remove, enable, disable)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) SetContext(channel, chatID string) {
	t.channel = channel
	t.chatID = chatID
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	action, _ := args["action"].(string)
	switch action {
	case "list":
		return t.list()
	case "add":
		return t.add(args)
	case "remove":
		id, _ := args["job_id"].(string)
		if id == "" {
			return tools.ErrorResult("job_id is required for remove")
		}
		if !t.service.RemoveJob(id) {
			return tools.ErrorResultf("no job with id %s", id)
		}
		return tools.NewResult(fmt.Sprintf("Removed job %s", id))
	case "enable", "disable":
		id, _ := args["job_id"].(string)
		if id == "" {
			return tools.ErrorResultf("job_id is required for %s", action)
		}
		job, ok := t.service.EnableJob(id, action == "enable")
		if !ok {
			return tools.ErrorResultf("no job with id %s", id)
		}
		return tools.NewResult(fmt.Sprintf("Job %s is now %s", job.ID, action+"d"))
	default:
		return tools.ErrorResultf("unknown action %q", action)
	}
}

func (t *CronTool) list() *tools.ToolResult {
	jobs := t.service.ListJobs()
	if len(jobs) == 0 {
		return tools.NewResult("No scheduled jobs.")
	}
	var b strings.Builder
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s  %s  [%s, %s]", job.ID, job.Name, describeSchedule(job.Schedule), state)
		if job.NextRunMS != nil {
			fmt.Fprintf(&b, "  next %s", time.UnixMilli(*job.NextRunMS).Format(time.RFC3339))
		}
		if job.LastStatus != "" {
			fmt.Fprintf(&b, "  last %s", job.LastStatus)
		}
		b.WriteString("\n")
	}
	return tools.NewResult(strings.TrimRight(b.String(), "\n"))
}

func (t *CronTool) add(args map[string]interface{}) *tools.ToolResult {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return tools.ErrorResult("message is required for add")
	}
	name, _ := args["name"].(string)
	if name == "" {
		name = firstWords(message, 5)
	}

	schedule, err := scheduleFromArgs(args)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	job, err := t.service.AddJob(name, schedule, message, true, t.channel, t.chatID)
	if err != nil {
		return tools.ErrorResultf("failed to add job: %v", err)
	}
	return tools.NewResult(fmt.Sprintf("Scheduled %s (%s, %s)", job.ID, job.Name, describeSchedule(job.Schedule)))
}

func scheduleFromArgs(args map[string]interface{}) (CronSchedule, error) {
	every := intFromArg(args["every_seconds"])
	in := intFromArg(args["in_seconds"])
	expr, _ := args["cron_expr"].(string)

	set := 0
	if every > 0 {
		set++
	}
	if in > 0 {
		set++
	}
	if expr != "" {
		set++
	}
	if set != 1 {
		return CronSchedule{}, fmt.Errorf("provide exactly one of every_seconds, cron_expr, or in_seconds")
	}

	switch {
	case every > 0:
		ms := int64(every) * 1000
		return CronSchedule{Kind: "every", EveryMS: &ms}, nil
	case in > 0:
		at := time.Now().Add(time.Duration(in) * time.Second).UnixMilli()
		return CronSchedule{Kind: "at", AtMS: &at}, nil
	default:
		return CronSchedule{Kind: "cron", Expr: expr}, nil
	}
}

func describeSchedule(s CronSchedule) string {
	switch s.Kind {
	case "every":
		if s.EveryMS != nil {
			return fmt.Sprintf("every %s", time.Duration(*s.EveryMS)*time.Millisecond)
		}
	case "at":
		if s.AtMS != nil {
			return fmt.Sprintf("once at %s", time.UnixMilli(*s.AtMS).Format(time.RFC3339))
		}
	case "cron":
		return fmt.Sprintf("cron %q", s.Expr)
	}
	return s.Kind
}

func intFromArg(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
