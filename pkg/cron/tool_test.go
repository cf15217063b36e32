package cron

import (
	"context"
	"strings"
	"testing"
)

func newTestCronTool(t *testing.T) (*CronTool, *CronService) {
	t.Helper()
	svc := newTestCronService(t, nil)
	tool := NewCronTool(svc)
	tool.SetContext("telegram", "12345")
	return tool, svc
}

func TestCronTool_AddCapturesChannel(t *testing.T) {
	tool, svc := newTestCronTool(t)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"action":        "add",
		"name":          "standup",
		"message":       "time for standup",
		"every_seconds": float64(3600),
	})
	if res.IsError {
		t.Fatalf("add failed: %s", res.ForLLM)
	}

	jobs := svc.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Channel != "telegram" || job.To != "12345" {
		t.Errorf("job should deliver to the active chat, got %s/%s", job.Channel, job.To)
	}
	if !job.Deliver {
		t.Error("tool-created jobs should deliver their output")
	}
	if job.Schedule.Kind != "every" || *job.Schedule.EveryMS != 3600000 {
		t.Errorf("unexpected schedule: %+v", job.Schedule)
	}
}

func TestCronTool_AddRequiresOneSchedule(t *testing.T) {
	tool, _ := newTestCronTool(t)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"action":  "add",
		"message": "ambiguous",
	})
	if !res.IsError {
		t.Error("add without a schedule should fail")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"action":        "add",
		"message":       "ambiguous",
		"every_seconds": float64(60),
		"cron_expr":     "0 9 * * *",
	})
	if !res.IsError {
		t.Error("add with two schedules should fail")
	}
}

func TestCronTool_AddOneShot(t *testing.T) {
	tool, svc := newTestCronTool(t)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"action":     "add",
		"message":    "remind me about the oven",
		"in_seconds": float64(300),
	})
	if res.IsError {
		t.Fatalf("add failed: %s", res.ForLLM)
	}

	jobs := svc.ListJobs()
	if len(jobs) != 1 || jobs[0].Schedule.Kind != "at" {
		t.Fatalf("expected one at job, got %+v", jobs)
	}
	// Name falls back to the leading words of the message.
	if jobs[0].Name != "remind me about the oven" {
		t.Errorf("unexpected default name: %s", jobs[0].Name)
	}
}

func TestCronTool_ListRemoveToggle(t *testing.T) {
	tool, svc := newTestCronTool(t)

	job, err := svc.AddJob("digest", CronSchedule{Kind: "cron", Expr: "0 9 * * *"}, "morning digest", false, "", "")
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	res := tool.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if res.IsError || !strings.Contains(res.ForLLM, job.ID) {
		t.Errorf("list should mention the job: %s", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"action": "disable", "job_id": job.ID})
	if res.IsError {
		t.Fatalf("disable failed: %s", res.ForLLM)
	}
	if svc.ListJobs()[0].Enabled {
		t.Error("job should be disabled")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"action": "remove", "job_id": job.ID})
	if res.IsError {
		t.Fatalf("remove failed: %s", res.ForLLM)
	}
	if len(svc.ListJobs()) != 0 {
		t.Error("job should be gone")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"action": "remove", "job_id": "job_none"})
	if !res.IsError {
		t.Error("removing a missing job should fail")
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"action": "explode"})
	if !res.IsError {
		t.Error("unknown action should fail")
	}
}

func TestCronTool_EmptyList(t *testing.T) {
	tool, _ := newTestCronTool(t)

	res := tool.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if res.IsError {
		t.Fatalf("list failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "No scheduled jobs") {
		t.Errorf("unexpected empty list output: %s", res.ForLLM)
	}
}
