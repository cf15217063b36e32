// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/crewclaw/crewclaw/pkg/agent"
	"github.com/crewclaw/crewclaw/pkg/auth"
	"github.com/crewclaw/crewclaw/pkg/bus"
	"github.com/crewclaw/crewclaw/pkg/channels"
	"github.com/crewclaw/crewclaw/pkg/config"
	"github.com/crewclaw/crewclaw/pkg/cron"
	"github.com/crewclaw/crewclaw/pkg/health"
	"github.com/crewclaw/crewclaw/pkg/heartbeat"
	"github.com/crewclaw/crewclaw/pkg/logger"
	"github.com/crewclaw/crewclaw/pkg/mcp"
	"github.com/crewclaw/crewclaw/pkg/providers"
	"github.com/crewclaw/crewclaw/pkg/quota"
)

const version = "0.2.0"

const usageText = `CrewClaw - multi-agent coordination engine

Usage:
  crewclaw gateway [-config path]   run every enabled channel plus the agent loop
  crewclaw agent   [-config path]   interactive terminal session
  crewclaw status  [-config path]   show what is configured
  crewclaw cron    <list|add|remove|enable|disable> [flags]
  crewclaw auth    <login|status|logout> [flags]
  crewclaw version

Config is read from ~/.crewclaw/config.json (override with -config or
CREWCLAW_CONFIG). Every setting can also come from CREWCLAW_* env vars.`

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Println(usageText)
		return
	}

	switch args[0] {
	case "gateway":
		runGateway(parseConfigPath("gateway", args[1:]))
	case "agent":
		runAgent(parseConfigPath("agent", args[1:]))
	case "status":
		runStatus(parseConfigPath("status", args[1:]))
	case "cron":
		runCronCommand(args[1:])
	case "auth":
		runAuthCommand(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("crewclaw %s\n", version)
	case "help", "--help", "-h":
		fmt.Println(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", args[0], usageText)
		os.Exit(2)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "crewclaw: "+format+"\n", args...)
	os.Exit(1)
}

func defaultConfigPath() string {
	if path := os.Getenv("CREWCLAW_CONFIG"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".crewclaw", "config.json")
}

func parseConfigPath(name string, args []string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	fs.Parse(args)
	return *cfgPath
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fatalf("failed to load config %s: %v", path, err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetJSONOutput(cfg.Logging.JSON)
	return cfg
}

func cronStorePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.WorkspacePath()), "cron", "jobs.json")
}

// buildQuota returns nil when accounting is disabled. A redis backend that
// cannot be reached falls back to in-memory counters rather than refusing
// to start.
func buildQuota(cfg *config.Config) *quota.Manager {
	if !cfg.Quota.Enabled {
		return nil
	}

	var store quota.CounterStore
	if cfg.Quota.Backend == "redis" {
		rs, err := quota.NewRedisStore(quota.RedisConfig{
			Addr:     cfg.Quota.Redis.Addr,
			Password: cfg.Quota.Redis.Password,
			DB:       cfg.Quota.Redis.DB,
		})
		if err != nil {
			logger.WarnCF("gateway", "redis quota store unavailable, using memory counters", map[string]interface{}{
				"addr":  cfg.Quota.Redis.Addr,
				"error": err.Error(),
			})
		} else {
			store = rs
		}
	}
	if store == nil {
		store = quota.NewMemoryStore()
	}

	return quota.NewManager(store, cfg.Quota.Prefix, func(service string) quota.Limit {
		lim := cfg.QuotaLimitFor(service)
		return quota.Limit{PerMinute: lim.PerMinute, PerDay: lim.PerDay}
	})
}

// registerHealthProbes attaches background checks for models served by the
// local Ollama daemon. Cloud providers are judged from live call outcomes
// only; probing them would spend real quota.
func registerHealthProbes(cfg *config.Config, reg *health.Registry) {
	base := strings.TrimRight(cfg.Providers.Ollama.APIBase, "/")
	if base == "" {
		return
	}

	const probeTimeout = 10 * time.Second
	seen := make(map[string]bool)
	register := func(ref config.ModelRef) {
		name, ok := ollamaModelName(ref)
		if !ok || seen[ref.Model] {
			return
		}
		seen[ref.Model] = true
		// Probes key on the route's model string so the router's health
		// lookups hit them directly.
		reg.RegisterProbe(ref.Model, health.OllamaModelReady(base, health.ModelRequirement{Name: name}, probeTimeout))
	}

	routes := cfg.Routing.Routes
	for _, ref := range []config.ModelRef{routes.Chat, routes.Code, routes.Vision, routes.Reasoning, routes.Summary} {
		register(ref)
	}
	for _, ref := range cfg.Routing.Overrides {
		register(ref)
	}
	for _, next := range cfg.Routing.Fallbacks {
		register(config.ModelRef{Model: next})
	}
}

// ollamaModelName reports whether a route entry is served by Ollama and
// returns the bare name the daemon knows the model by.
func ollamaModelName(ref config.ModelRef) (string, bool) {
	if ref.Model == "" {
		return "", false
	}
	if rest, ok := strings.CutPrefix(ref.Model, "ollama/"); ok {
		return rest, true
	}
	if strings.EqualFold(ref.Provider, "ollama") {
		return ref.Model, true
	}
	return "", false
}

// registerMCPTools bridges every reachable MCP server's tools into the
// agent's registry. An unreachable server is skipped, not fatal.
func registerMCPTools(ctx context.Context, cfg *config.Config, al *agent.AgentLoop) {
	for _, server := range cfg.MCP.Servers {
		if !server.Enabled || server.URL == "" {
			continue
		}
		client := mcp.NewClient(server.URL)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.WarnCF("gateway", "mcp server unreachable, skipping", map[string]interface{}{
				"server": server.Name,
				"url":    server.URL,
				"error":  err.Error(),
			})
			continue
		}

		discovered, err := mcp.Discover(ctx, client, server.Name)
		if err != nil {
			logger.WarnCF("gateway", "mcp tool discovery failed", map[string]interface{}{
				"server": server.Name,
				"error":  err.Error(),
			})
			continue
		}
		for _, t := range discovered {
			al.RegisterTool(t)
		}
		logger.InfoCF("gateway", "mcp server bridged", map[string]interface{}{
			"server": server.Name,
			"tools":  len(discovered),
		})
	}
}

// cronExecutor runs a due job's message through the agent and, when the
// job asks for delivery, sends the answer to the chat that scheduled it.
// Jobs without a stamped destination go to wherever the user last spoke.
func cronExecutor(al *agent.AgentLoop, msgBus *bus.MessageBus) cron.JobCallback {
	return func(ctx context.Context, job cron.CronJob) (string, error) {
		response, err := al.ProcessDirectWithChannel(ctx, job.Message, "cron:"+job.ID, "cron", job.ID)
		if err != nil {
			return "", err
		}
		if !job.Deliver || response == "" {
			return response, nil
		}
		channel, to := job.Channel, job.To
		if channel == "" || to == "" {
			channel, to = al.LastChannel()
		}
		if channel != "" && to != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: channel,
				ChatID:  to,
				Content: response,
			})
		}
		return response, nil
	}
}

func runGateway(cfgPath string) {
	cfg := loadConfig(cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set, err := providers.BuildProviderSet(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer set.Close()

	healthReg := health.NewRegistry(cfg.Routing.Health.MaxErrorRate)
	if cfg.Routing.Health.Enabled {
		registerHealthProbes(cfg, healthReg)
		healthReg.Start(ctx, time.Duration(cfg.Routing.Health.ProbeIntervalSec)*time.Second)
	}

	msgBus := bus.NewMessageBus()
	al := agent.NewAgentLoop(cfg, msgBus, set, healthReg, buildQuota(cfg))
	registerMCPTools(ctx, cfg, al)

	manager := channels.NewManager(cfg, msgBus)
	al.SetChannelManager(manager)

	cronSvc := cron.NewCronService(cronStorePath(cfg), cronExecutor(al, msgBus))
	al.RegisterTool(cron.NewCronTool(cronSvc))
	if err := cronSvc.Start(ctx); err != nil {
		logger.WarnCF("gateway", "cron scheduler failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer cronSvc.Stop()

	hb := heartbeat.NewService(cfg.Heartbeat, al, msgBus, cfg.WorkspacePath(), al.WorkerHeartbeats())
	hb.Start(ctx)
	defer hb.Stop()

	manager.StartAll(ctx)
	logger.InfoCF("gateway", "crewclaw gateway running", map[string]interface{}{
		"version":  version,
		"channels": strings.Join(manager.EnabledChannels(), ","),
	})

	runErr := al.Run(ctx)

	if in, out := msgBus.InboundDepth(), msgBus.OutboundDepth(); in+out > 0 {
		logger.WarnCF("gateway", "shutting down with queued messages", map[string]interface{}{
			"inbound":  in,
			"outbound": out,
		})
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	manager.StopAll(stopCtx)
	cancel()

	if runErr != nil {
		fatalf("agent loop: %v", runErr)
	}
}

func runAgent(cfgPath string) {
	cfg := loadConfig(cfgPath)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	set, err := providers.BuildProviderSet(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer set.Close()

	healthReg := health.NewRegistry(cfg.Routing.Health.MaxErrorRate)
	msgBus := bus.NewMessageBus()
	al := agent.NewAgentLoop(cfg, msgBus, set, healthReg, buildQuota(cfg))
	registerMCPTools(ctx, cfg, al)

	manager := channels.NewEmptyManager(msgBus)
	cli := channels.NewCLIChannel(msgBus, cfg.WorkspacePath())
	cli.SetExitFunc(cancel)
	manager.Register(cli)
	al.SetChannelManager(manager)

	manager.StartAll(ctx)
	fmt.Println("CrewClaw interactive session. Type /help for commands, exit to leave.")

	runErr := al.Run(ctx)
	manager.StopAll(context.Background())

	if runErr != nil {
		fatalf("agent loop: %v", runErr)
	}
}

func runStatus(cfgPath string) {
	cfg := loadConfig(cfgPath)

	fmt.Printf("crewclaw %s\n", version)
	fmt.Printf("config:    %s\n", cfgPath)
	fmt.Printf("workspace: %s\n", cfg.WorkspacePath())
	fmt.Printf("sessions:  %s\n", cfg.SessionsDir())

	configured := configuredProviders(cfg)
	if len(configured) == 0 {
		fmt.Println("providers: none configured")
	} else {
		fmt.Printf("providers: %s\n", strings.Join(configured, ", "))
	}

	if base := strings.TrimRight(cfg.Providers.Ollama.APIBase, "/"); base != "" {
		if up, reason := health.EndpointUp(base+"/api/tags", 3*time.Second)(); up {
			fmt.Println("ollama:    reachable")
		} else {
			fmt.Printf("ollama:    %s\n", reason)
		}
	}

	enabled := enabledChannelNames(cfg)
	if len(enabled) == 0 {
		fmt.Println("channels:  none enabled")
	} else {
		fmt.Printf("channels:  %s\n", strings.Join(enabled, ", "))
	}

	if cfg.Quota.Enabled {
		fmt.Printf("quota:     %s backend, default %d/min %d/day\n",
			cfg.Quota.Backend, cfg.Quota.Default.PerMinute, cfg.Quota.Default.PerDay)
		printQuotaUsage(cfg, configured)
	} else {
		fmt.Println("quota:     disabled")
	}

	if cfg.Delegation.Enabled && len(cfg.Delegation.Workers) > 0 {
		names := make([]string, 0, len(cfg.Delegation.Workers))
		for _, w := range cfg.Delegation.Workers {
			names = append(names, w.Name)
		}
		fmt.Printf("workers:   %s\n", strings.Join(names, ", "))
	} else {
		fmt.Println("workers:   none")
	}

	if cfg.Heartbeat.Enabled {
		fmt.Printf("heartbeat: every %d min\n", cfg.Heartbeat.Interval)
	} else {
		fmt.Println("heartbeat: disabled")
	}

	svc := cron.NewCronService(cronStorePath(cfg), nil)
	if err := svc.Load(); err == nil {
		jobs := svc.ListJobs()
		active := 0
		for _, job := range jobs {
			if job.Enabled {
				active++
			}
		}
		fmt.Printf("cron:      %d jobs (%d active)\n", len(jobs), active)
	}
}

// printQuotaUsage reads current counters per configured provider. Only a
// redis backend has counters shared with a running gateway; memory counters
// belong to the gateway process and read as zero here, so those lines are
// skipped.
func printQuotaUsage(cfg *config.Config, services []string) {
	if cfg.Quota.Backend != "redis" {
		return
	}
	mgr := buildQuota(cfg)
	if mgr == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, service := range services {
		usage := mgr.GetUsage(ctx, service)
		if usage.Minute == 0 && usage.Day == 0 {
			continue
		}
		minutePct, dayPct := mgr.GetUsagePercentage(ctx, service)
		fmt.Printf("  %-10s %d this minute (%.0f%%), %d today (%.0f%%)\n",
			service, usage.Minute, minutePct, usage.Day, dayPct)
	}
}

func configuredProviders(cfg *config.Config) []string {
	var names []string
	if cfg.Providers.Anthropic.APIKey != "" || cfg.Providers.Anthropic.AuthMethod == "oauth" {
		names = append(names, "anthropic")
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		names = append(names, "openrouter")
	}
	if cfg.Providers.Groq.APIKey != "" {
		names = append(names, "groq")
	}
	if cfg.Providers.DeepSeek.APIKey != "" {
		names = append(names, "deepseek")
	}
	if cfg.Providers.Ollama.APIBase != "" {
		names = append(names, "ollama")
	}
	if cfg.Providers.Copilot.CLIPath != "" || cfg.Providers.Copilot.AuthMethod == "cli" {
		names = append(names, "copilot")
	}
	return names
}

func enabledChannelNames(cfg *config.Config) []string {
	var names []string
	ch := cfg.Channels
	for name, enabled := range map[string]bool{
		"telegram": ch.Telegram.Enabled,
		"discord":  ch.Discord.Enabled,
		"slack":    ch.Slack.Enabled,
		"lark":     ch.Lark.Enabled,
		"dingtalk": ch.DingTalk.Enabled,
		"qq":       ch.QQ.Enabled,
		"whatsapp": ch.WhatsApp.Enabled,
		"line":     ch.Line.Enabled,
	} {
		if enabled {
			names = append(names, name)
		}
	}
	// Map iteration order is random; keep the output stable.
	sort.Strings(names)
	return names
}

func runCronCommand(args []string) {
	if len(args) == 0 {
		fatalf("usage: crewclaw cron <list|add|remove|enable|disable> [flags]")
	}
	action := args[0]

	fs := flag.NewFlagSet("cron "+action, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	name := fs.String("name", "", "job name")
	message := fs.String("message", "", "prompt the agent runs when the job fires")
	every := fs.Duration("every", 0, "repeat interval, e.g. 1h30m")
	cronExpr := fs.String("cron", "", "five-field cron expression")
	at := fs.String("at", "", "one-shot time, RFC3339")
	channel := fs.String("channel", "", "delivery channel")
	to := fs.String("to", "", "delivery chat id")
	id := fs.String("id", "", "job id")
	fs.Parse(args[1:])

	cfg := loadConfig(*cfgPath)
	svc := cron.NewCronService(cronStorePath(cfg), nil)
	if err := svc.Load(); err != nil {
		fatalf("cron store: %v", err)
	}

	switch action {
	case "list":
		jobs := svc.ListJobs()
		if len(jobs) == 0 {
			fmt.Println("no scheduled jobs")
			return
		}
		for _, job := range jobs {
			state := "enabled"
			if !job.Enabled {
				state = "disabled"
			}
			next := "-"
			if job.NextRunMS != nil {
				next = time.UnixMilli(*job.NextRunMS).Format(time.RFC3339)
			}
			fmt.Printf("%s  %-20s %-9s next=%s", job.ID, job.Name, state, next)
			if job.LastStatus != "" {
				fmt.Printf(" last=%s", job.LastStatus)
			}
			fmt.Println()
		}

	case "add":
		if *message == "" {
			fatalf("cron add requires -message")
		}
		schedule, err := buildCronSchedule(*every, *cronExpr, *at)
		if err != nil {
			fatalf("%v", err)
		}
		jobName := *name
		if jobName == "" {
			jobName = *message
			if len(jobName) > 40 {
				jobName = jobName[:40]
			}
		}
		deliver := *channel != "" && *to != ""
		job, err := svc.AddJob(jobName, schedule, *message, deliver, *channel, *to)
		if err != nil {
			fatalf("add job: %v", err)
		}
		fmt.Printf("added %s (%s)\n", job.ID, job.Name)

	case "remove":
		if *id == "" {
			fatalf("cron remove requires -id")
		}
		if !svc.RemoveJob(*id) {
			fatalf("no job with id %s", *id)
		}
		fmt.Printf("removed %s\n", *id)

	case "enable", "disable":
		if *id == "" {
			fatalf("cron %s requires -id", action)
		}
		job, ok := svc.EnableJob(*id, action == "enable")
		if !ok {
			fatalf("no job with id %s", *id)
		}
		fmt.Printf("%s is now %sd\n", job.ID, action)

	default:
		fatalf("unknown cron action %q", action)
	}
}

func buildCronSchedule(every time.Duration, cronExpr, at string) (cron.CronSchedule, error) {
	set := 0
	if every > 0 {
		set++
	}
	if cronExpr != "" {
		set++
	}
	if at != "" {
		set++
	}
	if set != 1 {
		return cron.CronSchedule{}, fmt.Errorf("provide exactly one of -every, -cron, or -at")
	}

	switch {
	case every > 0:
		ms := every.Milliseconds()
		return cron.CronSchedule{Kind: "every", EveryMS: &ms}, nil
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.CronSchedule{}, fmt.Errorf("invalid -at time %q: %v", at, err)
		}
		atMS := ts.UnixMilli()
		return cron.CronSchedule{Kind: "at", AtMS: &atMS}, nil
	default:
		return cron.CronSchedule{Kind: "cron", Expr: cronExpr}, nil
	}
}

func runAuthCommand(args []string) {
	if len(args) == 0 {
		fatalf("usage: crewclaw auth <login|status|logout> [flags]")
	}
	action := args[0]

	fs := flag.NewFlagSet("auth "+action, flag.ExitOnError)
	provider := fs.String("provider", "copilot", "provider to authenticate")
	clientID := fs.String("client-id", "", "OAuth client id override")
	fs.Parse(args[1:])

	switch action {
	case "login":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		cred, err := auth.LoginDeviceFlow(ctx, *provider, *clientID)
		if err != nil {
			fatalf("login failed: %v", err)
		}
		fmt.Printf("logged in to %s\n", cred.Provider)
		if !cred.Expiry.IsZero() {
			fmt.Printf("token expires %s\n", cred.Expiry.Format(time.RFC3339))
		}

	case "status":
		found := false
		for _, name := range []string{"anthropic", "github", "copilot"} {
			cred, err := auth.GetCredential(name)
			if err != nil {
				fatalf("credential store: %v", err)
			}
			if cred == nil {
				continue
			}
			found = true
			state := "valid"
			if cred.Expired() {
				state = "expired"
			}
			fmt.Printf("%s: %s", name, state)
			if !cred.Expiry.IsZero() {
				fmt.Printf(" (expires %s)", cred.Expiry.Format(time.RFC3339))
			}
			fmt.Println()
		}
		if !found {
			fmt.Println("no stored credentials")
		}

	case "logout":
		if err := auth.DeleteCredential(*provider); err != nil {
			fatalf("logout failed: %v", err)
		}
		fmt.Printf("removed credentials for %s\n", *provider)

	default:
		fatalf("unknown auth action %q", action)
	}
}
