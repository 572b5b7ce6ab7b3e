package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/access"
	"github.com/nextlevelbuilder/msggate/internal/agent"
	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/channels"
	"github.com/nextlevelbuilder/msggate/internal/config"
	"github.com/nextlevelbuilder/msggate/internal/cron"
	"github.com/nextlevelbuilder/msggate/internal/heartbeat"
	"github.com/nextlevelbuilder/msggate/internal/inbound"
	"github.com/nextlevelbuilder/msggate/internal/media"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
	"github.com/nextlevelbuilder/msggate/internal/replycache"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
	"github.com/nextlevelbuilder/msggate/internal/telemetry"
	"github.com/nextlevelbuilder/msggate/internal/webhook"
)

// replyCacheCapacity bounds the short-id cache across all accounts.
const replyCacheCapacity = 4000

// maxQueueRecovery defers queue entries older than this to the retry
// schedule instead of redelivering them at startup.
const maxQueueRecovery = 10 * time.Minute

func runGateway() {
	log := slog.Default()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	// Core stores.
	store := sessions.NewStore(config.ExpandHome(cfg.Sessions.Storage))
	cache := replycache.New(replyCacheCapacity)

	pairingPath := config.ExpandHome(cfg.Gateway.PairingDB)
	os.MkdirAll(filepath.Dir(pairingPath), 0o755)
	pairingStore, err := access.OpenPairingStore(pairingPath)
	if err != nil {
		log.Error("open pairing store failed", "error", err)
		os.Exit(1)
	}
	defer pairingStore.Close()

	mediaStore := media.NewStore(config.ExpandHome(cfg.Media.Dir), nil, log)
	mediaStore.SetMaxBytes(cfg.Media.MaxBytes)
	for account, limit := range cfg.Media.AccountMaxBytes {
		mediaStore.SetAccountCap(account, limit)
	}

	// Outbound engine over the write-ahead queue.
	msgBus := bus.New()
	queue, err := outbound.NewQueue(config.ExpandHome(cfg.Outbound.QueueDir), log)
	if err != nil {
		log.Error("open delivery queue failed", "error", err)
		os.Exit(1)
	}
	pendingTable := outbound.NewPendingTable()
	registry := outbound.NewRegistry()
	engine := outbound.NewEngine(registry, queue, pendingTable, store, msgBus, log)

	// Webhook surface for push-style channels.
	whSrv := webhook.NewServer(
		fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		webhook.ProxyTrust{
			TrustedProxies:  cfg.Gateway.TrustedProxies,
			PublicHostnames: publicHostnames(cfg.Gateway.PublicURL),
		},
		log,
	)

	channelMgr, err := channels.Build(&cfg.Channels, channels.BuildOptions{
		Router:   msgBus,
		Registry: registry,
		Webhooks: whSrv,
		Log:      log,
	})
	if err != nil {
		log.Error("channel setup failed", "error", err)
		os.Exit(1)
	}

	// Agent runtime for the default agent.
	agentID := cfg.ResolveDefaultAgentID()
	agentCfg := cfg.ResolveAgent(agentID)
	workspace := config.ExpandHome(agentCfg.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)

	var turn agent.TurnFunc = agent.EchoTurn
	if len(agentCfg.TurnCommand) > 0 {
		turn = agent.CommandTurn(agentCfg.TurnCommand)
	} else {
		log.Warn("no agents.defaults.turn_command configured, replies echo the inbound text")
	}
	runner := agent.NewRunner(turn, store, agentID, agentCfg.Model, workspace, log)

	// Inbound pipeline.
	backfill := inbound.NewBackfill(nil, agentCfg.HistoryLimit)
	processor := inbound.NewProcessor(cache, pendingTable, msgBus, pairingStore, backfill, log)
	policies := compilePolicies(cfg, log)

	// Heartbeat before cron: the scheduler wakes it after main-session
	// events.
	hb := heartbeat.NewRunner(agentCfg.Heartbeat, agentID, workspace, cfg.Channels.EnabledChannels(),
		store, heartbeatTurns{runner}, heartbeatDeliverer{engine}, msgBus, log)

	cronStore := cron.NewStore(config.ExpandHome(cfg.Cron.StorePath))
	sched := cron.NewScheduler(cronStore, agentID, cron.Deps{
		System:   msgBus,
		Turns:    cronTurns{runner},
		Announce: engineAnnouncer{engine},
		Wake:     hb,
		Events:   msgBus,
		Log:      log,
	})

	// Start order: delivery recovery, HTTP, channels, scheduler loops,
	// consumers.
	stats := engine.RecoverQueue(ctx, maxQueueRecovery)
	if stats.Delivered+stats.Deferred+stats.Failed > 0 {
		log.Info("delivery queue recovered", "delivered", stats.Delivered, "deferred", stats.Deferred, "failed", stats.Failed)
	}

	if err := whSrv.Start(); err != nil {
		log.Error("webhook server failed", "error", err)
		os.Exit(1)
	}
	if err := channelMgr.Start(ctx); err != nil {
		log.Error("channel start failed", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		log.Error("cron scheduler failed", "error", err)
		os.Exit(1)
	}
	go hb.Run(ctx)

	consumer := newConsumer(consumerDeps{
		cfg:       cfg,
		bus:       msgBus,
		processor: processor,
		runner:    runner,
		engine:    engine,
		registry:  registry,
		media:     mediaStore,
		heartbeat: hb,
		policies:  policies,
		agentID:   agentID,
		log:       log,
	})
	go consumer.consumeInbound(ctx)
	go consumer.consumeSystemEvents(ctx)

	stopWatch, err := config.Watch(cfgPath, log, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		consumer.setPolicies(compilePolicies(cfg, log))
		log.Info("config reloaded", "path", cfgPath)
	})
	if err != nil {
		log.Warn("config hot reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	log.Info("gateway running",
		"channels", channelMgr.Names(),
		"agent", agentID,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer.stop()
	sched.Stop()
	if err := channelMgr.Stop(shutdownCtx); err != nil {
		log.Warn("channel shutdown", "error", err)
	}
	if err := whSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("webhook shutdown", "error", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", "error", err)
	}
}

// publicHostnames extracts the hostname allowlist from the configured
// public URL.
func publicHostnames(publicURL string) []string {
	if publicURL == "" {
		return nil
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return []string{u.Hostname()}
}

// compilePolicies builds the per-channel inbound policies from config,
// merging global owners and compiling mention patterns.
func compilePolicies(cfg *config.Config, log *slog.Logger) map[string]inbound.ChannelPolicy {
	out := make(map[string]inbound.ChannelPolicy)
	for _, name := range cfg.Channels.EnabledChannels() {
		pol, ok := cfg.Channels.Policy(name)
		if !ok {
			continue
		}
		ip := inbound.ChannelPolicy{
			DMPolicy:       access.Policy(pol.DMPolicy),
			GroupPolicy:    access.Policy(pol.GroupPolicy),
			AllowFrom:      pol.EffectiveAllowFrom(cfg.Gateway.OwnerIDs),
			GroupAllowFrom: pol.GroupAllowFrom,
			Owners:         append(append([]string{}, pol.Owners...), cfg.Gateway.OwnerIDs...),
		}
		if pol.MentionRequired() {
			mentions, err := access.CompileMentionPatterns(pol.Mentions)
			if err != nil {
				log.Warn("invalid mention pattern skipped", "channel", name, "error", err)
			}
			ip.Mentions = mentions
		}
		out[name] = ip
	}
	return out
}
