package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/bootstrap"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/internal/observability"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/sched"
	"github.com/nextlevelbuilder/agentgate/internal/security"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/store/pg"
	"github.com/nextlevelbuilder/agentgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

func runGateway() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	log, err := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := runGatewayWith(log, cfg); err != nil {
		log.Error("gateway.fatal", "error", err)
		os.Exit(1)
	}
}

func runGatewayWith(log *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One gateway per data directory; the sqlite database tolerates a
	// single writer process only.
	lock, err := gateway.AcquireLock(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	var repo store.Repository
	if cfg.Storage.PostgresDSN != "" {
		repo, err = pg.Open(cfg.Storage.PostgresDSN)
		log.Info("gateway.storage", "backend", "postgres")
	} else {
		repo, err = sqlite.Open(cfg.Storage.SQLitePath)
		log.Info("gateway.storage", "backend", "sqlite", "path", cfg.Storage.SQLitePath)
	}
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := bootstrap.Seed(ctx, repo, cfg, log); err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	// Event sequence numbers continue from the last persisted event, so
	// replays after a restart stay monotonic.
	lastSeq, err := repo.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("read last event seq: %w", err)
	}
	eventBus := bus.New(log, lastSeq, bus.WithObserver(bus.Observer{
		EventDropped:    metrics.BusDropped.Inc,
		SubscriberCount: func(n int) { metrics.BusSubscribers.Set(float64(n)) },
	}))

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	registry, err := tools.NewRegistry(tools.Builtins(log)...)
	if err != nil {
		return err
	}
	if cfg.Plugins.Dir != "" {
		external, err := tools.LoadManifests(cfg.Plugins.Dir, log)
		if err != nil {
			return fmt.Errorf("load tool plugins: %w", err)
		}
		if err := registry.Replace(external); err != nil {
			return fmt.Errorf("register tool plugins: %w", err)
		}
		if cfg.Plugins.Watch {
			go func() {
				if err := tools.Watch(ctx, cfg.Plugins.Dir, registry, log); err != nil {
					log.Warn("tools.watch_failed", "error", err)
				}
			}()
		}
	}

	provider, err := providers.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}
	log.Info("gateway.llm", "provider", provider.Name(), "model", cfg.LLM.Model)

	policy := security.NewPolicy(cfg.Policy)
	approvals := security.NewApprovals()
	approvals.Observe(func(wait time.Duration) { metrics.ApprovalLatency.Observe(wait.Seconds()) })
	limiter := security.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	runner := agent.NewRunner(log, repo, provider, registry, policy, approvals, cfg.Run)
	core := gateway.NewCore(log, cfg, repo, eventBus, policy, approvals, limiter, registry, runner, metrics)
	if err := core.LoadPolicy(ctx); err != nil {
		return fmt.Errorf("load persisted policy: %w", err)
	}

	mgr := channels.NewManager(log, core)
	if cfg.Channels.Webchat.Enabled {
		mgr.Register(channels.NewWebchat(cfg.Channels.Webchat.ChannelID, log, core))
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			log.Warn("gateway.channel_skipped", "channel", cfg.Channels.Telegram.ChannelID, "reason", "AGW_TELEGRAM_TOKEN not set")
		} else {
			mgr.Register(channels.NewTelegram(cfg.Channels.Telegram.ChannelID, cfg.Channels.Telegram.Token, log, core))
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if cfg.Channels.WhatsApp.BridgeURL == "" {
			log.Warn("gateway.channel_skipped", "channel", cfg.Channels.WhatsApp.ChannelID, "reason", "bridge_url not set")
		} else {
			mgr.Register(channels.NewWhatsApp(cfg.Channels.WhatsApp.ChannelID, cfg.Channels.WhatsApp.BridgeURL, log, core))
		}
	}
	core.SetChannelManager(mgr)
	mgr.StartAll(ctx)
	defer mgr.StopAll(context.Background())

	scheduler := sched.New(log, core, cfg.Schedules)
	go scheduler.Run(ctx)

	auth := security.NewAuthenticator(cfg.Gateway.APIKeys, cfg.Gateway.RequireClientAuth)
	srv := gateway.NewServer(log, cfg, core, auth, metrics)

	log.Info("gateway.starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port, "instance_id", cfg.Gateway.InstanceID)
	return srv.Start(ctx)
}
