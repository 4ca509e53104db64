package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/internal/commands"
	"github.com/latoulicious/voiceguard/internal/config"
	"github.com/latoulicious/voiceguard/internal/handlers"
	"github.com/latoulicious/voiceguard/internal/presence"
	"github.com/latoulicious/voiceguard/internal/supervisor"
	"github.com/latoulicious/voiceguard/pkg/cron"
	"github.com/latoulicious/voiceguard/pkg/database"
	"github.com/latoulicious/voiceguard/pkg/discordvoice"
	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load configuration (.env is optional)
	cfg, err := config.LoadConfig()
	if err != nil {
		voice.DefaultLogger().Fatal("Failed to load config", voice.Err(err))
	}

	logger := voice.NewZerologLogger(cfg.Voice.Logging)

	// Create a new Discord session using the provided token
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Fatal("Failed to create Discord session", voice.Err(err))
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := discordvoice.NewClient(discordvoice.NewSessionGateway(dg), logger)
	manager, err := voice.NewManager(cfg.Voice, client, logger, voice.WithRegisterer(registry))
	if err != nil {
		logger.Fatal("Failed to create voice manager", voice.Err(err))
	}

	manager.RegisterRecoveryCallback(func(guildID, reason string) {
		logger.Info("Voice connection recovered",
			voice.String("guild_id", guildID),
			voice.String("reason", reason))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stats persistence is optional
	var exports commands.ExportRunner
	var scheduler *cron.ExportScheduler
	var store *database.StatsStore
	if cfg.StatsDBPath != "" {
		store, err = database.NewStatsStore(ctx, cfg.StatsDBPath, logger)
		if err != nil {
			logger.Fatal("Failed to open stats store", voice.Err(err))
		}

		job := cron.NewStatsExportJob(manager, store, cron.PrunerFunc(func(ctx context.Context) error {
			_, err := store.Cleanup(ctx)
			return err
		}))
		scheduler, err = cron.NewExportSchedulerWithSchedule(job, cfg.ExportSchedule, logger)
		if err != nil {
			logger.Fatal("Failed to schedule stats export", voice.Err(err))
		}
		scheduler.Start()
		exports = scheduler
	}

	botID := func() string {
		if dg.State == nil || dg.State.User == nil {
			return ""
		}
		return dg.State.User.ID
	}
	locate := func(guildID, userID string) (string, error) {
		return discordvoice.FindUserVoiceChannel(dg.State, guildID, userID)
	}

	cmds := commands.New(manager, dg, locate, exports, cfg.OwnerID, logger)

	dg.AddHandler(handlers.NewMessageHandler(botID, cmds))
	dg.AddHandler(handlers.NewVoiceStateHandler(botID, manager))

	// Open a websocket connection to Discord and begin listening.
	if err := dg.Open(); err != nil {
		logger.Fatal("Failed to open Discord session", voice.Err(err))
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Voice.ShutdownGracePeriod})
	tree.Add(manager.HealthMonitor())
	tree.Add(presence.NewPresenceManager(dg, manager, cfg.PresenceInterval, logger))
	if cfg.MetricsAddr != "" {
		server := supervisor.NewMetricsServer(cfg.MetricsAddr, registry)
		tree.Add(supervisor.NewHTTPServerService(server, "metrics-server", 5*time.Second))
		logger.Info("Serving metrics", voice.String("addr", cfg.MetricsAddr))
	}
	treeErr := tree.ServeBackground(ctx)

	logger.Info("Bot is running. Press CTRL-C to exit.",
		voice.String("environment", manager.Profile().Environment.String()))

	// Wait here until CTRL-C or other term signal is received.
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Voice.ShutdownGracePeriod+5*time.Second)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Voice manager shutdown incomplete", voice.Err(err))
	}

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("Export scheduler did not stop in time", voice.Err(err))
		}
		// Final export so the last state survives the restart
		if err := manager.ExportStats(shutdownCtx, store); err != nil {
			logger.Warn("Final stats export failed", voice.Err(err))
		}
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close stats store", voice.Err(err))
		}
	}

	cancel()
	if err := <-treeErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Supervisor stopped with error", voice.Err(err))
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("Services did not stop in time", voice.Int("count", len(report)))
	}

	// Cleanly close down the Discord session.
	if err := dg.Close(); err != nil {
		logger.Warn("Failed to close Discord session", voice.Err(err))
	}
}
