package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"printbot/internal/archive"
	"printbot/internal/bus"
	"printbot/internal/channel"
	"printbot/internal/config"
	"printbot/internal/dispatch"
	"printbot/internal/ledger"
	"printbot/internal/pipeline"
	"printbot/internal/prompt"
	"printbot/internal/provider"
)

const (
	busBufferSize       = 100
	ledgerPruneInterval = time.Hour
)

func serveCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (Events API webhook or Socket Mode)",
		Long:  "Starts the event intake, the dispatch loop and the workspace janitor. Stops on SIGINT or SIGTERM after in-flight events finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Slack.Mode = mode
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}
			closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override slack.mode (events or socket)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Slack.AllowedChannels) == 0 {
		logger.Warn("slack.allowedChannels is empty, every event will be dropped")
	}

	ws := newWorkspace(cfg)
	if err := ws.Ensure(); err != nil {
		return err
	}

	sl := newSlack(cfg)
	botID := cfg.Slack.BotUserID
	if botID == "" {
		id, err := sl.BotUserID(ctx)
		if err != nil {
			return fmt.Errorf("resolve bot user: %w", err)
		}
		botID = id
	}
	logger.Info("slack identity", "bot_user_id", botID)

	backend, err := provider.NewFactory(cfg.Generation, logger).Build(ctx)
	if err != nil {
		return fmt.Errorf("generation backend: %w", err)
	}
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Builder:   prompt.NewBuilder(prompt.BuilderConfig{Expander: backend, Logger: logger}),
		Generator: backend,
		Imaging:   imagingOptions(cfg),
		Logger:    logger,
	})

	dcfg := dispatch.Config{
		Messenger:        sl,
		Generator:        orch,
		Workspace:        ws,
		AllowedChannels:  cfg.Slack.AllowedChannels,
		ArchiveEnabled:   cfg.Archive.Enabled,
		UploadGenerated:  cfg.Archive.UploadGenerated,
		HandleFileShared: cfg.Slack.HandleFileShared,
		Destinations:     cfg.Archive.Destinations,
		ArchiveLookback:  time.Duration(cfg.Archive.LookbackDays) * 24 * time.Hour,
		Logger:           logger,
	}
	if cfg.Archive.Enabled || cfg.Archive.UploadGenerated {
		dbx, err := newDropbox(ctx, cfg)
		if err != nil {
			return err
		}
		dcfg.Storage = dbx
		if cfg.Archive.Enabled {
			dcfg.Archiver = archive.NewArchiver(archive.ArchiverConfig{
				History:    sl,
				Downloader: sl,
				Storage:    dbx,
				Workspace:  ws,
				BotUserID:  botID,
				Logger:     logger,
			})
		}
	}

	icfg := channel.IntakeConfig{BotUserID: botID, Logger: logger}
	var led *ledger.Ledger
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(cfg.Ledger.DBPath, logger)
		if err != nil {
			return err
		}
		defer led.Close()
		icfg.Dedup = led
		dcfg.Recorder = led
	}

	eventBus := bus.New(busBufferSize, logger)
	icfg.Bus = eventBus
	intake := channel.NewIntake(icfg)

	loop := dispatch.NewLoop(dispatch.LoopConfig{
		Bus:          eventBus,
		Handler:      dispatch.New(dcfg),
		Concurrency:  cfg.General.MaxConcurrentEvents,
		EventTimeout: time.Duration(cfg.General.EventTimeoutSeconds) * time.Second,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		switch cfg.Slack.Mode {
		case "socket":
			return sl.RunSocketMode(gctx, intake)
		default:
			metricsPath := ""
			if cfg.Metrics.Enabled {
				metricsPath = cfg.Metrics.Endpoint
			}
			return channel.NewWebhook(channel.WebhookConfig{
				Host:          cfg.Slack.Host,
				Port:          cfg.Slack.Port,
				Path:          cfg.Slack.EventsPath,
				SigningSecret: cfg.Slack.SigningSecret,
				MetricsPath:   metricsPath,
				Intake:        intake,
				Logger:        logger,
			}).Start(gctx)
		}
	})
	g.Go(func() error {
		ws.RunJanitor(gctx,
			time.Duration(cfg.Workspace.JanitorIntervalSeconds)*time.Second,
			time.Duration(cfg.Workspace.RetentionMinutes)*time.Minute)
		return nil
	})
	if led != nil {
		g.Go(func() error {
			pruneLedger(gctx, led, time.Duration(cfg.Ledger.RetentionDays)*24*time.Hour)
			return nil
		})
	}

	logger.Info("printbot started", "mode", cfg.Slack.Mode, "backend", cfg.Generation.Backend,
		"allowed_channels", len(cfg.Slack.AllowedChannels), "archive", cfg.Archive.Enabled)

	err = g.Wait()
	eventBus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("printbot stopped")
	return nil
}

// pruneLedger deletes ledger rows older than retention once an hour.
func pruneLedger(ctx context.Context, led *ledger.Ledger, retention time.Duration) {
	ticker := time.NewTicker(ledgerPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := led.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("ledger prune failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("ledger pruned", "rows", n)
			}
		}
	}
}
