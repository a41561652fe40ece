package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"printbot/internal/archive"
	"printbot/internal/channel"
	"printbot/internal/config"
	"printbot/internal/imaging"
	"printbot/internal/ledger"
	"printbot/internal/pipeline"
	"printbot/internal/storage"
	"printbot/internal/workspace"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "printbot",
		Short: "printbot: Slack image generation bot for print designs",
		Long: "printbot listens to Slack events, generates or edits images with an AI backend, " +
			"normalises them onto the print canvas and posts them back. It can also archive a " +
			"channel's generated files to Dropbox.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml or config.json (default: ~/.printbot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(reformatCmd())
	root.AddCommand(archiveCmd())
	root.AddCommand(purgeCmd())
	root.AddCommand(channelsCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one at the configured level,
// teeing into general.logFile when set. The returned func closes the file.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return closeFn, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closeFn, nil
}

func imagingOptions(cfg *config.Config) imaging.Options {
	return imaging.Options{
		Width:      cfg.Imaging.Width,
		Height:     cfg.Imaging.Height,
		CropMargin: cfg.Imaging.CropMargin,
		DPI:        cfg.Imaging.DPI,
	}
}

func newWorkspace(cfg *config.Config) *workspace.Manager {
	return workspace.NewManager(workspace.Config{Root: cfg.Workspace.Root, Logger: logger})
}

func newSlack(cfg *config.Config) *channel.Slack {
	return channel.NewSlack(channel.SlackConfig{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		Logger:   logger,
	})
}

func newDropbox(ctx context.Context, cfg *config.Config) (*storage.Dropbox, error) {
	return storage.NewDropbox(ctx, storage.DropboxConfig{
		AppKey:       cfg.Dropbox.AppKey,
		AppSecret:    cfg.Dropbox.AppSecret,
		RefreshToken: cfg.Dropbox.RefreshToken,
		SelectUser:   cfg.Dropbox.SelectUser,
		Logger:       logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func reformatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reformat <input> <output.png>",
		Short: "Crop and resize an image onto the print canvas",
		Long:  "Runs the same normalisation as --reformat: trims the crop margin, scales to the canvas and writes a PNG tagged with the print DPI.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				logger.Warn("config not found, using defaults", "err", err)
				cfg = config.Defaults()
			}
			orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{Imaging: imagingOptions(cfg), Logger: logger})
			res := orch.Reformat(cmd.Context(), args[0], args[1], nil)
			if !res.OK() {
				return res.Err
			}
			fmt.Printf("Saved %s (%dx%d @ %d dpi)\n", res.Path, cfg.Imaging.Width, cfg.Imaging.Height, cfg.Imaging.DPI)
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	var (
		since string
		until string
		dest  string
	)
	cmd := &cobra.Command{
		Use:   "archive <channel-id>",
		Short: "Upload the bot's files in a channel to its Dropbox folder",
		Long:  "Lists the channel history between --since and --until (default: the last archive.lookbackDays days) and uploads every file the bot posted to the channel's destination.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			channelID := args[0]
			if dest == "" {
				dest = cfg.Archive.Destinations[channelID]
			}
			if dest == "" {
				return fmt.Errorf("no archive destination for channel %s (set archive.destinations or --dest)", channelID)
			}

			start, end := archive.Window(time.Now(), time.Duration(cfg.Archive.LookbackDays)*24*time.Hour)
			if since != "" {
				if start, err = time.Parse(time.DateOnly, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			if until != "" {
				if end, err = time.Parse(time.DateOnly, until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			ctx, stop := signalContext()
			defer stop()

			sl := newSlack(cfg)
			botID := cfg.Slack.BotUserID
			if botID == "" {
				if botID, err = sl.BotUserID(ctx); err != nil {
					return err
				}
			}
			dbx, err := newDropbox(ctx, cfg)
			if err != nil {
				return err
			}
			arch := archive.NewArchiver(archive.ArchiverConfig{
				History:    sl,
				Downloader: sl,
				Storage:    dbx,
				Workspace:  newWorkspace(cfg),
				BotUserID:  botID,
				Logger:     logger,
			})
			rep, err := arch.Run(ctx, archive.Request{ChannelID: channelID, Start: start, End: end, Destination: dest})
			if err != nil {
				return err
			}
			fmt.Printf("Archived %d of %d files (%d failed)\n", rep.Uploaded, rep.Candidates, rep.Failed)
			for _, p := range rep.Paths {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "start date, YYYY-MM-DD")
	cmd.Flags().StringVar(&until, "until", "", "end date, YYYY-MM-DD")
	cmd.Flags().StringVar(&dest, "dest", "", "Dropbox namespace id (default: archive.destinations[channel])")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete the workspace directories",
		Long:  "Removes workspace/inbound and workspace/outbound with everything in them. Do not run while the bot is serving.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				logger.Warn("config not found, using defaults", "err", err)
				cfg = config.Defaults()
				cfg.Workspace.Root = config.ExpandPath(cfg.Workspace.Root)
			}
			ws := newWorkspace(cfg)
			if err := ws.Reset(); err != nil {
				return err
			}
			fmt.Printf("Workspace %s purged\n", ws.Root())
			return nil
		},
	}
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the Slack channels the bot can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			chans, err := newSlack(cfg).Channels(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(chans))
			for name := range chans {
				names = append(names, name)
			}
			sort.Strings(names)

			allowed := make(map[string]bool)
			for _, id := range cfg.Slack.AllowedChannels {
				allowed[id] = true
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tALLOWED\tARCHIVE")
			for _, name := range names {
				id := chans[name]
				fmt.Fprintf(tw, "#%s\t%s\t%v\t%s\n", name, id, allowed[id], cfg.Archive.Destinations[id])
			}
			return tw.Flush()
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recently handled Slack events from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			led, err := ledger.Open(cfg.Ledger.DBPath, logger)
			if err != nil {
				return err
			}
			defer led.Close()

			events, err := led.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tEVENT\tTYPE\tCHANNEL\tUSER\tSTATUS\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ReceivedAt.Local().Format(time.DateTime), e.EventID, e.Type, e.ChannelID, e.UserID, e.Status, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. slack.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every config path with its value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(config.ListPaths(config.Sanitize(cfg)), "\n"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", resolveConfigPath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the printbot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("printbot %s\n", version)
		},
	}
}
