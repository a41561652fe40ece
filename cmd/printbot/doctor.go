package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"printbot/internal/config"
	"printbot/internal/ledger"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the printbot installation",
		Long: `Verifies that printbot's configuration, Slack credentials, generation
backend, ledger database and workspace are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("printbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'printbot init' to create a configuration.\n")
				return fmt.Errorf("config file missing")
			}
			pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config invalid")
			}
			pass("Config validation", "valid")

			if len(cfg.Slack.AllowedChannels) == 0 {
				warn("Allowed channels", "empty, every event will be dropped")
			} else {
				pass("Allowed channels", fmt.Sprintf("%d channel(s)", len(cfg.Slack.AllowedChannels)))
			}

			if err := newWorkspace(cfg).Ensure(); err != nil {
				fail("Workspace", err.Error())
			} else {
				pass("Workspace", cfg.Workspace.Root)
			}

			if cfg.Ledger.Enabled {
				if v, err := checkDatabase(cfg.Ledger.DBPath); err != nil {
					fail("Ledger", err.Error())
				} else {
					pass("Ledger", fmt.Sprintf("%s (schema v%d)", cfg.Ledger.DBPath, v))
				}
			} else {
				warn("Ledger", "disabled, retries are only deduplicated in memory")
			}

			backends := append([]string{cfg.Generation.Backend}, cfg.Generation.Failover...)
			for _, name := range backends {
				pc := cfg.Generation.OpenAI
				if name == "gemini" {
					pc = cfg.Generation.Gemini
				}
				if pc.APIKey == "" {
					fail("Backend: "+name, "no apiKey configured")
				} else {
					pass("Backend: "+name, pc.Model)
				}
			}

			switch cfg.Slack.Mode {
			case "socket":
				pass("Slack mode", "socket")
			default:
				if cfg.Slack.SigningSecret == "" {
					warn("Signing secret", "not set, webhook requests are not verified")
				} else {
					pass("Signing secret", "set")
				}
				if err := checkPort(cfg.Slack.Host, cfg.Slack.Port); err != nil {
					warn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Slack.Port, err))
				} else {
					pass("Webhook port", fmt.Sprintf(":%d available", cfg.Slack.Port))
				}
			}

			if cfg.Archive.Enabled || cfg.Archive.UploadGenerated {
				if cfg.Dropbox.AppSecret == "" {
					warn("Dropbox", "appSecret is empty, token refresh only works for PKCE apps")
				} else {
					pass("Dropbox", "credentials set")
				}
				if cfg.Archive.Enabled && len(cfg.Archive.Destinations) == 0 {
					warn("Archive destinations", "none configured, --archive will be ignored")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			if !offline {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				id, err := newSlack(cfg).BotUserID(ctx)
				cancel()
				if err != nil {
					fail("Slack auth", err.Error())
				} else {
					pass("Slack auth", "bot user "+id)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running printbot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nprintbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! printbot is ready to serve.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call Slack")
	return cmd
}

// checkDatabase opens the ledger, applying pending migrations, and reports its
// schema version.
func checkDatabase(dbPath string) (int, error) {
	led, err := ledger.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	led.Close()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return ledger.SchemaVersion(db)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}
