package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"printbot/internal/config"
)

// backendMeta describes a generation backend option for the wizard.
type backendMeta struct {
	Name   string
	EnvVar string
	Desc   string
}

var knownBackends = []backendMeta{
	{Name: "openai", EnvVar: "OPENAI_API_KEY", Desc: "OpenAI Images (gpt-image-1)"},
	{Name: "gemini", EnvVar: "GEMINI_API_KEY", Desc: "Google Gemini image generation"},
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup: Slack → backend → workspace → save config",
		Long:  "Asks for the Slack credentials, the channels the bot may answer in, the generation backend and its key, and the workspace directory, then writes the config to the --config path or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfgPath = config.ExpandPath(cfgPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	ask := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Slack ---")
	if cfg.Slack.BotToken, err = ask("Bot token (xoxb-... or ${SLACK_BOT_TOKEN})", orDefault(cfg.Slack.BotToken, "${SLACK_BOT_TOKEN}")); err != nil {
		return err
	}
	if cfg.Slack.Mode, err = ask("Transport (events or socket)", cfg.Slack.Mode); err != nil {
		return err
	}
	if cfg.Slack.Mode == "socket" {
		if cfg.Slack.AppToken, err = ask("App-level token (xapp-...)", orDefault(cfg.Slack.AppToken, "${SLACK_APP_TOKEN}")); err != nil {
			return err
		}
	} else {
		if cfg.Slack.SigningSecret, err = ask("Signing secret", orDefault(cfg.Slack.SigningSecret, "${SLACK_SIGNING_SECRET}")); err != nil {
			return err
		}
	}
	chans, err := ask("Allowed channel ids, comma separated", strings.Join(cfg.Slack.AllowedChannels, ","))
	if err != nil {
		return err
	}
	cfg.Slack.AllowedChannels = splitList(chans)

	fmt.Fprintln(out, "\n--- Step 2: Generation backend ---")
	defNum := "1"
	for i, b := range knownBackends {
		fmt.Fprintf(out, "  %d) %s (%s)\n", i+1, b.Name, b.Desc)
		if b.Name == cfg.Generation.Backend {
			defNum = fmt.Sprint(i + 1)
		}
	}
	choice, err := ask(fmt.Sprintf("Choose backend (1-%d)", len(knownBackends)), defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownBackends) {
		idx = 1
	}
	backend := knownBackends[idx-1]
	cfg.Generation.Backend = backend.Name
	pc := &cfg.Generation.OpenAI
	if backend.Name == "gemini" {
		pc = &cfg.Generation.Gemini
	}
	if pc.APIKey, err = ask("API key (paste key or env var)", orDefault(pc.APIKey, "${"+backend.EnvVar+"}")); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 3: Workspace ---")
	root, err := ask("Directory for downloaded and generated files", cfg.Workspace.Root)
	if err != nil {
		return err
	}
	cfg.Workspace.Root = config.ExpandPath(root)
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'printbot doctor', then 'printbot serve'.")
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
