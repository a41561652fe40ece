package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for printbot.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Slack      SlackConfig      `json:"slack" yaml:"slack"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Imaging    ImagingConfig    `json:"imaging" yaml:"imaging"`
	Workspace  WorkspaceConfig  `json:"workspace" yaml:"workspace"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Dropbox    DropboxConfig    `json:"dropbox" yaml:"dropbox"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel            string `json:"logLevel" yaml:"logLevel"`
	LogFile             string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	MaxConcurrentEvents int    `json:"maxConcurrentEvents" yaml:"maxConcurrentEvents"`
	EventTimeoutSeconds int    `json:"eventTimeoutSeconds" yaml:"eventTimeoutSeconds"`
}

type SlackConfig struct {
	Mode             string   `json:"mode" yaml:"mode"` // "events" (HTTP webhook) | "socket"
	BotToken         string   `json:"botToken" yaml:"botToken"`
	AppToken         string   `json:"appToken,omitempty" yaml:"appToken,omitempty"` // xapp- token, socket mode only
	SigningSecret    string   `json:"signingSecret,omitempty" yaml:"signingSecret,omitempty"`
	BotUserID        string   `json:"botUserId,omitempty" yaml:"botUserId,omitempty"` // resolved via auth.test when empty
	AllowedChannels  []string `json:"allowedChannels" yaml:"allowedChannels"`
	HandleFileShared bool     `json:"handleFileShared,omitempty" yaml:"handleFileShared,omitempty"` // act on file_shared without a mention
	Host             string   `json:"host" yaml:"host"`
	Port             int      `json:"port" yaml:"port"`
	EventsPath       string   `json:"eventsPath" yaml:"eventsPath"`
}

type GenerationConfig struct {
	Backend        string         `json:"backend" yaml:"backend"`                       // "openai" | "gemini"
	Failover       []string       `json:"failover,omitempty" yaml:"failover,omitempty"` // backends tried after Backend
	RatePerMinute  int            `json:"ratePerMinute" yaml:"ratePerMinute"`
	Burst          int            `json:"burst" yaml:"burst"`
	TimeoutSeconds int            `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	OpenAI         ProviderConfig `json:"openai" yaml:"openai"`
	Gemini         ProviderConfig `json:"gemini" yaml:"gemini"`
}

type ProviderConfig struct {
	APIKey      string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APIBase     string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	Model       string `json:"model,omitempty" yaml:"model,omitempty"`
	PromptModel string `json:"promptModel,omitempty" yaml:"promptModel,omitempty"`
	Size        string `json:"size,omitempty" yaml:"size,omitempty"`
}

type ImagingConfig struct {
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	CropMargin int `json:"cropMargin" yaml:"cropMargin"`
	DPI        int `json:"dpi" yaml:"dpi"`
}

type WorkspaceConfig struct {
	Root                   string `json:"root" yaml:"root"`
	RetentionMinutes       int    `json:"retentionMinutes" yaml:"retentionMinutes"`
	JanitorIntervalSeconds int    `json:"janitorIntervalSeconds" yaml:"janitorIntervalSeconds"`
}

// ArchiveConfig gates the --archive flag. Destinations maps a Slack channel ID to the
// Dropbox shared-folder namespace ID its uploads are archived into. UploadGenerated
// also copies every delivered image to the channel's destination.
type ArchiveConfig struct {
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	UploadGenerated bool              `json:"uploadGenerated" yaml:"uploadGenerated"`
	LookbackDays    int               `json:"lookbackDays" yaml:"lookbackDays"`
	Destinations    map[string]string `json:"destinations,omitempty" yaml:"destinations,omitempty"`
}

type DropboxConfig struct {
	AppKey       string `json:"appKey,omitempty" yaml:"appKey,omitempty"`
	AppSecret    string `json:"appSecret,omitempty" yaml:"appSecret,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty" yaml:"refreshToken,omitempty"`
	SelectUser   string `json:"selectUser,omitempty" yaml:"selectUser,omitempty"` // team member id for Dropbox-API-Select-User
}

// LedgerConfig controls the SQLite event ledger used for retry de-duplication.
// Rows older than RetentionDays are pruned while serving.
type LedgerConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.printbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".printbot"
	}
	return filepath.Join(home, ".printbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML config (chosen by extension), expands ${VAR} references,
// applies defaults for missing fields and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Workspace.Root = ExpandPath(cfg.Workspace.Root)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR without a
// default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the path's extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentEvents < 1 || cfg.General.MaxConcurrentEvents > 64 {
		errs = append(errs, "general.maxConcurrentEvents must be between 1 and 64")
	}
	if cfg.General.EventTimeoutSeconds < 1 {
		errs = append(errs, "general.eventTimeoutSeconds must be >= 1")
	}

	switch cfg.Slack.Mode {
	case "events":
	case "socket":
		if cfg.Slack.AppToken == "" {
			errs = append(errs, "slack.appToken is required in socket mode")
		}
	default:
		errs = append(errs, "slack.mode must be events or socket")
	}
	if cfg.Slack.Port < 0 || cfg.Slack.Port > 65535 {
		errs = append(errs, "slack.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Slack.EventsPath, "/") {
		errs = append(errs, "slack.eventsPath must start with /")
	}

	backends := append([]string{cfg.Generation.Backend}, cfg.Generation.Failover...)
	for _, b := range backends {
		switch b {
		case "openai", "gemini":
		default:
			errs = append(errs, fmt.Sprintf("generation: unknown backend %q (want openai or gemini)", b))
		}
	}
	if cfg.Generation.RatePerMinute < 0 {
		errs = append(errs, "generation.ratePerMinute must be >= 0")
	}

	if cfg.Imaging.Width < 1 || cfg.Imaging.Height < 1 {
		errs = append(errs, "imaging.width and imaging.height must be >= 1")
	}
	if cfg.Imaging.CropMargin < 0 {
		errs = append(errs, "imaging.cropMargin must be >= 0")
	}
	if cfg.Imaging.DPI < 1 {
		errs = append(errs, "imaging.dpi must be >= 1")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Workspace.RetentionMinutes < 1 {
		errs = append(errs, "workspace.retentionMinutes must be >= 1")
	}

	if cfg.Archive.Enabled && cfg.Archive.LookbackDays < 1 {
		errs = append(errs, "archive.lookbackDays must be >= 1")
	}
	if (cfg.Archive.Enabled || cfg.Archive.UploadGenerated) && (cfg.Dropbox.RefreshToken == "" || cfg.Dropbox.AppKey == "") {
		errs = append(errs, "archive requires dropbox.appKey and dropbox.refreshToken")
	}

	if cfg.Ledger.Enabled && cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath is required when the ledger is enabled")
	}
	if cfg.Ledger.Enabled && cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, "ledger.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
