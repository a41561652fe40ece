package config

import "printbot/internal/imaging"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:            "info",
			MaxConcurrentEvents: 4,
			EventTimeoutSeconds: 900,
		},
		Slack: SlackConfig{
			Mode:       "events",
			Host:       "0.0.0.0",
			Port:       5000,
			EventsPath: "/slack/events",
		},
		Generation: GenerationConfig{
			Backend:        "openai",
			RatePerMinute:  10,
			Burst:          3,
			TimeoutSeconds: 180,
			OpenAI: ProviderConfig{
				APIBase:     "https://api.openai.com/v1",
				Model:       "gpt-image-1",
				PromptModel: "gpt-4o-mini",
				Size:        "1024x1024",
			},
			Gemini: ProviderConfig{
				Model:       "gemini-2.5-flash-image",
				PromptModel: "gemini-2.5-flash",
			},
		},
		Imaging: ImagingConfig{
			Width:      imaging.DefaultWidth,
			Height:     imaging.DefaultHeight,
			CropMargin: imaging.DefaultCropMargin,
			DPI:        imaging.DefaultDPI,
		},
		Workspace: WorkspaceConfig{
			Root:                   "~/.printbot/workspace",
			RetentionMinutes:       60,
			JanitorIntervalSeconds: 600,
		},
		Archive: ArchiveConfig{
			Enabled:      false,
			LookbackDays: 30,
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			DBPath:        "~/.printbot/ledger.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
