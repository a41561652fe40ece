package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"printbot/internal/config"
)

// Constructor builds a Backend from its config section.
type Constructor func(ctx context.Context, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) (Backend, error)

// Factory assembles the generation backend chain from config.
type Factory struct {
	cfg          config.GenerationConfig
	logger       *slog.Logger
	constructors map[string]Constructor
}

// NewFactory creates a factory with the built-in openai and gemini constructors.
func NewFactory(cfg config.GenerationConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
	}
	f.constructors["openai"] = func(_ context.Context, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) (Backend, error) {
		return NewOpenAI(OpenAIConfig{
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Model:       pc.Model,
			PromptModel: pc.PromptModel,
			Size:        pc.Size,
			Timeout:     timeout,
			Logger:      logger,
		}), nil
	}
	f.constructors["gemini"] = func(ctx context.Context, pc config.ProviderConfig, _ time.Duration, logger *slog.Logger) (Backend, error) {
		return NewGemini(ctx, GeminiConfig{
			APIKey:      pc.APIKey,
			Model:       pc.Model,
			PromptModel: pc.PromptModel,
			Logger:      logger,
		})
	}
	return f
}

// Register adds or replaces a constructor by backend name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.constructors[name] = ctor
}

func (f *Factory) section(name string) config.ProviderConfig {
	switch name {
	case "gemini":
		return f.cfg.Gemini
	default:
		return f.cfg.OpenAI
	}
}

// Build returns the configured backend: the primary, wrapped in a Failover when
// fallbacks are listed, then behind the rate limiter.
func (f *Factory) Build(ctx context.Context) (Backend, error) {
	names := append([]string{f.cfg.Backend}, f.cfg.Failover...)
	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second

	seen := make(map[string]bool)
	var chain []Backend
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		ctor, ok := f.constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown generation backend: %s", name)
		}
		b, err := ctor(ctx, f.section(name), timeout, f.logger.With("backend", name))
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		chain = append(chain, b)
	}

	var backend Backend = chain[0]
	if len(chain) > 1 {
		backend = NewFailover(chain, f.logger)
	}
	if f.cfg.RatePerMinute > 0 {
		backend = NewLimited(backend, NewRateLimiter(f.cfg.Burst, float64(f.cfg.RatePerMinute)))
	}
	f.logger.Info("generation backend ready", "name", backend.Name())
	return backend, nil
}
