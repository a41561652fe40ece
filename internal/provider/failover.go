package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"printbot/internal/domain"
)

// Backend is a generation service that can both render images and expand prompts.
type Backend interface {
	domain.ImageGenerator
	domain.PromptExpander
}

// Failover tries backends in order, falling back to the next one when the
// current fails. Cancellation of the caller's context stops the chain.
type Failover struct {
	backends []Backend
	logger   *slog.Logger
}

// NewFailover creates a failover chain. At least one backend is required.
func NewFailover(backends []Backend, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{backends: backends, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (f *Failover) Create(ctx context.Context, prompt string) ([]byte, error) {
	return try(ctx, f, "create", func(b Backend) ([]byte, error) {
		return b.Create(ctx, prompt)
	})
}

func (f *Failover) Edit(ctx context.Context, prompt, seedPath string) ([]byte, error) {
	return try(ctx, f, "edit", func(b Backend) ([]byte, error) {
		return b.Edit(ctx, prompt, seedPath)
	})
}

func (f *Failover) Expand(ctx context.Context, instruction string) (string, error) {
	return try(ctx, f, "expand", func(b Backend) (string, error) {
		return b.Expand(ctx, instruction)
	})
}

func try[T any](ctx context.Context, f *Failover, op string, call func(Backend) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	if len(f.backends) == 0 {
		return zero, errors.New("failover: no backends configured")
	}
	for i, b := range f.backends {
		out, err := call(b)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback backend", "op", op, "backend", b.Name(), "attempt", i+1)
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		f.logger.Warn("failover: backend failed, trying next", "op", op, "backend", b.Name(), "attempt", i+1, "error", err)
	}
	return zero, fmt.Errorf("all backends in failover chain failed: %w", lastErr)
}
