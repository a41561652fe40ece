// Package prompt builds the instruction text sent to the image generation backend.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"printbot/internal/command"
	"printbot/internal/domain"
)

// MaxPromptRunes is the hard prompt ceiling enforced by the generation backend.
const MaxPromptRunes = 1000

const (
	createBoilerplate = "Create a single standalone graphic design suitable for printing on apparel. " +
		"Center the subject, use clean bold shapes, and leave no scenery, frame or mockup around it."

	editBoilerplate = "Analyze this image for its aesthetic qualities and accurately and faithfully " +
		"recreate it as a graphic design for print. Keep the subject, palette and line work, " +
		"and place the design on a transparent background."

	transparentSuffix = "Ensure the image has a transparent background."
)

// Input describes one prompt to build. Series is nil outside batch runs.
type Input struct {
	Mode   domain.Mode
	Text   string // raw message text; cleaned before use
	Inject bool
	Series *command.SeriesPlan
	Index  int
}

type BuilderConfig struct {
	Expander domain.PromptExpander // optional; without it injected text is used as is
	Logger   *slog.Logger
}

// Builder turns an Input into a backend-ready prompt.
type Builder struct {
	expander domain.PromptExpander
	logger   *slog.Logger
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Builder{expander: cfg.Expander, logger: cfg.Logger}
}

// Build returns the prompt for in, truncated to MaxPromptRunes.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	text := Injection(in)

	var out string
	switch in.Mode {
	case domain.ModeCreate:
		out = createBoilerplate
		if in.Inject && text != "" {
			expanded, err := b.expand(ctx, text)
			if err != nil {
				return "", err
			}
			out = expanded + " " + transparentSuffix
		}
	case domain.ModeEdit:
		out = editBoilerplate
		// a series always carries its own text, injected or not
		if (in.Inject || in.Series != nil) && text != "" {
			out += " " + text
		}
	default:
		return "", fmt.Errorf("unknown mode %q", in.Mode)
	}
	return Truncate(out, MaxPromptRunes), nil
}

func (b *Builder) expand(ctx context.Context, text string) (string, error) {
	if b.expander == nil {
		return text, nil
	}
	expanded, err := b.expander.Expand(ctx, text)
	if err != nil {
		return "", fmt.Errorf("expand prompt: %w", err)
	}
	expanded = strings.TrimSpace(expanded)
	if expanded == "" {
		b.logger.Warn("prompt expansion returned nothing, using injected text")
		return text, nil
	}
	return expanded, nil
}

// Injection returns the cleaned user text for in with the current series
// element substituted into each {...} group.
func Injection(in Input) string {
	text := command.CleanText(in.Text)
	if in.Series != nil {
		text = in.Series.Substitute(text, in.Index)
	}
	return text
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
