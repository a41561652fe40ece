// Package pipeline runs one generation request end to end: prompt, backend call,
// print normalisation and save.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"printbot/internal/command"
	"printbot/internal/domain"
	"printbot/internal/imaging"
	"printbot/internal/metrics"
	"printbot/internal/prompt"
)

// Stage names a pipeline step.
type Stage string

const (
	StagePrompt    Stage = "prompt"
	StageGenerate  Stage = "generate"
	StageNormalize Stage = "normalize"
	StageSave      Stage = "save"
	StagePanic     Stage = "panic"
)

// StageError is a failure inside one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Notifier receives verbose progress notices. Failures to notify never affect the run.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, text string) error

func (f NotifierFunc) Notify(ctx context.Context, text string) error { return f(ctx, text) }

// Request is one generation run. Notifier is nil unless the user asked for --verbose.
type Request struct {
	Mode        domain.Mode
	Text        string
	Inject      bool
	SeedPath    string // edit mode only
	OutputPath  string
	Series      *command.SeriesPlan
	SeriesIndex int
	Notifier    Notifier
}

// Result is the outcome of a run: Path on success, Err otherwise.
type Result struct {
	Path   string
	Prompt string
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

type OrchestratorConfig struct {
	Builder   *prompt.Builder
	Generator domain.ImageGenerator
	Imaging   imaging.Options
	Logger    *slog.Logger
}

// Orchestrator runs generation requests. It is safe for concurrent use.
type Orchestrator struct {
	builder   *prompt.Builder
	generator domain.ImageGenerator
	opts      imaging.Options
	logger    *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Builder == nil {
		cfg.Builder = prompt.NewBuilder(prompt.BuilderConfig{Logger: cfg.Logger})
	}
	return &Orchestrator{
		builder:   cfg.Builder,
		generator: cfg.Generator,
		opts:      cfg.Imaging.WithDefaults(),
		logger:    cfg.Logger,
	}
}

// Run executes prompt -> generate -> normalize -> save. Any stage failure or panic
// comes back as a Result with a *StageError and no file left at OutputPath.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	logger := o.logger.With("mode", req.Mode, "output", req.OutputPath)

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &StageError{Stage: StagePanic, Err: fmt.Errorf("%v", r)}}
		}
		metrics.GenerationLatency.ObserveSince(start)
		if res.Err != nil {
			metrics.GenerationsFailed.Inc()
			logger.Error("generation failed", "err", res.Err, "duration", time.Since(start))
			return
		}
		metrics.GenerationsOK.Inc()
		logger.Info("generation complete", "duration", time.Since(start))
	}()

	text, err := o.builder.Build(ctx, prompt.Input{
		Mode:   req.Mode,
		Text:   req.Text,
		Inject: req.Inject,
		Series: req.Series,
		Index:  req.SeriesIndex,
	})
	if err != nil {
		return fail(StagePrompt, err)
	}
	logger.Info("prompt generated", "chars", len(text))
	o.notify(ctx, req.Notifier, NoticePromptGenerated)
	o.notify(ctx, req.Notifier, text)

	data, err := o.generate(ctx, req.Mode, text, req.SeedPath)
	if err != nil {
		return fail(StageGenerate, err)
	}
	o.notify(ctx, req.Notifier, NoticeImageGenerated)

	if err := o.normalizeAndSave(ctx, data, req.OutputPath, req.Notifier); err != nil {
		return Result{Prompt: text, Err: err}
	}
	return Result{Path: req.OutputPath, Prompt: text}
}

// Reformat normalises an existing image onto the print canvas without calling the backend.
func (o *Orchestrator) Reformat(ctx context.Context, seedPath, outPath string, n Notifier) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &StageError{Stage: StagePanic, Err: fmt.Errorf("%v", r)}}
		}
		if res.Err != nil {
			o.logger.Error("reformat failed", "input", seedPath, "err", res.Err)
		}
	}()

	o.notify(ctx, n, NoticeResizing)
	if err := imaging.NormalizeFile(seedPath, outPath, o.opts); err != nil {
		return fail(StageNormalize, err)
	}
	o.notify(ctx, n, NoticeTrySending)
	return Result{Path: outPath}
}

func (o *Orchestrator) generate(ctx context.Context, mode domain.Mode, text, seedPath string) ([]byte, error) {
	if o.generator == nil {
		return nil, errors.New("no image generator configured")
	}
	switch mode {
	case domain.ModeCreate:
		return o.generator.Create(ctx, text)
	case domain.ModeEdit:
		if seedPath == "" {
			return nil, errors.New("edit mode needs a seed file")
		}
		return o.generator.Edit(ctx, text, seedPath)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func (o *Orchestrator) normalizeAndSave(ctx context.Context, data []byte, outPath string, n Notifier) error {
	img, err := imaging.Normalize(data, o.opts)
	if err != nil {
		return &StageError{Stage: StageNormalize, Err: err}
	}
	o.notify(ctx, n, NoticeImageResized)

	if err := imaging.Save(outPath, img, o.opts.DPI); err != nil {
		return &StageError{Stage: StageSave, Err: err}
	}
	o.notify(ctx, n, NoticeTrySending)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, text); err != nil {
		o.logger.Warn("verbose notice failed", "err", err)
	}
}

func fail(stage Stage, err error) Result {
	return Result{Err: &StageError{Stage: stage, Err: err}}
}
