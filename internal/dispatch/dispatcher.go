package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"printbot/internal/archive"
	"printbot/internal/command"
	"printbot/internal/domain"
	"printbot/internal/ledger"
	"printbot/internal/metrics"
	"printbot/internal/pipeline"
	"printbot/internal/workspace"
)

const defaultArchiveLookback = 30 * 24 * time.Hour

// Generator runs the generation pipeline. *pipeline.Orchestrator implements it.
type Generator interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
	Reformat(ctx context.Context, seedPath, outPath string, n pipeline.Notifier) pipeline.Result
}

// ArchiveRunner copies a channel's bot uploads to storage. *archive.Archiver implements it.
type ArchiveRunner interface {
	Run(ctx context.Context, req archive.Request) (archive.Report, error)
}

// Recorder persists event outcomes and deliveries. *ledger.Ledger implements it.
type Recorder interface {
	Finish(ctx context.Context, eventID, status, detail string) error
	RecordDelivery(ctx context.Context, d ledger.Delivery) error
}

type Config struct {
	Messenger domain.Messenger
	Generator Generator
	Archiver  ArchiveRunner  // nil disables --archive
	Storage   domain.Storage // used when UploadGenerated is set
	Workspace *workspace.Manager
	Recorder  Recorder // optional

	AllowedChannels  []string // events from any other channel are dropped
	ArchiveEnabled   bool
	UploadGenerated  bool
	HandleFileShared bool              // act on file_shared events without a mention
	Destinations     map[string]string // channel id -> storage destination
	ArchiveLookback  time.Duration

	Logger *slog.Logger
}

// Outcome summarises how an event was handled.
type Outcome struct {
	Status    string // ledger.Status*
	Detail    string
	Delivered int
	Failed    int
}

// Dispatcher handles one inbound event end to end: gate, parse, resolve, run.
// It is safe for concurrent use; all per-event state lives in a run.
type Dispatcher struct {
	cfg     Config
	allowed map[string]bool
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ArchiveLookback <= 0 {
		cfg.ArchiveLookback = defaultArchiveLookback
	}
	if cfg.Archiver == nil {
		cfg.ArchiveEnabled = false
	}
	if cfg.Storage == nil {
		cfg.UploadGenerated = false
	}
	allowed := make(map[string]bool, len(cfg.AllowedChannels))
	for _, c := range cfg.AllowedChannels {
		allowed[c] = true
	}
	return &Dispatcher{cfg: cfg, allowed: allowed, logger: cfg.Logger, now: time.Now}
}

// Handle processes ev. It never panics and never returns an error: every failure
// is reported in the channel and in the Outcome.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) (out Outcome) {
	logger := d.logger.With("event_id", ev.ID, "channel", ev.ChannelID, "user", ev.UserID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic", "panic", r)
			out = Outcome{Status: ledger.StatusFailed, Detail: fmt.Sprintf("panic: %v", r)}
		}
		d.finish(ctx, logger, ev, out)
	}()

	if !d.allowed[ev.ChannelID] || !ev.Type.Known() {
		metrics.EventsDropped.Inc()
		logger.Debug("event dropped by gate", "type", ev.Type)
		return Outcome{Status: ledger.StatusDropped}
	}

	flags, text := command.ParseFlags(ev.Text, command.AllFlags...)
	dest := d.cfg.Destinations[ev.ChannelID]
	plan := Resolve(ResolveInput{
		Type:           ev.Type,
		Flags:          flags,
		Files:          ev.Files,
		Text:           text,
		ArchiveEnabled: d.cfg.ArchiveEnabled,
		Destination:    dest,
		FileShared:     d.cfg.HandleFileShared,
	})
	logger.Info("event resolved",
		"type", ev.Type,
		"flags", strings.Join(flags.Names(), ","),
		"files", len(ev.Files),
		"actions", fmt.Sprint(plan.Kinds()),
		"rejected", plan.Rejection != nil,
	)
	if flags.Has(command.FlagArchive) && !hasKind(plan, ActionArchive) {
		logger.Info("archive flag ignored", "archive_enabled", d.cfg.ArchiveEnabled, "destination", dest != "")
	}

	r := &run{
		d:       d,
		ctx:     ctx,
		ev:      ev,
		text:    ev.Text,
		inject:  flags.Has(command.FlagInject),
		verbose: flags.Has(command.FlagVerbose),
		dest:    dest,
		logger:  logger,
	}
	defer r.close()

	for _, a := range plan.Actions {
		if ctx.Err() != nil {
			r.failed++
			logger.Warn("event cancelled", "err", ctx.Err())
			break
		}
		r.exec(a)
	}

	if plan.Rejection != nil {
		metrics.EventsRejected.Inc()
		r.say(rejectionMessage(plan.Rejection))
		return Outcome{Status: ledger.StatusRejected, Detail: plan.Rejection.Error(), Delivered: r.delivered}
	}

	out = Outcome{Status: ledger.StatusDone, Delivered: r.delivered, Failed: r.failed}
	switch {
	case plan.Empty():
		out.Detail = "no action"
	case r.failed > 0:
		out.Status = ledger.StatusFailed
		out.Detail = fmt.Sprintf("%d of %d outputs failed", r.failed, r.failed+r.delivered)
	}
	return out
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, ev domain.InboundEvent, out Outcome) {
	if d.cfg.Recorder == nil || ev.ID == "" {
		return
	}
	// the event context may already be done; the outcome must still be written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.cfg.Recorder.Finish(ctx, ev.ID, out.Status, out.Detail); err != nil {
		logger.Warn("ledger finish failed", "err", err)
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPrompt):
		return MsgPromptError
	case errors.Is(err, domain.ErrSeries):
		return MsgSeriesError
	}
	return MsgGeneratorError
}

func hasKind(p ActionPlan, k ActionKind) bool {
	for _, a := range p.Actions {
		if a.Kind == k {
			return true
		}
	}
	return false
}

// run is the state of one event being handled.
type run struct {
	d       *Dispatcher
	ctx     context.Context
	ev      domain.InboundEvent
	text    string
	inject  bool
	verbose bool
	dest    string
	logger  *slog.Logger

	sess      *workspace.Session
	announced bool
	delivered int
	failed    int
}

func (r *run) close() {
	if r.sess == nil {
		return
	}
	if err := r.sess.Close(); err != nil {
		r.logger.Warn("session cleanup failed", "session", r.sess.ID, "err", err)
	}
}

// session creates the event's workspace on first use, so events that never
// touch files never create directories.
func (r *run) session() (*workspace.Session, error) {
	if r.sess != nil {
		return r.sess, nil
	}
	s, err := r.d.cfg.Workspace.NewSession()
	if err != nil {
		return nil, err
	}
	r.sess = s
	return s, nil
}

func (r *run) say(text string) {
	if err := r.d.cfg.Messenger.SendText(r.ctx, r.ev.ChannelID, text); err != nil {
		r.logger.Warn("send text failed", "err", err)
	}
}

func (r *run) notifier() pipeline.Notifier {
	if !r.verbose {
		return nil
	}
	return pipeline.NotifierFunc(func(ctx context.Context, text string) error {
		return r.d.cfg.Messenger.SendText(ctx, r.ev.ChannelID, text)
	})
}

// announceVerbose confirms --verbose once per event, before the first generation.
func (r *run) announceVerbose() {
	if r.verbose && !r.announced {
		r.announced = true
		r.say(MsgVerboseConfirmation)
	}
}

func (r *run) exec(a Action) {
	switch a.Kind {
	case ActionHelp:
		r.say(HelpMessage(r.ev.UserID))
	case ActionArchive:
		r.archive(a.Destination)
	case ActionReformat:
		r.reformat(*a.File)
	case ActionGenerate:
		r.generate(a)
	case ActionSeries:
		r.series(a)
	}
}

func (r *run) archive(dest string) {
	r.say(MsgArchiveConfirmation)
	start, end := archive.Window(r.d.now(), r.d.cfg.ArchiveLookback)
	rep, err := r.d.cfg.Archiver.Run(r.ctx, archive.Request{
		ChannelID:   r.ev.ChannelID,
		Start:       start,
		End:         end,
		Destination: dest,
	})
	for _, p := range rep.Paths {
		r.record(ledger.KindArchived, p)
	}
	if err != nil {
		r.logger.Error("archive failed", "err", err)
		r.say(MsgDropboxError)
		return
	}
	if rep.Complete() {
		r.say(MsgDropboxSuccessful)
	}
}

// download fetches f into the session. On failure the user is told and "" is returned.
func (r *run) download(f domain.FileRef) string {
	sess, err := r.session()
	if err != nil {
		r.logger.Error("workspace unavailable", "err", err)
		r.say(MsgGeneratorError)
		r.failed++
		return ""
	}
	ext := f.FileType
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(f.Name), ".")
	}
	path := sess.InputPath(ext)
	if err := r.d.cfg.Messenger.Download(r.ctx, f.URL, path); err != nil {
		r.logger.Error("download failed", "file", f.Name, "err", err)
		r.say(MsgDownloadError)
		r.failed++
		return ""
	}
	if r.verbose {
		r.say(pipeline.NoticeDownloaded)
	}
	return path
}

// outputPath allocates the next output file and announces its name.
func (r *run) outputPath() string {
	sess, err := r.session()
	if err != nil {
		r.logger.Error("workspace unavailable", "err", err)
		return ""
	}
	out := sess.OutputPath("png")
	r.say(GeneratorConfirmation(filepath.Base(out)))
	return out
}

func (r *run) reformat(f domain.FileRef) {
	seed := r.download(f)
	if seed == "" {
		return
	}
	defer r.sess.Cleanup(seed)

	out := r.outputPath()
	if out == "" {
		r.fail(errors.New("no workspace"))
		return
	}
	res := r.d.cfg.Generator.Reformat(r.ctx, seed, out, r.notifier())
	r.deliver(res, ledger.KindReformat, CaptionReformatted)
}

func (r *run) generate(a Action) {
	var seed string
	if a.Mode == domain.ModeEdit {
		if seed = r.download(*a.File); seed == "" {
			return
		}
		defer r.sess.Cleanup(seed)
	}
	r.generateOne(a.Mode, seed, nil, 0)
}

// series runs the batch sequentially; every iteration reuses the same seed.
// A failed iteration is reported and the batch moves on.
func (r *run) series(a Action) {
	var seed string
	if a.Mode == domain.ModeEdit {
		if seed = r.download(*a.File); seed == "" {
			return
		}
		defer r.sess.Cleanup(seed)
	}
	n := a.Series.Size()
	for i := 0; i < n; i++ {
		if r.ctx.Err() != nil {
			r.failed += n - i
			r.logger.Warn("series cancelled", "done", i, "size", n)
			return
		}
		r.logger.Info("series iteration", "index", i, "size", n)
		r.generateOne(a.Mode, seed, a.Series, i)
	}
}

func (r *run) generateOne(mode domain.Mode, seed string, series *command.SeriesPlan, index int) {
	out := r.outputPath()
	if out == "" {
		r.fail(errors.New("no workspace"))
		return
	}
	r.announceVerbose()
	res := r.d.cfg.Generator.Run(r.ctx, pipeline.Request{
		Mode:        mode,
		Text:        r.text,
		Inject:      r.inject,
		SeedPath:    seed,
		OutputPath:  out,
		Series:      series,
		SeriesIndex: index,
		Notifier:    r.notifier(),
	})
	r.deliver(res, ledger.KindGenerated, CaptionGenerated)
}

// deliver posts a pipeline result and removes the output file afterwards.
func (r *run) deliver(res pipeline.Result, kind, caption string) {
	if !res.OK() {
		r.fail(res.Err)
		return
	}
	defer r.sess.Cleanup(res.Path)

	if err := r.d.cfg.Messenger.SendFile(r.ctx, r.ev.ChannelID, res.Path, caption); err != nil {
		r.logger.Error("send file failed", "file", filepath.Base(res.Path), "err", err)
		r.failed++
		return
	}
	r.delivered++
	metrics.FilesDelivered.Inc()
	r.record(kind, filepath.Base(res.Path))

	if r.d.cfg.UploadGenerated && r.dest != "" && kind == ledger.KindGenerated {
		r.upload(res.Path)
	}
}

// upload copies a delivered file to the channel's storage destination.
func (r *run) upload(path string) {
	r.say(MsgAttemptingDropbox)
	up, err := r.d.cfg.Storage.Upload(r.ctx, path, r.dest)
	if err != nil {
		r.logger.Error("storage upload failed", "file", filepath.Base(path), "err", err)
		r.say(DropboxUploadError(err))
		return
	}
	metrics.FilesArchived.Inc()
	r.record(ledger.KindArchived, up.Path)
	r.say(MsgDropboxSuccessful)
}

func (r *run) fail(err error) {
	r.failed++
	var se *pipeline.StageError
	if errors.As(err, &se) {
		r.logger.Error("generation failed", "stage", se.Stage, "err", se.Err)
	} else {
		r.logger.Error("generation failed", "err", err)
	}
	r.say(MsgGeneratorError)
}

func (r *run) record(kind, path string) {
	if r.d.cfg.Recorder == nil {
		return
	}
	err := r.d.cfg.Recorder.RecordDelivery(r.ctx, ledger.Delivery{
		EventID:   r.ev.ID,
		ChannelID: r.ev.ChannelID,
		Kind:      kind,
		Path:      path,
		CreatedAt: r.d.now(),
	})
	if err != nil {
		r.logger.Warn("ledger delivery failed", "kind", kind, "err", err)
	}
}
