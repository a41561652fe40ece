package dispatch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printbot/internal/archive"
	"printbot/internal/domain"
	"printbot/internal/imaging"
	"printbot/internal/ledger"
	"printbot/internal/pipeline"
	"printbot/internal/prompt"
	"printbot/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 3), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type sentFile struct {
	Name    string
	Caption string
	Width   int
	Height  int
}

type fakeMessenger struct {
	mu        sync.Mutex
	seed      []byte
	texts     []string
	files     []sentFile
	downloads []string
}

func (m *fakeMessenger) SendText(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendFile(_ context.Context, _, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, sentFile{Name: filepath.Base(path), Caption: caption, Width: cfg.Width, Height: cfg.Height})
	return nil
}

func (m *fakeMessenger) Download(_ context.Context, url, localPath string) error {
	m.mu.Lock()
	m.downloads = append(m.downloads, url)
	m.mu.Unlock()
	if strings.Contains(url, "broken") {
		return errors.New("HTTP 404")
	}
	return os.WriteFile(localPath, m.seed, 0o644)
}

func (m *fakeMessenger) sent() ([]string, []sentFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...), append([]sentFile(nil), m.files...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	image   []byte
	err     error
	creates []string
	edits   []string
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Create(_ context.Context, p string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates = append(g.creates, p)
	return g.image, g.err
}

func (g *fakeGenerator) Edit(_ context.Context, p, seed string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := os.Stat(seed); err != nil {
		return nil, err
	}
	g.edits = append(g.edits, p)
	return g.image, g.err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates) + len(g.edits)
}

type fakeArchiver struct {
	report archive.Report
	err    error
	reqs   []archive.Request
}

func (a *fakeArchiver) Run(_ context.Context, req archive.Request) (archive.Report, error) {
	a.reqs = append(a.reqs, req)
	return a.report, a.err
}

type fakeStorage struct {
	err     error
	uploads []string
}

func (s *fakeStorage) Upload(_ context.Context, localPath, dest string) (domain.UploadResult, error) {
	if s.err != nil {
		return domain.UploadResult{}, s.err
	}
	s.uploads = append(s.uploads, dest+"/"+filepath.Base(localPath))
	return domain.UploadResult{Path: "/" + filepath.Base(localPath)}, nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	statuses   map[string]string
	deliveries []ledger.Delivery
}

func (r *fakeRecorder) Finish(_ context.Context, id, status, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]string)
	}
	r.statuses[id] = status
	return nil
}

func (r *fakeRecorder) RecordDelivery(_ context.Context, d ledger.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

var testCanvas = imaging.Options{Width: 45, Height: 54, CropMargin: 2, DPI: 300}

type harness struct {
	d        *Dispatcher
	msgr     *fakeMessenger
	gen      *fakeGenerator
	arch     *fakeArchiver
	store    *fakeStorage
	rec      *fakeRecorder
	wsRoot   string
	ws       *workspace.Manager
	seedData []byte
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		gen:    &fakeGenerator{image: pngBytes(t, 64, 64)},
		arch:   &fakeArchiver{},
		store:  &fakeStorage{},
		rec:    &fakeRecorder{},
		wsRoot: filepath.Join(t.TempDir(), "ws"),
	}
	h.seedData = pngBytes(t, 80, 60)
	h.msgr = &fakeMessenger{seed: h.seedData}
	h.ws = workspace.NewManager(workspace.Config{Root: h.wsRoot, Logger: testLogger()})

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Builder:   prompt.NewBuilder(prompt.BuilderConfig{Logger: testLogger()}),
		Generator: h.gen,
		Imaging:   testCanvas,
		Logger:    testLogger(),
	})
	cfg := Config{
		Messenger:       h.msgr,
		Generator:       orch,
		Archiver:        h.arch,
		Storage:         h.store,
		Workspace:       h.ws,
		Recorder:        h.rec,
		AllowedChannels: []string{"C1"},
		ArchiveEnabled:  true,
		Destinations:    map[string]string{"C1": "ns:42"},
		Logger:          testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.d = New(cfg)
	return h
}

func mention(id, text string, files ...domain.FileRef) domain.InboundEvent {
	return domain.InboundEvent{
		ID:         id,
		Type:       domain.EventMention,
		ChannelID:  "C1",
		UserID:     "U1",
		Text:       "<@UBOT> " + text,
		Files:      files,
		ReceivedAt: time.Now(),
	}
}

func seedFile(url string) domain.FileRef {
	return domain.FileRef{URL: url, FileType: "png", Name: "seed.png"}
}

// sessionsLeft counts session directories still on disk.
func sessionsLeft(t *testing.T, root string) int {
	t.Helper()
	n := 0
	for _, dir := range []string{"inbound", "outbound"} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		require.NoError(t, err)
		n += len(entries)
	}
	return n
}

func TestHandle_UnknownChannelDroppedSilently(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention("Ev1", "--inject a fox")
	ev.ChannelID = "C-other"

	out := h.d.Handle(context.Background(), ev)

	assert.Equal(t, ledger.StatusDropped, out.Status)
	texts, files := h.msgr.sent()
	assert.Empty(t, texts)
	assert.Empty(t, files)
	assert.Zero(t, h.gen.calls())
	_, err := os.Stat(h.wsRoot)
	assert.True(t, os.IsNotExist(err), "workspace must not be touched")
	assert.Equal(t, ledger.StatusDropped, h.rec.statuses["Ev1"])
}

func TestHandle_UnknownEventTypeDropped(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention("Ev2", "--inject a fox")
	ev.Type = domain.EventType("reaction_added")

	out := h.d.Handle(context.Background(), ev)
	assert.Equal(t, ledger.StatusDropped, out.Status)
	texts, _ := h.msgr.sent()
	assert.Empty(t, texts)
}

func TestHandle_PromptErrorWithoutGeneration(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev3", "draw a fox"))

	assert.Equal(t, ledger.StatusRejected, out.Status)
	texts, files := h.msgr.sent()
	assert.Equal(t, []string{MsgPromptError}, texts)
	assert.Empty(t, files)
	assert.Zero(t, h.gen.calls())
	_, err := os.Stat(h.wsRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestHandle_CreateFromPrompt(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev4", "--inject a red fox"))

	assert.Equal(t, ledger.StatusDone, out.Status)
	assert.Equal(t, 1, out.Delivered)
	texts, files := h.msgr.sent()
	require.Len(t, files, 1)
	assert.Equal(t, testCanvas.Width, files[0].Width)
	assert.Equal(t, testCanvas.Height, files[0].Height)
	assert.Equal(t, CaptionGenerated, files[0].Caption)
	assert.True(t, strings.HasPrefix(files[0].Name, "gen_image_"))
	require.Len(t, texts, 1)
	assert.Equal(t, GeneratorConfirmation(files[0].Name), texts[0])

	require.Len(t, h.gen.creates, 1)
	assert.Contains(t, h.gen.creates[0], "a red fox")
	assert.Zero(t, sessionsLeft(t, h.wsRoot))

	require.Len(t, h.rec.deliveries, 1)
	assert.Equal(t, ledger.KindGenerated, h.rec.deliveries[0].Kind)
	assert.Equal(t, ledger.StatusDone, h.rec.statuses["Ev4"])
	// uploadGenerated is off
	assert.Empty(t, h.store.uploads)
}

func TestHandle_FoxSeries(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev5", "draw me a fox --inject make it {red, blue} --series"))

	assert.Equal(t, ledger.StatusDone, out.Status)
	assert.Equal(t, 2, out.Delivered)
	_, files := h.msgr.sent()
	require.Len(t, files, 2)
	assert.NotEqual(t, files[0].Name, files[1].Name)

	require.Len(t, h.gen.creates, 2)
	assert.Contains(t, h.gen.creates[0], "make it red")
	assert.Contains(t, h.gen.creates[1], "make it blue")
}

func TestHandle_SeriesWithTwoSeedsRejected(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev6", "--series {a, b}", seedFile("u1"), seedFile("u2")))

	assert.Equal(t, ledger.StatusRejected, out.Status)
	texts, _ := h.msgr.sent()
	assert.Equal(t, []string{MsgSeriesError}, texts)
	assert.Zero(t, h.gen.calls())
	assert.Empty(t, h.msgr.downloads)
}

func TestHandle_EditSeriesSharesSeed(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev7", "--series --inject in {red, green, blue}", seedFile("https://files/seed.png")))

	assert.Equal(t, 3, out.Delivered)
	assert.Len(t, h.msgr.downloads, 1)
	require.Len(t, h.gen.edits, 3)
	assert.True(t, strings.HasSuffix(h.gen.edits[2], "in blue"))
	assert.Zero(t, sessionsLeft(t, h.wsRoot))
}

func TestHandle_EditPerFile(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev8", "", seedFile("u1"), seedFile("u2")))

	assert.Equal(t, 2, out.Delivered)
	assert.Len(t, h.gen.edits, 2)
	assert.Empty(t, h.gen.creates)
}

func TestHandle_ReformatMatchesDirectNormalize(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev9", "--reformat", seedFile("u1")))

	assert.Equal(t, ledger.StatusDone, out.Status)
	assert.Zero(t, h.gen.calls())
	_, files := h.msgr.sent()
	require.Len(t, files, 1)
	assert.Equal(t, CaptionReformatted, files[0].Caption)
	assert.Equal(t, testCanvas.Width, files[0].Width)
	require.Len(t, h.rec.deliveries, 1)
	assert.Equal(t, ledger.KindReformat, h.rec.deliveries[0].Kind)
}

func TestHandle_GenerationFailureReported(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.err = errors.New("content policy violation")

	out := h.d.Handle(context.Background(), mention("Ev10", "--inject a fox"))

	assert.Equal(t, ledger.StatusFailed, out.Status)
	assert.Equal(t, 1, out.Failed)
	texts, files := h.msgr.sent()
	assert.Empty(t, files)
	assert.Contains(t, texts, MsgGeneratorError)
	assert.Equal(t, ledger.StatusFailed, h.rec.statuses["Ev10"])
	assert.Zero(t, sessionsLeft(t, h.wsRoot))
}

func TestHandle_DownloadFailureSkipsFile(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev11", "", seedFile("https://files/broken.png"), seedFile("u2")))

	assert.Equal(t, ledger.StatusFailed, out.Status)
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 1, out.Failed)
	texts, _ := h.msgr.sent()
	assert.Contains(t, texts, MsgDownloadError)
	assert.Len(t, h.gen.edits, 1)
}

func TestHandle_VerboseNotices(t *testing.T) {
	h := newHarness(t, nil)

	h.d.Handle(context.Background(), mention("Ev12", "--verbose", seedFile("u1")))

	texts, _ := h.msgr.sent()
	assert.Contains(t, texts, pipeline.NoticeDownloaded)
	assert.Contains(t, texts, MsgVerboseConfirmation)
	assert.Contains(t, texts, pipeline.NoticePromptGenerated)
	assert.Contains(t, texts, pipeline.NoticeImageResized)
}

func TestHandle_HelpThenPromptError(t *testing.T) {
	h := newHarness(t, nil)

	h.d.Handle(context.Background(), mention("Ev13", "--help"))

	texts, _ := h.msgr.sent()
	require.Len(t, texts, 2)
	assert.Equal(t, HelpMessage("U1"), texts[0])
	assert.Equal(t, MsgPromptError, texts[1])
}

func TestHandle_ArchiveRunsBeforeGeneration(t *testing.T) {
	h := newHarness(t, nil)
	h.arch.report = archive.Report{Candidates: 2, Uploaded: 2, Paths: []string{"/a.png", "/b.png"}}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return now }

	out := h.d.Handle(context.Background(), mention("Ev14", "--archive --inject fox"))

	assert.Equal(t, ledger.StatusDone, out.Status)
	texts, files := h.msgr.sent()
	require.GreaterOrEqual(t, len(texts), 3)
	assert.Equal(t, MsgArchiveConfirmation, texts[0])
	assert.Equal(t, MsgDropboxSuccessful, texts[1])
	assert.Len(t, files, 1)

	require.Len(t, h.arch.reqs, 1)
	req := h.arch.reqs[0]
	assert.Equal(t, "ns:42", req.Destination)
	assert.Equal(t, now, req.End)
	assert.Equal(t, now.Add(-defaultArchiveLookback), req.Start)

	var archived int
	for _, d := range h.rec.deliveries {
		if d.Kind == ledger.KindArchived {
			archived++
		}
	}
	assert.Equal(t, 2, archived)
}

func TestHandle_ArchivePartialIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	h.arch.report = archive.Report{Candidates: 3, Uploaded: 2, Failed: 1}

	h.d.Handle(context.Background(), mention("Ev15", "--archive --inject fox"))

	texts, _ := h.msgr.sent()
	assert.NotContains(t, texts, MsgDropboxSuccessful)
	assert.NotContains(t, texts, MsgDropboxError)
}

func TestHandle_ArchiveDisabledIgnoresFlag(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ArchiveEnabled = false })

	h.d.Handle(context.Background(), mention("Ev16", "--archive --inject fox"))

	assert.Empty(t, h.arch.reqs)
	texts, _ := h.msgr.sent()
	assert.NotContains(t, texts, MsgArchiveConfirmation)
}

func TestHandle_UploadGenerated(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.UploadGenerated = true })

	h.d.Handle(context.Background(), mention("Ev17", "--inject fox"))

	require.Len(t, h.store.uploads, 1)
	assert.True(t, strings.HasPrefix(h.store.uploads[0], "ns:42/gen_image_"))
	texts, _ := h.msgr.sent()
	assert.Contains(t, texts, MsgAttemptingDropbox)
	assert.Contains(t, texts, MsgDropboxSuccessful)
}

func TestHandle_UploadGeneratedErrorDetail(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.UploadGenerated = true })
	h.store.err = errors.New("path/insufficient_space")

	h.d.Handle(context.Background(), mention("Ev18", "--inject fox"))

	texts, _ := h.msgr.sent()
	assert.Contains(t, texts, DropboxUploadError(h.store.err))
}

func TestHandle_PlainMessageIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention("Ev19", "just chatting")
	ev.Type = domain.EventMessage

	out := h.d.Handle(context.Background(), ev)

	assert.Equal(t, ledger.StatusDone, out.Status)
	assert.Equal(t, "no action", out.Detail)
	texts, _ := h.msgr.sent()
	assert.Empty(t, texts)
}

func TestHandle_ConcurrentEventsDoNotCollide(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.d.Handle(context.Background(), mention("EvC"+string(rune('a'+i)), "--inject fox", seedFile("u")))
		}(i)
	}
	wg.Wait()

	_, files := h.msgr.sent()
	require.Len(t, files, 8)
	seen := make(map[string]bool)
	for _, f := range files {
		assert.False(t, seen[f.Name], "duplicate output name %s", f.Name)
		seen[f.Name] = true
	}
	assert.Zero(t, sessionsLeft(t, h.wsRoot))
}

func TestHandle_UnaddressedUploadIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ev := mention("Ev21", "here is our new logo", seedFile("https://files/logo.png"))
	ev.Type = domain.EventMessage
	ev.Text = "here is our new logo"

	out := h.d.Handle(context.Background(), ev)

	assert.Equal(t, "no action", out.Detail)
	assert.Zero(t, h.gen.calls())
	assert.Empty(t, h.msgr.downloads)
	texts, files := h.msgr.sent()
	assert.Empty(t, texts)
	assert.Empty(t, files)
	assert.Zero(t, sessionsLeft(t, h.wsRoot))
}

func TestHandle_FileSharedOptIn(t *testing.T) {
	share := func(id string) domain.InboundEvent {
		ev := mention(id, "", seedFile("https://files/shared.png"))
		ev.Type = domain.EventFileShared
		ev.Text = ""
		return ev
	}

	off := newHarness(t, nil)
	off.d.Handle(context.Background(), share("Ev22"))
	assert.Zero(t, off.gen.calls())

	on := newHarness(t, func(c *Config) { c.HandleFileShared = true })
	out := on.d.Handle(context.Background(), share("Ev23"))
	assert.Equal(t, 1, out.Delivered)
	assert.Len(t, on.gen.edits, 1)
}

func TestHandle_ArchiveAloneNoPromptError(t *testing.T) {
	h := newHarness(t, nil)
	h.arch.report = archive.Report{Candidates: 1, Uploaded: 1, Paths: []string{"/a.png"}}

	out := h.d.Handle(context.Background(), mention("Ev24", "--archive"))

	assert.Equal(t, ledger.StatusDone, out.Status)
	texts, _ := h.msgr.sent()
	assert.Equal(t, []string{MsgArchiveConfirmation, MsgDropboxSuccessful}, texts)
	assert.Zero(t, h.gen.calls())
}

func TestHandle_EditSeriesWithoutInjectVariesPrompt(t *testing.T) {
	h := newHarness(t, nil)

	out := h.d.Handle(context.Background(), mention("Ev25", "--series make it {red, blue}", seedFile("https://files/seed.png")))

	assert.Equal(t, 2, out.Delivered)
	require.Len(t, h.gen.edits, 2)
	assert.NotEqual(t, h.gen.edits[0], h.gen.edits[1])
	assert.True(t, strings.HasSuffix(h.gen.edits[0], "make it red"))
	assert.True(t, strings.HasSuffix(h.gen.edits[1], "make it blue"))
}
