package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printbot/internal/command"
	"printbot/internal/domain"
	"printbot/internal/imaging"
	"printbot/internal/prompt"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeGenerator struct {
	mu      sync.Mutex
	image   []byte
	err     error
	panics  bool
	creates []string
	edits   []string
	seeds   []string
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Create(ctx context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("backend exploded")
	}
	f.creates = append(f.creates, p)
	return f.image, f.err
}

func (f *fakeGenerator) Edit(ctx context.Context, p, seed string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, p)
	f.seeds = append(f.seeds, seed)
	return f.image, f.err
}

type recorder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *recorder) Notify(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

var testCanvas = imaging.Options{Width: 45, Height: 54, CropMargin: 2, DPI: 300}

func newOrchestrator(gen domain.ImageGenerator) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Builder:   prompt.NewBuilder(prompt.BuilderConfig{}),
		Generator: gen,
		Imaging:   testCanvas,
	})
}

func TestRun_CreateProducesCanvasSizedFile(t *testing.T) {
	for _, size := range [][2]int{{32, 32}, {80, 20}, {17, 99}} {
		gen := &fakeGenerator{image: pngBytes(t, size[0], size[1])}
		out := filepath.Join(t.TempDir(), "gen_image_x.png")

		res := newOrchestrator(gen).Run(context.Background(), Request{
			Mode: domain.ModeCreate, Text: "--inject a fox", Inject: true, OutputPath: out,
		})
		require.NoError(t, res.Err)
		assert.True(t, res.OK())
		assert.Equal(t, out, res.Path)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 45, cfg.Width, "source %v", size)
		assert.Equal(t, 54, cfg.Height, "source %v", size)
		assert.Equal(t, 300, imaging.DPIOf(data))
	}
}

func TestRun_EditUsesSeed(t *testing.T) {
	gen := &fakeGenerator{image: pngBytes(t, 20, 20)}
	dir := t.TempDir()

	res := newOrchestrator(gen).Run(context.Background(), Request{
		Mode:       domain.ModeEdit,
		Text:       "--inject brighter",
		Inject:     true,
		SeedPath:   filepath.Join(dir, "seed.png"),
		OutputPath: filepath.Join(dir, "out.png"),
	})
	require.NoError(t, res.Err)
	require.Len(t, gen.edits, 1)
	assert.Empty(t, gen.creates)
	assert.Equal(t, filepath.Join(dir, "seed.png"), gen.seeds[0])
	assert.Contains(t, gen.edits[0], "brighter")
}

func TestRun_EditWithoutSeedFails(t *testing.T) {
	gen := &fakeGenerator{image: pngBytes(t, 20, 20)}
	res := newOrchestrator(gen).Run(context.Background(), Request{
		Mode: domain.ModeEdit, OutputPath: filepath.Join(t.TempDir(), "out.png"),
	})

	var se *StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, StageGenerate, se.Stage)
	assert.Empty(t, gen.edits)
}

func TestRun_StageErrors(t *testing.T) {
	boom := errors.New("content policy")
	tests := []struct {
		name  string
		gen   *fakeGenerator
		out   func(dir string) string
		stage Stage
	}{
		{
			name:  "backend error",
			gen:   &fakeGenerator{err: boom},
			out:   func(dir string) string { return filepath.Join(dir, "out.png") },
			stage: StageGenerate,
		},
		{
			name:  "not an image",
			gen:   &fakeGenerator{image: []byte("garbage")},
			out:   func(dir string) string { return filepath.Join(dir, "out.png") },
			stage: StageNormalize,
		},
		{
			name:  "unwritable output",
			gen:   &fakeGenerator{image: pngBytes(t, 20, 20)},
			out:   func(dir string) string { return filepath.Join(dir, "missing", "out.png") },
			stage: StageSave,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			res := newOrchestrator(tt.gen).Run(context.Background(), Request{
				Mode: domain.ModeCreate, OutputPath: tt.out(dir),
			})
			var se *StageError
			require.ErrorAs(t, res.Err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.Empty(t, res.Path)
			assert.NoFileExists(t, tt.out(dir))
		})
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	res := newOrchestrator(&fakeGenerator{panics: true}).Run(context.Background(), Request{
		Mode: domain.ModeCreate, OutputPath: filepath.Join(t.TempDir(), "out.png"),
	})
	var se *StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, StagePanic, se.Stage)
}

func TestRun_VerboseNotices(t *testing.T) {
	rec := &recorder{err: errors.New("slack down")}
	gen := &fakeGenerator{image: pngBytes(t, 20, 20)}

	res := newOrchestrator(gen).Run(context.Background(), Request{
		Mode:       domain.ModeCreate,
		OutputPath: filepath.Join(t.TempDir(), "out.png"),
		Notifier:   rec,
	})
	require.NoError(t, res.Err, "notifier failures must not fail the run")
	require.Len(t, rec.texts, 5)
	assert.Equal(t, NoticePromptGenerated, rec.texts[0])
	assert.Equal(t, res.Prompt, rec.texts[1])
	assert.Equal(t, []string{NoticeImageGenerated, NoticeImageResized, NoticeTrySending}, rec.texts[2:])
}

func TestRun_SeriesIterations(t *testing.T) {
	text := "draw me a fox --inject make it {red, blue}"
	plan, err := command.ParseSeries(command.CleanText(text))
	require.NoError(t, err)

	gen := &fakeGenerator{image: pngBytes(t, 20, 20)}
	o := newOrchestrator(gen)
	dir := t.TempDir()
	for i := 0; i < plan.Size(); i++ {
		res := o.Run(context.Background(), Request{
			Mode:        domain.ModeCreate,
			Text:        text,
			Inject:      true,
			Series:      &plan,
			SeriesIndex: i,
			OutputPath:  filepath.Join(dir, "out"+plan.Element(0, i)+".png"),
		})
		require.NoError(t, res.Err)
	}
	require.Len(t, gen.creates, 2)
	assert.Contains(t, gen.creates[0], "make it red")
	assert.Contains(t, gen.creates[1], "make it blue")
}

func TestReformat_MatchesDirectNormalize(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.png")
	src := pngBytes(t, 60, 40)
	require.NoError(t, os.WriteFile(seed, src, 0o644))

	out := filepath.Join(dir, "out.png")
	res := newOrchestrator(nil).Reformat(context.Background(), seed, out, nil)
	require.NoError(t, res.Err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)

	img, err := imaging.Normalize(src, testCanvas)
	require.NoError(t, err)
	want, err := imaging.Encode(img, testCanvas.DPI)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "reformat output differs from direct normalise")
}

func TestReformat_BadInput(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.png")
	require.NoError(t, os.WriteFile(seed, []byte("nope"), 0o644))

	res := newOrchestrator(nil).Reformat(context.Background(), seed, filepath.Join(dir, "out.png"), nil)
	var se *StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, StageNormalize, se.Stage)
}
