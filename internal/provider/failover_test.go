package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

// mockBackend implements Backend for testing.
type mockBackend struct {
	name     string
	image    []byte
	prompt   string
	err      error
	calls    int
	lastSeed string
	onCall   func()
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Create(ctx context.Context, prompt string) ([]byte, error) {
	m.calls++
	if m.onCall != nil {
		m.onCall()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.image, nil
}

func (m *mockBackend) Edit(ctx context.Context, prompt, seedPath string) ([]byte, error) {
	m.lastSeed = seedPath
	return m.Create(ctx, prompt)
}

func (m *mockBackend) Expand(ctx context.Context, instruction string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.prompt, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailover_UsesFirstBackend(t *testing.T) {
	b1 := &mockBackend{name: "primary", image: []byte("from-primary")}
	b2 := &mockBackend{name: "secondary", image: []byte("from-secondary")}
	f := NewFailover([]Backend{b1, b2}, testLogger())

	img, err := f.Create(context.Background(), "a fox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(img) != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", img)
	}
	if b2.calls != 0 {
		t.Fatalf("secondary should not be called, got %d calls", b2.calls)
	}
}

func TestFailover_FallsBackOnError(t *testing.T) {
	b1 := &mockBackend{name: "primary", err: errors.New("api error")}
	b2 := &mockBackend{name: "secondary", image: []byte("from-secondary")}
	f := NewFailover([]Backend{b1, b2}, testLogger())

	img, err := f.Edit(context.Background(), "make it red", "/tmp/seed.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(img) != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", img)
	}
	if b2.lastSeed != "/tmp/seed.png" {
		t.Fatalf("seed path not forwarded: %q", b2.lastSeed)
	}
}

func TestFailover_ExpandFallsBack(t *testing.T) {
	b1 := &mockBackend{name: "primary", err: errors.New("quota")}
	b2 := &mockBackend{name: "secondary", prompt: "a detailed fox"}
	f := NewFailover([]Backend{b1, b2}, testLogger())

	got, err := f.Expand(context.Background(), "fox")
	if err != nil || got != "a detailed fox" {
		t.Fatalf("Expand = %q, %v", got, err)
	}
}

func TestFailover_AllBackendsFail(t *testing.T) {
	last := errors.New("fail 2")
	b1 := &mockBackend{name: "b1", err: errors.New("fail 1")}
	b2 := &mockBackend{name: "b2", err: last}
	f := NewFailover([]Backend{b1, b2}, testLogger())

	_, err := f.Create(context.Background(), "x")
	if !errors.Is(err, last) {
		t.Fatalf("expected wrapped last error, got %v", err)
	}
}

func TestFailover_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b1 := &mockBackend{name: "b1", err: errors.New("aborted"), onCall: cancel}
	b2 := &mockBackend{name: "b2", image: []byte("ok")}
	f := NewFailover([]Backend{b1, b2}, testLogger())

	_, err := f.Create(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b2.calls != 0 {
		t.Fatal("chain should stop once the context is cancelled")
	}
}

func TestFailover_Empty(t *testing.T) {
	f := NewFailover(nil, testLogger())
	if _, err := f.Create(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestFailover_Name(t *testing.T) {
	f := NewFailover([]Backend{&mockBackend{name: "openai"}, &mockBackend{name: "gemini"}}, testLogger())
	if name := f.Name(); name != "failover(openai→gemini)" {
		t.Fatalf("expected 'failover(openai→gemini)', got %q", name)
	}
}
