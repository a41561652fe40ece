// Package workspace owns the local directories used to stage downloaded seed files
// and generated outputs while a request is in flight.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"printbot/internal/metrics"
)

const (
	inboundDir  = "inbound"
	outboundDir = "outbound"
)

// Config configures the workspace manager.
type Config struct {
	Root   string
	Logger *slog.Logger
}

// Manager creates per-request sessions under Root/inbound and Root/outbound.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a workspace manager. Directories are not created until Ensure.
func NewManager(cfg Config) *Manager {
	if cfg.Root == "" {
		cfg.Root = "workspace"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{root: cfg.Root, logger: cfg.Logger}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// InboundDir returns the directory holding downloaded user files.
func (m *Manager) InboundDir() string { return filepath.Join(m.root, inboundDir) }

// OutboundDir returns the directory holding generated outputs.
func (m *Manager) OutboundDir() string { return filepath.Join(m.root, outboundDir) }

// Ensure creates both working directories. Safe to call repeatedly.
func (m *Manager) Ensure() error {
	for _, dir := range []string{m.InboundDir(), m.OutboundDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// Reset removes both working directories and everything in them. Missing directories
// are not an error. This wipes in-flight sessions too, so it is only used offline.
func (m *Manager) Reset() error {
	var errs []error
	for _, dir := range []string{m.InboundDir(), m.OutboundDir()} {
		if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// NewSession allocates a uniquely named pair of directories for one request.
func (m *Manager) NewSession() (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		ID:          id,
		InboundDir:  filepath.Join(m.InboundDir(), id),
		OutboundDir: filepath.Join(m.OutboundDir(), id),
		logger:      m.logger,
	}
	for _, dir := range []string{s.InboundDir, s.OutboundDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Cleanup removes each path that exists. Empty paths and missing files are skipped,
// so calling it twice on the same path is a no-op the second time.
func (m *Manager) Cleanup(paths ...string) error {
	return cleanup(m.logger, paths...)
}

// Collect removes session directories whose modification time is older than maxAge
// and returns how many were removed.
func (m *Manager) Collect(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, dir := range []string{m.InboundDir(), m.OutboundDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// RunJanitor collects stale sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("workspace janitor started", "root", m.root, "interval", interval, "max_age", maxAge)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("workspace janitor stopped")
			return
		case <-ticker.C:
			n, err := m.Collect(maxAge)
			if err != nil {
				m.logger.Warn("workspace collect failed", "err", err)
			}
			if n > 0 {
				metrics.SessionsCollected.Add(int64(n))
				m.logger.Info("workspace sessions collected", "removed", n)
			}
		}
	}
}

// Session is the private scratch space of one request.
type Session struct {
	ID          string
	InboundDir  string
	OutboundDir string
	logger      *slog.Logger
}

// InputPath returns a fresh path in the inbound directory with the given extension.
func (s *Session) InputPath(ext string) string {
	return filepath.Join(s.InboundDir, uuid.NewString()+normalizeExt(ext))
}

// OutputPath returns a fresh path in the outbound directory with the given extension.
func (s *Session) OutputPath(ext string) string {
	return filepath.Join(s.OutboundDir, "gen_image_"+uuid.NewString()+normalizeExt(ext))
}

// Cleanup removes the given files, tolerating absence.
func (s *Session) Cleanup(paths ...string) error {
	return cleanup(s.logger, paths...)
}

// Close removes both session directories.
func (s *Session) Close() error {
	return errors.Join(os.RemoveAll(s.InboundDir), os.RemoveAll(s.OutboundDir))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func cleanup(logger *slog.Logger, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		logger.Debug("workspace file removed", "path", p)
	}
	return errors.Join(errs...)
}
