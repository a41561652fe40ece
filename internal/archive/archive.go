// Package archive copies the bot's past uploads in a channel into the channel's
// storage destination.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"printbot/internal/domain"
	"printbot/internal/metrics"
	"printbot/internal/workspace"
)

// Downloader fetches a chat-hosted file to a local path.
type Downloader interface {
	Download(ctx context.Context, url, localPath string) error
}

// Request selects the files to archive.
type Request struct {
	ChannelID   string
	Start       time.Time
	End         time.Time
	Destination string // storage namespace for the channel
}

// Report counts the outcome of one archive run.
type Report struct {
	Candidates int
	Uploaded   int
	Failed     int
	Paths      []string // remote paths of uploaded files
}

// Complete reports whether every candidate was archived.
func (r Report) Complete() bool {
	return r.Candidates > 0 && r.Uploaded == r.Candidates
}

type ArchiverConfig struct {
	History    domain.History
	Downloader Downloader
	Storage    domain.Storage
	Workspace  *workspace.Manager
	BotUserID  string // only files uploaded by this user are archived
	Logger     *slog.Logger
}

type Archiver struct {
	history    domain.History
	downloader Downloader
	storage    domain.Storage
	workspace  *workspace.Manager
	botUserID  string
	logger     *slog.Logger
}

func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Archiver{
		history:    cfg.History,
		downloader: cfg.Downloader,
		storage:    cfg.Storage,
		workspace:  cfg.Workspace,
		botUserID:  cfg.BotUserID,
		logger:     cfg.Logger,
	}
}

// Run archives every bot-authored file in the window. Item failures are logged
// and counted; only listing or workspace failures abort the run.
func (a *Archiver) Run(ctx context.Context, req Request) (Report, error) {
	var rep Report
	if req.Destination == "" {
		return rep, errors.New("archive: no destination for channel")
	}
	logger := a.logger.With("channel", req.ChannelID, "destination", req.Destination)

	files, err := a.history.ListFiles(ctx, req.ChannelID, req.Start, req.End)
	if err != nil {
		return rep, fmt.Errorf("archive: list history: %w", err)
	}

	var candidates []domain.HistoryFile
	for _, f := range files {
		if a.botUserID == "" || f.UserID == a.botUserID {
			candidates = append(candidates, f)
		}
	}
	rep.Candidates = len(candidates)
	logger.Info("archive candidates", "found", len(files), "bot_files", rep.Candidates)
	if rep.Candidates == 0 {
		return rep, nil
	}

	sess, err := a.workspace.NewSession()
	if err != nil {
		return rep, fmt.Errorf("archive: %w", err)
	}
	defer sess.Close()

	for _, f := range candidates {
		if ctx.Err() != nil {
			rep.Failed += rep.Candidates - rep.Uploaded - rep.Failed
			return rep, ctx.Err()
		}
		remote, err := a.archiveOne(ctx, sess, f, req.Destination)
		if err != nil {
			rep.Failed++
			metrics.ArchiveFailed.Inc()
			logger.Warn("archive item failed", "file", f.Name, "err", err)
			continue
		}
		rep.Uploaded++
		rep.Paths = append(rep.Paths, remote)
		metrics.FilesArchived.Inc()
	}
	logger.Info("archive finished", "uploaded", rep.Uploaded, "failed", rep.Failed)
	return rep, nil
}

// archiveOne downloads one file into the session and uploads it. Files are handled
// one at a time, so the original name can be reused locally.
func (a *Archiver) archiveOne(ctx context.Context, sess *workspace.Session, f domain.HistoryFile, dest string) (string, error) {
	local := filepath.Join(sess.InboundDir, localName(f))
	defer sess.Cleanup(local)

	if err := a.downloader.Download(ctx, f.URL, local); err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	res, err := a.storage.Upload(ctx, local, dest)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return res.Path, nil
}

func localName(f domain.HistoryFile) string {
	name := filepath.Base(strings.TrimSpace(f.Name))
	if name == "." || name == "/" || name == "" {
		ext := strings.ToLower(f.FileType)
		if ext == "" {
			ext = "png"
		}
		name = fmt.Sprintf("file_%d.%s", f.Created.Unix(), ext)
	}
	return name
}

// Window returns the [now-lookback, now] archive window.
func Window(now time.Time, lookback time.Duration) (time.Time, time.Time) {
	return now.Add(-lookback), now
}
