package domain

import (
	"context"
	"time"
)

// Messenger is the chat surface the dispatcher talks back through.
type Messenger interface {
	SendText(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, path, caption string) error
	Download(ctx context.Context, url, localPath string) error
}

// HistoryFile is a file attachment found in a channel's message history.
type HistoryFile struct {
	Name     string
	URL      string
	FileType string
	UserID   string
	Created  time.Time
}

// History lists files posted to a channel inside a time window.
type History interface {
	ListFiles(ctx context.Context, channelID string, start, end time.Time) ([]HistoryFile, error)
}
