package domain

import "context"

// Mode selects the generation backend operation.
type Mode string

const (
	ModeCreate Mode = "create" // text to image
	ModeEdit   Mode = "edit"   // image + text to image
)

// ImageGenerator is the image generation backend.
type ImageGenerator interface {
	Name() string
	Create(ctx context.Context, prompt string) ([]byte, error)
	Edit(ctx context.Context, prompt, seedPath string) ([]byte, error)
}

// PromptExpander turns a short user instruction into a dense image prompt.
type PromptExpander interface {
	Expand(ctx context.Context, instruction string) (string, error)
}

// UploadResult describes a file accepted by the storage backend.
type UploadResult struct {
	Path string // path as stored remotely (may differ after autorename)
}

// Storage uploads local files to a remote destination (a Dropbox shared folder namespace).
type Storage interface {
	Upload(ctx context.Context, localPath, destination string) (UploadResult, error)
}
