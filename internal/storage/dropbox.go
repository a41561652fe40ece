// Package storage uploads archived files to Dropbox team shared folders.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"golang.org/x/oauth2"

	"printbot/internal/domain"
)

const (
	defaultTokenURL = "https://api.dropboxapi.com/oauth2/token"
	uploadTimeout   = 180 * time.Second
)

// UploadError is a failed files/upload call. Details carries Dropbox's error summary.
type UploadError struct {
	Name    string
	Details string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("dropbox upload %s: %s", e.Name, e.Details)
}

func (e *UploadError) Unwrap() error { return e.Err }

type DropboxConfig struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	SelectUser   string // team member id sent as Dropbox-API-Select-User
	TokenURL     string
	APIURL       string // base URL override for tests; empty uses *.dropboxapi.com
	Logger       *slog.Logger
}

// Dropbox uploads files into a shared folder namespace. Access tokens are minted
// from the long-lived refresh token and cached until they expire.
type Dropbox struct {
	sdk    dropbox.Config
	logger *slog.Logger
}

func NewDropbox(ctx context.Context, cfg DropboxConfig) (*Dropbox, error) {
	if cfg.AppKey == "" || cfg.RefreshToken == "" {
		return nil, errors.New("dropbox: app key and refresh token are required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := &oauth2.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = uploadTimeout

	sdk := dropbox.Config{
		AsMemberID: cfg.SelectUser,
		Client:     client,
	}
	if cfg.APIURL != "" {
		base := strings.TrimRight(cfg.APIURL, "/")
		sdk.URLGenerator = func(_, namespace, route string) string {
			return fmt.Sprintf("%s/2/%s/%s", base, namespace, route)
		}
	}
	return &Dropbox{sdk: sdk, logger: cfg.Logger}, nil
}

// Upload stores localPath at the root of the shared folder whose namespace id is
// destination. Name clashes are resolved by Dropbox autorename. The SDK call
// takes no context, so ctx is only checked before the upload starts; the HTTP
// client timeout bounds the call itself.
func (d *Dropbox) Upload(ctx context.Context, localPath, destination string) (domain.UploadResult, error) {
	if destination == "" {
		return domain.UploadResult{}, errors.New("dropbox: destination namespace is empty")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return domain.UploadResult{}, fmt.Errorf("dropbox: open %s: %w", localPath, err)
	}
	defer f.Close()
	if err := ctx.Err(); err != nil {
		return domain.UploadResult{}, err
	}

	name := filepath.Base(localPath)
	arg := files.NewUploadArg("/" + name)
	arg.Autorename = true

	meta, err := files.New(d.sdk.WithNamespaceID(destination)).Upload(arg, f)
	if err != nil {
		return domain.UploadResult{}, &UploadError{Name: name, Details: err.Error(), Err: err}
	}
	d.logger.Info("dropbox upload complete", "path", meta.PathDisplay, "namespace", destination)
	return domain.UploadResult{Path: meta.PathDisplay}, nil
}
