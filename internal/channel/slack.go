package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"printbot/internal/domain"
)

const (
	slackMaxMsgLen  = 4000
	historyPageSize = 200
	uploadTitle     = "Generated Image"
)

type SlackConfig struct {
	BotToken string
	AppToken string // socket mode only
	APIURL   string // override for tests, must end in "/"
	Logger   *slog.Logger
}

// Slack is the Web API side of the bot: it posts messages and files, downloads
// attachments and reads channel history. It implements domain.Messenger and
// domain.History.
type Slack struct {
	client *slack.Client
	logger *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []slack.Option{}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		client: slack.New(cfg.BotToken, opts...),
		logger: cfg.Logger,
	}
}

// BotUserID asks Slack who the token belongs to.
func (s *Slack) BotUserID(ctx context.Context) (string, error) {
	resp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack bot authenticated", "user", resp.User, "user_id", resp.UserID, "team", resp.Team)
	return resp.UserID, nil
}

func (s *Slack) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	}
	return nil
}

func (s *Slack) SendFile(ctx context.Context, channelID, path, caption string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	_, err = s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:        channelID,
		File:           path,
		FileSize:       int(info.Size()),
		Filename:       filepath.Base(path),
		Title:          uploadTitle,
		InitialComment: caption,
	})
	if err != nil {
		return fmt.Errorf("slack upload %s: %w", filepath.Base(path), err)
	}
	s.logger.Info("slack file sent", "channel", channelID, "file", filepath.Base(path), "bytes", info.Size())
	return nil
}

// Download saves a private Slack file to localPath. A failed download leaves no file.
func (s *Slack) Download(ctx context.Context, url, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("slack download: %w", err)
	}
	err = s.client.GetFileContext(ctx, url, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("slack download: %w", err)
	}
	return nil
}

// ListFiles pages through conversations.history between start and end and
// returns every attached file. Zero times leave the window open on that side.
func (s *Slack) ListFiles(ctx context.Context, channelID string, start, end time.Time) ([]domain.HistoryFile, error) {
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    slackTS(start),
		Latest:    slackTS(end),
		Limit:     historyPageSize,
		Inclusive: true,
	}

	var out []domain.HistoryFile
	for {
		resp, err := s.client.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("slack history: %w", err)
		}
		for _, msg := range resp.Messages {
			for _, f := range msg.Files {
				out = append(out, domain.HistoryFile{
					Name:     f.Name,
					URL:      f.URLPrivate,
					FileType: f.Filetype,
					UserID:   f.User,
					Created:  f.Created.Time(),
				})
			}
		}
		next := resp.ResponseMetaData.NextCursor
		if !resp.HasMore || next == "" {
			break
		}
		params.Cursor = next
	}
	return out, nil
}

// Channels maps channel names to ids for every conversation the bot can see.
func (s *Slack) Channels(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	cursor := ""
	for {
		chans, next, err := s.client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Types:           []string{"public_channel", "private_channel"},
			Limit:           historyPageSize,
			Cursor:          cursor,
			ExcludeArchived: true,
		})
		if err != nil {
			return nil, fmt.Errorf("slack conversations: %w", err)
		}
		for _, c := range chans {
			out[c.Name] = c.ID
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// RunSocketMode receives events over a Socket Mode connection instead of the
// HTTP webhook and feeds them to in. It blocks until ctx is done.
func (s *Slack) RunSocketMode(ctx context.Context, in *Intake) error {
	socket := socketmode.New(s.client)

	go func() {
		for evt := range socket.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
				api, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || api.Type != slackevents.CallbackEvent {
					continue
				}
				cb, ok := api.Data.(*slackevents.EventsAPICallbackEvent)
				if !ok {
					continue
				}
				in.HandleCallback(ctx, cb)
			case socketmode.EventTypeConnected:
				s.logger.Info("slack socket mode connected")
			default:
				if evt.Request != nil {
					socket.Ack(*evt.Request)
				}
			}
		}
	}()

	err := socket.RunContext(ctx)
	if ctx.Err() != nil {
		s.logger.Info("slack socket mode disconnecting")
		return nil
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	return fmt.Errorf("slack socket mode: %w", err)
}

// slackTS formats t as a Slack message timestamp ("seconds.micros").
func slackTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10) + "." + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
