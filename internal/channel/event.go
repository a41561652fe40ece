package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"

	"printbot/internal/domain"
)

// slackInner is the part of an Events API inner event the dispatcher needs.
// It is decoded from the raw payload so file attachments are kept for every
// event type.
type slackInner struct {
	Type    string      `json:"type"`
	SubType string      `json:"subtype"`
	User    string      `json:"user"`
	BotID   string      `json:"bot_id"`
	Text    string      `json:"text"`
	Channel string      `json:"channel"`
	Files   []slackFile `json:"files"`

	// file_shared carries these instead of user/channel
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

type slackFile struct {
	Name        string `json:"name"`
	Filetype    string `json:"filetype"`
	URLPrivate  string `json:"url_private"`
	URLDownload string `json:"url_private_download"`
}

// ignoredSubtypes are message edits and bot echoes that must never start work.
var ignoredSubtypes = map[string]bool{
	"message_changed": true,
	"message_deleted": true,
	"bot_message":     true,
	"channel_join":    true,
}

// toInboundEvent converts an event_callback into an InboundEvent. ok is false for
// events the bot must ignore: its own messages, edits, and plain messages that
// mention the bot (the app_mention delivery covers those).
func toInboundEvent(cb *slackevents.EventsAPICallbackEvent, botUserID string, now time.Time) (domain.InboundEvent, bool, error) {
	if cb == nil || cb.InnerEvent == nil {
		return domain.InboundEvent{}, false, fmt.Errorf("event_callback without inner event")
	}
	var in slackInner
	if err := json.Unmarshal(*cb.InnerEvent, &in); err != nil {
		return domain.InboundEvent{}, false, fmt.Errorf("decode inner event: %w", err)
	}

	ev := domain.InboundEvent{
		ID:         cb.EventID,
		Type:       domain.EventType(in.Type),
		ChannelID:  firstNonEmpty(in.Channel, in.ChannelID),
		UserID:     firstNonEmpty(in.User, in.UserID),
		Text:       in.Text,
		ReceivedAt: now,
	}
	for _, f := range in.Files {
		url := firstNonEmpty(f.URLPrivate, f.URLDownload)
		if url == "" {
			continue
		}
		ev.Files = append(ev.Files, domain.FileRef{URL: url, FileType: strings.ToLower(f.Filetype), Name: f.Name})
	}

	if in.BotID != "" || ignoredSubtypes[in.SubType] {
		return ev, false, nil
	}
	if botUserID != "" {
		if ev.UserID == botUserID {
			return ev, false, nil
		}
		if ev.Type == domain.EventMessage && strings.Contains(ev.Text, "<@"+botUserID+">") {
			return ev, false, nil
		}
	}
	return ev, true, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
