package domain

import "time"

// EventType is the Slack event type carried by an inbound callback.
type EventType string

const (
	EventMessage    EventType = "message"
	EventMention    EventType = "app_mention"
	EventFileShared EventType = "file_shared"
)

// Known reports whether the dispatcher handles this event type.
func (t EventType) Known() bool {
	switch t {
	case EventMessage, EventMention, EventFileShared:
		return true
	}
	return false
}

// FileRef points at a file hosted by the chat service.
type FileRef struct {
	URL      string // url_private, requires the bot token to download
	FileType string // png | jpg | webp ...
	Name     string
}

// InboundEvent is one Slack event as received by the webhook. It is never mutated
// after the transport builds it.
type InboundEvent struct {
	ID         string // Slack event_id
	Type       EventType
	ChannelID  string
	UserID     string
	Text       string
	Files      []FileRef
	ReceivedAt time.Time
}

// HasFiles reports whether the event carries at least one attachment.
func (e InboundEvent) HasFiles() bool { return len(e.Files) > 0 }
