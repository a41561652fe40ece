// Package bus hands inbound Slack events from the webhook to the dispatch loop.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"printbot/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a buffered Go channel between the webhook and the dispatch loop.
type InMemoryBus struct {
	inbound        chan domain.InboundEvent
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a bus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundEvent, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish enqueues ev. When the buffer is full it waits up to the publish timeout
// before dropping. It reports whether the event was enqueued.
func (b *InMemoryBus) Publish(ev domain.InboundEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish on closed bus", "event_id", ev.ID)
		return false
	}

	select {
	case b.inbound <- ev:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "event_id", ev.ID, "channel", ev.ChannelID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- ev:
		return true
	case <-timer.C:
		b.logger.Error("event dropped: bus full", "event_id", ev.ID, "channel", ev.ChannelID, "waited", b.publishTimeout)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Close stops the bus. Subscribers drain what is buffered and then see the channel close.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
