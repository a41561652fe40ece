package domain

// EventBus decouples the webhook (producer) from the dispatcher (consumer).
type EventBus interface {
	Publish(evt InboundEvent) bool
	Subscribe() <-chan InboundEvent
	Close()
}
