package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"printbot/internal/domain"
	"printbot/internal/metrics"
)

const (
	defaultConcurrency  = 4
	defaultEventTimeout = 15 * time.Minute
)

// Handler handles one event. *Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, ev domain.InboundEvent) Outcome
}

type LoopConfig struct {
	Bus          domain.EventBus
	Handler      Handler
	Concurrency  int           // max events handled at once (default 4)
	EventTimeout time.Duration // per-event deadline (default 15m)
	Logger       *slog.Logger
}

// Loop consumes the bus and handles each event on its own goroutine.
type Loop struct {
	bus          domain.EventBus
	handler      Handler
	concurrency  int
	eventTimeout time.Duration
	logger       *slog.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = defaultEventTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		bus:          cfg.Bus,
		handler:      cfg.Handler,
		concurrency:  cfg.Concurrency,
		eventTimeout: cfg.EventTimeout,
		logger:       cfg.Logger,
	}
}

// Run blocks until ctx is done or the bus closes, then waits for in-flight
// events to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("dispatch loop started", "concurrency", l.concurrency, "event_timeout", l.eventTimeout)

	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return nil
		case ev, ok := <-inbound:
			if !ok {
				l.logger.Info("event bus closed, dispatch loop stopping")
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				l.logger.Warn("event abandoned at shutdown", "event_id", ev.ID)
				return nil
			}
			wg.Add(1)
			go func(ev domain.InboundEvent) {
				defer wg.Done()
				defer func() { <-sem }()
				l.handle(ctx, ev)
			}(ev)
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev domain.InboundEvent) {
	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event goroutine panic", "event_id", ev.ID, "panic", r)
		}
	}()

	// shutdown stops intake only; an accepted event runs to its own deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.eventTimeout)
	defer cancel()

	start := time.Now()
	out := l.handler.Handle(ctx, ev)
	l.logger.Info("event handled",
		"event_id", ev.ID,
		"status", out.Status,
		"delivered", out.Delivered,
		"failed", out.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}
