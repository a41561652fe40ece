package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"printbot/internal/domain"
	"printbot/internal/metrics"
)

const (
	maxBodyBytes = 1 << 20
	dedupTTL     = time.Hour
)

// Deduper claims an event id the first time it is seen. Release drops a claim
// so a later redelivery of the event is accepted. The ledger implements it.
type Deduper interface {
	Claim(ctx context.Context, ev domain.InboundEvent) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type IntakeConfig struct {
	Bus       domain.EventBus
	Dedup     Deduper // nil uses an in-memory set
	BotUserID string
	Logger    *slog.Logger
}

// Intake turns Slack callbacks into bus events. It is shared by the webhook and
// Socket Mode so both apply the same filtering and retry suppression.
type Intake struct {
	bus       domain.EventBus
	dedup     Deduper
	botUserID string
	logger    *slog.Logger
	now       func() time.Time
}

func NewIntake(cfg IntakeConfig) *Intake {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = newMemoryDedup(dedupTTL)
	}
	return &Intake{
		bus:       cfg.Bus,
		dedup:     cfg.Dedup,
		botUserID: cfg.BotUserID,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// HandleCallback publishes the event unless it is filtered or already seen.
// It reports whether the event reached the bus.
func (in *Intake) HandleCallback(ctx context.Context, cb *slackevents.EventsAPICallbackEvent) bool {
	ev, ok, err := toInboundEvent(cb, in.botUserID, in.now())
	if err != nil {
		metrics.WebhookInvalid.Inc()
		in.logger.Warn("slack event rejected", "error", err)
		return false
	}
	if !ok {
		in.logger.Debug("slack event ignored", "event_id", ev.ID, "type", ev.Type, "user", ev.UserID)
		return false
	}

	fresh, err := in.dedup.Claim(ctx, ev)
	if err != nil {
		// fail open; a lost ledger write is better than a lost request
		in.logger.Warn("event dedup failed", "event_id", ev.ID, "error", err)
		fresh = true
	}
	if !fresh {
		metrics.EventsDuplicate.Inc()
		in.logger.Info("duplicate slack event acknowledged", "event_id", ev.ID)
		return false
	}

	metrics.EventsReceived.Inc()
	if !in.bus.Publish(ev) {
		metrics.EventsDropped.Inc()
		in.logger.Error("event bus rejected event", "event_id", ev.ID)
		// let Slack's retry of this event through
		if err := in.dedup.Release(context.WithoutCancel(ctx), ev.ID); err != nil {
			in.logger.Warn("event claim release failed", "event_id", ev.ID, "error", err)
		}
		return false
	}
	in.logger.Info("slack event queued",
		"event_id", ev.ID,
		"type", ev.Type,
		"channel", ev.ChannelID,
		"user", ev.UserID,
		"files", len(ev.Files),
	)
	return true
}

type memoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newMemoryDedup(ttl time.Duration) *memoryDedup {
	return &memoryDedup{ttl: ttl, seen: make(map[string]time.Time)}
}

func (m *memoryDedup) Claim(_ context.Context, ev domain.InboundEvent) (bool, error) {
	if ev.ID == "" {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, at := range m.seen {
		if now.Sub(at) > m.ttl {
			delete(m.seen, id)
		}
	}
	if _, ok := m.seen[ev.ID]; ok {
		return false, nil
	}
	m.seen[ev.ID] = now
	return true, nil
}

func (m *memoryDedup) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	delete(m.seen, eventID)
	m.mu.Unlock()
	return nil
}

// WebhookConfig configures the Events API HTTP endpoint.
type WebhookConfig struct {
	Host          string
	Port          int
	Path          string // default: /slack/events
	SigningSecret string // empty disables signature checks
	MetricsPath   string // empty disables /metrics
	Intake        *Intake
	Logger        *slog.Logger
}

// Webhook receives Slack Events API callbacks. Every accepted callback is
// acknowledged with 200 before any work starts.
type Webhook struct {
	cfg    WebhookConfig
	logger *slog.Logger
	server *http.Server
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/slack/events"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{cfg: cfg, logger: cfg.Logger}
}

// Router builds the HTTP routes.
func (w *Webhook) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(w.loggingMiddleware)

	r.HandleFunc(w.cfg.Path, w.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	if w.cfg.MetricsPath != "" {
		r.Handle(w.cfg.MetricsPath, metrics.Collector.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *Webhook) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", addr, "path", w.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) handleEvents(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	if w.cfg.SigningSecret != "" {
		if err := verifySignature(r.Header, body, w.cfg.SigningSecret); err != nil {
			metrics.WebhookInvalid.Inc()
			w.logger.Warn("slack signature rejected", "error", err)
			http.Error(rw, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		metrics.WebhookInvalid.Inc()
		w.logger.Warn("slack payload rejected", "error", err)
		http.Error(rw, "Invalid payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(rw, "Invalid challenge", http.StatusBadRequest)
			return
		}
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
		var cb slackevents.EventsAPICallbackEvent
		if err := json.Unmarshal(body, &cb); err != nil {
			http.Error(rw, "Invalid payload", http.StatusBadRequest)
			return
		}
		if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
			w.logger.Debug("slack retry delivery", "event_id", cb.EventID, "retry", retry,
				"reason", r.Header.Get("X-Slack-Retry-Reason"))
		}
		// Handing off to the bus never blocks on generation work.
		w.cfg.Intake.HandleCallback(r.Context(), &cb)
	default:
		w.logger.Debug("slack envelope ignored", "type", event.Type)
	}
	rw.WriteHeader(http.StatusOK)
}

func verifySignature(h http.Header, body []byte, secret string) error {
	sv, err := slack.NewSecretsVerifier(h, secret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

func (w *Webhook) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		w.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// statusWriter captures the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
