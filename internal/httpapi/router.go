// Package httpapi is the HTTP control plane of the bridge: JSON command
// endpoints, status queries and the websocket event feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/keshon/voice-bridge/internal/voice"
	"github.com/rs/zerolog"
)

// Controller is the command surface the handlers drive.
type Controller interface {
	Play(channelID, query string) error
	Pause(guildID string) error
	Resume(guildID string) error
	Stop(guildID string) error
	Leave(guildID string) error
	Status(guildID string) (voice.Snapshot, error)
	Sessions() []voice.Snapshot
	Draining() bool
}

// EventFeed hands out event subscriptions.
type EventFeed interface {
	Subscribe(buf int) (<-chan voice.Event, func())
}

// Options tune the router.
type Options struct {
	// RateLimit is the sustained command rate per client address, per second.
	RateLimit float64
	RateBurst int
}

// Router serves the bridge's HTTP API.
type Router struct {
	log     zerolog.Logger
	ctl     Controller
	events  EventFeed
	schemas *schemas
	limiter *clientLimiter
	mux     *http.ServeMux
	handler http.Handler

	closing   chan struct{}
	closeOnce sync.Once
}

// NewRouter returns the bridge's HTTP router.
func NewRouter(log zerolog.Logger, ctl Controller, events EventFeed, opts Options) (*Router, error) {
	sc, err := newSchemas()
	if err != nil {
		return nil, err
	}
	r := &Router{
		log:     log,
		ctl:     ctl,
		events:  events,
		schemas: sc,
		limiter: newClientLimiter(opts.RateLimit, opts.RateBurst),
		mux:     http.NewServeMux(),
		closing: make(chan struct{}),
	}
	r.routes()
	r.handler = withRequestID(withAccessLog(log, withSentryRecovery(log, r.mux)))
	return r, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close ends open event streams. http.Server.Shutdown does not track
// hijacked connections.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	r.mux.Handle("POST /play", r.limited(r.handlePlay))
	r.mux.Handle("POST /pause", r.limited(r.guildCommand(r.ctl.Pause, "paused", "Nothing is playing.")))
	r.mux.Handle("POST /resume", r.limited(r.guildCommand(r.ctl.Resume, "resumed", "Nothing to resume.")))
	r.mux.Handle("POST /stop", r.limited(r.guildCommand(r.ctl.Stop, "stopped", "Nothing to stop.")))
	r.mux.Handle("POST /leave", r.limited(r.guildCommand(r.ctl.Leave, "disconnected", "Bot not in a voice channel.")))

	r.mux.HandleFunc("GET /status", r.handleStatus)
	r.mux.HandleFunc("GET /sessions", r.handleSessions)
	r.mux.HandleFunc("GET /events", r.handleEvents)
}

func (r *Router) limited(h http.HandlerFunc) http.Handler {
	return r.limiter.middleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCommandError maps a dispatcher error to a response. Lookup and
// state errors share the endpoint's own message.
func (r *Router) writeCommandError(w http.ResponseWriter, req *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, voice.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "Shutting down.")
	case errors.Is(err, voice.ErrValidation), errors.Is(err, voice.ErrNotFound), errors.Is(err, voice.ErrIllegalState):
		writeError(w, http.StatusBadRequest, msg)
	default:
		r.log.Error().Err(err).Str("path", req.URL.Path).Msg("command failed")
		captureError(req, err)
		writeError(w, http.StatusInternalServerError, "Internal error.")
	}
}

func captureError(req *http.Request, err error) {
	hub := sentry.GetHubFromContext(req.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		hub.CaptureException(err)
	})
}
