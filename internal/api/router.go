package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/config"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
	"github.com/telemyapp/liveterm-relay/internal/session"
)

const serviceName = "live-session-relay"

type Lifecycle interface {
	Create(ctx context.Context, ident auth.Identity, in session.CreateInput) (*model.Session, error)
	Join(ctx context.Context, ident auth.Identity, sessionID string) (*model.Session, error)
	Summary(ctx context.Context, ident auth.Identity, sessionID string) (*session.Summary, error)
	Events(ctx context.Context, ident auth.Identity, sessionID string, q session.EventsQuery) ([]model.Event, error)
}

type Server struct {
	cfg      config.Config
	sessions Lifecycle
}

// NewRouter wires the REST surface and mounts live, the WebSocket handler.
// The request timeout is not applied to live, whose connections are long-lived.
func NewRouter(cfg config.Config, a auth.Authorizer, sessions Lifecycle, live http.Handler) http.Handler {
	s := &Server{cfg: cfg, sessions: sessions}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/live-session", func(ls chi.Router) {
		ls.Get("/health", s.handleHealth)
		ls.Group(func(authed chi.Router) {
			authed.Use(middleware.Timeout(30 * time.Second))
			authed.Use(auth.Middleware(a))
			authed.Post("/create", s.handleCreate)
			authed.Post("/join", s.handleJoin)
			authed.Get("/{sessionID}", s.handleSummary)
		})
	})
	r.With(middleware.Timeout(30*time.Second), auth.Middleware(a)).
		Get("/api/live-session-events/{sessionID}", s.handleEvents)

	if live != nil {
		r.Method(http.MethodGet, "/ws/live-session/{sessionID}", live)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": serviceName})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
