// Package api provides the status HTTP and gRPC surfaces.
package api

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/ashureev/relaybot/internal/middleware"
	"github.com/ashureev/relaybot/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// SnapshotSource exposes the published progress snapshot.
type SnapshotSource interface {
	Snapshot() domain.Snapshot
	Subscribe() (<-chan domain.Snapshot, func())
}

// SessionLister lists live sessions without secrets.
type SessionLister interface {
	Records() []*domain.SessionRecord
}

// BotStatus reports the chat transport's polling state.
type BotStatus interface {
	Status() string
}

// Deps are the collaborators the HTTP handlers read from.
type Deps struct {
	Progress  SnapshotSource
	Sessions  SessionLister
	Bot       BotStatus
	Repo      store.Repository
	Dashboard *template.Template
	Logger    *slog.Logger
}

// Handler serves the status endpoints.
type Handler struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
	now     func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger, started: time.Now(), now: time.Now}
}

// NewRouter wires all status routes behind the standard middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	h.RegisterRoutes(r)
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) uptime() time.Duration {
	return h.now().Sub(h.started)
}

func (h *Handler) botStatus() string {
	if h.deps.Bot == nil {
		return "unknown"
	}
	return h.deps.Bot.Status()
}
