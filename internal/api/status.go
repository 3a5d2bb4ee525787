package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/go-chi/chi/v5"
)

const (
	healthCheckTimeout = 5 * time.Second
	defaultRunsLimit   = 20
	maxRunsLimit       = 200
)

// RegisterRoutes registers the status routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Dashboard)
	r.Get("/progress", h.Progress)
	r.Get("/health", h.Health)
	r.Get("/ws/progress", h.ProgressStream)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.Sessions)
		r.Get("/sessions/{userID}/runs", h.Runs)
	})
}

type dashboardView struct {
	Snapshot    domain.Snapshot
	StatusTitle string
	BotStatus   string
	Uptime      string
}

// Dashboard renders the auto-refreshing HTML status page.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dashboard == nil {
		Error(w, http.StatusNotFound, "dashboard not available")
		return
	}
	snap := h.deps.Progress.Snapshot()
	up := h.uptime()
	view := dashboardView{
		Snapshot:    snap,
		StatusTitle: titleCase(snap.Status),
		BotStatus:   h.botStatus(),
		Uptime:      fmt.Sprintf("%dm %ds", int(up.Minutes()), int(up.Seconds())%60),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.deps.Dashboard.Execute(w, view); err != nil {
		h.logger.Error("Failed to render dashboard", "error", err)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Progress returns the current snapshot.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.deps.Progress.Snapshot())
}

// Health reports liveness plus the bot and database state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":     "healthy",
		"uptime":     h.uptime().Seconds(),
		"timestamp":  h.now().UTC().Format(time.RFC3339Nano),
		"bot_status": h.botStatus(),
		"checks":     checks,
	}
	statusCode := http.StatusOK

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// Sessions lists live sessions ordered by user id.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	records := h.deps.Sessions.Records()
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(records),
		"sessions": records,
	})
}

// Runs returns recent program runs for one user.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		Error(w, http.StatusNotFound, "run history not available")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.deps.Repo.RecentRuns(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*domain.RunRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
