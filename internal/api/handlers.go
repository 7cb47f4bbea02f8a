// Package api serves the read-only status endpoints of a running bridge.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/chat-bridge/internal/database"
	"github.com/gluk-w/claworc/chat-bridge/internal/dispatch"
	"github.com/gluk-w/claworc/chat-bridge/internal/logging"
)

// StatusSource snapshots the bridge's sessions.
type StatusSource interface {
	Status(ctx context.Context) ([]dispatch.SessionStatus, error)
}

const (
	statusTimeout   = 2 * time.Second
	defaultLogLines = 100
	maxLogLines     = 5000
	defaultLeases   = 50
	maxLeases       = 1000
)

// Handlers serves status requests for one bridge.
type Handlers struct {
	src StatusSource
}

// NewRouter returns the status API router.
func NewRouter(src StatusSource) http.Handler {
	h := &Handlers{src: src}

	r := chi.NewRouter()
	r.Use(RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{identity}", h.GetSession)
		r.Get("/leases", ListLeases)
		r.Get("/logs", GetLogs)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) ([]dispatch.SessionStatus, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	sessions, err := h.src.Status(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Bridge is not running")
		return nil, false
	}
	return sessions, true
}

// ListSessions returns every session with its transition history.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, ok := h.status(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session by identity.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	sessions, ok := h.status(w, r)
	if !ok {
		return
	}
	for _, s := range sessions {
		if s.Identity == identity {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Session not found")
}

// ListLeases returns recent proxy leases, newest first.
func ListLeases(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Lease ledger not configured")
		return
	}
	limit, err := intParam(r, "limit", defaultLeases, maxLeases)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	leases, err := database.RecentLeases(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list leases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leases": leases})
}

// GetLogs returns the tail of the log file as plain text.
func GetLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := intParam(r, "lines", defaultLogLines, maxLogLines)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid lines")
		return
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}

// intParam reads a positive integer query parameter, capped at max.
func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	if n > max {
		n = max
	}
	return n, nil
}
