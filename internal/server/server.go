package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/nudge/internal/handler"
	"github.com/dukerupert/nudge/internal/middleware"
	"github.com/dukerupert/nudge/internal/reminder"
	"github.com/dukerupert/nudge/internal/store"
	ws "github.com/dukerupert/nudge/internal/websocket"
)

// Config holds the HTTP-facing settings.
type Config struct {
	AuthUser         string
	AuthPasswordHash string
	// RateLimit is requests per minute per client IP on the API. Zero disables it.
	RateLimit      int
	OriginPatterns []string
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	reminders   *reminder.Service
	eventH      *handler.EventHandler
	rateLimiter *middleware.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(db *sql.DB, eventStore *store.EventStore, reminders *reminder.Service, hub *ws.Hub, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		hub:       hub,
		reminders: reminders,
		eventH:    handler.NewEventHandler(eventStore, reminders, hub, logger.With("component", "events")),
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = middleware.NewRateLimiter(cfg.RateLimit, time.Minute)
	}
	return s
}

// RateLimiter returns the limiter for cleanup tasks. It is nil when rate
// limiting is off.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	var protected http.Handler = protectedMux
	if s.cfg.AuthUser != "" {
		protected = middleware.BasicAuth(s.cfg.AuthUser, s.cfg.AuthPasswordHash, "nudge")(protected)
	}
	outerMux.Handle("/", protected)

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/events", s.rateLimited(s.eventH.Create))
	mux.Handle("POST /api/events/import", s.rateLimited(s.eventH.Import))
	mux.Handle("GET /api/events", s.rateLimited(s.eventH.List))
	mux.Handle("GET /api/events/{id}", s.rateLimited(s.eventH.Get))
	mux.Handle("PUT /api/events/{id}", s.rateLimited(s.eventH.Update))
	mux.Handle("DELETE /api/events/{id}", s.rateLimited(s.eventH.Delete))

	mux.Handle("GET /calendar.ics", s.rateLimited(s.eventH.Feed))
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.OriginPatterns))
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	if s.rateLimiter == nil {
		return h
	}
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
}

type healthResponse struct {
	Status           string `json:"status"`
	PendingReminders int    `json:"pending_reminders"`
	Clients          int    `json:"clients"`
	Error            string `json:"error,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		PendingReminders: s.reminders.Pending(),
		Clients:          s.hub.ClientCount(),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
