package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	identitydomain "github.com/anonrelay/relay/internal/identity/domain"
)

// blockLister is the read-only identity view the admin surface exposes.
type blockLister interface {
	ListBlocked(ctx context.Context) ([]*identitydomain.User, error)
}

// pendingCounter reports the size of the pending message pool.
type pendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type blockedUserDTO struct {
	PseudonymID  int64     `json:"pseudonym_id"`
	DisplayName  string    `json:"display_name"`
	BlockReason  *string   `json:"block_reason,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

type queueStatusDTO struct {
	PendingCount int `json:"pending_count"`
}

// Server is the operational HTTP surface: health, metrics, and a small
// read-only view of moderation state. It never exposes message content.
type Server struct {
	registry blockLister
	messages pendingCounter
	logger   *slog.Logger
	srv      *http.Server
}

func NewServer(port int, registry blockLister, messages pendingCounter, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		messages: messages,
		logger:   logger.With("component", "admin_http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(prometheusMetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/blocked", s.handleListBlocked)
		r.Get("/queue", s.handleQueueStatus)
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Admin HTTP server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	users, err := s.registry.ListBlocked(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to list blocked users", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	out := make([]blockedUserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, blockedUserDTO{
			PseudonymID:  u.PseudonymID,
			DisplayName:  u.DisplayName(),
			BlockReason:  u.BlockReason,
			LastActivity: u.LastActivity,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.messages.CountPending(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to count pending messages", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	s.respondJSON(w, http.StatusOK, queueStatusDTO{PendingCount: n})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
