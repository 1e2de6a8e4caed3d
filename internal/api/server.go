// Package api provides the HTTP server for Credence.
// It exposes the chat dispatch endpoints (synchronous and streaming),
// account endpoints (credits, history, notifications) and the payment
// webhook that deposits purchased credits.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/dispatch"
	"github.com/credence-ai/credence/internal/app/ledger"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// Version is the API version string reported by /api/version.
const Version = "0.1.0"

// Server is the Credence HTTP API server.
type Server struct {
	dispatcher     *dispatch.Dispatcher
	ledger         *ledger.Ledger
	db             *sqlite.DB
	log            *zap.Logger
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(d *dispatch.Dispatcher, lg *ledger.Ledger, db *sqlite.DB, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dispatcher: d, ledger: lg, db: db, log: log}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(corsMiddleware)

	// Health check for load balancers
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/chat/history", s.handleChatHistory)
		r.Get("/credits", s.handleCredits)
		r.Get("/credits/ledger", s.handleLedgerEntries)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/read", s.handleNotificationRead)
		r.Get("/payments/packages", s.handlePackages)
		r.Post("/payments/webhook", s.handlePaymentWebhook)
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// principalID extracts the authenticated principal from the request.
// Upstream authentication terminates before this service; the gateway
// injects the verified identity as a header.
func principalID(r *http.Request) string {
	return r.Header.Get("X-Principal-ID")
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response. balanceAffected tells the caller
// whether the request consumed a credit. Most failure paths never charged or
// already refunded and pass false; a ledger outage passes true because the
// reserved credit is still held.
func writeError(w http.ResponseWriter, status int, msg string, balanceAffected bool) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":          msg,
			"type":             "error",
			"balance_affected": balanceAffected,
		},
	})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredit), errors.Is(err, domain.ErrUnknownPrincipal):
		writeError(w, http.StatusPaymentRequired, "insufficient credits", false)
	case errors.Is(err, domain.ErrDeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "response not ready in time, credit refunded", false)
	case errors.Is(err, domain.ErrInferenceFailed):
		writeError(w, http.StatusBadGateway, err.Error()+", credit refunded", false)
	case errors.Is(err, domain.ErrLedgerUnavailable):
		// Reconciliation exhausted its retries: the reserved credit is still
		// debited and will be resolved out of band.
		writeError(w, http.StatusServiceUnavailable, "credit ledger unavailable, credit held pending reconciliation", true)
	case errors.Is(err, domain.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "service shutting down", false)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), false)
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Principal-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
