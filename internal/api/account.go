package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/domain"
)

// ─── Account API ────────────────────────────────────────────────────────────
//
// GET  /api/credits                  — current balance
// GET  /api/credits/ledger           — recent ledger entries (audit trail)
// GET  /api/notifications            — unread notifications
// POST /api/notifications/{id}/read  — mark one notification read
// GET  /api/payments/packages        — purchasable credit packages
// POST /api/payments/webhook         — deposit credits after a purchase

// handleCredits returns the principal's current balance.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	pid := principalID(r)
	if pid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Principal-ID header", false)
		return
	}

	balance, err := s.ledger.Balance(pid)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPrincipal) {
			writeError(w, http.StatusNotFound, "unknown principal", false)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal_id": pid,
		"balance":      balance,
	})
}

// handleLedgerEntries returns the audit trail for the principal.
// GET /api/credits/ledger?limit=50
func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	pid := principalID(r)
	if pid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Principal-ID header", false)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.ledger.Entries(pid, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleNotifications returns unread notifications for the principal.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	pid := principalID(r)
	if pid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Principal-ID header", false)
		return
	}

	notes, err := s.db.UnreadNotifications(pid, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notes,
		"count":         len(notes),
	})
}

// handleNotificationRead marks a notification as read.
func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.db.MarkNotificationRead(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePackages lists the purchasable credit packages.
func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": domain.DefaultCreditPackages(),
	})
}

// webhookRequest is the payment provider's completed-purchase event. EventID
// is the idempotency key: providers retry webhooks, and a replayed event must
// not deposit twice.
type webhookRequest struct {
	EventID     string `json:"event_id"`
	PrincipalID string `json:"principal_id"`
	PackageID   string `json:"package_id,omitempty"`
	Credits     int64  `json:"credits,omitempty"`
}

// handlePaymentWebhook deposits purchased credits exactly once per event id.
// Duplicates are acknowledged with 200 so the provider stops retrying.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	if req.EventID == "" || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "event_id and principal_id are required", false)
		return
	}

	credits := req.Credits
	if req.PackageID != "" {
		found := false
		for _, p := range domain.DefaultCreditPackages() {
			if p.ID == req.PackageID {
				credits = p.Credits
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusBadRequest, "unknown package: "+req.PackageID, false)
			return
		}
	}
	if credits <= 0 {
		writeError(w, http.StatusBadRequest, "credits must be positive", false)
		return
	}

	balance, err := s.ledger.Deposit(r.Context(), domain.DepositEvent{
		PrincipalID:    req.PrincipalID,
		Credits:        credits,
		IdempotencyKey: req.EventID,
	})
	if errors.Is(err, domain.ErrDuplicateDeposit) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ignored",
			"reason": "duplicate event",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}

	// Notification failure does not fail the deposit.
	note := domain.Notification{
		ID:          uuid.New().String(),
		PrincipalID: req.PrincipalID,
		Kind:        domain.NotifyDeposit,
		Message:     fmt.Sprintf("%d credits added to your account", credits),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.InsertNotification(note); err != nil {
		s.log.Warn("deposit notification not persisted",
			zap.String("principal_id", req.PrincipalID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "applied",
		"credits": credits,
		"balance": balance,
	})
}
