package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/dispatch"
)

// ─── Chat API ───────────────────────────────────────────────────────────────
//
// POST /api/chat         — dispatch a message, block for the response
// POST /api/chat/stream  — dispatch a message, stream progress via SSE
// GET  /api/chat/history — most recent successful exchanges
//
// Every chat request costs one credit. The credit is charged only when a
// response is delivered; failures and timeouts refund it, and the error
// body says so.

type chatRequest struct {
	Message string `json:"message"`

	// DeadlineMS bounds the synchronous wait. Omitted or 0 uses the
	// service default; -1 asks for fail-fast (return immediately unless
	// the result is already available).
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// maxDeadline caps how long a single synchronous request may hold a
// connection open.
const maxDeadline = 5 * time.Minute

func (s *Server) deadline(req chatRequest) (time.Duration, error) {
	switch {
	case req.DeadlineMS < -1:
		return 0, errors.New("deadline_ms must be >= -1")
	case req.DeadlineMS == -1:
		return 0, nil
	case req.DeadlineMS == 0:
		return s.dispatcher.DefaultDeadline(), nil
	default:
		d := time.Duration(req.DeadlineMS) * time.Millisecond
		if d > maxDeadline {
			d = maxDeadline
		}
		return d, nil
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, string, bool) {
	pid := principalID(r)
	if pid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Principal-ID header", false)
		return chatRequest{}, "", false
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return chatRequest{}, "", false
	}
	// An empty message is a valid (if pointless) request; the model decides
	// what to make of it.
	return req, pid, true
}

// handleChat dispatches a message and blocks until the response, the
// caller's deadline, or a failure.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, pid, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	deadline, err := s.deadline(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), false)
		return
	}

	resp, err := s.dispatcher.Handle(r.Context(), pid, req.Message, deadline)
	if err != nil {
		var adv *dispatch.AdvisoryError
		if errors.As(err, &adv) {
			// The response was produced and paid for; only bookkeeping
			// degraded. Deliver it with a warning rather than failing.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"chat_id":           adv.Resp.ChatID,
				"text":              adv.Resp.Text,
				"remaining_credits": adv.Resp.Remaining,
				"warning":           "response delivered but not saved to history",
			})
			return
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chat_id":           resp.ChatID,
		"text":              resp.Text,
		"remaining_credits": resp.Remaining,
	})
}

// handleChatStream dispatches a message and streams progress as SSE events:
// periodic "thinking" keepalives, then one terminal "message" or "error"
// event. A client that disconnects mid-stream gets its credit refunded.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, pid, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, flushOK := w.(http.Flusher)
	if !flushOK {
		writeError(w, http.StatusInternalServerError, "streaming not supported", false)
		return
	}

	// Reservation failures surface before any SSE bytes are written so the
	// client still gets a proper status code.
	headerSent := false
	emit := func(ev dispatch.Event) error {
		if !headerSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			flusher.Flush()
			headerSent = true
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.dispatcher.Stream(r.Context(), pid, req.Message, emit); err != nil {
		if headerSent {
			s.log.Warn("stream failed after start", zap.Error(err))
			return
		}
		writeDomainError(w, err)
	}
}

// handleChatHistory returns the principal's most recent exchanges.
// GET /api/chat/history?limit=20
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	pid := principalID(r)
	if pid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Principal-ID header", false)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	chats, err := s.dispatcher.History(pid, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), false)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chats": chats,
		"count": len(chats),
	})
}
