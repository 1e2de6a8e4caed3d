package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/dispatch"
	"github.com/credence-ai/credence/internal/app/ledger"
	"github.com/credence-ai/credence/internal/app/queue"
	"github.com/credence-ai/credence/internal/app/worker"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/inference"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// ─── API Tests ──────────────────────────────────────────────────────────────

// setupServer wires a complete pipeline behind the API. infer == nil means
// no workers run.
func setupServer(t *testing.T, infer domain.Inferencer) (*Server, *ledger.Ledger) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lg := ledger.New(ledger.DefaultConfig(), db, zap.NewNop())
	q := queue.New(queue.DefaultConfig(), db, zap.NewNop())

	dcfg := dispatch.DefaultConfig()
	dcfg.PollInterval = 20 * time.Millisecond
	d := dispatch.New(dcfg, lg, q, db, zap.NewNop())

	if infer != nil {
		ctx, cancel := context.WithCancel(context.Background())
		pool := worker.New(worker.DefaultConfig(), q, infer, zap.NewNop())
		pool.Start(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Wait()
		})
	}

	return NewServer(d, lg, db, zap.NewNop()), lg
}

func doJSON(t *testing.T, h http.Handler, method, path, pid, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if pid != "" {
		req.Header.Set("X-Principal-ID", pid)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]interface{}
	if len(w.Body.Bytes()) > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w, resp
}

func TestChat_Success(t *testing.T) {
	s, lg := setupServer(t, inference.NewMock(inference.WithResponse("hello there")))
	if err := lg.CreatePrincipal("alice", 2); err != nil {
		t.Fatalf("create principal: %v", err)
	}
	h := s.Handler()

	w, resp := doJSON(t, h, http.MethodPost, "/api/chat", "alice", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["text"] != "hello there" {
		t.Errorf("expected text %q, got %v", "hello there", resp["text"])
	}
	if resp["remaining_credits"] != float64(1) {
		t.Errorf("expected remaining_credits=1, got %v", resp["remaining_credits"])
	}

	// The exchange shows up in history.
	w, resp = doJSON(t, h, http.MethodGet, "/api/chat/history", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Errorf("expected 1 history entry, got %v", resp["count"])
	}
}

func TestChat_InsufficientCredits(t *testing.T) {
	s, lg := setupServer(t, nil)
	if err := lg.CreatePrincipal("broke", 0); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "broke", `{"message":"hi"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	errObj := resp["error"].(map[string]interface{})
	if errObj["balance_affected"] != false {
		t.Errorf("expected balance_affected=false, got %v", errObj["balance_affected"])
	}
}

func TestChat_MissingPrincipal(t *testing.T) {
	s, _ := setupServer(t, nil)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "", `{"message":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChat_EmptyMessageAccepted(t *testing.T) {
	s, lg := setupServer(t, inference.NewMock(inference.WithResponse("say something?")))
	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}
	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "alice", `{"message":""}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty message, got %d: %s", w.Code, w.Body.String())
	}
	if resp["remaining_credits"] != float64(0) {
		t.Errorf("expected the empty message to cost a credit, got %v", resp["remaining_credits"])
	}
}

func TestChat_InferenceFailure(t *testing.T) {
	s, lg := setupServer(t, inference.NewMock(inference.WithErr(errors.New("model exploded"))))
	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "alice", `{"message":"hi"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	errObj := resp["error"].(map[string]interface{})
	msg := errObj["message"].(string)
	if !strings.Contains(msg, "refunded") {
		t.Errorf("error message should mention the refund, got %q", msg)
	}

	balance, err := lg.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1 {
		t.Errorf("expected balance restored to 1, got %d", balance)
	}
}

func TestChat_DeadlineTimeout(t *testing.T) {
	s, lg := setupServer(t, inference.NewMock(
		inference.WithResponse("slow"),
		inference.WithLatency(2*time.Second),
	))
	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "alice",
		`{"message":"hi","deadline_ms":100}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}

	balance, err := lg.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1 {
		t.Errorf("expected balance restored to 1, got %d", balance)
	}
}

func TestChat_FailFastDeadline(t *testing.T) {
	s, lg := setupServer(t, nil) // no workers: nothing can be ready yet
	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "alice",
		`{"message":"hi","deadline_ms":-1}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}

	balance, err := lg.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1 {
		t.Errorf("expected refunded balance 1, got %d", balance)
	}
}

func TestChat_LedgerOutageReportsHeldCredit(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lcfg := ledger.DefaultConfig()
	lcfg.RetryAttempts = 2
	lcfg.RetryBackoff = 10 * time.Millisecond
	lg := ledger.New(lcfg, db, zap.NewNop())
	q := queue.New(queue.DefaultConfig(), db, zap.NewNop())
	d := dispatch.New(dispatch.DefaultConfig(), lg, q, db, zap.NewNop())
	s := NewServer(d, lg, db, zap.NewNop())

	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	// The store goes away while the request is waiting, so the refund after
	// the deadline cannot be written.
	go func() {
		time.Sleep(100 * time.Millisecond)
		db.Close()
	}()

	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", "alice",
		`{"message":"hi","deadline_ms":300}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	errObj := resp["error"].(map[string]interface{})
	if errObj["balance_affected"] != true {
		t.Errorf("expected balance_affected=true for an unresolved held credit, got %v",
			errObj["balance_affected"])
	}
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name            string
		err             error
		status          int
		balanceAffected bool
	}{
		{"insufficient credit", domain.ErrInsufficientCredit, http.StatusPaymentRequired, false},
		{"unknown principal", domain.ErrUnknownPrincipal, http.StatusPaymentRequired, false},
		{"deadline exceeded", domain.ErrDeadlineExceeded, http.StatusGatewayTimeout, false},
		{"inference failed", fmt.Errorf("%w: model exploded", domain.ErrInferenceFailed), http.StatusBadGateway, false},
		{"ledger unavailable", fmt.Errorf("%w: refund job-1: disk I/O error", domain.ErrLedgerUnavailable), http.StatusServiceUnavailable, true},
		{"queue closed", domain.ErrQueueClosed, http.StatusServiceUnavailable, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeDomainError(w, tc.err)
			if w.Code != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, w.Code)
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			errObj := resp["error"].(map[string]interface{})
			if errObj["balance_affected"] != tc.balanceAffected {
				t.Errorf("expected balance_affected=%v, got %v", tc.balanceAffected, errObj["balance_affected"])
			}
		})
	}
}

func TestChatStream_Success(t *testing.T) {
	s, lg := setupServer(t, inference.NewMock(
		inference.WithResponse("streamed"),
		inference.WithLatency(50*time.Millisecond),
	))
	if err := lg.CreatePrincipal("alice", 1); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/chat/stream", "alice", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: thinking") {
		t.Errorf("expected at least one thinking event, got: %s", body)
	}
	if !strings.Contains(body, "event: message") {
		t.Errorf("expected a terminal message event, got: %s", body)
	}
	if !strings.Contains(body, "streamed") {
		t.Errorf("expected response text in stream, got: %s", body)
	}
}

func TestChatStream_InsufficientCredits(t *testing.T) {
	s, lg := setupServer(t, nil)
	if err := lg.CreatePrincipal("broke", 0); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/chat/stream", "broke", `{"message":"hi"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 before any stream bytes, got %d", w.Code)
	}
}

func TestCredits(t *testing.T) {
	s, lg := setupServer(t, nil)
	if err := lg.CreatePrincipal("alice", 7); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	w, resp := doJSON(t, s.Handler(), http.MethodGet, "/api/credits", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["balance"] != float64(7) {
		t.Errorf("expected balance=7, got %v", resp["balance"])
	}
}

func TestCredits_UnknownPrincipal(t *testing.T) {
	s, _ := setupServer(t, nil)
	w, _ := doJSON(t, s.Handler(), http.MethodGet, "/api/credits", "nobody", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPackages(t *testing.T) {
	s, _ := setupServer(t, nil)
	w, resp := doJSON(t, s.Handler(), http.MethodGet, "/api/payments/packages", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	pkgs := resp["packages"].([]interface{})
	if len(pkgs) != 3 {
		t.Errorf("expected 3 packages, got %d", len(pkgs))
	}
}

func TestPaymentWebhook_AppliesOnce(t *testing.T) {
	s, lg := setupServer(t, nil)
	h := s.Handler()

	body := `{"event_id":"evt_1","principal_id":"alice","package_id":"basic"}`
	w, resp := doJSON(t, h, http.MethodPost, "/api/payments/webhook", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["status"] != "applied" {
		t.Fatalf("expected status=applied, got %v", resp["status"])
	}
	if resp["credits"] != float64(100) {
		t.Errorf("expected 100 credits from the basic package, got %v", resp["credits"])
	}

	// Provider retries the same event; nothing changes.
	w, resp = doJSON(t, h, http.MethodPost, "/api/payments/webhook", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", w.Code)
	}
	if resp["status"] != "ignored" {
		t.Errorf("expected status=ignored, got %v", resp["status"])
	}

	balance, err := lg.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("expected balance=100 after duplicate webhook, got %d", balance)
	}

	// The deposit produced a notification.
	w, resp = doJSON(t, h, http.MethodGet, "/api/notifications", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("notifications: expected 200, got %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Errorf("expected 1 notification, got %v", resp["count"])
	}
}

func TestPaymentWebhook_UnknownPackage(t *testing.T) {
	s, _ := setupServer(t, nil)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/payments/webhook", "",
		`{"event_id":"evt_2","principal_id":"alice","package_id":"platinum"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := setupServer(t, nil)
	h := s.Handler()

	w, resp := doJSON(t, h, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health: got %d %v", w.Code, resp)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/version", "", "")
	if w.Code != http.StatusOK || resp["version"] != Version {
		t.Fatalf("version: got %d %v", w.Code, resp)
	}
}
