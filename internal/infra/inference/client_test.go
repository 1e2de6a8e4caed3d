package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v, want single user message", req.Messages)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", "test-model")
	got, err := c.Infer(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	if got != "hi there" {
		t.Errorf("Infer() = %q, want %q", got, "hi there")
	}
}

func TestClient_Infer_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limited"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model")
	_, err := c.Infer(context.Background(), "hello")
	if err == nil {
		t.Fatal("Infer() should fail on backend error")
	}
}

func TestClient_Infer_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m")
	if _, err := c.Infer(context.Background(), "x"); err == nil {
		t.Fatal("Infer() should fail on malformed body")
	}
}

func TestClient_Infer_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(srv.URL, "", "m")
	if _, err := c.Infer(ctx, "x"); err == nil {
		t.Fatal("Infer() should fail when context expires")
	}
}

func TestMock_Scripting(t *testing.T) {
	m := NewMock(WithResponse("hello"))
	got, err := m.Infer(context.Background(), "x")
	if err != nil || got != "hello" {
		t.Errorf("Infer() = %q, %v; want hello", got, err)
	}
	if m.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1", m.CallCount())
	}

	boom := errors.New("boom")
	m = NewMock(WithErr(boom))
	if _, err := m.Infer(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want scripted error", err)
	}
}

func TestMock_LatencyHonorsContext(t *testing.T) {
	m := NewMock(WithLatency(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Infer(ctx, "x")
	if err == nil {
		t.Fatal("Infer() should fail when context expires during latency")
	}
	if time.Since(start) > time.Second {
		t.Error("Infer() should return promptly on cancellation")
	}
}
