package gatewayapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/msgsync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	t.Helper()
	return New(testLogger(), Config{
		BaseURL:   srv.URL + "/", // trailing slash must be tolerated
		Timeout:   2 * time.Second,
		Retries:   retries,
		RetryWait: 5 * time.Millisecond,
	})
}

func TestRequestError_Retryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   bool
	}{
		{status: http.StatusBadRequest, want: false},
		{status: http.StatusNotFound, want: false},
		{status: http.StatusRequestTimeout, want: true},
		{status: http.StatusTooManyRequests, want: true},
		{status: http.StatusInternalServerError, want: true},
		{status: http.StatusServiceUnavailable, want: true},
	}

	for _, tc := range cases {
		err := &RequestError{Op: "x", Status: tc.status}
		if got := err.Retryable(); got != tc.want {
			t.Fatalf("status %d: retryable got=%v want=%v", tc.status, got, tc.want)
		}
	}
}

func TestClient_FetchConversationMessages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got=%s want=GET", r.Method)
		}
		if want := "/api/chats/5511999999999@c.us/messages"; r.URL.Path != want {
			t.Errorf("path: got=%q want=%q", r.URL.Path, want)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"id": "m1", "body": "oi", "timestamp": 1756000000000},
			{"id": "m2", "chatId": "5511999999999@c.us", "body": "tudo bem?", "fromMe": true, "ack": 2, "timestamp": "2025-08-24T12:00:00Z"}
		]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)

	msgs, err := c.FetchConversationMessages(context.Background(), "5511999999999@c.us")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages: got=%d want=2", len(msgs))
	}

	if msgs[0].ConversationKey != "5511999999999@c.us" {
		t.Fatalf("fallback chat id: got=%q", msgs[0].ConversationKey)
	}
	if msgs[0].Direction != msgsync.DirectionInbound || !msgs[0].Confirmed {
		t.Fatalf("m1: got direction=%q confirmed=%v want inbound confirmed", msgs[0].Direction, msgs[0].Confirmed)
	}
	if msgs[1].Direction != msgsync.DirectionOutbound || !msgs[1].Confirmed {
		t.Fatalf("m2: got direction=%q confirmed=%v want outbound confirmed", msgs[1].Direction, msgs[1].Confirmed)
	}
	if msgs[0].Timestamp.IsZero() || msgs[1].Timestamp.IsZero() {
		t.Fatalf("timestamps must decode: got %v and %v", msgs[0].Timestamp, msgs[1].Timestamp)
	}
}

func TestClient_SendText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/send" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			ChatID string `json:"chatId"`
			Body   string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ChatID != "5511999999999@c.us" || req.Body != "hello" {
			t.Errorf("request body: got=%+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": "srv-77", "confirmed": true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)

	res, err := c.SendText(context.Background(), "5511999999999@c.us", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ID != "srv-77" || !res.Confirmed {
		t.Fatalf("result: got=%+v want id=srv-77 confirmed", res)
	}
}

func TestClient_SendTextRejectsEmptyID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"confirmed": true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)

	if _, err := c.SendText(context.Background(), "111@c.us", "x"); err == nil {
		t.Fatal("want error for response without message id")
	}
}

func TestClient_RetriesOnceOn5xx(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 1)

	msgs, err := c.FetchConversationMessages(context.Background(), "111@c.us")
	if err != nil {
		t.Fatalf("fetch after retry: %v", err)
	}
	if msgs != nil {
		t.Fatalf("empty history: got=%v want=nil", msgs)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts: got=%d want=2", got)
	}
}

func TestClient_DoesNotRetryOn4xx(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no such chat", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 3)

	_, err := c.FetchConversationMessages(context.Background(), "nobody@c.us")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("want *RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusNotFound {
		t.Fatalf("status: got=%d want=404", reqErr.Status)
	}
	if reqErr.Retryable() {
		t.Fatal("404 must not be retryable")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts: got=%d want=1", got)
	}
}

func TestClient_GivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 1)

	err := c.Ping(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("want 503 RequestError, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts: got=%d want=2", got)
	}
}

func TestClient_Ping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("path: got=%q want=/api/health", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClient_StopsRetryingWhenContextEnds(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testLogger(), Config{
		BaseURL:   srv.URL,
		Timeout:   2 * time.Second,
		Retries:   10,
		RetryWait: time.Hour, // the context, not the wait, must end the loop
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Ping(ctx)
	if err == nil {
		t.Fatal("want error")
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("retry loop ignored context: took %v", took)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts: got=%d want=1", got)
	}
}
