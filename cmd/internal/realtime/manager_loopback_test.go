package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"

	"github.com/coder/websocket"
)

// loopback is an in-process gateway endpoint. Every accepted connection
// is surfaced on conns; every frame the client writes lands on frames.
type loopback struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan v1.Frame

	mu       sync.Mutex
	accepted []*websocket.Conn
}

func newLoopback(t *testing.T) *loopback {
	t.Helper()

	lb := &loopback{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan v1.Frame, 256),
	}
	lb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}

		lb.mu.Lock()
		lb.accepted = append(lb.accepted, conn)
		lb.mu.Unlock()
		lb.conns <- conn

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var f v1.Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			select {
			case lb.frames <- f:
			default:
			}
		}
	}))

	t.Cleanup(func() {
		lb.mu.Lock()
		for _, c := range lb.accepted {
			_ = c.Close(websocket.StatusNormalClosure, "test over")
		}
		lb.mu.Unlock()
		lb.srv.Close()
	})
	return lb
}

func (lb *loopback) url() string {
	return "ws" + strings.TrimPrefix(lb.srv.URL, "http")
}

func (lb *loopback) nextConn(t *testing.T, within time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case c := <-lb.conns:
		return c
	case <-time.After(within):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (lb *loopback) nextFrame(t *testing.T, within time.Duration) v1.Frame {
	t.Helper()
	select {
	case f := <-lb.frames:
		return f
	case <-time.After(within):
		t.Fatal("no frame arrived")
		return v1.Frame{}
	}
}

func mustConnect(t *testing.T, m *Manager, url string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, url); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func writeFrameTo(t *testing.T, conn *websocket.Conn, f v1.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestManager_FlushesQueueInOrderOnConnect(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{})
	t.Cleanup(m.Disconnect)

	for _, id := range []string{"q1", "q2", "q3"} {
		if err := m.Send(v1.TypeDirectMessage, v1.MessagePayload{ID: id, Body: "queued"}); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
	}

	mustConnect(t, m, lb.url())
	if err := m.Connect(context.Background(), lb.url()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}

	// Submitted after the connect, so it must come out after the backlog.
	if err := m.Send(v1.TypeDirectMessage, v1.MessagePayload{ID: "live", Body: "live"}); err != nil {
		t.Fatalf("live send: %v", err)
	}

	for i, want := range []string{"q1", "q2", "q3", "live"} {
		f := lb.nextFrame(t, 3*time.Second)
		if f.Type != v1.TypeDirectMessage {
			t.Fatalf("frame[%d] type: got=%q want=%q", i, f.Type, v1.TypeDirectMessage)
		}
		var p v1.MessagePayload
		if err := f.Into(&p); err != nil {
			t.Fatalf("frame[%d] decode: %v", i, err)
		}
		if p.ID != want {
			t.Fatalf("frame[%d]: got=%q want=%q", i, p.ID, want)
		}
	}

	lb.nextConn(t, 2*time.Second)
	select {
	case <-lb.conns:
		t.Fatal("idempotent connect opened a second transport")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_SendAgainstIdleManagerDialsAndFlushes(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{URL: lb.url()})
	t.Cleanup(m.Disconnect)

	// No Connect call. Queueing the frame must bring the transport up.
	if err := m.Send(v1.TypeDirectMessage, v1.MessagePayload{ID: "kick", Body: "wake up"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	lb.nextConn(t, 3*time.Second)
	f := lb.nextFrame(t, 3*time.Second)
	var p v1.MessagePayload
	if err := f.Into(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "kick" {
		t.Fatalf("flushed frame: got=%q want=%q", p.ID, "kick")
	}

	waitFor(t, 2*time.Second, func() bool { return m.State().State == StateConnected })
}

func TestManager_AnswersServerPingWithPong(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{})
	t.Cleanup(m.Disconnect)

	var mu sync.Mutex
	var seen []v1.Frame
	m.Inbound().Subscribe(func(f v1.Frame) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})

	mustConnect(t, m, lb.url())
	server := lb.nextConn(t, 2*time.Second)

	writeFrameTo(t, server, v1.Ping())

	if f := lb.nextFrame(t, 3*time.Second); f.Type != v1.TypePong {
		t.Fatalf("reply: got=%q want=%q", f.Type, v1.TypePong)
	}

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("reserved frames reached subscribers: %d", n)
	}
}

func TestManager_PublishesInboundFrames(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{})
	t.Cleanup(m.Disconnect)

	got := make(chan v1.Frame, 8)
	m.Inbound().Subscribe(func(f v1.Frame) { got <- f })

	mustConnect(t, m, lb.url())
	server := lb.nextConn(t, 2*time.Second)

	frame, err := v1.NewFrame(v1.TypeNewMessage, v1.MessagePayload{
		ID:     "m1",
		ChatID: "5511999@c.us",
		Body:   "hello",
	})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeFrameTo(t, server, frame)

	select {
	case f := <-got:
		if f.Type != v1.TypeNewMessage {
			t.Fatalf("type: got=%q want=%q", f.Type, v1.TypeNewMessage)
		}
		var p v1.MessagePayload
		if err := f.Into(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.ID != "m1" || p.ChatID != "5511999@c.us" {
			t.Fatalf("payload: got=%+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("inbound frame never published")
	}
}

func TestManager_SilenceTriggersReconnect(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{
		HeartbeatInterval: 40 * time.Millisecond,
		ReconnectBase:     20 * time.Millisecond,
	})
	t.Cleanup(m.Disconnect)

	mustConnect(t, m, lb.url())
	lb.nextConn(t, 2*time.Second)

	// The server stays silent. After 2× the heartbeat interval without a
	// single inbound frame the client must drop the transport and redial.
	lb.nextConn(t, 5*time.Second)

	waitFor(t, 2*time.Second, func() bool {
		s := m.State()
		return s.State == StateConnected && s.Attempt == 0
	})
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	lb := newLoopback(t)
	m := New(testLogger(), Config{ReconnectBase: 500 * time.Millisecond})
	t.Cleanup(m.Disconnect)

	mustConnect(t, m, lb.url())
	server := lb.nextConn(t, 2*time.Second)

	_ = server.Close(websocket.StatusGoingAway, "server restart")
	waitFor(t, 2*time.Second, func() bool { return m.State().State == StateConnecting })

	m.Disconnect()
	if st := m.State().State; st != StateDisconnected {
		t.Fatalf("state after disconnect: got=%v want=%v", st, StateDisconnected)
	}

	// Past the armed backoff delay: the timer must have observed the
	// disconnect and done nothing.
	time.Sleep(700 * time.Millisecond)
	if st := m.State().State; st != StateDisconnected {
		t.Fatalf("state after backoff window: got=%v want=%v", st, StateDisconnected)
	}
	select {
	case <-lb.conns:
		t.Fatal("reconnect dialed after Disconnect")
	default:
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	m := New(testLogger(), Config{
		ReconnectBase: 10 * time.Millisecond,
		MaxAttempts:   3,
		DialTimeout:   500 * time.Millisecond,
	})
	t.Cleanup(m.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, deadURL); err == nil {
		t.Fatal("connect to dead endpoint: expected error")
	}

	waitFor(t, 3*time.Second, func() bool { return m.State().State == StateError })
	if got := m.State().Attempt; got <= 3 {
		t.Fatalf("attempt at give-up: got=%d want > MaxAttempts", got)
	}

	// A manual Connect recovers from the error state with a fresh counter.
	lb := newLoopback(t)
	mustConnect(t, m, lb.url())
	lb.nextConn(t, 2*time.Second)

	snap := m.State()
	if snap.State != StateConnected || snap.Attempt != 0 {
		t.Fatalf("after recovery: got=%+v want connected with attempt 0", snap)
	}
}
