// Package realtime maintains the single websocket transport between the
// console and the messaging gateway.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/bus"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/metrics"
	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"

	"github.com/coder/websocket"
)

// Config tunes the manager. Zero values select the defaults.
type Config struct {
	// URL is the gateway websocket endpoint. Connect may override it.
	URL string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// Reconnect delay is ReconnectBase × min(attempt, ReconnectCap).
	ReconnectBase time.Duration
	ReconnectCap  int

	// MaxAttempts consecutive failed cycles flip the manager to StateError.
	MaxAttempts int

	// QueueCap bounds the pending queue and the writer channel.
	QueueCap int

	MaxFrameBytes int64

	// Metrics may be nil.
	Metrics *metrics.Set
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaultSendQueueCap
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = maxFrameBytes
	}
	return c
}

// epoch is one transport generation: a dialed connection plus the three
// goroutines serving it. A new epoch replaces the old one on every
// reconnect; goroutines from a stale epoch observe the swap and exit.
type epoch struct {
	conn   *websocket.Conn
	sendCh chan v1.Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns exactly one duplex websocket transport to the gateway.
//
// Design notes:
//   - One reader, one writer, one heartbeat goroutine per epoch. The
//     writer is the sole owner of conn writes.
//   - Frames submitted while disconnected are queued FIFO and flushed
//     before anything submitted after the connect, so send order is
//     preserved across an outage. Queueing against an idle manager also
//     starts a connect cycle.
//   - Reconnect timers carry a token; Disconnect bumps the token, so a
//     timer that fires afterwards observes the change and does nothing.
//   - Reserved ping/pong frames are handled here and never reach the
//     Inbound topic.
type Manager struct {
	log *slog.Logger
	cfg Config

	opened  *bus.Topic[OpenEvent]
	closed  *bus.Topic[CloseEvent]
	errs    *bus.Topic[ErrorEvent]
	status  *bus.Topic[StatusChange]
	inbound *bus.Topic[v1.Frame]

	mu         sync.Mutex
	state      State
	attempt    int
	lastFrame  time.Time
	url        string
	cur        *epoch
	queue      *frameQueue
	retryTimer *time.Timer
	retryToken uint64
}

// New constructs a Manager in the disconnected state. Nothing is dialed
// until Connect.
func New(log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		log:     log,
		cfg:     cfg,
		state:   StateDisconnected,
		url:     cfg.URL,
		queue:   newFrameQueue(cfg.QueueCap),
		opened:  bus.New[OpenEvent](log),
		closed:  bus.New[CloseEvent](log),
		errs:    bus.New[ErrorEvent](log),
		status:  bus.NewReplay[StatusChange](log, 1),
		inbound: bus.New[v1.Frame](log),
	}
	m.status.Publish(StatusChange{State: StateDisconnected})
	return m
}

// Opened publishes once per successful dial.
func (m *Manager) Opened() *bus.Topic[OpenEvent] { return m.opened }

// Closed publishes when a transport is torn down, intentionally or not.
func (m *Manager) Closed() *bus.Topic[CloseEvent] { return m.closed }

// Errors publishes transport failures.
func (m *Manager) Errors() *bus.Topic[ErrorEvent] { return m.errs }

// Status publishes state transitions. The latest one is replayed to new
// subscribers.
func (m *Manager) Status() *bus.Topic[StatusChange] { return m.status }

// Inbound publishes every application frame. Subscribers filter on
// Frame.Type.
func (m *Manager) Inbound() *bus.Topic[v1.Frame] { return m.inbound }

// State returns a point-in-time snapshot.
func (m *Manager) State() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StateSnapshot{
		State:     m.state,
		Attempt:   m.attempt,
		LastFrame: m.lastFrame,
		Queued:    m.queue.len(),
	}
}

// Connect dials the gateway and blocks until the transport is open or the
// dial fails. Calling it while connected or connecting is a no-op. An
// empty url keeps the configured one. On failure the manager keeps
// retrying in the background with backoff; the dial error is returned to
// the caller either way.
func (m *Manager) Connect(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	if url != "" {
		m.url = url
	}
	if m.url == "" {
		m.mu.Unlock()
		return errors.New("no websocket url configured")
	}
	tok, target := m.beginCycleLocked()
	m.mu.Unlock()

	m.publishStatus(StatusChange{State: StateConnecting})

	conn, err := m.dialOnce(ctx, target)
	return m.finishDial(tok, target, conn, err)
}

// beginCycleLocked arms a fresh dial cycle: any pending retry is dropped,
// the attempt counter restarts, and the returned token identifies the
// cycle for finishDial. Caller holds mu and has vetted the state.
func (m *Manager) beginCycleLocked() (tok uint64, target string) {
	m.stopRetryLocked()
	m.retryToken++
	m.attempt = 0
	m.state = StateConnecting
	return m.retryToken, m.url
}

// dialOnce performs a single dial with the configured timeout.
func (m *Manager) dialOnce(ctx context.Context, url string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(m.cfg.MaxFrameBytes)
	return conn, nil
}

// finishDial commits the outcome of one dial. A token mismatch means the
// cycle was superseded (Disconnect or a fresh Connect) while the dial was
// in flight; the connection, if any, is discarded.
func (m *Manager) finishDial(tok uint64, url string, conn *websocket.Conn, dialErr error) error {
	m.mu.Lock()
	if tok != m.retryToken || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil
	}

	if dialErr != nil {
		st, retrying := m.scheduleRetryLocked()
		m.mu.Unlock()

		m.log.Warn("ws.dial.fail", "url", url, "attempt", st.Attempt, "err", dialErr)
		m.errs.Publish(ErrorEvent{Op: "dial", Err: dialErr})
		m.publishStatus(st)
		if !retrying {
			m.log.Error("ws.reconnect.giveup", "attempts", m.cfg.MaxAttempts)
		}
		return dialErr
	}

	backlog := m.queue.drain()
	e := &epoch{
		conn:   conn,
		sendCh: make(chan v1.Frame, m.cfg.QueueCap),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	m.cur = e
	m.state = StateConnected
	m.attempt = 0
	m.lastFrame = time.Now()
	m.mu.Unlock()

	go m.readLoop(e)
	go m.writeLoop(e, backlog)
	go m.heartbeatLoop(e)

	m.cfg.Metrics.SendQueueDepth(0)
	m.log.Info("ws.open", "url", url, "flushed", len(backlog))
	m.opened.Publish(OpenEvent{URL: url})
	m.publishStatus(StatusChange{State: StateConnected})
	return nil
}

// Disconnect tears the transport down intentionally and stops any pending
// reconnect. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopRetryLocked()
	m.retryToken++
	e := m.cur
	m.cur = nil
	wasDisconnected := m.state == StateDisconnected
	m.state = StateDisconnected
	m.attempt = 0
	m.mu.Unlock()

	if e != nil {
		e.cancel()
		_ = e.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if wasDisconnected && e == nil {
		return
	}

	m.log.Info("ws.disconnect")
	if e != nil {
		m.closed.Publish(CloseEvent{Code: websocket.StatusNormalClosure, Reason: "client disconnect", Intentional: true})
	}
	m.publishStatus(StatusChange{State: StateDisconnected})
}

// Send marshals payload into a frame and transmits it, or queues it while
// the transport is down. Queueing with no connect cycle underway starts
// one, so a send against an idle manager brings the transport up on its
// own. Overflow on either path drops the new frame and returns
// ErrQueueFull.
func (m *Manager) Send(frameType string, payload any) error {
	f, err := v1.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	return m.sendFrame(f)
}

func (m *Manager) sendFrame(f v1.Frame) error {
	m.mu.Lock()
	if m.state == StateConnected && m.cur != nil {
		e := m.cur
		m.mu.Unlock()

		select {
		case e.sendCh <- f:
			return nil
		default:
			m.log.Warn("ws.send.backpressure", "type", f.Type)
			return ErrQueueFull
		}
	}

	err := m.queue.push(f)
	depth := m.queue.len()

	// Idle or given-up means no retry timer will ever fire; the queued
	// frame would wait forever unless a cycle starts here.
	kick := err == nil && m.url != "" &&
		(m.state == StateDisconnected || m.state == StateError)
	var tok uint64
	var target string
	if kick {
		tok, target = m.beginCycleLocked()
	}
	m.mu.Unlock()

	m.cfg.Metrics.SendQueueDepth(depth)
	if err != nil {
		m.log.Warn("ws.queue.full", "type", f.Type, "cap", m.cfg.QueueCap)
		return err
	}
	if kick {
		m.publishStatus(StatusChange{State: StateConnecting})
		go func() {
			conn, dialErr := m.dialOnce(context.Background(), target)
			_ = m.finishDial(tok, target, conn, dialErr)
		}()
	}
	return nil
}

// ---- per-epoch goroutines ----

func (m *Manager) readLoop(e *epoch) {
	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			switch classifyReadErr(err) {
			case readErrClose:
				m.epochFail(e, "peer closed", err)
			case readErrConnClosed:
				m.epochFail(e, "conn closed", err)
			default:
				m.epochFail(e, "read", err)
			}
			return
		}

		m.touchLastFrame()

		var f v1.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Warn("ws.read.badjson", "bytes", len(data), "err", err)
			continue
		}
		if err := f.Validate(); err != nil {
			m.log.Warn("ws.read.badframe", "err", err)
			continue
		}

		switch f.Type {
		case v1.TypePing:
			select {
			case e.sendCh <- v1.Pong():
			default:
			}
		case v1.TypePong:
			// Liveness already recorded above.
		default:
			m.cfg.Metrics.FrameReceived(f.Type)
			m.inbound.Publish(f)
		}
	}
}

func (m *Manager) writeLoop(e *epoch, backlog []v1.Frame) {
	for i, f := range backlog {
		if err := m.writeFrame(e, f); err != nil {
			// Unflushed frames go back to the queue for the next epoch.
			m.requeue(backlog[i:])
			m.epochFail(e, "write", err)
			return
		}
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case f := <-e.sendCh:
			if err := m.writeFrame(e, f); err != nil {
				m.epochFail(e, "write", err)
				return
			}
		}
	}
}

func (m *Manager) writeFrame(e *epoch, f v1.Frame) error {
	ctx, cancel := context.WithTimeout(e.ctx, m.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := e.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return err
	}
	m.cfg.Metrics.FrameSent(f.Type)
	return nil
}

func (m *Manager) heartbeatLoop(e *epoch) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			silent := time.Since(m.lastFrame)
			m.mu.Unlock()

			if silent > silenceFactor*m.cfg.HeartbeatInterval {
				m.epochFail(e, "silence", fmt.Errorf("no frames for %s", silent.Round(time.Millisecond)))
				return
			}

			select {
			case e.sendCh <- v1.Ping():
			default:
				m.log.Warn("ws.ping.backpressure")
			}
		}
	}
}

// ---- failure and reconnect ----

// epochFail tears down a live epoch after a transport error and schedules
// a reconnect. Only the current epoch may fail; calls from goroutines of
// an already-replaced epoch are no-ops.
func (m *Manager) epochFail(e *epoch, op string, err error) {
	m.mu.Lock()
	if m.cur != e {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	st, retrying := m.scheduleRetryLocked()
	m.mu.Unlock()

	e.cancel()
	_ = e.conn.Close(websocket.StatusAbnormalClosure, op)

	m.log.Warn("ws.drop", "op", op, "attempt", st.Attempt, "err", err)
	m.errs.Publish(ErrorEvent{Op: op, Err: err})
	m.closed.Publish(CloseEvent{Code: websocket.CloseStatus(err), Reason: op})
	m.publishStatus(st)
	if !retrying {
		m.log.Error("ws.reconnect.giveup", "attempts", m.cfg.MaxAttempts)
	}
}

// scheduleRetryLocked advances the attempt counter and either arms the
// backoff timer or, past MaxAttempts, parks the manager in StateError
// until a manual Connect. Caller holds mu.
func (m *Manager) scheduleRetryLocked() (StatusChange, bool) {
	m.attempt++
	m.cfg.Metrics.ReconnectStarted()

	if m.attempt > m.cfg.MaxAttempts {
		m.state = StateError
		return StatusChange{State: StateError, Attempt: m.attempt}, false
	}

	m.state = StateConnecting
	m.retryToken++
	tok := m.retryToken
	m.retryTimer = time.AfterFunc(reconnectDelay(m.cfg.ReconnectBase, m.attempt, m.cfg.ReconnectCap), func() {
		m.redial(tok)
	})
	return StatusChange{State: StateConnecting, Attempt: m.attempt}, true
}

// reconnectDelay is base × min(attempt, limit): linear growth with a
// hard ceiling, not exponential.
func reconnectDelay(base time.Duration, attempt, limit int) time.Duration {
	if attempt > limit {
		attempt = limit
	}
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// redial runs one background reconnect cycle armed by the backoff timer.
func (m *Manager) redial(tok uint64) {
	m.mu.Lock()
	if tok != m.retryToken || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	target := m.url
	attempt := m.attempt
	m.mu.Unlock()

	m.log.Info("ws.redial", "url", target, "attempt", attempt)

	conn, err := m.dialOnce(context.Background(), target)
	_ = m.finishDial(tok, target, conn, err)
}

func (m *Manager) requeue(frames []v1.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		if err := m.queue.push(f); err != nil {
			return
		}
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) touchLastFrame() {
	m.mu.Lock()
	m.lastFrame = time.Now()
	m.mu.Unlock()
}

func (m *Manager) publishStatus(st StatusChange) {
	m.cfg.Metrics.ConnectionState(stateGauge(st.State))
	m.status.Publish(st)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return readErrConnClosed
	}
	return readErrUnknown
}
