// Package engine binds the transport, the sync store, and the gateway REST
// client into the running sync loop.
//
// Design notes:
//   - The engine owns no message state. It routes inbound frames into the
//     store, polls the active conversation as a safety net for dropped
//     frames, and runs the optimistic send flow. The store stays the single
//     source of truth.
//   - Frame handling runs synchronously on the transport's read goroutine;
//     every store call it makes is in-memory with async persistence, so a
//     slow mirror never backs up into the socket.
//   - The poll loop is the only goroutine the engine starts. Poll failures
//     are absorbed as sync errors; nothing here ever stops the loop.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/bus"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/gatewayapi"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/ids"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/metrics"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/msgsync"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/realtime"
	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

const defaultPollInterval = 15 * time.Second

// ErrEmptyBody rejects outbound sends with nothing to say.
var ErrEmptyBody = errors.New("engine: empty message body")

// Transport is the slice of the connection manager the engine consumes.
type Transport interface {
	Inbound() *bus.Topic[v1.Frame]
	State() realtime.StateSnapshot
}

// Gateway is the REST surface the engine calls. *gatewayapi.Client
// implements it.
type Gateway interface {
	FetchConversationMessages(ctx context.Context, address string) ([]msgsync.Message, error)
	SendText(ctx context.Context, address, body string) (gatewayapi.SendResult, error)
}

// Config carries the engine's tunables.
type Config struct {
	// PollInterval is the active-conversation refresh period. Defaults
	// to 15s.
	PollInterval time.Duration
	// Metrics may be nil.
	Metrics *metrics.Set
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Engine wires the transport's frames and the poll task into the store and
// runs the optimistic send flow against the gateway.
type Engine struct {
	log       *slog.Logger
	cfg       Config
	transport Transport
	store     *msgsync.Store
	gw        Gateway

	gwStatus *bus.Topic[v1.ConnectionStatusPayload]

	mu         sync.Mutex
	activeAddr string
	started    bool

	cancelIn  func()
	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds an Engine. A nil log falls back to a JSON logger on stdout.
func New(log *slog.Logger, transport Transport, store *msgsync.Store, gw Gateway, cfg Config) *Engine {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{
		log:       log,
		cfg:       cfg.withDefaults(),
		transport: transport,
		store:     store,
		gw:        gw,
		gwStatus:  bus.NewReplay[v1.ConnectionStatusPayload](log, 1),
		wake:      make(chan struct{}, 1),
	}
}

// GatewayStatus publishes the gateway's upstream session state
// (connection_status frames). The topic replays the latest value to new
// subscribers.
func (e *Engine) GatewayStatus() *bus.Topic[v1.ConnectionStatusPayload] { return e.gwStatus }

// Start subscribes to the transport and starts the poll loop. It must be
// called once; the engine stops when Close is called or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.cancelIn = e.transport.Inbound().Subscribe(e.handleFrame)

	e.wg.Add(1)
	go e.pollLoop()

	e.log.Info("engine.start", "poll_interval", e.cfg.PollInterval)
	return nil
}

// Close unsubscribes from the transport and stops the poll loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.cancelIn != nil {
			e.cancelIn()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.log.Info("engine.stop")
	})
}

// SetActive marks the conversation the console is viewing and triggers an
// immediate poll for it. The address keeps its gateway form; the store
// derives its own key from it.
func (e *Engine) SetActive(ctx context.Context, address string) error {
	if err := e.store.SetActive(ctx, address); err != nil {
		return err
	}

	e.mu.Lock()
	e.activeAddr = address
	e.mu.Unlock()

	e.pokePoll()
	return nil
}

// SendText runs the optimistic send flow: the message lands in the store
// under a provisional id before the gateway call, so the console shows it
// immediately. On success the gateway's id replaces the provisional one.
// On failure the provisional message stays in the conversation unconfirmed;
// the returned message carries whichever id the store holds.
func (e *Engine) SendText(ctx context.Context, address, body string) (msgsync.Message, error) {
	if strings.TrimSpace(body) == "" {
		return msgsync.Message{}, ErrEmptyBody
	}
	key, err := msgsync.NormalizeAddress(address)
	if err != nil {
		return msgsync.Message{}, err
	}

	msg := msgsync.Message{
		ID:              ids.NewProvisionalID(),
		ConversationKey: key,
		Body:            body,
		Timestamp:       time.Now().UTC(),
		Direction:       msgsync.DirectionOutbound,
		Read:            true,
	}
	if _, err := e.store.Ingest(ctx, msg); err != nil {
		return msgsync.Message{}, err
	}

	res, err := e.gw.SendText(ctx, address, body)
	if err != nil {
		e.log.Warn("engine.send.fail", "conversation", key, "err", err)
		e.cfg.Metrics.SyncError(msgsync.ReasonSend)
		e.store.Errors().Publish(msgsync.SyncError{ConversationKey: key, Reason: msgsync.ReasonSend, Err: err})
		return msg, err
	}

	switch err := e.store.Confirm(ctx, key, msg.ID, res.ID); {
	case err == nil:
	case errors.Is(err, msgsync.ErrUnknownMessage):
		// The gateway echo beat the REST response and already promoted
		// the provisional copy.
		e.log.Debug("engine.send.echo_won", "conversation", key, "id", res.ID)
	default:
		e.log.Warn("engine.confirm.fail", "conversation", key, "id", res.ID, "err", err)
	}

	msg.ID = res.ID
	msg.Confirmed = true
	return msg, nil
}

// handleFrame dispatches one inbound frame. Malformed data is dropped with
// a warning; the connection stays up.
func (e *Engine) handleFrame(f v1.Frame) {
	switch f.Type {
	case v1.TypeNewMessage, v1.TypeDirectMessage:
		var p v1.MessagePayload
		if err := f.Into(&p); err != nil {
			e.dropFrame(f.Type, err)
			return
		}
		if _, err := e.store.Ingest(e.ctx, msgsync.FromWire(p)); err != nil {
			e.log.Warn("engine.ingest.fail", "type", f.Type, "err", err)
		}

	case v1.TypeInboxData:
		var p v1.InboxPayload
		if err := f.Into(&p); err != nil {
			e.dropFrame(f.Type, err)
			return
		}
		e.ingestBatch(f.Type, msgsync.FromWireBatch(p.Messages, ""))

	case v1.TypeActiveChatUpdate:
		var p v1.ActiveChatPayload
		if err := f.Into(&p); err != nil {
			e.dropFrame(f.Type, err)
			return
		}
		e.ingestBatch(f.Type, msgsync.FromWireBatch(p.Messages, p.ChatID))

	case v1.TypeConnectionStatus:
		var p v1.ConnectionStatusPayload
		if err := f.Into(&p); err != nil {
			e.dropFrame(f.Type, err)
			return
		}
		e.log.Info("engine.gateway.status", "status", p.Status)
		e.gwStatus.Publish(p)

	case v1.TypeForceRefreshChat:
		e.log.Info("engine.force_refresh")
		e.pokePoll()

	default:
		e.log.Debug("engine.frame.unhandled", "type", f.Type)
	}
}

func (e *Engine) ingestBatch(frameType string, msgs []msgsync.Message) {
	if len(msgs) == 0 {
		return
	}
	res, err := e.store.IngestBatch(e.ctx, msgs)
	if err != nil {
		e.log.Warn("engine.batch.fail", "type", frameType, "err", err)
		return
	}
	e.log.Debug("engine.batch",
		"type", frameType,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"promoted", res.Promoted,
		"rejected", res.Rejected)
}

func (e *Engine) dropFrame(frameType string, err error) {
	e.log.Warn("engine.frame.drop", "type", frameType, "err", err)
	e.cfg.Metrics.SyncError(msgsync.ReasonDecode)
}

// pollLoop refreshes the active conversation every PollInterval and
// whenever poked (SetActive, force_refresh_chat).
func (e *Engine) pollLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.pollActive()
	}
}

func (e *Engine) pollActive() {
	e.mu.Lock()
	addr := e.activeAddr
	e.mu.Unlock()
	if addr == "" {
		return
	}
	if e.transport.State().State != realtime.StateConnected {
		e.log.Debug("engine.poll.skip", "reason", "transport_down")
		return
	}

	msgs, err := e.gw.FetchConversationMessages(e.ctx, addr)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.log.Warn("engine.poll.fail", "conversation", addr, "err", err)
		e.cfg.Metrics.SyncError(msgsync.ReasonFetch)
		e.store.Errors().Publish(msgsync.SyncError{ConversationKey: addr, Reason: msgsync.ReasonFetch, Err: err})
		return
	}
	if len(msgs) == 0 {
		return
	}
	e.ingestBatch("poll", msgs)
}

func (e *Engine) pokePoll() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
