package msgsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/bus"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/metrics"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/mirror"
)

const (
	defaultDedupWindow        = 1 * time.Second
	defaultMaxMessagesPerConv = 1000
	defaultMirrorKeyPrefix    = "conv/"
	mirrorWriteTimeout        = 5 * time.Second
	flushPollInterval         = 5 * time.Millisecond
)

// Config tunes the store. Zero values select the defaults.
type Config struct {
	// DedupWindow is the timestamp distance within which two messages with
	// the same body and direction are treated as one observation.
	DedupWindow time.Duration

	// MaxMessagesPerConversation caps memory and mirror snapshots.
	MaxMessagesPerConversation int

	// MirrorKeyPrefix namespaces conversation snapshots in the mirror.
	MirrorKeyPrefix string

	// Metrics may be nil.
	Metrics *metrics.Set
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.MaxMessagesPerConversation <= 0 {
		c.MaxMessagesPerConversation = defaultMaxMessagesPerConv
	}
	if c.MirrorKeyPrefix == "" {
		c.MirrorKeyPrefix = defaultMirrorKeyPrefix
	}
	return c
}

// BatchResult summarizes an IngestBatch pass.
type BatchResult struct {
	Accepted   int
	Duplicates int
	Promoted   int
	Rejected   int
}

// Store is the authoritative conversation state for the console.
//
// Design notes:
//   - Memory is the source of truth. The mirror is a write-through cache
//     consulted only during restore and active-conversation reconciliation.
//   - Each conversation has its own mutex; the three producers (gateway
//     push, poll task, optimistic send) serialize per conversation, never
//     against each other across conversations.
//   - Merging never performs I/O. Snapshot writes run on a single
//     persister goroutine behind a coalescing (last write wins per key)
//     queue, so a slow mirror cannot stall ingest or heartbeats.
type Store struct {
	log    *slog.Logger
	mirror mirror.Mirror
	cfg    Config

	mu     sync.Mutex
	convs  map[string]*conversationState
	active string

	added     *bus.Topic[MessageAdded]
	activeUpd *bus.Topic[ActiveConversationUpdate]
	completed *bus.Topic[SyncCompleted]
	syncErrs  *bus.Topic[SyncError]

	pmu     sync.Mutex
	pending map[string]Conversation
	writing bool

	notify    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStore constructs a Store over the given mirror and starts its
// persister goroutine.
func NewStore(log *slog.Logger, m mirror.Mirror, cfg Config) *Store {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Store{
		log:       log,
		mirror:    m,
		cfg:       cfg.withDefaults(),
		convs:     make(map[string]*conversationState),
		added:     bus.New[MessageAdded](log),
		activeUpd: bus.NewReplay[ActiveConversationUpdate](log, 1),
		completed: bus.New[SyncCompleted](log),
		syncErrs:  bus.New[SyncError](log),
		pending:   make(map[string]Conversation),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.persistLoop()
	return s
}

// Added publishes every message accepted into any conversation.
func (s *Store) Added() *bus.Topic[MessageAdded] { return s.added }

// ActiveUpdated publishes snapshots of the active conversation whenever it
// changes. The topic replays the latest snapshot to new subscribers.
func (s *Store) ActiveUpdated() *bus.Topic[ActiveConversationUpdate] { return s.activeUpd }

// Completed publishes after a batch or reconciliation pass.
func (s *Store) Completed() *bus.Topic[SyncCompleted] { return s.completed }

// Errors publishes sync failures that were absorbed rather than returned.
func (s *Store) Errors() *bus.Topic[SyncError] { return s.syncErrs }

// foldMode controls side effects while merging. Live ingest emits and
// persists; reconciliation folds silently and decides persistence itself.
type foldMode struct {
	emitAdded  bool
	emitActive bool
	persist    bool
}

var (
	modeLive      = foldMode{emitAdded: true, emitActive: true, persist: true}
	modeReconcile = foldMode{}
)

// Ingest merges one observed message. Rejections are surfaced both as a
// returned error and as a sync error event; they never panic.
func (s *Store) Ingest(ctx context.Context, msg Message) (Outcome, error) {
	return s.ingest(ctx, msg, modeLive)
}

func (s *Store) ingest(ctx context.Context, msg Message, mode foldMode) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeRejected, err
	}

	key, err := NormalizeAddress(msg.ConversationKey)
	if err != nil {
		s.reject(msg.ConversationKey, ReasonNoConversationKey, err)
		return OutcomeRejected, err
	}
	if strings.TrimSpace(msg.ID) == "" {
		s.reject(key, ReasonInvalidMessage, ErrNoMessageID)
		return OutcomeRejected, ErrNoMessageID
	}

	msg.ConversationKey = key
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	switch msg.Direction {
	case DirectionInbound, DirectionOutbound:
	case "":
		msg.Direction = DirectionInbound
	default:
		err := fmt.Errorf("invalid direction %q", msg.Direction)
		s.reject(key, ReasonInvalidMessage, err)
		return OutcomeRejected, err
	}
	if msg.Direction == DirectionOutbound {
		// Outbound messages never count toward unread.
		msg.Read = true
	}

	c, isActive := s.conv(key)

	c.mu.Lock()
	outcome, changed := c.merge(msg, s.cfg.DedupWindow)
	var evicted int
	var snap Conversation
	if changed {
		evicted = c.evict(s.cfg.MaxMessagesPerConversation)
		snap = c.snapshot()
	}
	c.mu.Unlock()

	s.cfg.Metrics.MessageIngested(string(outcome))
	if !changed {
		return outcome, nil
	}

	if evicted > 0 {
		s.log.Debug("sync.evict", "conversation", key, "evicted", evicted)
	}
	if mode.persist {
		s.enqueuePersist(key, snap)
	}
	if mode.emitAdded && outcome == OutcomeAccepted {
		s.added.Publish(MessageAdded{ConversationKey: key, Message: msg})
	}
	if mode.emitActive && isActive {
		s.activeUpd.Publish(ActiveConversationUpdate{Conversation: snap})
	}
	return outcome, nil
}

// IngestBatch folds msgs through Ingest in order. One message's rejection
// never aborts the rest. A sync_completed event is published per
// conversation touched by the batch.
func (s *Store) IngestBatch(ctx context.Context, msgs []Message) (BatchResult, error) {
	var res BatchResult
	touched := make(map[string]int)
	order := make([]string, 0, 4)

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, err := s.ingest(ctx, m, modeLive)
		switch outcome {
		case OutcomeAccepted:
			res.Accepted++
		case OutcomeDuplicate:
			res.Duplicates++
		case OutcomePromoted:
			res.Promoted++
		default:
			res.Rejected++
		}
		if err != nil {
			continue
		}

		key, kerr := NormalizeAddress(m.ConversationKey)
		if kerr != nil {
			continue
		}
		if _, ok := touched[key]; !ok {
			touched[key] = 0
			order = append(order, key)
		}
		if outcome == OutcomeAccepted || outcome == OutcomePromoted {
			touched[key]++
		}
	}

	for _, key := range order {
		s.completed.Publish(SyncCompleted{ConversationKey: key, Ingested: touched[key]})
	}
	return res, nil
}

// SetActive switches the active conversation. An empty key clears it.
// Switching reconciles the target against its mirror snapshot and then
// publishes exactly one active-conversation update; re-activating the
// current key is a no-op.
func (s *Store) SetActive(ctx context.Context, rawKey string) error {
	key := ""
	if strings.TrimSpace(rawKey) != "" {
		k, err := NormalizeAddress(rawKey)
		if err != nil {
			return err
		}
		key = k
	}

	s.mu.Lock()
	if s.active == key {
		s.mu.Unlock()
		return nil
	}
	s.active = key
	s.mu.Unlock()

	if key == "" {
		return nil
	}

	pulled := s.reconcile(ctx, key)

	c, _ := s.conv(key)
	c.mu.Lock()
	snap := c.snapshot()
	c.mu.Unlock()

	s.activeUpd.Publish(ActiveConversationUpdate{Conversation: snap})
	if pulled > 0 {
		s.completed.Publish(SyncCompleted{ConversationKey: key, Ingested: pulled})
	}
	return nil
}

// ActiveKey returns the current active conversation key ("" when none).
func (s *Store) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// reconcile folds the mirror snapshot for key into memory, silently, and
// refreshes the mirror when memory held messages the snapshot lacked.
// Mirror failures are absorbed: the in-memory state stays authoritative.
func (s *Store) reconcile(ctx context.Context, key string) int {
	raw, err := s.mirror.Get(ctx, s.cfg.MirrorKeyPrefix+key)
	if errors.Is(err, mirror.ErrNotFound) {
		return 0
	}
	if err != nil {
		s.reject(key, ReasonMirrorRead, err)
		return 0
	}

	snap, err := decodeSnapshot(raw)
	if err != nil {
		s.reject(key, ReasonMirrorRead, err)
		return 0
	}

	pulled := 0
	for _, m := range snap.Messages {
		outcome, err := s.ingest(ctx, m, modeReconcile)
		if err != nil {
			continue
		}
		if outcome == OutcomeAccepted || outcome == OutcomePromoted {
			pulled++
		}
	}

	c, _ := s.conv(key)
	c.mu.Lock()
	n := len(c.msgs)
	cur := c.snapshot()
	c.mu.Unlock()

	// Snapshots are written post-merge, so a length difference means
	// memory holds state the mirror has not seen yet.
	if n != len(snap.Messages) {
		s.enqueuePersist(key, cur)
	}
	return pulled
}

// Restore warm-starts the store from every snapshot under the mirror
// prefix. Corrupt snapshots are skipped; they must not block boot.
func (s *Store) Restore(ctx context.Context) error {
	keys, err := s.mirror.ListKeys(ctx, s.cfg.MirrorKeyPrefix)
	if err != nil {
		return fmt.Errorf("list mirror keys: %w", err)
	}

	restored := 0
	for _, full := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := strings.TrimPrefix(full, s.cfg.MirrorKeyPrefix)
		raw, err := s.mirror.Get(ctx, full)
		if err != nil {
			s.reject(key, ReasonMirrorRead, err)
			continue
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			s.reject(key, ReasonMirrorRead, err)
			continue
		}
		for _, m := range snap.Messages {
			if _, err := s.ingest(ctx, m, modeReconcile); err != nil && ctx.Err() != nil {
				return err
			}
		}
		restored++
	}

	s.log.Info("sync.restore", "conversations", restored)
	return nil
}

// Confirm promotes a provisional message to its gateway identity after a
// successful send. When the gateway echo already replaced the provisional
// entry, Confirm returns ErrUnknownMessage and the state is already
// correct.
func (s *Store) Confirm(ctx context.Context, rawKey, provisionalID, confirmedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := NormalizeAddress(rawKey)
	if err != nil {
		return err
	}
	if strings.TrimSpace(confirmedID) == "" {
		return ErrNoMessageID
	}

	s.mu.Lock()
	c := s.convs[key]
	isActive := s.active == key
	s.mu.Unlock()
	if c == nil {
		return ErrUnknownConversation
	}

	c.mu.Lock()
	changed, err := c.confirmID(provisionalID, confirmedID)
	var snap Conversation
	if changed {
		snap = c.snapshot()
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}

	s.cfg.Metrics.MessageIngested(string(OutcomePromoted))
	s.enqueuePersist(key, snap)
	if isActive {
		s.activeUpd.Publish(ActiveConversationUpdate{Conversation: snap})
	}
	return nil
}

// MarkRead clears the unread state of every inbound message in the
// conversation.
func (s *Store) MarkRead(ctx context.Context, rawKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := NormalizeAddress(rawKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c := s.convs[key]
	isActive := s.active == key
	s.mu.Unlock()
	if c == nil {
		return ErrUnknownConversation
	}

	c.mu.Lock()
	changed := c.markRead()
	var snap Conversation
	if changed {
		snap = c.snapshot()
	}
	c.mu.Unlock()

	if !changed {
		return nil
	}

	s.enqueuePersist(key, snap)
	if isActive {
		s.activeUpd.Publish(ActiveConversationUpdate{Conversation: snap})
	}
	return nil
}

// Conversation returns a snapshot copy of one conversation.
func (s *Store) Conversation(rawKey string) (Conversation, bool) {
	key, err := NormalizeAddress(rawKey)
	if err != nil {
		return Conversation{}, false
	}

	s.mu.Lock()
	c := s.convs[key]
	s.mu.Unlock()
	if c == nil {
		return Conversation{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// Summaries lists every conversation, most recently active first.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	states := make([]*conversationState, 0, len(s.convs))
	for _, c := range s.convs {
		states = append(states, c)
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(states))
	for _, c := range states {
		c.mu.Lock()
		out = append(out, c.summary())
		c.mu.Unlock()
	}

	lastTS := func(sm Summary) time.Time {
		if sm.LastMessage == nil {
			return time.Time{}
		}
		return sm.LastMessage.Timestamp
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := lastTS(out[i]), lastTS(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *Store) conv(key string) (*conversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[key]
	if c == nil {
		c = newConversationState(key)
		s.convs[key] = c
	}
	return c, s.active == key
}

func (s *Store) reject(key, reason string, err error) {
	s.log.Warn("sync.reject", "conversation", key, "reason", reason, "err", err)
	s.cfg.Metrics.SyncError(reason)
	s.syncErrs.Publish(SyncError{ConversationKey: key, Reason: reason, Err: err})
}

// ---- persistence ----

func (s *Store) enqueuePersist(key string, snap Conversation) {
	s.pmu.Lock()
	s.pending[key] = snap
	s.pmu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.drainPending()
			return
		case <-s.notify:
			s.drainPending()
		}
	}
}

func (s *Store) drainPending() {
	for {
		s.pmu.Lock()
		var key string
		var snap Conversation
		found := false
		for k, v := range s.pending {
			key, snap, found = k, v, true
			break
		}
		if !found {
			s.writing = false
			s.pmu.Unlock()
			return
		}
		delete(s.pending, key)
		s.writing = true
		s.pmu.Unlock()

		s.writeSnapshot(key, snap)
	}
}

// writeSnapshot performs one mirror write with a single retry. Failures
// are logged and counted; the in-memory state is already committed and is
// never rolled back.
func (s *Store) writeSnapshot(key string, snap Conversation) {
	data, err := encodeSnapshot(snap)
	if err != nil {
		s.log.Error("mirror.encode.fail", "conversation", key, "err", err)
		s.cfg.Metrics.MirrorWrite("failed", 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
	defer cancel()

	start := time.Now()
	err = s.mirror.Set(ctx, s.cfg.MirrorKeyPrefix+key, data)
	if err == nil {
		s.cfg.Metrics.MirrorWrite("ok", time.Since(start))
		return
	}
	s.log.Warn("mirror.write.retry", "conversation", key, "err", err)

	if err := s.mirror.Set(ctx, s.cfg.MirrorKeyPrefix+key, data); err != nil {
		s.log.Error("mirror.write.fail", "conversation", key, "err", err)
		s.cfg.Metrics.MirrorWrite("failed", time.Since(start))
		return
	}
	s.cfg.Metrics.MirrorWrite("retried", time.Since(start))
}

// Flush blocks until every pending snapshot write has been attempted.
func (s *Store) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		s.pmu.Lock()
		idle := len(s.pending) == 0 && !s.writing
		s.pmu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains pending writes and stops the persister.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		stopped := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
