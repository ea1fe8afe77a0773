// Package bus provides a typed, synchronous publish/subscribe primitive.
//
// Design notes:
// - One Topic per event type; the payload type is checked at compile time.
// - Publish runs subscribers on the caller's goroutine, in registration
//   order. Consumers that need asynchrony hop goroutines themselves.
// - A panicking subscriber is recovered and logged; delivery to the
//   remaining subscribers continues.
// - Topics are never closed. Cancel unsubscribes a single handler.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Topic is a single-event-type fanout point.
type Topic[T any] struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]func(T)

	replayDepth int
	replay      []T
}

// New returns a Topic with no replay buffer.
func New[T any](log *slog.Logger) *Topic[T] {
	return NewReplay[T](log, 0)
}

// NewReplay returns a Topic that retains the last depth published values
// and delivers them to each new subscriber before Subscribe returns.
func NewReplay[T any](log *slog.Logger, depth int) *Topic[T] {
	if log == nil {
		log = slog.Default()
	}
	if depth < 0 {
		depth = 0
	}
	return &Topic[T]{
		log:         log,
		subs:        make(map[int]func(T)),
		replayDepth: depth,
	}
}

// Subscribe registers fn and returns its cancel func. Cancel is idempotent.
// With a replay buffer, buffered values are delivered to fn synchronously
// before Subscribe returns.
func (t *Topic[T]) Subscribe(fn func(T)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.order = append(t.order, id)
	backlog := make([]T, len(t.replay))
	copy(backlog, t.replay)
	t.mu.Unlock()

	for _, v := range backlog {
		t.dispatch(fn, v)
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		for i, got := range t.order {
			if got == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers v to every current subscriber in registration order,
// synchronously on the caller's goroutine.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	fns := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.subs[id])
	}
	if t.replayDepth > 0 {
		t.replay = append(t.replay, v)
		if len(t.replay) > t.replayDepth {
			t.replay = t.replay[len(t.replay)-t.replayDepth:]
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		t.dispatch(fn, v)
	}
}

// Len reports the current subscriber count.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// dispatch runs one handler. Handler panics must not take down the
// publisher or starve later subscribers.
func (t *Topic[T]) dispatch(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("bus.handler.panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(v)
}
