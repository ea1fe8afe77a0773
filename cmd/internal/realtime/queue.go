package realtime

import (
	"errors"

	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

// ErrQueueFull is returned by Send when the pending queue is at capacity.
// The new frame is dropped; queued frames are never displaced.
var ErrQueueFull = errors.New("send queue full")

// frameQueue holds frames submitted while the transport is down. Flushed
// FIFO on the next successful connect. Not safe for concurrent use; the
// manager guards it with its own mutex.
type frameQueue struct {
	max    int
	frames []v1.Frame
}

func newFrameQueue(max int) *frameQueue {
	if max <= 0 {
		max = defaultSendQueueCap
	}
	return &frameQueue{max: max}
}

func (q *frameQueue) push(f v1.Frame) error {
	if len(q.frames) >= q.max {
		return ErrQueueFull
	}
	q.frames = append(q.frames, f)
	return nil
}

// drain returns every queued frame in submission order and empties the
// queue.
func (q *frameQueue) drain() []v1.Frame {
	out := q.frames
	q.frames = nil
	return out
}

func (q *frameQueue) len() int {
	return len(q.frames)
}
