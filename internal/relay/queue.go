package relay

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// inboxQueue buffers encoded notifications between a broker delivery callback
// and the inbox pump. Enqueue never blocks: once maxBytes are pending, new
// frames are dropped and counted.
type inboxQueue struct {
	maxBytes int

	mu      sync.Mutex
	pending list.List // of []byte
	bytes   int
	closed  bool

	wake chan struct{} // capacity 1; a token means "look again"
	done chan struct{}

	drops atomic.Uint64
}

func newInboxQueue(maxBytes int) *inboxQueue {
	return &inboxQueue{
		maxBytes: maxBytes,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *inboxQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Len reports the number of frames waiting.
func (q *inboxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *inboxQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	if q.closed || q.bytes+len(frame) > q.maxBytes {
		q.mu.Unlock()
		q.drops.Add(1)
		return false
	}
	q.pending.PushBack(frame)
	q.bytes += len(frame)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Dequeue blocks until a frame is available. It returns false once the queue
// is closed, even if frames were still pending.
func (q *inboxQueue) Dequeue() ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if front := q.pending.Front(); front != nil {
			frame := q.pending.Remove(front).([]byte)
			q.bytes -= len(frame)
			q.mu.Unlock()
			return frame, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
		}
	}
}

func (q *inboxQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending.Init()
	q.bytes = 0
	close(q.done)
}
