package negotiation

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// DefaultMaxPendingCandidates bounds how many remote candidates are held
// while the remote description is not yet applied.
const DefaultMaxPendingCandidates = 256

// candidateQueue is a count-bounded FIFO of remote ICE candidates. It never
// blocks; candidates beyond the bound are dropped and counted.
type candidateQueue struct {
	mu     sync.Mutex
	closed bool
	max    int
	items  []webrtc.ICECandidateInit

	drops atomic.Uint64
}

func newCandidateQueue(max int) *candidateQueue {
	if max <= 0 {
		max = DefaultMaxPendingCandidates
	}
	return &candidateQueue{max: max}
}

func (q *candidateQueue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends c unless the queue is closed or full.
func (q *candidateQueue) Enqueue(c webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain removes and returns every queued candidate in arrival order.
func (q *candidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.items {
		q.items[i] = webrtc.ICECandidateInit{}
	}
	q.items = nil
	q.mu.Unlock()
}
