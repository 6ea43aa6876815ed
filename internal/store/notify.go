package store

import (
	"sync"

	"github.com/entrepeneur4lyf/convostore/internal/events"
)

type publication struct {
	evt     events.EventType
	state   State
	version uint64
}

// sequencer delivers publications in version order without holding the
// state lock while listeners run. The goroutine that finds no delivery in
// progress drains the queue; a listener that mutates the store enqueues its
// publication behind the current one and returns.
type sequencer struct {
	mu         sync.Mutex
	pending    []publication
	delivering bool
}

func newSequencer() *sequencer {
	return &sequencer{}
}

// enqueue must be called with the state lock held so the queue keeps version
// order. It reports whether the caller now owns delivery.
func (q *sequencer) enqueue(p publication) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, p)
	if q.delivering {
		return false
	}
	q.delivering = true
	return true
}

func (q *sequencer) drain(deliver func(publication)) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.delivering = false
			q.mu.Unlock()
			return
		}
		p := q.pending[0]
		q.pending[0] = publication{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		deliver(p)
	}
}
