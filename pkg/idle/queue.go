// Package idle implements deferred calls: work scheduled from any goroutine
// and run later, in FIFO order, on the goroutine that owns the display
// state.
package idle

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type task struct {
	source string
	fn     func()
}

// Queue holds scheduled calls until Run is called.
type Queue struct {
	mu    sync.Mutex
	tasks []task
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Schedule queues fn. It is safe to call from any goroutine. source labels
// the caller for logging.
func (q *Queue) Schedule(source string, fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task{source: source, fn: fn})
	q.mu.Unlock()
}

// Len returns the number of pending calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Run executes every call that was pending when Run started, in the order
// they were scheduled, and returns how many ran. Calls scheduled while Run
// is executing are left for the next Run.
func (q *Queue) Run() int {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, t := range pending {
		log.WithFields(log.Fields{"source": t.source}).Trace("Running deferred call")
		t.fn()
	}
	return len(pending)
}
