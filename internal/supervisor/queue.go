package supervisor

import "sync"

// queue is the FIFO of pending tasks. Any goroutine may push; only the
// supervisor loop pops.
type queue struct {
	mu     sync.Mutex
	items  []*Task
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

// push appends t and reports false once the queue has been drained for
// shutdown.
func (q *queue) push(t *Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
	return true
}

// pushFront puts t back at the head, ahead of everything already waiting.
func (q *queue) pushFront(t *Task) {
	q.mu.Lock()
	q.items = append([]*Task{t}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

// remove drops t if it is still waiting.
func (q *queue) remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// drain closes the queue and returns whatever was still waiting.
func (q *queue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
