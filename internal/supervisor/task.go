package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-piper/internal/worker"
)

// Request describes one unit of work for the worker.
type Request struct {
	Payload worker.Request
	// Timeout is the stall window: the longest the worker may stay silent
	// while the task is in flight. Zero uses the supervisor default.
	Timeout time.Duration
	// Retries bounds worker-level failures (timeouts, crashes, malformed
	// messages) before the task fails.
	Retries int
	// OnProgress receives fetch messages. It runs on the supervisor loop and
	// must not block.
	OnProgress func(worker.Message)
	// Prepare, when set, fills in the payload right before every send,
	// including resends after a retry or a terminate.
	Prepare func(*worker.Request)
}

// Task is the caller's handle on a submitted request.
type Task struct {
	ID uint64

	req       Request
	retries   int
	restart   string
	submitted time.Time
	q         *queue

	once sync.Once
	done chan struct{}
	msg  worker.Message
	err  error
}

func newTask(id uint64, req Request, q *queue) *Task {
	return &Task{
		ID:        id,
		req:       req,
		retries:   req.Retries,
		submitted: time.Now(),
		q:         q,
		done:      make(chan struct{}),
	}
}

func (t *Task) resolve(msg worker.Message, err error) bool {
	resolved := false
	t.once.Do(func() {
		t.msg = msg
		t.err = err
		close(t.done)
		resolved = true
	})
	return resolved
}

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the task reached its terminal outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the terminal message or error. Only valid after Done.
func (t *Task) Result() (worker.Message, error) {
	<-t.done
	return t.msg, t.err
}

// Wait blocks until the task finishes or ctx ends. A task abandoned while
// still queued is withdrawn; one already in flight runs to completion on the
// worker and its result is dropped.
func (t *Task) Wait(ctx context.Context) (worker.Message, error) {
	select {
	case <-t.done:
		return t.msg, t.err
	case <-ctx.Done():
		if t.q != nil && t.q.remove(t) {
			t.resolve(worker.Message{}, ctx.Err())
		}
		return worker.Message{}, ctx.Err()
	}
}
