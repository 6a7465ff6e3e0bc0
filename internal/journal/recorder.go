package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-piper/internal/supervisor"
)

// Recorder appends entries on a background goroutine so callers on the
// supervisor loop never wait on disk. Entries are dropped when the buffer
// is full.
type Recorder struct {
	store   *Store
	runID   string
	entries chan Entry
	dropped atomic.Int64
	log     *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewRecorder(store *Store, runID string, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:   store,
		runID:   runID,
		entries: make(chan Entry, buffer),
		log:     log.With(slog.String("component", "journal")),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e, stamping the run and time when missing.
func (r *Recorder) Record(e Entry) {
	if e.RunID == "" {
		e.RunID = r.runID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.entries <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("journal buffer full, dropping entries", slog.Int64("dropped", n))
		}
	}
}

// Observe is a supervisor.Options.OnEvent hook.
func (r *Recorder) Observe(ev supervisor.Event) {
	e := Entry{
		TaskID:      ev.TaskID,
		Type:        ev.Type,
		RequestKind: string(ev.Kind),
		Generation:  ev.Generation,
		Reason:      ev.Reason,
		CreatedAt:   ev.Time,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	r.Record(e)
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes queued entries and stops the writer. Record must not be
// called afterwards.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.entries)
	})
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, e); err != nil {
			r.log.Warn("journal append failed", slog.String("type", e.Type), slog.String("error", err.Error()))
		}
		cancel()
	}
}
