package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
)

// MockFactory runs a Simulator in-process. Each handle starts with no model
// loaded, like a freshly spawned worker.
type MockFactory struct {
	sampleRate int
	step       time.Duration
	log        *slog.Logger
	started    atomic.Int64
}

func NewMockFactory(sampleRate int, step time.Duration, log *slog.Logger) *MockFactory {
	return &MockFactory{
		sampleRate: sampleRate,
		step:       step,
		log:        log.With(slog.String("component", "worker.mock")),
	}
}

// Started reports how many handles have been constructed.
func (f *MockFactory) Started() int64 {
	return f.started.Load()
}

func (f *MockFactory) Start(ctx context.Context, source string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.started.Add(1)
	runCtx, cancel := context.WithCancel(context.Background())
	h := &mockHandle{
		sim:      NewSimulator(f.sampleRate, f.step),
		requests: make(chan Request, 4),
		events:   make(chan Event, 16),
		ctx:      runCtx,
		cancel:   cancel,
	}
	go h.run()
	f.log.Debug("mock worker started", slog.String("source", source), slog.Int64("instance", n))
	return h, nil
}

type mockHandle struct {
	sim      *Simulator
	requests chan Request
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

func (h *mockHandle) Send(req Request) error {
	select {
	case <-h.ctx.Done():
		return faults.Wrap(faults.KindWorkerCrash, "worker.send", "send on terminated worker", errTerminated)
	case h.requests <- req:
		return nil
	}
}

func (h *mockHandle) Events() <-chan Event {
	return h.events
}

func (h *mockHandle) Terminate() {
	h.once.Do(h.cancel)
}

func (h *mockHandle) run() {
	defer close(h.events)
	emit := func(msg Message) error {
		select {
		case h.events <- Event{Msg: &msg}:
			return nil
		case <-h.ctx.Done():
			return h.ctx.Err()
		}
	}
	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.requests:
			if err := h.sim.Handle(h.ctx, req, emit); err != nil {
				return
			}
		}
	}
}
