package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/loqalabs/loqa-piper/internal/worker"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type sent struct {
	gen int
	req worker.Request
}

// fakeFactory hands out scripted workers. script runs for every request a
// worker receives and decides what, if anything, it replies.
type fakeFactory struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	sent     []sent
	script   func(h *fakeHandle, req worker.Request)
	startErr error
}

func (f *fakeFactory) Start(ctx context.Context, source string) (worker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	h := &fakeHandle{factory: f, gen: len(f.handles) + 1, events: make(chan worker.Event, 64)}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeFactory) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

type fakeHandle struct {
	factory    *fakeFactory
	gen        int
	mu         sync.Mutex
	events     chan worker.Event
	terminated bool
}

func (h *fakeHandle) Send(req worker.Request) error {
	h.factory.mu.Lock()
	h.factory.sent = append(h.factory.sent, sent{gen: h.gen, req: req})
	script := h.factory.script
	h.factory.mu.Unlock()
	if script != nil {
		script(h, req)
	}
	return nil
}

func (h *fakeHandle) Events() <-chan worker.Event {
	return h.events
}

func (h *fakeHandle) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.terminated {
		h.terminated = true
		close(h.events)
	}
}

func (h *fakeHandle) isTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *fakeHandle) reply(msg worker.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.terminated {
		h.events <- worker.Event{Msg: &msg}
	}
}

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.terminated {
		h.events <- worker.Event{Err: err}
	}
}

// exit simulates the worker process going away on its own.
func (h *fakeHandle) exit() {
	h.Terminate()
}

func answer(h *fakeHandle, req worker.Request) {
	switch req.Kind {
	case worker.KindIsAlive:
		h.reply(worker.Message{Kind: worker.KindIsAlive, IsAlive: true})
	default:
		h.reply(worker.Message{Kind: worker.KindOutput, Audio: []byte(req.Input), Duration: 1})
		h.reply(worker.Message{Kind: worker.KindComplete})
	}
}

func silent(*fakeHandle, worker.Request) {}

func newSupervisor(t *testing.T, f *fakeFactory, opts Options) *Supervisor {
	t.Helper()
	s := New(f, newLogger(), opts)
	s.Init("mock://worker")
	t.Cleanup(s.Close)
	return s
}

func synth(text string, timeout time.Duration, retries int) Request {
	return Request{
		Payload: worker.Request{Kind: worker.KindInit, ModelURL: "m.onnx", ModelConfigURL: "m.onnx.json", Input: text},
		Timeout: timeout,
		Retries: retries,
	}
}

func wait(t *testing.T, task *Task) (worker.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %d never finished", task.ID)
	}
	return msg, err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTasksDispatchedInSubmissionOrder(t *testing.T) {
	f := &fakeFactory{script: answer}
	s := newSupervisor(t, f, Options{})

	const n = 10
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = s.Submit(synth(strconv.Itoa(i), time.Second, 1))
	}
	for i, task := range tasks {
		msg, err := wait(t, task)
		if err != nil {
			t.Fatalf("task %d: unexpected error: %v", i, err)
		}
		if string(msg.Audio) != strconv.Itoa(i) {
			t.Fatalf("task %d got result for %q", i, msg.Audio)
		}
	}

	got := f.sends()
	if len(got) != n {
		t.Fatalf("expected %d dispatches, got %d", n, len(got))
	}
	for i, d := range got {
		if d.req.Input != strconv.Itoa(i) {
			t.Fatalf("dispatch %d carried %q", i, d.req.Input)
		}
	}
	if f.started() != 1 {
		t.Fatalf("expected one worker for a clean run, got %d", f.started())
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after drain, got %s", s.State())
	}
}

func TestConcurrentSubmitsAllComplete(t *testing.T) {
	f := &fakeFactory{script: answer}
	s := newSupervisor(t, f, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Submit(synth(strconv.Itoa(i), time.Second, 0)).Wait(context.Background())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(f.sends()) != 20 {
		t.Fatalf("expected 20 dispatches, got %d", len(f.sends()))
	}
}

func TestStalledTaskRetriedThenTimesOut(t *testing.T) {
	f := &fakeFactory{script: silent}
	var mu sync.Mutex
	var events []Event
	s := newSupervisor(t, f, Options{OnEvent: func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})

	_, err := wait(t, s.Submit(synth("stuck", 30*time.Millisecond, 2)))
	if !faults.IsKind(err, faults.KindWorkerTimeout) {
		t.Fatalf("expected worker timeout, got %v", err)
	}

	got := f.sends()
	if len(got) != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", len(got))
	}
	for i, d := range got {
		if d.gen != i+1 {
			t.Fatalf("attempt %d ran on worker %d, expected a fresh worker each time", i, d.gen)
		}
	}
	for _, h := range f.handles {
		if !h.isTerminated() {
			t.Fatalf("worker %d was not discarded", h.gen)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	if counts[EventTimeout] != 3 || counts[EventRetry] != 2 || counts[EventFailure] != 1 {
		t.Fatalf("unexpected lifecycle events: %v", counts)
	}
}

func TestProgressResetsStallWindow(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		go func() {
			for i := 0; i < 10; i++ {
				time.Sleep(25 * time.Millisecond)
				h.reply(worker.Message{Kind: worker.KindFetch, URL: "m.onnx", Loaded: int64(i), Total: 10})
			}
			answer(h, req)
		}()
	}}
	s := newSupervisor(t, f, Options{})

	var progress int
	req := synth("long download", 100*time.Millisecond, 0)
	req.OnProgress = func(worker.Message) { progress++ }

	start := time.Now()
	if _, err := wait(t, s.Submit(req)); err != nil {
		t.Fatalf("expected success despite long total duration, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("test worker finished too quickly (%v) to exercise the stall window", elapsed)
	}
	if progress != 10 {
		t.Fatalf("expected 10 progress callbacks, got %d", progress)
	}
	if len(f.sends()) != 1 {
		t.Fatalf("expected a single dispatch, got %d", len(f.sends()))
	}
}

func TestRestartConstructsFreshWorker(t *testing.T) {
	f := &fakeFactory{script: answer}
	s := newSupervisor(t, f, Options{})

	check := Request{Payload: worker.Request{Kind: worker.KindIsAlive, ModelURL: "m.onnx"}, Timeout: time.Second}
	if _, err := wait(t, s.Submit(check)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := s.Generation()

	if _, err := wait(t, s.Restart("model mismatch")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := wait(t, s.Submit(synth("hi", time.Second, 0))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Generation() == before {
		t.Fatalf("expected a new worker after restart")
	}
	got := f.sends()
	if got[0].gen == got[1].gen {
		t.Fatalf("expected dispatches on different workers, got %+v", got)
	}
}

func TestRestartWaitsItsTurn(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		go func() {
			<-release
			answer(h, req)
		}()
	}}
	s := newSupervisor(t, f, Options{})

	first := s.Submit(synth("first", 5*time.Second, 0))
	restart := s.Restart("model mismatch")
	waitFor(t, func() bool { return len(f.sends()) == 1 })

	select {
	case <-restart.Done():
		t.Fatalf("restart pre-empted the task ahead of it")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if _, err := wait(t, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := wait(t, restart); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !f.handles[0].isTerminated() {
		t.Fatalf("expected worker to be discarded by restart")
	}
}

func TestTerminateRequeuesInFlightTask(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		if h.gen > 1 {
			answer(h, req)
		}
	}}
	s := newSupervisor(t, f, Options{})

	inFlight := s.Submit(synth("a", 5*time.Second, 0))
	queued := s.Submit(synth("b", 5*time.Second, 0))
	waitFor(t, func() bool { return len(f.sends()) == 1 })

	s.Terminate()

	msg, err := wait(t, inFlight)
	if err != nil {
		t.Fatalf("expected in-flight task to survive terminate, got %v", err)
	}
	if string(msg.Audio) != "a" {
		t.Fatalf("unexpected result %q", msg.Audio)
	}
	if _, err := wait(t, queued); err != nil {
		t.Fatalf("expected queued task to survive terminate, got %v", err)
	}
	got := f.sends()
	if len(got) != 3 || got[1].req.Input != "a" || got[1].gen != 2 || got[2].req.Input != "b" {
		t.Fatalf("unexpected dispatches after terminate: %+v", got)
	}
}

func TestPrepareRunsOnEveryDispatch(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		if h.gen > 1 {
			answer(h, req)
		}
	}}
	s := newSupervisor(t, f, Options{})

	var mu sync.Mutex
	version := 1
	req := synth("a", 5*time.Second, 0)
	req.Prepare = func(p *worker.Request) {
		mu.Lock()
		defer mu.Unlock()
		p.Blobs = map[string][]byte{"m.onnx": []byte("v" + strconv.Itoa(version))}
	}
	task := s.Submit(req)
	waitFor(t, func() bool { return len(f.sends()) == 1 })

	mu.Lock()
	version = 2
	mu.Unlock()
	s.Terminate()

	if _, err := wait(t, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.sends()
	if len(got) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(got))
	}
	if string(got[0].req.Blobs["m.onnx"]) != "v1" || string(got[1].req.Blobs["m.onnx"]) != "v2" {
		t.Fatalf("expected payload refreshed on resend, got %q then %q",
			got[0].req.Blobs["m.onnx"], got[1].req.Blobs["m.onnx"])
	}
	if req.Payload.Blobs != nil {
		t.Fatalf("expected submitted payload to stay untouched")
	}
}

func TestMissingSourceFailsImmediately(t *testing.T) {
	f := &fakeFactory{script: answer}
	s := New(f, newLogger(), Options{})
	t.Cleanup(s.Close)

	_, err := wait(t, s.Submit(synth("hi", time.Second, 3)))
	if !faults.IsKind(err, faults.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if f.started() != 0 {
		t.Fatalf("expected no worker to be constructed")
	}
}

func TestStartConfigErrorIsNotRetried(t *testing.T) {
	f := &fakeFactory{startErr: faults.New(faults.KindConfig, "test", "bad command")}
	s := newSupervisor(t, f, Options{})

	_, err := wait(t, s.Submit(synth("hi", time.Second, 3)))
	if !faults.IsKind(err, faults.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSynthesisErrorIsNotRetried(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		if req.Input == "" {
			h.reply(worker.Message{Kind: worker.KindError, Error: "input text is empty"})
			h.reply(worker.Message{Kind: worker.KindComplete})
			return
		}
		answer(h, req)
	}}
	s := newSupervisor(t, f, Options{})

	_, err := wait(t, s.Submit(synth("", time.Second, 3)))
	if !faults.IsKind(err, faults.KindSynthesis) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	if _, err := wait(t, s.Submit(synth("ok", time.Second, 0))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.sends()
	if len(got) != 2 || got[1].gen != 1 {
		t.Fatalf("expected worker to be kept after a synthesis error, got %+v", got)
	}
}

func TestCrashRetriedOnFreshWorker(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		switch h.gen {
		case 1:
			h.fail(faults.New(faults.KindWorkerCrash, "test", "malformed worker message"))
		case 2:
			h.exit()
		default:
			answer(h, req)
		}
	}}
	s := newSupervisor(t, f, Options{})

	if _, err := wait(t, s.Submit(synth("hi", time.Second, 2))); err != nil {
		t.Fatalf("expected success on third worker, got %v", err)
	}
	if f.started() != 3 {
		t.Fatalf("expected 3 workers, got %d", f.started())
	}
}

func TestUnexpectedReplyKindIsAFailure(t *testing.T) {
	f := &fakeFactory{script: func(h *fakeHandle, req worker.Request) {
		h.reply(worker.Message{Kind: worker.KindIsAlive, IsAlive: true})
	}}
	s := newSupervisor(t, f, Options{})

	_, err := wait(t, s.Submit(synth("hi", time.Second, 1)))
	if !faults.IsKind(err, faults.KindWorkerCrash) {
		t.Fatalf("expected crash error, got %v", err)
	}
	if len(f.sends()) != 2 {
		t.Fatalf("expected one retry, got %d dispatches", len(f.sends()))
	}
}

func TestErrorWithoutActiveTaskDiscardsWorker(t *testing.T) {
	f := &fakeFactory{script: answer}
	s := newSupervisor(t, f, Options{})

	if _, err := wait(t, s.Submit(synth("hi", time.Second, 0))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.handles[0].fail(errors.New("late failure"))
	waitFor(t, f.handles[0].isTerminated)

	if _, err := wait(t, s.Submit(synth("again", time.Second, 0))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.started() != 2 {
		t.Fatalf("expected a fresh worker, got %d", f.started())
	}
}

func TestCloseFailsPendingTasks(t *testing.T) {
	f := &fakeFactory{script: silent}
	s := New(f, newLogger(), Options{})
	s.Init("mock://worker")

	tasks := []*Task{
		s.Submit(synth("a", 5*time.Second, 0)),
		s.Submit(synth("b", 5*time.Second, 0)),
		s.Submit(synth("c", 5*time.Second, 0)),
	}
	waitFor(t, func() bool { return len(f.sends()) == 1 })
	s.Close()

	for i, task := range tasks {
		if _, err := wait(t, task); !faults.IsKind(err, faults.KindClosed) {
			t.Fatalf("task %d: expected closed error, got %v", i, err)
		}
	}
	if _, err := wait(t, s.Submit(synth("late", time.Second, 0))); !faults.IsKind(err, faults.KindClosed) {
		t.Fatalf("expected closed error after close, got %v", err)
	}
	if !f.handles[0].isTerminated() {
		t.Fatalf("expected worker to be terminated on close")
	}
}

func TestWaitCancelWithdrawsQueuedTask(t *testing.T) {
	f := &fakeFactory{script: silent}
	s := newSupervisor(t, f, Options{})

	s.Submit(synth("a", 5*time.Second, 0))
	queued := s.Submit(synth("b", 5*time.Second, 0))
	waitFor(t, func() bool { return len(f.sends()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := queued.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.QueueLen() != 0 {
		t.Fatalf("expected abandoned task to leave the queue")
	}
	if _, err := queued.Result(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected withdrawn task to carry the context error, got %v", err)
	}
}
