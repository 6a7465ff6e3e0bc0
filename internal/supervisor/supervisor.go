package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/loqalabs/loqa-piper/internal/worker"
	"go.opentelemetry.io/otel/metric"
)

const defaultTimeout = 60 * time.Second

type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateRetrying
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateRetrying:
		return "retrying"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event types reported through Options.OnEvent.
const (
	EventDispatch = "dispatch"
	EventRetry    = "retry"
	EventTimeout  = "timeout"
	EventRestart  = "restart"
	EventSuccess  = "success"
	EventFailure  = "failure"
	EventWorker   = "worker_start"
)

// Event is a lifecycle notification from the supervisor loop.
type Event struct {
	Type       string
	TaskID     uint64
	Kind       worker.Kind
	Generation uint64
	Reason     string
	Err        error
	Time       time.Time
}

type Options struct {
	// DefaultTimeout applies to requests submitted without one.
	DefaultTimeout time.Duration
	Meter          metric.Meter
	// OnEvent runs on the supervisor loop and must not block.
	OnEvent func(Event)
}

// Supervisor owns one worker at a time and feeds it queued tasks strictly in
// submission order, one in flight at any instant. All worker interaction
// happens on a single goroutine.
type Supervisor struct {
	factory worker.Factory
	log     *slog.Logger
	opts    Options
	queue   *queue
	metrics *metrics

	cmds      chan func()
	stop      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	nextID    atomic.Uint64
	state     atomic.Int32
	gen       atomic.Uint64

	// Owned by the loop.
	source  string
	handle  worker.Handle
	current *Task
	timer   *time.Timer
	armed   bool
}

func New(factory worker.Factory, log *slog.Logger, opts Options) *Supervisor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	s := &Supervisor{
		factory: factory,
		log:     log.With(slog.String("component", "supervisor")),
		opts:    opts,
		queue:   newQueue(),
		cmds:    make(chan func()),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	m, err := newMetrics(opts.Meter, s.queue)
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	go s.run()
	return s
}

// Init sets what new workers are constructed from. Changing it discards the
// current worker; an in-flight task is put back at the head of the queue.
func (s *Supervisor) Init(source string) {
	s.do(func() {
		if source == s.source {
			return
		}
		s.source = source
		if s.handle != nil {
			s.reset("source changed")
		}
	})
}

// Submit appends req to the queue.
func (s *Supervisor) Submit(req Request) *Task {
	if req.Timeout <= 0 {
		req.Timeout = s.opts.DefaultTimeout
	}
	if req.Retries < 0 {
		req.Retries = 0
	}
	t := newTask(s.nextID.Add(1), req, s.queue)
	if !s.queue.push(t) {
		t.resolve(worker.Message{}, faults.New(faults.KindClosed, "supervisor.submit", "supervisor closed"))
	}
	return t
}

// Restart queues a worker restart behind everything already submitted. The
// returned task finishes once the old worker has been discarded.
func (s *Supervisor) Restart(reason string) *Task {
	if reason == "" {
		reason = "restart requested"
	}
	t := newTask(s.nextID.Add(1), Request{}, s.queue)
	t.restart = reason
	if !s.queue.push(t) {
		t.resolve(worker.Message{}, faults.New(faults.KindClosed, "supervisor.restart", "supervisor closed"))
	}
	return t
}

// Terminate destroys the worker immediately. Queued tasks are kept; an
// in-flight task goes back to the head of the queue without using up a
// retry and runs on a fresh worker.
func (s *Supervisor) Terminate() {
	s.do(func() {
		s.reset("terminated")
	})
}

// Close fails every queued and in-flight task and destroys the worker.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.exited
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Generation identifies the current worker; it increases every time a
// fresh one is constructed.
func (s *Supervisor) Generation() uint64 {
	return s.gen.Load()
}

func (s *Supervisor) QueueLen() int {
	return s.queue.len()
}

// do runs fn on the loop and waits for it.
func (s *Supervisor) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.exited:
	}
}

func (s *Supervisor) run() {
	defer close(s.exited)
	for {
		if s.current == nil {
			s.dispatchNext()
		}

		var events <-chan worker.Event
		if s.handle != nil {
			events = s.handle.Events()
		}
		var timeout <-chan time.Time
		if s.armed {
			timeout = s.timer.C
		}

		select {
		case <-s.stop:
			s.shutdown()
			return
		case cmd := <-s.cmds:
			cmd()
		case <-s.queue.signal:
		case ev, ok := <-events:
			if !ok {
				s.handleClosed()
				continue
			}
			s.handleEvent(ev)
		case <-timeout:
			s.armed = false
			s.handleTimeout()
		}
	}
}

func (s *Supervisor) dispatchNext() {
	for s.current == nil {
		t, ok := s.queue.pop()
		if !ok {
			s.setState(StateIdle)
			return
		}
		if t.finished() {
			continue
		}
		if t.restart != "" {
			s.discardHandle(t.restart)
			t.resolve(worker.Message{}, nil)
			continue
		}
		s.current = t
		s.dispatch()
	}
}

// dispatch sends the current task to the worker, constructing one first if
// needed.
func (s *Supervisor) dispatch() {
	t := s.current
	if s.source == "" {
		s.fail(faults.New(faults.KindConfig, "supervisor.dispatch", "worker source not set"))
		return
	}
	if s.handle == nil {
		h, err := s.factory.Start(context.Background(), s.source)
		if err != nil {
			if faults.IsKind(err, faults.KindConfig) {
				s.fail(err)
				return
			}
			s.retryOrFail(faults.Wrap(faults.KindWorkerCrash, "supervisor.start", "start worker", err))
			return
		}
		s.handle = h
		gen := s.gen.Add(1)
		s.log.Debug("worker constructed", slog.Uint64("generation", gen))
		s.emit(Event{Type: EventWorker, Generation: gen})
	}
	payload := t.req.Payload
	if t.req.Prepare != nil {
		t.req.Prepare(&payload)
	}
	if err := s.handle.Send(payload); err != nil {
		s.retryOrFail(faults.Wrap(faults.KindWorkerCrash, "supervisor.send", "send to worker", err))
		return
	}
	s.armTimer(t.req.Timeout)
	s.setState(StateDispatching)
	s.metrics.dispatched(t.req.Payload.Kind)
	s.emit(Event{Type: EventDispatch, TaskID: t.ID, Kind: t.req.Payload.Kind, Generation: s.gen.Load()})
}

func (s *Supervisor) handleEvent(ev worker.Event) {
	t := s.current
	if t == nil {
		if ev.Err != nil || (ev.Msg != nil && ev.Msg.Kind == worker.KindError) {
			s.log.Warn("worker error with no active task", slog.Any("event", describe(ev)))
			s.discardHandle("error with no active task")
		}
		return
	}
	if ev.Err != nil {
		s.retryOrFail(faults.Wrap(faults.KindWorkerCrash, "supervisor.event", "worker error", ev.Err))
		return
	}

	if ev.Msg == nil {
		return
	}
	msg := *ev.Msg
	switch msg.Kind {
	case worker.KindFetch:
		s.armTimer(t.req.Timeout)
		if t.req.OnProgress != nil {
			t.req.OnProgress(msg)
		}
	case worker.KindStderr:
		s.armTimer(t.req.Timeout)
		s.log.Debug("worker stderr", slog.String("line", msg.Message))
	case worker.KindComplete:
	case worker.KindError:
		s.finish(msg, faults.New(faults.KindSynthesis, "worker", msg.Error))
	default:
		if msg.Kind != terminalKind(t.req.Payload.Kind) {
			s.retryOrFail(faults.New(faults.KindWorkerCrash, "supervisor.event",
				fmt.Sprintf("unexpected %q reply to %q", msg.Kind, t.req.Payload.Kind)))
			return
		}
		s.finish(msg, nil)
	}
}

func terminalKind(req worker.Kind) worker.Kind {
	if req == worker.KindIsAlive {
		return worker.KindIsAlive
	}
	return worker.KindOutput
}

func (s *Supervisor) handleClosed() {
	s.handle = nil
	if s.current != nil {
		s.retryOrFail(faults.New(faults.KindWorkerCrash, "supervisor.event", "worker went away"))
	}
}

func (s *Supervisor) handleTimeout() {
	t := s.current
	if t == nil {
		return
	}
	s.metrics.timedOut()
	s.emit(Event{Type: EventTimeout, TaskID: t.ID, Kind: t.req.Payload.Kind, Generation: s.gen.Load()})
	s.retryOrFail(faults.New(faults.KindWorkerTimeout, "supervisor.timeout",
		fmt.Sprintf("no message from worker within %s", t.req.Timeout)))
}

// retryOrFail handles a worker-level failure of the current task: the
// worker is always discarded, and the task is re-sent to a fresh one while
// its budget lasts.
func (s *Supervisor) retryOrFail(err error) {
	t := s.current
	s.disarm()
	if t.retries > 0 && faults.Retryable(err) {
		t.retries--
		s.setState(StateRetrying)
		s.metrics.retried()
		s.log.Warn("retrying task on a fresh worker",
			slog.Uint64("task_id", t.ID),
			slog.Int("retries_left", t.retries),
			slogError(err),
		)
		s.emit(Event{Type: EventRetry, TaskID: t.ID, Kind: t.req.Payload.Kind, Generation: s.gen.Load(), Err: err})
		s.discardHandle("retry")
		s.dispatch()
		return
	}
	s.setState(StateTerminated)
	s.discardHandle("task failed")
	s.fail(err)
}

// fail ends the current task with err without touching the worker.
func (s *Supervisor) fail(err error) {
	t := s.current
	s.disarm()
	s.current = nil
	s.metrics.failed(faults.KindOf(err))
	s.log.Warn("task failed", slog.Uint64("task_id", t.ID), slog.String("kind", string(faults.KindOf(err))), slogError(err))
	s.emit(Event{Type: EventFailure, TaskID: t.ID, Kind: t.req.Payload.Kind, Generation: s.gen.Load(), Err: err})
	t.resolve(worker.Message{}, err)
}

// finish ends the current task with a terminal worker reply.
func (s *Supervisor) finish(msg worker.Message, err error) {
	if err != nil {
		s.fail(err)
		return
	}
	t := s.current
	s.disarm()
	s.current = nil
	s.emit(Event{Type: EventSuccess, TaskID: t.ID, Kind: t.req.Payload.Kind, Generation: s.gen.Load()})
	t.resolve(msg, nil)
}

// reset discards the worker and requeues the in-flight task at the head.
func (s *Supervisor) reset(reason string) {
	if t := s.current; t != nil {
		s.disarm()
		s.current = nil
		s.queue.pushFront(t)
	}
	s.discardHandle(reason)
	s.setState(StateIdle)
}

func (s *Supervisor) discardHandle(reason string) {
	if s.handle == nil {
		return
	}
	s.handle.Terminate()
	s.handle = nil
	s.metrics.restarted(reason)
	s.log.Info("worker discarded", slog.String("reason", reason), slog.Uint64("generation", s.gen.Load()))
	s.emit(Event{Type: EventRestart, Generation: s.gen.Load(), Reason: reason})
}

func (s *Supervisor) shutdown() {
	s.disarm()
	closedErr := faults.New(faults.KindClosed, "supervisor.close", "supervisor closed")
	if t := s.current; t != nil {
		s.current = nil
		t.resolve(worker.Message{}, closedErr)
	}
	for _, t := range s.queue.drain() {
		t.resolve(worker.Message{}, closedErr)
	}
	if s.handle != nil {
		s.handle.Terminate()
		s.handle = nil
	}
	s.setState(StateIdle)
	s.log.Info("supervisor closed")
}

func (s *Supervisor) armTimer(d time.Duration) {
	if s.timer == nil {
		s.timer = time.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
	s.armed = true
}

func (s *Supervisor) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Supervisor) emit(ev Event) {
	if s.opts.OnEvent == nil {
		return
	}
	ev.Time = time.Now().UTC()
	s.opts.OnEvent(ev)
}

func describe(ev worker.Event) string {
	if ev.Err != nil {
		return ev.Err.Error()
	}
	if ev.Msg != nil {
		return string(ev.Msg.Kind) + ": " + ev.Msg.Error
	}
	return ""
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
