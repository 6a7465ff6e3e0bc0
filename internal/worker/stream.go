package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-piper/internal/faults"
)

var errTerminated = errors.New("worker terminated")

// stream implements Handle over a line-delimited JSON pipe pair. Owners feed
// it readers and call finish once every reader has returned. Only readers
// and finish send on events.
type stream struct {
	log      *slog.Logger
	in       io.WriteCloser
	requests chan Request
	events   chan Event
	done     chan struct{}
	once     sync.Once
	stop     func()
}

func newStream(in io.WriteCloser, stop func(), log *slog.Logger) *stream {
	s := &stream{
		log:      log,
		in:       in,
		requests: make(chan Request, 4),
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
		stop:     stop,
	}
	go s.writeLoop()
	return s
}

func (s *stream) Send(req Request) error {
	select {
	case <-s.done:
		return faults.Wrap(faults.KindWorkerCrash, "worker.send", "send on terminated worker", errTerminated)
	default:
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return faults.Wrap(faults.KindWorkerCrash, "worker.send", "send on terminated worker", errTerminated)
	}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) Terminate() {
	s.once.Do(func() {
		close(s.done)
		_ = s.in.Close()
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *stream) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) emit(ev Event) bool {
	if s.terminated() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			data, err := json.Marshal(req)
			if err != nil {
				s.log.Error("encode worker request", slog.String("kind", string(req.Kind)), slog.String("error", err.Error()))
				continue
			}
			data = append(data, '\n')
			// A failed write means the worker is gone; the readers report it.
			if _, err := s.in.Write(data); err != nil {
				s.log.Debug("write worker request", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// readMessages decodes one message per line until r is exhausted. Lines that
// do not decode are reported as crash events and reading continues.
func (s *stream) readMessages(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var msg Message
			if decodeErr := json.Unmarshal(line, &msg); decodeErr != nil {
				s.emit(Event{Err: faults.Wrap(faults.KindWorkerCrash, "worker.decode", "malformed worker message", decodeErr)})
			} else if validErr := msg.Validate(); validErr != nil {
				s.emit(Event{Err: faults.Wrap(faults.KindWorkerCrash, "worker.decode", "malformed worker message", validErr)})
			} else {
				s.emit(Event{Msg: &msg})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.terminated() {
				s.log.Debug("worker output closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// readStderr forwards diagnostic output as stderr messages.
func (s *stream) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		s.emit(Event{Msg: &Message{Kind: KindStderr, Message: text}})
	}
}

// finish reports an unexpected exit and closes the event channel.
func (s *stream) finish(exitErr error) {
	if !s.terminated() {
		if exitErr == nil {
			exitErr = errors.New("worker exited")
		}
		s.emit(Event{Err: faults.Wrap(faults.KindWorkerCrash, "worker.exit", "worker exited unexpectedly", exitErr)})
	}
	close(s.events)
}
