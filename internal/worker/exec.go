package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/mattn/go-shellwords"
)

const execStopGrace = 1200 * time.Millisecond

// ExecFactory runs the worker as a child process speaking line-delimited
// JSON on stdin and stdout. The source is the command line.
type ExecFactory struct {
	env []string
	log *slog.Logger
}

func NewExecFactory(env []string, log *slog.Logger) *ExecFactory {
	return &ExecFactory{env: env, log: log.With(slog.String("component", "worker.exec"))}
}

func (f *ExecFactory) Start(ctx context.Context, source string) (Handle, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(source)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, "worker.exec", "parse worker command", err)
	}
	if len(args) == 0 {
		return nil, faults.New(faults.KindConfig, "worker.exec", "worker command empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), f.env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindWorkerCrash, "worker.exec", "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindWorkerCrash, "worker.exec", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, faults.Wrap(faults.KindWorkerCrash, "worker.exec", "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, faults.Wrap(faults.KindWorkerCrash, "worker.exec", "start worker", err)
	}

	exited := make(chan struct{})
	log := f.log.With(slog.Int("pid", cmd.Process.Pid))
	stop := func() {
		_ = cmd.Process.Signal(os.Interrupt)
		go func() {
			select {
			case <-exited:
			case <-time.After(execStopGrace):
				_ = cmd.Process.Kill()
			}
		}()
	}
	s := newStream(stdin, stop, log)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		close(exited)
		if waitErr != nil {
			waitErr = fmt.Errorf("worker process: %w", waitErr)
		}
		log.Debug("worker process exited", slog.Any("status", cmd.ProcessState))
		s.finish(waitErr)
	}()

	log.Info("worker started", slog.String("command", args[0]))
	return s, nil
}
