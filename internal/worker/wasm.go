package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// ModuleSource returns the bytes of the WASI module named by source.
type ModuleSource func(ctx context.Context, source string) ([]byte, error)

// FileModuleSource reads modules from the local filesystem.
func FileModuleSource(_ context.Context, source string) ([]byte, error) {
	return os.ReadFile(source)
}

// WASMFactory runs the worker as a WASI command module. Every handle gets its
// own wazero runtime so terminating one never leaks state into the next;
// compiled code is shared through a compilation cache.
type WASMFactory struct {
	load  ModuleSource
	env   []string
	cache wazero.CompilationCache
	log   *slog.Logger
}

func NewWASMFactory(load ModuleSource, env []string, log *slog.Logger) *WASMFactory {
	if load == nil {
		load = FileModuleSource
	}
	return &WASMFactory{
		load:  load,
		env:   env,
		cache: wazero.NewCompilationCache(),
		log:   log.With(slog.String("component", "worker.wasm")),
	}
}

// Close releases the compilation cache.
func (f *WASMFactory) Close(ctx context.Context) error {
	return f.cache.Close(ctx)
}

func (f *WASMFactory) Start(ctx context.Context, source string) (Handle, error) {
	if source == "" {
		return nil, faults.New(faults.KindConfig, "worker.wasm", "worker module not set")
	}
	wasmBytes, err := f.load(ctx, source)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, "worker.wasm", "load worker module", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().
		WithCompilationCache(f.cache).
		WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		cancel()
		_ = rt.Close(context.Background())
		return nil, faults.Wrap(faults.KindWorkerCrash, "worker.wasm", "instantiate WASI", err)
	}
	compiled, err := rt.CompileModule(runCtx, wasmBytes)
	if err != nil {
		cancel()
		_ = rt.Close(context.Background())
		return nil, faults.Wrap(faults.KindConfig, "worker.wasm", "compile worker module", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs("piper-worker").
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(stderrW).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, kv := range f.env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			moduleConfig = moduleConfig.WithEnv(k, v)
		}
	}

	stop := func() {
		_ = stdinR.Close()
		cancel()
	}
	s := newStream(stdinW, stop, f.log)

	exitCh := make(chan error, 1)
	go func() {
		mod, runErr := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			_ = mod.Close(context.Background())
		}
		var exitErr *sys.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 0 {
			runErr = nil
		}
		_ = stdoutW.Close()
		_ = stderrW.Close()
		exitCh <- runErr
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readMessages(stdoutR)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderrR)
	}()
	go func() {
		readers.Wait()
		runErr := <-exitCh
		cancel()
		_ = compiled.Close(context.Background())
		_ = rt.Close(context.Background())
		if runErr != nil {
			runErr = fmt.Errorf("worker module: %w", runErr)
		}
		s.finish(runErr)
	}()

	f.log.Info("worker module started", slog.String("source", source))
	return s, nil
}
