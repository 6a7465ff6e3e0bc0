package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-piper/internal/blobcache"
	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/fetch"
	"github.com/loqalabs/loqa-piper/internal/journal"
	"github.com/loqalabs/loqa-piper/internal/natsserver"
	"github.com/loqalabs/loqa-piper/internal/service"
	"github.com/loqalabs/loqa-piper/internal/supervisor"
	"github.com/loqalabs/loqa-piper/internal/synth"
	"github.com/loqalabs/loqa-piper/internal/voices"
	"github.com/loqalabs/loqa-piper/internal/wav"
	"github.com/loqalabs/loqa-piper/internal/worker"
	"go.opentelemetry.io/otel"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	runID        string
	embedded     *natsserver.EmbeddedServer
	bus          *bus.Client
	store        *journal.Store
	recorder     *journal.Recorder
	factoryClose func(context.Context) error
	supervisor   *supervisor.Supervisor
	engine       *synth.Engine
	service      *service.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runID = uuid.NewString()
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.runID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return errors.Join(err, r.stopComponents(shutdownCtx), r.tracerClose(shutdownCtx))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("run_id", r.runID),
		slog.String("worker_mode", r.cfg.Worker.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if err := r.stopComponents(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	for _, err := range errs {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if r.cfg.Service.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
	}

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.store = store
	if err := store.BeginRun(ctx, r.runID, r.cfg.RuntimeName); err != nil {
		return fmt.Errorf("begin journal run: %w", err)
	}
	r.recorder = journal.NewRecorder(store, r.runID, r.cfg.Journal.Buffer, r.logger)

	cache := blobcache.New()
	loader := fetch.NewLoader(cache, fetch.New(r.cfg.Fetch, nil, r.logger), r.logger)

	factory, closeFactory, err := newFactory(r.cfg.Worker, loader, r.logger)
	if err != nil {
		return err
	}
	r.factoryClose = closeFactory

	r.supervisor = supervisor.New(factory, r.logger, supervisor.Options{
		DefaultTimeout: time.Duration(r.cfg.Worker.SynthTimeoutMS) * time.Millisecond,
		Meter:          otel.Meter("github.com/loqalabs/loqa-piper/supervisor"),
		OnEvent:        r.recorder.Observe,
	})
	r.engine = synth.New(r.supervisor, loader, wav.NewStitcher(r.logger), synth.Source(r.cfg.Worker), r.cfg.Worker, r.cfg.Synth, r.logger)

	catalog, err := loadCatalog(r.cfg.Synth.VoicesPath, r.logger)
	if err != nil {
		return err
	}

	svc, err := service.New(ctx, r.cfg.Service, r.cfg.Synth.DefaultVoice, r.engine, catalog, r.bus, r.recorder, r.logger)
	if err != nil {
		return fmt.Errorf("start synthesis service: %w", err)
	}
	r.service = svc
	return nil
}

// stopComponents tears down in reverse start order. It tolerates a partial
// start.
func (r *Runtime) stopComponents(ctx context.Context) error {
	var errs []error
	if r.service != nil {
		r.service.Close()
	}
	if r.supervisor != nil {
		r.supervisor.Close()
	}
	if r.factoryClose != nil {
		if err := r.factoryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close worker factory: %w", err))
		}
	}
	if r.recorder != nil {
		r.recorder.Close()
		if n := r.recorder.Dropped(); n > 0 {
			r.logger.Warn("journal entries dropped", slog.Int64("count", n))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	return errors.Join(errs...)
}

// newFactory builds the worker factory for cfg.Mode. The returned close
// function is never nil.
func newFactory(cfg config.WorkerConfig, loader *fetch.Loader, log *slog.Logger) (worker.Factory, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Mode {
	case "exec":
		return worker.NewExecFactory(cfg.Env, log), noop, nil
	case "wasm":
		f := worker.NewWASMFactory(moduleSource(loader), cfg.Env, log)
		return f, f.Close, nil
	case "mock", "":
		return worker.NewMockFactory(cfg.SampleRate, time.Duration(cfg.MockStepMS)*time.Millisecond, log), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown worker mode %q", cfg.Mode)
	}
}

// moduleSource fetches http(s) modules through the loader so they land in the
// blob cache and reads everything else from disk.
func moduleSource(loader *fetch.Loader) worker.ModuleSource {
	return func(ctx context.Context, source string) ([]byte, error) {
		if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
			return loader.Get(ctx, source)
		}
		return worker.FileModuleSource(ctx, source)
	}
}

// loadCatalog returns nil without error when no catalog is configured or the
// file does not exist; requests must then carry explicit model URLs.
func loadCatalog(path string, log *slog.Logger) (*voices.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	catalog, err := voices.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("voice catalog not found, voices must be given as model urls", slog.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("load voice catalog: %w", err)
	}
	if err := voices.Validate(catalog); err != nil {
		return nil, fmt.Errorf("validate voice catalog: %w", err)
	}
	log.Info("voice catalog loaded", slog.String("path", path), slog.Int("voices", len(catalog.Voices)))
	return &catalog, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.cfg.Service.Enabled && !r.service.Healthy() {
		return false
	}
	return true
}
