package synth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-piper/internal/blobcache"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/loqalabs/loqa-piper/internal/fetch"
	"github.com/loqalabs/loqa-piper/internal/supervisor"
	"github.com/loqalabs/loqa-piper/internal/wav"
	"github.com/loqalabs/loqa-piper/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-piper/synth"

// Task is the input for one synthesis call.
type Task struct {
	Text           string
	ModelURL       string
	ModelConfigURL string
	SpeakerID      *int
	AssetURLs      []string
}

func (t Task) urls() []string {
	urls := []string{t.ModelURL, t.ModelConfigURL}
	for _, u := range t.AssetURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

type Result struct {
	Audio    []byte
	Duration time.Duration
}

// ProgressFunc receives the url being fetched and a 0-100 percentage. It is
// called from the supervisor loop and must return quickly.
type ProgressFunc func(url string, percent int)

// Engine is the public face of the pipeline: it checks the worker has the
// right model, dispatches synthesis with cached blobs attached and captures
// newly fetched blobs.
type Engine struct {
	sup      *supervisor.Supervisor
	loader   *fetch.Loader
	cache    *blobcache.Cache
	stitcher *wav.Stitcher
	source   string
	worker   config.WorkerConfig
	synth    config.SynthConfig
	log      *slog.Logger

	// turn is held from the health check until the synthesis request is
	// queued, so no other model's check or load can slip in between.
	turn chan struct{}

	tracer     trace.Tracer
	latency    metric.Float64Histogram
	mismatches metric.Int64Counter
}

func New(sup *supervisor.Supervisor, loader *fetch.Loader, stitcher *wav.Stitcher, source string, workerCfg config.WorkerConfig, synthCfg config.SynthConfig, log *slog.Logger) *Engine {
	e := &Engine{
		sup:      sup,
		loader:   loader,
		cache:    loader.Cache(),
		stitcher: stitcher,
		source:   source,
		worker:   workerCfg,
		synth:    synthCfg,
		log:      log.With(slog.String("component", "synth")),
		turn:     make(chan struct{}, 1),
		tracer:   otel.Tracer(instrumentation),
	}
	if err := e.initMetrics(otel.Meter(instrumentation)); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Engine) initMetrics(meter metric.Meter) error {
	latency, err := meter.Float64Histogram("loqa.piper.synthesis_ms",
		metric.WithDescription("End to end synthesis latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	mismatches, err := meter.Int64Counter("loqa.piper.model_mismatches",
		metric.WithDescription("Health checks that forced a worker restart"))
	if err != nil {
		return err
	}
	e.latency = latency
	e.mismatches = mismatches
	return nil
}

// Source returns the identifier new workers are built from for cfg.
func Source(cfg config.WorkerConfig) string {
	switch cfg.Mode {
	case "exec":
		return cfg.Command
	case "wasm":
		return cfg.Module
	default:
		return "mock://piper"
	}
}

func (e *Engine) synthTimeout() time.Duration {
	return time.Duration(e.worker.SynthTimeoutMS) * time.Millisecond
}

func (e *Engine) healthTimeout() time.Duration {
	return time.Duration(e.worker.HealthTimeoutMS) * time.Millisecond
}

// Synthesize renders task.Text with the requested model.
func (e *Engine) Synthesize(ctx context.Context, task Task, onProgress ProgressFunc) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "synth.Synthesize", trace.WithAttributes(
		attribute.String("model.url", task.ModelURL),
		attribute.Int("text.length", len(task.Text)),
	))
	defer span.End()
	start := time.Now()

	result, err := e.synthesize(ctx, task, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if e.latency != nil {
		e.latency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return result, nil
}

func (e *Engine) synthesize(ctx context.Context, task Task, onProgress ProgressFunc) (Result, error) {
	if task.ModelURL == "" || task.ModelConfigURL == "" {
		return Result{}, faults.New(faults.KindConfig, "synth.synthesize", "model and model config urls are required")
	}
	urls := task.urls()
	if e.synth.Prefetch {
		if err := e.loader.Prefetch(ctx, urls...); err != nil {
			return Result{}, err
		}
	}

	req := supervisor.Request{
		Payload: worker.Request{
			Kind:           worker.KindInit,
			ModelURL:       task.ModelURL,
			ModelConfigURL: task.ModelConfigURL,
			Input:          task.Text,
			SpeakerID:      task.SpeakerID,
			AssetURLs:      task.AssetURLs,
		},
		Timeout: e.synthTimeout(),
		Retries: e.worker.Retries,
		// Blobs are attached per dispatch so a resend after an eviction
		// carries only what is still cached.
		Prepare: func(p *worker.Request) {
			p.Blobs = e.cache.Snapshot(urls...)
		},
		OnProgress: func(msg worker.Message) {
			if msg.Blob != nil {
				e.cache.Put(msg.URL, msg.Blob)
			}
			if onProgress != nil {
				onProgress(msg.URL, int(math.Round(msg.Progress()*100)))
			}
		},
	}

	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	e.sup.Init(e.source)
	if err := e.ensureModel(ctx, task.ModelURL); err != nil {
		<-e.turn
		return Result{}, err
	}
	pending := e.sup.Submit(req)
	<-e.turn

	msg, err := pending.Wait(ctx)
	if err != nil {
		return Result{}, err
	}

	duration := time.Duration(msg.Duration * float64(time.Second))
	if duration <= 0 {
		if d, derr := wav.Duration(msg.Audio); derr == nil {
			duration = d
		}
	}
	return Result{Audio: msg.Audio, Duration: duration}, nil
}

// ensureModel asks the worker whether modelURL is resident and queues a
// restart when it is not or when the worker does not answer in time.
func (e *Engine) ensureModel(ctx context.Context, modelURL string) error {
	alive, err := e.probe(ctx, modelURL)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if alive {
		return nil
	}
	reason := "model not resident"
	if err != nil {
		reason = "health check failed"
	}
	e.log.Info("restarting worker before synthesis",
		slog.String("model_url", modelURL),
		slog.String("reason", reason),
		slog.String("kind", string(faults.KindModelMismatch)),
		slogError(err),
	)
	if e.mismatches != nil {
		e.mismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	e.sup.Restart(string(faults.KindModelMismatch))
	return nil
}

func (e *Engine) probe(ctx context.Context, modelURL string) (bool, error) {
	msg, err := e.sup.Submit(supervisor.Request{
		Payload: worker.Request{Kind: worker.KindIsAlive, ModelURL: modelURL},
		Timeout: e.healthTimeout(),
	}).Wait(ctx)
	if err != nil {
		return false, err
	}
	return msg.IsAlive, nil
}

// IsModelCached reports whether modelURL can be used without downloading:
// either its weights are in the blob cache or the worker already has it
// loaded.
func (e *Engine) IsModelCached(ctx context.Context, modelURL string) bool {
	if e.cache.Has(modelURL) {
		return true
	}
	e.sup.Init(e.source)
	alive, err := e.probe(ctx, modelURL)
	if err != nil {
		e.log.Debug("model probe failed", slog.String("model_url", modelURL), slogError(err))
		return false
	}
	return alive
}

// EvictModel drops the model's cached blobs and restarts the worker so no
// stale copy stays in memory.
func (e *Engine) EvictModel(modelURL, modelConfigURL string) int {
	removed := e.cache.Delete(modelURL, modelConfigURL)
	e.sup.Terminate()
	e.log.Info("model evicted", slog.String("model_url", modelURL), slog.Int("blobs_removed", removed))
	return removed
}

// Stitch joins clips for gapless playback.
func (e *Engine) Stitch(buffers [][]byte) (Result, error) {
	audio, err := e.stitcher.Stitch(buffers)
	if err != nil {
		return Result{}, err
	}
	d, err := wav.Duration(audio)
	if err != nil {
		e.log.Warn("stitched audio has no computable duration", slogError(err))
	}
	return Result{Audio: audio, Duration: d}, nil
}

// Prefetch downloads urls into the blob cache ahead of synthesis.
func (e *Engine) Prefetch(ctx context.Context, urls ...string) error {
	return e.loader.Prefetch(ctx, urls...)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	if errors.Is(err, context.Canceled) {
		return slog.String("error", "canceled")
	}
	return slog.String("error", err.Error())
}
