package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/faults"
	"github.com/loqalabs/loqa-piper/internal/journal"
	"github.com/loqalabs/loqa-piper/internal/protocol"
	"github.com/loqalabs/loqa-piper/internal/synth"
	"github.com/loqalabs/loqa-piper/internal/voices"
	"github.com/nats-io/nats.go"
)

// Engine is the synthesis pipeline the service exposes.
type Engine interface {
	Synthesize(ctx context.Context, task synth.Task, onProgress synth.ProgressFunc) (synth.Result, error)
	IsModelCached(ctx context.Context, modelURL string) bool
	EvictModel(modelURL, modelConfigURL string) int
	Stitch(buffers [][]byte) (synth.Result, error)
}

// Recorder receives journal entries for operations that do not pass through
// the supervisor.
type Recorder interface {
	Record(e journal.Entry)
}

// Service answers synthesis requests on the bus.
type Service struct {
	cfg          config.ServiceConfig
	defaultVoice string
	engine       Engine
	catalog      *voices.Catalog
	recorder     Recorder
	log          *slog.Logger
	bus          *bus.Client
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	sema         chan struct{}

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool

	healthy atomic.Bool
}

// New subscribes the service. When cfg.Enabled is false, nil is returned.
// catalog and recorder may be nil.
func New(ctx context.Context, cfg config.ServiceConfig, defaultVoice string, engine Engine, catalog *voices.Catalog, busClient *bus.Client, recorder Recorder, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if busClient == nil {
		return nil, errors.New("synthesis service requires bus client")
	}
	if engine == nil {
		return nil, errors.New("synthesis service requires an engine")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		cfg:          cfg,
		defaultVoice: defaultVoice,
		engine:       engine,
		catalog:      catalog,
		recorder:     recorder,
		log:          logger.With(slog.String("component", "service")),
		bus:          busClient,
		ctx:          cctx,
		cancel:       cancel,
		sema:         make(chan struct{}, cfg.MaxConcurrency),
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	svc.healthy.Store(true)
	return svc, nil
}

// Close drains subscriptions and waits for in-flight requests.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.healthy.Store(false)
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s != nil && s.healthy.Load()
}

func (s *Service) registerSubscriptions() error {
	handlers := map[string]func(context.Context, *nats.Msg) any{
		protocol.SubjectSynthesize:  s.handleSynthesize,
		protocol.SubjectStitch:      s.handleStitch,
		protocol.SubjectModelCached: s.handleModelCached,
		protocol.SubjectModelEvict:  s.handleModelEvict,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, handle := range handlers {
		subject := protocol.Subject(s.cfg.SubjectPrefix, name)
		sub, err := s.bus.Conn().QueueSubscribe(subject, s.cfg.QueueGroup, s.makeHandler(subject, handle))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		s.log.Info("service subscribed", slog.String("subject", subject))
	}
	return nil
}

func (s *Service) makeHandler(subject string, handle func(context.Context, *nats.Msg) any) nats.MsgHandler {
	return func(msg *nats.Msg) {
		// Add must not race with Close's Wait.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			select {
			case s.sema <- struct{}{}:
			case <-s.ctx.Done():
				return
			}
			defer func() { <-s.sema }()

			reply := handle(s.ctx, msg)
			if msg.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				s.log.Error("encode reply", slog.String("subject", subject), slogError(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				s.log.Warn("reply failed", slog.String("subject", subject), slogError(err))
			}
		}()
	}
}

func (s *Service) handleSynthesize(ctx context.Context, msg *nats.Msg) any {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return protocol.SynthesizeReply{Error: protocol.NewError(faults.Wrap(faults.KindConfig, "service.decode", "invalid request", err))}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	reply := protocol.SynthesizeReply{RequestID: req.RequestID}

	task, err := s.resolveTask(req)
	if err != nil {
		reply.Error = protocol.NewError(err)
		return reply
	}

	progressSubject := protocol.ProgressSubject(s.cfg.SubjectPrefix, req.RequestID)
	start := time.Now()
	res, err := s.engine.Synthesize(ctx, task, func(url string, percent int) {
		if err := s.bus.PublishJSON(progressSubject, protocol.Progress{
			RequestID: req.RequestID,
			URL:       url,
			Percent:   percent,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			s.log.Debug("progress publish failed", slogError(err))
		}
	})
	if err != nil {
		s.log.Warn("synthesis failed",
			slog.String("request_id", req.RequestID),
			slog.String("kind", string(faults.KindOf(err))),
			slogError(err))
		reply.Error = protocol.NewError(err)
		return reply
	}
	s.log.Info("synthesis complete",
		slog.String("request_id", req.RequestID),
		slog.Int("audio_bytes", len(res.Audio)),
		slog.Duration("audio", res.Duration),
		slog.Duration("elapsed", time.Since(start)))
	reply.Audio = res.Audio
	reply.DurationSeconds = res.Duration.Seconds()
	return reply
}

func (s *Service) handleStitch(_ context.Context, msg *nats.Msg) any {
	var req protocol.StitchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return protocol.StitchReply{Error: protocol.NewError(faults.Wrap(faults.KindConfig, "service.decode", "invalid request", err))}
	}
	res, err := s.engine.Stitch(req.Buffers)
	if err != nil {
		return protocol.StitchReply{Error: protocol.NewError(err)}
	}
	return protocol.StitchReply{Audio: res.Audio, DurationSeconds: res.Duration.Seconds()}
}

func (s *Service) handleModelCached(ctx context.Context, msg *nats.Msg) any {
	var req protocol.ModelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return protocol.ModelCachedReply{Error: protocol.NewError(faults.Wrap(faults.KindConfig, "service.decode", "invalid request", err))}
	}
	modelURL, _, err := s.resolveModel(req)
	if err != nil {
		return protocol.ModelCachedReply{Error: protocol.NewError(err)}
	}
	return protocol.ModelCachedReply{ModelURL: modelURL, Cached: s.engine.IsModelCached(ctx, modelURL)}
}

func (s *Service) handleModelEvict(_ context.Context, msg *nats.Msg) any {
	var req protocol.ModelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return protocol.EvictReply{Error: protocol.NewError(faults.Wrap(faults.KindConfig, "service.decode", "invalid request", err))}
	}
	modelURL, configURL, err := s.resolveModel(req)
	if err != nil {
		return protocol.EvictReply{Error: protocol.NewError(err)}
	}
	removed := s.engine.EvictModel(modelURL, configURL)
	if s.recorder != nil {
		s.recorder.Record(journal.Entry{Type: "evict", Reason: modelURL})
	}
	return protocol.EvictReply{ModelURL: modelURL, Removed: removed}
}

func (s *Service) resolveTask(req protocol.SynthesizeRequest) (synth.Task, error) {
	task := synth.Task{
		Text:           req.Text,
		ModelURL:       req.ModelURL,
		ModelConfigURL: req.ModelConfigURL,
		SpeakerID:      req.SpeakerID,
		AssetURLs:      req.AssetURLs,
	}
	if task.ModelURL != "" {
		return task, nil
	}
	voice, err := s.voice(req.Voice)
	if err != nil {
		return synth.Task{}, err
	}
	task.ModelURL = voice.ModelURL
	task.ModelConfigURL = voice.ModelConfigURL
	task.AssetURLs = append(append([]string(nil), voice.AssetURLs...), req.AssetURLs...)
	if task.SpeakerID == nil {
		id, err := voice.SpeakerID(req.Speaker)
		if err != nil {
			return synth.Task{}, faults.Wrap(faults.KindConfig, "service.resolve", "unknown speaker", err)
		}
		task.SpeakerID = id
	}
	return task, nil
}

func (s *Service) resolveModel(req protocol.ModelRequest) (string, string, error) {
	if req.ModelURL != "" {
		return req.ModelURL, req.ModelConfigURL, nil
	}
	voice, err := s.voice(req.Voice)
	if err != nil {
		return "", "", err
	}
	return voice.ModelURL, voice.ModelConfigURL, nil
}

func (s *Service) voice(name string) (voices.Resolved, error) {
	if name == "" {
		name = s.defaultVoice
	}
	if name == "" {
		return voices.Resolved{}, faults.New(faults.KindConfig, "service.resolve", "no voice or model url given")
	}
	if s.catalog == nil {
		return voices.Resolved{}, faults.New(faults.KindConfig, "service.resolve", "no voice catalog loaded")
	}
	v, err := s.catalog.Resolve(name)
	if err != nil {
		return voices.Resolved{}, faults.Wrap(faults.KindConfig, "service.resolve", "unknown voice", err)
	}
	return v, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
