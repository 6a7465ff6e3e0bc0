package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-piper/internal/wav"
)

const (
	simulatedRuneDuration = 10 * time.Millisecond
	simulatedMinDuration  = 50 * time.Millisecond
)

// Simulator is a deterministic stand-in for the synthesis worker. It keeps
// track of the model it has loaded, pretends to download every resource it
// was not handed as a blob, and answers with silence sized to the input.
type Simulator struct {
	SampleRate int
	// Step is the pause between progress messages.
	Step time.Duration

	loaded string
}

func NewSimulator(sampleRate int, step time.Duration) *Simulator {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &Simulator{SampleRate: sampleRate, Step: step}
}

// Loaded returns the model URL currently resident.
func (s *Simulator) Loaded() string {
	return s.loaded
}

// Handle processes one request, calling emit for every message produced.
func (s *Simulator) Handle(ctx context.Context, req Request, emit func(Message) error) error {
	switch req.Kind {
	case KindIsAlive:
		return emit(Message{Kind: KindIsAlive, IsAlive: s.loaded != "" && s.loaded == req.ModelURL})
	case KindInit:
		return s.synthesize(ctx, req, emit)
	default:
		return emit(Message{Kind: KindError, Error: fmt.Sprintf("unknown request kind %q", req.Kind)})
	}
}

func (s *Simulator) synthesize(ctx context.Context, req Request, emit func(Message) error) error {
	if req.ModelURL == "" || req.ModelConfigURL == "" {
		return emit(Message{Kind: KindError, Error: "model and model config urls are required"})
	}
	if s.loaded != req.ModelURL {
		s.loaded = ""
		urls := append([]string{req.ModelURL, req.ModelConfigURL}, req.AssetURLs...)
		for _, url := range urls {
			if url == "" {
				continue
			}
			if _, ok := req.Blobs[url]; ok {
				continue
			}
			if err := s.download(ctx, url, emit); err != nil {
				return err
			}
		}
		s.loaded = req.ModelURL
	}

	if strings.TrimSpace(req.Input) == "" {
		return emit(Message{Kind: KindError, Error: "input text is empty"})
	}
	if req.SpeakerID != nil && *req.SpeakerID < 0 {
		return emit(Message{Kind: KindError, Error: fmt.Sprintf("unsupported speaker id %d", *req.SpeakerID)})
	}

	duration := time.Duration(utf8.RuneCountInString(req.Input)) * simulatedRuneDuration
	if duration < simulatedMinDuration {
		duration = simulatedMinDuration
	}
	samples := make([]int, int(duration.Seconds()*float64(s.SampleRate)))
	audio, err := wav.EncodePCM16(samples, s.SampleRate, 1)
	if err != nil {
		return emit(Message{Kind: KindError, Error: err.Error()})
	}
	if err := emit(Message{Kind: KindOutput, Audio: audio, Duration: duration.Seconds()}); err != nil {
		return err
	}
	return emit(Message{Kind: KindComplete})
}

func (s *Simulator) download(ctx context.Context, url string, emit func(Message) error) error {
	blob := []byte("simulated:" + url)
	total := int64(len(blob))
	if err := emit(Message{Kind: KindFetch, URL: url, Loaded: 0, Total: total}); err != nil {
		return err
	}
	if err := s.pause(ctx); err != nil {
		return err
	}
	if err := emit(Message{Kind: KindFetch, URL: url, Loaded: total / 2, Total: total}); err != nil {
		return err
	}
	if err := s.pause(ctx); err != nil {
		return err
	}
	return emit(Message{Kind: KindFetch, URL: url, Loaded: total, Total: total, Blob: blob})
}

func (s *Simulator) pause(ctx context.Context) error {
	if s.Step <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Step)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ServeStdio runs sim against line-delimited JSON requests from r, writing
// messages to w, until r is exhausted or ctx is cancelled.
func ServeStdio(ctx context.Context, r io.Reader, w io.Writer, sim *Simulator) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	emit := func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(msg)
	}

	reader := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				if err := emit(Message{Kind: KindError, Error: "malformed request: " + err.Error()}); err != nil {
					return err
				}
			} else if err := sim.Handle(ctx, req, emit); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
