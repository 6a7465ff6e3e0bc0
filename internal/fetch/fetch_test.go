package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-piper/internal/blobcache"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/faults"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(retries int) config.FetchConfig {
	return config.FetchConfig{MaxRetries: retries, InitialDelayMS: 1, Multiplier: 2, MaxDelayMS: 10, RequestTimeoutMS: 2000}
}

// flakyServer fails the first `failures` requests with 503.
func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("model-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchSucceedsAfterTransientFailures(t *testing.T) {
	srv, calls := flakyServer(t, 3)
	f := New(testConfig(4), srv.Client(), newLogger())

	blob, err := f.Fetch(context.Background(), srv.URL+"/voice.onnx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(blob) != "model-bytes" {
		t.Fatalf("unexpected body %q", blob)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestFetchGivesUpWithTransportError(t *testing.T) {
	srv, calls := flakyServer(t, 5)
	f := New(testConfig(4), srv.Client(), newLogger())

	_, err := f.Fetch(context.Background(), srv.URL+"/voice.onnx")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !faults.IsKind(err, faults.KindTransport) {
		t.Fatalf("expected transport fault, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 attempts (1 + 4 retries), got %d", calls.Load())
	}
}

func TestFetchZeroRetries(t *testing.T) {
	srv, calls := flakyServer(t, 1)
	f := New(testConfig(0), srv.Client(), newLogger())
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error with no retries")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestLoaderCachesAndSharesFetches(t *testing.T) {
	srv, calls := flakyServer(t, 0)
	cache := blobcache.New()
	loader := NewLoader(cache, New(testConfig(1), srv.Client(), newLogger()), newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loader.Get(context.Background(), srv.URL+"/phonemize.wasm"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if !cache.Has(srv.URL + "/phonemize.wasm") {
		t.Fatalf("expected blob inserted into cache")
	}
	if _, err := loader.Get(context.Background(), srv.URL+"/phonemize.wasm"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls.Load() < 1 || calls.Load() > 8 {
		t.Fatalf("unexpected request count %d", calls.Load())
	}
	before := calls.Load()
	if err := loader.Prefetch(context.Background(), srv.URL+"/phonemize.wasm", ""); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("cached url must not be refetched")
	}
}
