package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/faults"
)

// Fetcher downloads resources with exponential backoff between attempts.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	log    *slog.Logger
}

func New(cfg config.FetchConfig, client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		cfg:    cfg,
		log:    log.With(slog.String("component", "fetch")),
	}
}

// Fetch performs up to MaxRetries+1 attempts. The wait before retry n is
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(f.cfg.InitialDelayMS) * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          f.cfg.Multiplier,
		MaxInterval:         time.Duration(f.cfg.MaxDelayMS) * time.Millisecond,
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = backoff.DefaultMaxInterval
	}
	policy.Reset()

	retries := f.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	blob, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		return f.fetchOnce(ctx, url)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.log.Warn("fetch failed, retrying",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slogError(err))
		}),
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, "fetch", fmt.Sprintf("fetch %s failed after %d attempts", url, attempt), err)
	}
	return blob, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.cfg.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(f.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
