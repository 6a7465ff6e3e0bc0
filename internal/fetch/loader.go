package fetch

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-piper/internal/blobcache"
	"golang.org/x/sync/singleflight"
)

// Loader serves long-lived assets from the blob cache and fills misses
// through the fetcher. Concurrent misses for one URL share a single download.
type Loader struct {
	cache   *blobcache.Cache
	fetcher *Fetcher
	group   singleflight.Group
	log     *slog.Logger
}

func NewLoader(cache *blobcache.Cache, fetcher *Fetcher, log *slog.Logger) *Loader {
	return &Loader{
		cache:   cache,
		fetcher: fetcher,
		log:     log.With(slog.String("component", "loader")),
	}
}

func (l *Loader) Get(ctx context.Context, url string) ([]byte, error) {
	if blob, ok := l.cache.Get(url); ok {
		return blob, nil
	}
	v, err, shared := l.group.Do(url, func() (any, error) {
		if blob, ok := l.cache.Get(url); ok {
			return blob, nil
		}
		blob, err := l.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		l.cache.Put(url, blob)
		l.log.Debug("asset cached", slog.String("url", url), slog.Int("bytes", len(blob)))
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.log.Debug("asset fetch shared", slog.String("url", url))
	}
	return v.([]byte), nil
}

// Prefetch loads every url into the cache, stopping at the first failure.
func (l *Loader) Prefetch(ctx context.Context, urls ...string) error {
	for _, url := range urls {
		if url == "" {
			continue
		}
		if _, err := l.Get(ctx, url); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) Cache() *blobcache.Cache {
	return l.cache
}
