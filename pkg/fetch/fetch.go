// Package fetch loads remote map images (WMS GetMap responses, tiles, GeoJSON
// payloads) with a persistent cache, request de-duplication and a per-host
// circuit breaker.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/sudorandom/rainfall/pkg/utils"
)

var ErrNotFound = utils.ErrNotFound

// Fetcher loads an image by URL. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, src string) (image.Image, error)
}

// ByteFetcher loads raw bytes by URL, for payloads that are not images.
type ByteFetcher interface {
	FetchBytes(ctx context.Context, src string) ([]byte, error)
}

type Options struct {
	Client *http.Client
	// Cache stores raw payloads. Nil disables persistence.
	Cache *utils.DiskCache
	// MaxFailures consecutive failures open a host's breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

type HTTPFetcher struct {
	client      *http.Client
	cache       *utils.DiskCache
	logger      *zap.Logger
	maxFailures uint32
	openTimeout time.Duration

	group      singleflight.Group
	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:      opts.Client,
		cache:       opts.Cache,
		logger:      opts.Logger,
		maxFailures: opts.MaxFailures,
		openTimeout: opts.OpenTimeout,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src string) (image.Image, error) {
	data, err := f.FetchBytes(ctx, src)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		f.forget(src)
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	return img, nil
}

func (f *HTTPFetcher) FetchBytes(ctx context.Context, src string) ([]byte, error) {
	if f.cache != nil {
		data, err := f.cache.Get(src)
		if err != nil {
			f.logger.Warn("cache read failed", zap.String("src", src), zap.Error(err))
		} else if data != nil {
			return data, nil
		}
	}

	v, err, shared := f.group.Do(src, func() (any, error) {
		cb := f.breakerFor(src)
		res, err := cb.Execute(func() (any, error) {
			return utils.FetchBytes(ctx, f.client, src)
		})
		if err != nil {
			return nil, err
		}
		data := res.([]byte)
		if f.cache != nil {
			if err := f.cache.Put(src, data); err != nil {
				f.logger.Warn("cache write failed", zap.String("src", src), zap.Error(err))
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		f.logger.Debug("shared in-flight fetch", zap.String("src", src))
	}
	return v.([]byte), nil
}

func (f *HTTPFetcher) forget(src string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Delete(src); err != nil {
		f.logger.Warn("cache delete failed", zap.String("src", src), zap.Error(err))
	}
}

func (f *HTTPFetcher) breakerFor(src string) *gobreaker.CircuitBreaker {
	host := src
	if u, err := url.Parse(src); err == nil && u.Host != "" {
		host = u.Host
	}
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	maxFailures := f.maxFailures
	logger := f.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: f.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("map service breaker changed state",
				zap.String("host", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	f.breakers[host] = cb
	return cb
}
