// Command rainfall-worker renders rain overlay frames for remote viewers. Each
// websocket connection gets its own engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/logging"
	"github.com/sudorandom/rainfall/pkg/rainengine"
	"github.com/sudorandom/rainfall/pkg/sources"
	"github.com/sudorandom/rainfall/pkg/utils"
	"github.com/sudorandom/rainfall/pkg/worker"
)

var cli struct {
	Listen        string        `default:":8780" env:"RAINFALL_LISTEN" help:"Address the websocket endpoint listens on."`
	MetricsListen string        `default:":9090" env:"RAINFALL_METRICS_LISTEN" help:"Address for /metrics. Empty disables it."`
	Path          string        `default:"/render" help:"Websocket endpoint path."`
	Layers        []string      `help:"Built-in layers to render, bottom first." placeholder:"PRESET"`
	LayersFile    string        `help:"JSON layers file (path or URL). Overrides --layers."`
	ProxyImages   bool          `help:"Ask the viewer to fetch images instead of fetching them here."`
	MaxConcurrent int           `default:"8" help:"Maximum concurrent image loads."`
	MaxNewPerTick int           `default:"2" help:"Maximum new image loads started per frame."`
	LoadTimeout   time.Duration `default:"30s" help:"Timeout for a single image load."`
	CacheDir      string        `default:"data/cache" env:"RAINFALL_CACHE_DIR" help:"Directory for cached map images. Empty keeps them in memory."`
	CacheTTL      time.Duration `default:"24h" help:"How long cached images stay valid."`
	LogLevel      string        `default:"info" env:"LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level."`
	LogJSON       bool          `env:"LOG_JSON" help:"Log as JSON."`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("rainfall-worker"), kong.Description("Render worker for the rainfall map overlay."))

	logger, err := logging.New(logging.Config{Level: cli.LogLevel, JSON: cli.LogJSON, Service: "rainfall-worker"})
	kctx.FatalIfErrorf(err)
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	layers, err := sources.Resolve(ctx, cli.LayersFile, cli.Layers, cli.CacheDir, logger)
	if err != nil {
		return err
	}

	cache, err := utils.OpenDiskCache(imageCachePath(), cli.CacheTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing image cache", zap.Error(err))
		}
	}()
	fetcher := fetch.NewHTTPFetcher(fetch.Options{Cache: cache, Logger: logger.Named("fetch")})

	mux := http.NewServeMux()
	mux.Handle(cli.Path, worker.Handler(logger, func(ctx context.Context, port worker.Port) {
		serveConn(ctx, port, layers, fetcher, logger)
	}))
	srv := &http.Server{Addr: cli.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cli.Listen), zap.String("path", cli.Path), zap.Int("layers", len(layers)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	var metrics *http.Server
	if cli.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: cli.MetricsListen, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if metrics != nil {
			err = errors.Join(err, metrics.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
}

func serveConn(ctx context.Context, port worker.Port, layers []frame.LayerDescriptor, fetcher fetch.Fetcher, logger *zap.Logger) {
	e, err := rainengine.New(rainengine.Config{
		MaxConcurrentLoads: cli.MaxConcurrent,
		MaxNewLoadsPerTick: cli.MaxNewPerTick,
		ProxyImages:        cli.ProxyImages,
		LoadTimeout:        cli.LoadTimeout,
		Fetcher:            fetcher,
		Logger:             logger,
	}, layers)
	if err != nil {
		logger.Error("cannot build engine", zap.Error(err))
		_ = port.Close()
		return
	}
	if err := e.Run(ctx, port); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("engine stopped", zap.Error(err))
	}
}

func imageCachePath() string {
	if cli.CacheDir == "" {
		return ""
	}
	return filepath.Join(cli.CacheDir, "images")
}
