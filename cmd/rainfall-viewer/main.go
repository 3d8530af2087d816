// Command rainfall-viewer shows an interactive map with animated raindrops
// that run downhill over the terrain rendered by the worker.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hajimehoshi/ebiten/v2"
	_ "github.com/silbinarywolf/preferdiscretegpu"
	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/logging"
	"github.com/sudorandom/rainfall/pkg/rainengine"
	"github.com/sudorandom/rainfall/pkg/sources"
	"github.com/sudorandom/rainfall/pkg/utils"
	"github.com/sudorandom/rainfall/pkg/viewer"
	"github.com/sudorandom/rainfall/pkg/worker"
)

var cli struct {
	Width       int      `default:"1280" help:"Initial window width."`
	Height      int      `default:"720" help:"Initial window height."`
	TPS         int      `default:"60" help:"Ticks per second."`
	Lon         float64  `default:"-105.6" help:"Initial longitude."`
	Lat         float64  `default:"40.3" help:"Initial latitude."`
	Resolution  float64  `default:"150" help:"Initial resolution in map units per pixel."`
	PixelRatio  float64  `default:"1" help:"Device pixels per frame pixel for worker buffers."`
	Interactive bool     `help:"Raindrops flee the mouse pointer."`
	WorkerURL   string   `name:"worker-url" env:"RAINFALL_WORKER_URL" help:"Websocket URL of a rainfall-worker. Empty runs the worker in process."`
	Layers      []string `help:"Built-in layers to render, bottom first." placeholder:"PRESET"`
	LayersFile  string   `help:"JSON layers file (path or URL). Overrides --layers."`
	ProxyImages bool     `help:"Fetch images on the UI side for the in-process worker."`
	CacheDir    string   `default:"data/cache" env:"RAINFALL_CACHE_DIR" help:"Directory for cached map images. Empty keeps them in memory."`
	LogLevel    string   `default:"info" env:"LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level."`
	LogJSON     bool     `env:"LOG_JSON" help:"Log as JSON."`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("rainfall-viewer"), kong.Description("Rainfall map overlay viewer."))

	logger, err := logging.New(logging.Config{Level: cli.LogLevel, JSON: cli.LogJSON, Service: "rainfall-viewer"})
	kctx.FatalIfErrorf(err)
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("viewer exited", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	layers, err := sources.Resolve(ctx, cli.LayersFile, cli.Layers, cli.CacheDir, logger)
	if err != nil {
		return err
	}

	cachePath := ""
	if cli.CacheDir != "" {
		cachePath = filepath.Join(cli.CacheDir, "images")
	}
	cache, err := utils.OpenDiskCache(cachePath, 24*time.Hour)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing image cache", zap.Error(err))
		}
	}()
	fetcher := fetch.NewHTTPFetcher(fetch.Options{Cache: cache, Logger: logger.Named("fetch")})

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	var port worker.Port
	var engineDone chan error
	if cli.WorkerURL != "" {
		port, err = worker.Dial(workerCtx, cli.WorkerURL, time.Minute, logger)
		if err != nil {
			return err
		}
	} else {
		ui, wrk := worker.NewPipe()
		e, err := rainengine.New(rainengine.Config{
			ProxyImages: cli.ProxyImages,
			LoadTimeout: 30 * time.Second,
			Fetcher:     fetcher,
			Logger:      logger,
		}, layers)
		if err != nil {
			return err
		}
		engineDone = make(chan error, 1)
		go func() { engineDone <- e.Run(workerCtx, wrk) }()
		port = ui
	}

	v := viewer.New(port, viewer.Config{
		Width:       cli.Width,
		Height:      cli.Height,
		Lon:         cli.Lon,
		Lat:         cli.Lat,
		Resolution:  cli.Resolution,
		PixelRatio:  cli.PixelRatio,
		Layers:      layers,
		Fetcher:     fetcher,
		Interactive: cli.Interactive,
		Logger:      logger,
	})
	go func() {
		<-ctx.Done()
		logger.Info("interrupted, closing window")
		cancelWorker()
	}()

	ebiten.SetTPS(cli.TPS)
	ebiten.SetWindowSize(cli.Width, cli.Height)
	ebiten.SetWindowTitle("Rainfall")
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	runErr := ebiten.RunGame(&game{Viewer: v, ctx: ctx})

	closeErr := v.Close()
	cancelWorker()
	if engineDone != nil {
		if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("engine stopped", zap.Error(err))
		}
	}
	return errors.Join(runErr, closeErr)
}

// game ends the run loop once the process is interrupted.
type game struct {
	*viewer.Viewer
	ctx context.Context
}

func (g *game) Update() error {
	if g.ctx.Err() != nil {
		return ebiten.Termination
	}
	return g.Viewer.Update()
}
