// Package viewer is the ebiten front end: an interactive map whose rain
// overlay is rendered by a worker and animated here with raindrop particles.
package viewer

import (
	"bytes"
	"context"
	"image/color"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"go.uber.org/zap"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/sudorandom/rainfall/pkg/animate"
	"github.com/sudorandom/rainfall/pkg/coordinator"
	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/mapview"
	"github.com/sudorandom/rainfall/pkg/worker"
)

// OverlayName is the title of the rain overlay in the map's layer stack.
const OverlayName = "Raindrops"

var background = color.RGBA{8, 10, 14, 255}

type Config struct {
	Width, Height int
	// Lon, Lat and Resolution (map units per pixel) set the initial view.
	Lon, Lat   float64
	Resolution float64
	PixelRatio float64
	// Layers are rendered by the worker, bottom first.
	Layers []frame.LayerDescriptor
	// Fetcher answers the worker's loadImage requests.
	Fetcher     fetch.Fetcher
	Interactive bool
	// StepInterval is how often the raindrops move.
	StepInterval time.Duration
	Logger       *zap.Logger
}

// Viewer implements ebiten.Game. Everything it owns is touched only from the
// game loop goroutine.
type Viewer struct {
	Width, Height int

	logger     *zap.Logger
	m          *mapview.Map
	coord      *coordinator.Coordinator
	anim       *animate.Handle
	surface    *surface
	fontSource *text.GoTextFaceSource

	lastStep time.Time
	drag     *dragState
	showHUD  bool
	closed   bool
}

func New(port worker.Port, cfg Config) *Viewer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PixelRatio <= 0 {
		cfg.PixelRatio = 1
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = time.Second / 30
	}
	s, err := text.NewGoTextFaceSource(bytes.NewReader(goregular.TTF))
	if err != nil {
		cfg.Logger.Warn("cannot load hud font", zap.Error(err))
	}

	v := &Viewer{
		Width:      cfg.Width,
		Height:     cfg.Height,
		logger:     cfg.Logger.Named("viewer"),
		fontSource: s,
		showHUD:    true,
	}
	v.m = mapview.New(mapview.Options{
		Center:     frame.WebMercator.FromLonLat(cfg.Lon, cfg.Lat),
		Resolution: cfg.Resolution,
		PixelRatio: cfg.PixelRatio,
		Size:       frame.Size{cfg.Width, cfg.Height},
		Logger:     cfg.Logger,
	})
	for _, l := range cfg.Layers {
		v.m.AddLayer(mapview.SourceLayer{LayerDescriptor: l})
	}

	v.surface = newSurface(cfg.Interactive)
	v.coord = coordinator.New(port, v.surface, v.m, coordinator.Config{
		Fetcher: cfg.Fetcher,
		Logger:  cfg.Logger,
	})
	v.m.AddLayer(mapview.FuncLayer{Title: OverlayName, Fn: v.coord.OnFrame})

	v.anim = animate.Start(context.Background(), cfg.StepInterval, v.stepParticles)
	v.coord.OnClose(v.anim.Cancel)
	v.coord.OnClose(func() { v.m.RemoveLayer(OverlayName) })
	v.coord.OnClose(v.surface.reset)
	return v
}

// Map exposes the map widget, mainly for tests and scripted views.
func (v *Viewer) Map() *mapview.Map { return v.m }

func (v *Viewer) stepParticles(now time.Time) {
	dt := 0.0
	if !v.lastStep.IsZero() {
		dt = min(now.Sub(v.lastStep).Seconds(), 0.25)
	}
	v.lastStep = now
	v.surface.field.Step(dt, v.surface.pointer)
}

// step runs one UI tick without reading input: worker messages, particle
// ticks, the map render and the transform correction.
func (v *Viewer) step() {
	if v.closed {
		return
	}
	v.coord.Pump()
	v.anim.Drain()
	v.m.Tick()
	v.coord.UpdateTransform(v.m.View())
}

func (v *Viewer) Update() error {
	if err := v.handleInput(); err != nil {
		return err
	}
	v.step()
	return nil
}

func (v *Viewer) Draw(screen *ebiten.Image) {
	screen.Fill(background)
	v.surface.draw(screen, float64(v.Width), float64(v.Height))
	if v.showHUD {
		v.drawHUD(screen)
	}
}

func (v *Viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	if outsideWidth > 0 && outsideHeight > 0 {
		v.Width, v.Height = outsideWidth, outsideHeight
		v.m.SetSize(outsideWidth, outsideHeight)
	}
	return v.Width, v.Height
}

// Close tears the overlay down and terminates the worker.
func (v *Viewer) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.coord.Close()
}
