// Package rainengine is the render worker. An Engine owns the layer renderers,
// the load queue and the off-screen surfaces for one worker lifetime, and
// talks to the UI only through worker messages.
package rainengine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/loadqueue"
	"github.com/sudorandom/rainfall/pkg/worker"
)

var ErrNoFetcher = errors.New("no fetcher configured")

// LayerRenderer draws one layer. Prepare may enqueue loads and reports whether
// there is anything to draw; Render draws into a buffer of its own.
type LayerRenderer interface {
	Prepare(ctx *FrameContext) bool
	Render(ctx *FrameContext) (*image.RGBA, error)
}

// RendererFactory builds the renderer for a layer descriptor.
type RendererFactory func(layer frame.LayerDescriptor, logger *zap.Logger) (LayerRenderer, error)

type Config struct {
	MaxConcurrentLoads int
	MaxNewLoadsPerTick int
	// ProxyImages sends image fetches to the UI side with loadImage instead of
	// fetching them here.
	ProxyImages bool
	// LoadTimeout bounds a direct fetch. Zero leaves loads unbounded.
	LoadTimeout time.Duration
	Fetcher     fetch.Fetcher
	// Renderers overrides or extends the built-in renderers by layer kind.
	Renderers map[frame.LayerKind]RendererFactory
	Codec     *frame.Codec
	Logger    *zap.Logger
}

type layerSlot struct {
	desc     frame.LayerDescriptor
	renderer LayerRenderer
}

type Engine struct {
	cfg       Config
	logger    *zap.Logger
	codec     *frame.Codec
	queue     *loadqueue.Queue
	factories map[frame.LayerKind]RendererFactory
	layers    map[string]*layerSlot
	order     []string

	port            worker.Port
	runCtx          context.Context
	done            chan struct{}
	completions     chan func()
	pendingImages   map[string][]loadqueue.Key
	renderRequested bool
	metrics         *metrics
}

// New builds an engine with a renderer for each layer, in order. Layers that
// show up later in a frame state get a renderer on first sight.
func New(cfg Config, layers []frame.LayerDescriptor) (*Engine, error) {
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = loadqueue.DefaultMaxConcurrent
	}
	if cfg.MaxNewLoadsPerTick <= 0 {
		cfg.MaxNewLoadsPerTick = loadqueue.DefaultMaxNewPerTick
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = frame.NewCodec(nil, cfg.Logger)
	}
	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger.Named("engine"),
		codec:  cfg.Codec,
		factories: map[frame.LayerKind]RendererFactory{
			frame.LayerImageWMS: newImageWMS,
			frame.LayerTileWMS:  newTileWMS,
			frame.LayerVector:   newVector,
		},
		layers:        make(map[string]*layerSlot),
		runCtx:        context.Background(),
		done:          make(chan struct{}),
		completions:   make(chan func(), 64),
		pendingImages: make(map[string][]loadqueue.Key),
		metrics:       defaultMetrics,
	}
	for kind, f := range cfg.Renderers {
		e.factories[kind] = f
	}
	e.queue = loadqueue.New(loadqueue.DefaultPriority, func(*loadqueue.Request) {
		e.requestRender()
	})
	for _, l := range layers {
		if _, err := e.slot(l); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) slot(l frame.LayerDescriptor) (*layerSlot, error) {
	prev, existed := e.layers[l.Name]
	if existed && sameSource(prev.desc, l) {
		prev.desc = l
		return prev, nil
	}
	factory, ok := e.factories[l.Kind]
	if !ok {
		return nil, fmt.Errorf("layer %q: unsupported kind %q", l.Name, l.Kind)
	}
	r, err := factory(l, e.logger.With(zap.String("layer", l.Name)))
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w", l.Name, err)
	}
	if existed {
		// A new source is an explicit reload: failed and cached loads start over.
		n := e.queue.ForgetSource(l.Name)
		e.logger.Debug("layer source changed, reloading", zap.String("layer", l.Name), zap.Int("loads", n))
	} else {
		e.order = append(e.order, l.Name)
	}
	s := &layerSlot{desc: l, renderer: r}
	e.layers[l.Name] = s
	return s, nil
}

// sameSource reports whether b can keep the renderer built for a.
func sameSource(a, b frame.LayerDescriptor) bool {
	if a.Kind != b.Kind || a.URL != b.URL {
		return false
	}
	return len(a.Params) == 0 && len(b.Params) == 0 || reflect.DeepEqual(a.Params, b.Params)
}

// RenderFrame composites every in-view layer of state, in order, onto a fresh
// surface. It returns the surface and the transform from surface pixels to
// frame (CSS) pixels. A layer that fails or panics is logged and left out.
func (e *Engine) RenderFrame(state frame.State) (*image.RGBA, frame.Affine) {
	start := time.Now()
	size := state.BufferSize()
	surface := image.NewRGBA(image.Rect(0, 0, size[0], size[1]))
	extent := state.Extent
	if extent.IsEmpty() {
		extent = frame.ExtentForView(state.ViewState.Center, state.ViewState.Resolution, state.ViewState.Rotation, state.Size)
	}
	pr := state.ViewState.PixelRatio
	pixel := frame.Scale(pr, pr).Multiply(state.CoordinateToPixel())

	e.queue.BeginFrame()
	layers := state.Layers
	if len(layers) == 0 {
		for _, name := range e.order {
			layers = append(layers, e.layers[name].desc)
		}
	}
	for _, l := range layers {
		if !l.InView(state.ViewState, extent) {
			continue
		}
		s, err := e.slot(l)
		if err != nil {
			e.logger.Warn("skipping layer", zap.Error(err))
			e.metrics.layerErrors.WithLabelValues(l.Name).Inc()
			continue
		}
		fc := &FrameContext{
			State:          state,
			Layer:          l,
			Extent:         extent,
			BufferSize:     size,
			PixelTransform: pixel,
			engine:         e,
		}
		buf, err := e.renderLayer(s.renderer, fc)
		if err != nil {
			e.logger.Warn("layer render failed", zap.String("layer", l.Name), zap.Error(err))
			e.metrics.layerErrors.WithLabelValues(l.Name).Inc()
			continue
		}
		if buf == nil {
			continue
		}
		composite(surface, buf, l.Opacity)
	}
	e.tick(state.ViewState)

	e.metrics.frames.Inc()
	e.metrics.frameSeconds.Observe(time.Since(start).Seconds())
	return surface, frame.Scale(1/pr, 1/pr)
}

func (e *Engine) renderLayer(r LayerRenderer, fc *FrameContext) (buf *image.RGBA, err error) {
	defer func() {
		if p := recover(); p != nil {
			buf = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if !r.Prepare(fc) {
		return nil, nil
	}
	return r.Render(fc)
}

func composite(dst, src *image.RGBA, opacity float64) {
	if opacity >= 1 {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
		return
	}
	mask := image.NewUniform(alphaColor(opacity))
	draw.DrawMask(dst, dst.Bounds(), src, src.Bounds().Min, mask, image.Point{}, draw.Over)
}

// tick drops loads the frame no longer wants and starts the best new ones.
func (e *Engine) tick(view frame.ViewState) {
	e.queue.Reprioritize(view)
	for _, req := range e.queue.Admit(e.cfg.MaxConcurrentLoads, e.cfg.MaxNewLoadsPerTick) {
		e.startLoad(req)
	}
}

func (e *Engine) startLoad(req *loadqueue.Request) {
	key, src := req.Key, req.URL
	if e.cfg.ProxyImages {
		if e.port == nil {
			e.queue.Complete(key, nil, worker.ErrClosed)
			return
		}
		first := len(e.pendingImages[src]) == 0
		e.pendingImages[src] = append(e.pendingImages[src], key)
		if first {
			if err := e.port.Send(worker.Message{Action: worker.ActionLoadImage, Src: src}); err != nil {
				e.failPending(src, err)
			}
		}
		return
	}
	if e.cfg.Fetcher == nil {
		e.queue.Complete(key, nil, ErrNoFetcher)
		return
	}
	ctx := e.runCtx
	go func() {
		var cancel context.CancelFunc = func() {}
		if e.cfg.LoadTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, e.cfg.LoadTimeout)
		}
		img, err := e.cfg.Fetcher.Fetch(ctx, src)
		cancel()
		e.post(func() {
			if err != nil {
				e.logger.Debug("load failed", zap.String("src", src), zap.Error(err))
			}
			e.queue.Complete(key, img, err)
		})
	}()
}

func (e *Engine) failPending(src string, err error) {
	keys := e.pendingImages[src]
	delete(e.pendingImages, src)
	for _, k := range keys {
		e.queue.Complete(k, nil, err)
	}
}

// post hands a completion back to the engine goroutine. It gives up once the
// engine has stopped.
func (e *Engine) post(fn func()) {
	select {
	case e.completions <- fn:
	case <-e.done:
	}
}

func (e *Engine) requestRender() {
	e.renderRequested = true
}

// Handle processes one message from the UI. It is the engine's only entry
// point besides Run, and must be called from the engine goroutine.
func (e *Engine) Handle(msg worker.Message) {
	switch msg.Action {
	case worker.ActionRender:
		e.handleRender(msg)
	case worker.ActionImageLoaded:
		e.handleImageLoaded(msg)
	default:
		e.logger.Debug("ignoring message", zap.String("action", string(msg.Action)))
	}
}

func (e *Engine) handleRender(msg worker.Message) {
	reply := worker.Message{Action: worker.ActionRendered, JobID: msg.JobID, FrameState: msg.FrameState}
	state, err := e.codec.Decode(msg.FrameState)
	if err == nil {
		err = state.Validate()
	}
	if err != nil {
		e.logger.Warn("rejecting frame", zap.String("job", msg.JobID), zap.Error(err))
		reply.Error = err.Error()
		e.send(reply)
		return
	}
	buf, tr := e.RenderFrame(state)
	reply.Image = buf
	reply.Transform = &tr
	e.send(reply)
}

func (e *Engine) handleImageLoaded(msg worker.Message) {
	keys, ok := e.pendingImages[msg.Src]
	if !ok {
		e.logger.Debug("image arrived for no pending load", zap.String("src", msg.Src))
		return
	}
	delete(e.pendingImages, msg.Src)
	var err error
	switch {
	case msg.Error != "":
		err = errors.New(msg.Error)
	case msg.Image == nil:
		err = errors.New("image loaded without pixels")
	}
	for _, k := range keys {
		if msg.Image != nil {
			e.queue.Complete(k, msg.Image, err)
		} else {
			e.queue.Complete(k, nil, err)
		}
	}
}

func (e *Engine) send(msg worker.Message) {
	if e.port == nil {
		return
	}
	if err := e.port.Send(msg); err != nil && !errors.Is(err, worker.ErrClosed) {
		e.logger.Warn("send failed", zap.String("action", string(msg.Action)), zap.Error(err))
	}
}

// Run serves port until ctx is done or the port closes. Load completions are
// applied on this goroutine, so the engine needs no locking.
func (e *Engine) Run(ctx context.Context, port worker.Port) error {
	e.port = port
	e.runCtx = ctx
	defer close(e.done)
	e.logger.Info("engine started", zap.Int("layers", len(e.order)), zap.Bool("proxyImages", e.cfg.ProxyImages))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-port.Done():
			e.logger.Info("port closed, stopping engine")
			return nil
		case msg := <-port.Recv():
			e.Handle(msg)
		case fn := <-e.completions:
			fn()
		}
		if e.renderRequested {
			e.renderRequested = false
			e.send(worker.Message{Action: worker.ActionRequestRender})
		}
	}
}
