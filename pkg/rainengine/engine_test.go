package rainengine

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/loadqueue"
	"github.com/sudorandom/rainfall/pkg/worker"
)

const testKind frame.LayerKind = "test"

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func testState(layers ...frame.LayerDescriptor) frame.State {
	s := frame.State{
		ViewState: frame.ViewState{
			Center:     frame.Coordinate{0, 0},
			Resolution: 1000,
			PixelRatio: 1,
			Projection: frame.WebMercator,
		},
		Size:   frame.Size{100, 80},
		Layers: layers,
	}
	s.Extent = frame.ExtentForView(s.ViewState.Center, s.ViewState.Resolution, 0, s.Size)
	return s
}

func layer(name string, kind frame.LayerKind) frame.LayerDescriptor {
	return frame.LayerDescriptor{Name: name, Kind: kind, Opacity: 1, Visible: true}
}

type fakeRenderer struct {
	fill     color.RGBA
	rect     image.Rectangle // empty means the whole buffer
	panics   bool
	err      error
	prepared int
}

func (r *fakeRenderer) Prepare(*FrameContext) bool {
	r.prepared++
	if r.panics {
		panic("source exploded")
	}
	return true
}

func (r *fakeRenderer) Render(fc *FrameContext) (*image.RGBA, error) {
	if r.err != nil {
		return nil, r.err
	}
	buf := fc.NewBuffer()
	rect := r.rect
	if rect.Empty() {
		rect = buf.Bounds()
	}
	draw.Draw(buf, rect, image.NewUniform(r.fill), image.Point{}, draw.Src)
	return buf, nil
}

func fakeFactory(renderers map[string]*fakeRenderer) map[frame.LayerKind]RendererFactory {
	return map[frame.LayerKind]RendererFactory{
		testKind: func(l frame.LayerDescriptor, _ *zap.Logger) (LayerRenderer, error) {
			r, ok := renderers[l.Name]
			if !ok {
				return nil, errors.New("no fake renderer")
			}
			return r, nil
		},
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	urls  []string
	fetch func(src string) (image.Image, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, src string) (image.Image, error) {
	f.mu.Lock()
	f.urls = append(f.urls, src)
	fn := f.fetch
	f.mu.Unlock()
	if fn == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return fn(src)
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// drainCompletions applies n load completions posted by fetch goroutines.
func drainCompletions(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case fn := <-e.completions:
			fn()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func TestRenderFrameSurvivesFailingLayers(t *testing.T) {
	renderers := map[string]*fakeRenderer{
		"base":   {fill: red},
		"panics": {panics: true},
		"errors": {err: errors.New("wms said no")},
		"top":    {fill: blue, rect: image.Rect(0, 0, 50, 80)},
	}
	layers := []frame.LayerDescriptor{
		layer("base", testKind), layer("panics", testKind), layer("errors", testKind), layer("top", testKind),
	}
	e, err := New(Config{Renderers: fakeFactory(renderers)}, layers)
	require.NoError(t, err)

	var buf *image.RGBA
	var tr frame.Affine
	require.NotPanics(t, func() { buf, tr = e.RenderFrame(testState(layers...)) })

	require.NotNil(t, buf)
	assert.Equal(t, image.Rect(0, 0, 100, 80), buf.Bounds())
	assert.Equal(t, blue, buf.RGBAAt(10, 40), "later layer paints over earlier ones")
	assert.Equal(t, red, buf.RGBAAt(90, 40), "failing layers do not hide the base layer")
	assert.True(t, tr.IsIdentity())
	assert.Equal(t, 1, renderers["panics"].prepared)
}

func TestRenderFrameSkipsLayersOutOfView(t *testing.T) {
	renderers := map[string]*fakeRenderer{"hidden": {fill: red}, "zoomed": {fill: red}}
	hidden := layer("hidden", testKind)
	hidden.Visible = false
	zoomed := layer("zoomed", testKind)
	zoomed.MaxResolution = 10

	e, err := New(Config{Renderers: fakeFactory(renderers)}, nil)
	require.NoError(t, err)
	buf, _ := e.RenderFrame(testState(hidden, zoomed))

	assert.Zero(t, renderers["hidden"].prepared)
	assert.Zero(t, renderers["zoomed"].prepared)
	assert.Equal(t, color.RGBA{}, buf.RGBAAt(50, 40))
}

func TestRenderFrameAppliesOpacityAndPixelRatio(t *testing.T) {
	renderers := map[string]*fakeRenderer{"base": {fill: red}}
	l := layer("base", testKind)
	l.Opacity = 0.5
	e, err := New(Config{Renderers: fakeFactory(renderers)}, nil)
	require.NoError(t, err)

	s := testState(l)
	s.ViewState.PixelRatio = 2
	buf, tr := e.RenderFrame(s)

	assert.Equal(t, image.Rect(0, 0, 200, 160), buf.Bounds())
	assert.InDelta(t, 128, int(buf.RGBAAt(5, 5).A), 1)
	assert.Equal(t, frame.Scale(0.5, 0.5), tr)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Config{}, []frame.LayerDescriptor{layer("x", "heatmap")})
	assert.Error(t, err)
}

func TestAdmissionCapsLoadsPerFrame(t *testing.T) {
	fetcher := &fakeFetcher{}
	l := layer("radar", frame.LayerTileWMS)
	l.URL = "http://wms.test/radar"
	e, err := New(Config{Fetcher: fetcher}, []frame.LayerDescriptor{l})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runCtx = ctx

	s := testState(l)
	s.Size = frame.Size{1024, 1024}
	s.Extent = frame.ExtentForView(s.ViewState.Center, s.ViewState.Resolution, 0, s.Size)

	e.RenderFrame(s)
	assert.Equal(t, 2, e.queue.Loading(), "two new loads per frame")
	for i := 0; i < 10; i++ {
		e.RenderFrame(s)
		assert.LessOrEqual(t, e.queue.Loading(), loadqueue.DefaultMaxConcurrent)
	}
	assert.Equal(t, loadqueue.DefaultMaxConcurrent, e.queue.Loading())
}

func TestFailedLoadIsNotRetried(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(string) (image.Image, error) { return nil, errors.New("503") }}
	l := layer("aspect", frame.LayerImageWMS)
	l.URL = "http://wms.test/aspect"
	e, err := New(Config{Fetcher: fetcher}, []frame.LayerDescriptor{l})
	require.NoError(t, err)

	s := testState(l)
	e.RenderFrame(s)
	drainCompletions(t, e, 1)
	assert.True(t, e.renderRequested, "an error still asks for a re-render")

	for i := 0; i < 3; i++ {
		buf, _ := e.RenderFrame(s)
		assert.Equal(t, color.RGBA{}, buf.RGBAAt(50, 40))
	}
	assert.Len(t, fetcher.calls(), 1)
}

func TestDirectLoadRendersOnNextFrame(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(string) (image.Image, error) { return solid(150, 120, red), nil }}
	l := layer("aspect", frame.LayerImageWMS)
	l.URL = "http://wms.test/aspect"
	e, err := New(Config{Fetcher: fetcher}, []frame.LayerDescriptor{l})
	require.NoError(t, err)

	s := testState(l)
	buf, _ := e.RenderFrame(s)
	assert.Equal(t, color.RGBA{}, buf.RGBAAt(50, 40), "nothing to draw before the load")

	drainCompletions(t, e, 1)
	buf, _ = e.RenderFrame(s)
	assert.Equal(t, red, buf.RGBAAt(50, 40))
}

func TestRunProxiesImagesThroughPort(t *testing.T) {
	l := layer("aspect", frame.LayerImageWMS)
	l.URL = "http://wms.test/aspect"
	e, err := New(Config{ProxyImages: true}, []frame.LayerDescriptor{l})
	require.NoError(t, err)

	ui, wrk := worker.NewPipe()
	defer ui.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx, wrk) }()

	codec := frame.NewCodec(nil, nil)
	snap, err := codec.Encode(testState(l))
	require.NoError(t, err)

	next := func() worker.Message {
		t.Helper()
		select {
		case m := <-ui.Recv():
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no message from engine")
			return worker.Message{}
		}
	}

	require.NoError(t, ui.Send(worker.Message{Action: worker.ActionRender, JobID: "1", FrameState: snap}))
	var load, rendered worker.Message
	for load.Action == "" || rendered.Action == "" {
		m := next()
		switch m.Action {
		case worker.ActionLoadImage:
			load = m
		case worker.ActionRendered:
			rendered = m
		}
	}
	assert.Equal(t, "1", rendered.JobID)
	assert.Contains(t, load.Src, "REQUEST=GetMap")

	require.NoError(t, ui.Send(worker.Message{Action: worker.ActionImageLoaded, Src: load.Src, Image: solid(150, 120, blue)}))
	assert.Equal(t, worker.ActionRequestRender, next().Action)

	require.NoError(t, ui.Send(worker.Message{Action: worker.ActionRender, JobID: "2", FrameState: snap}))
	m := next()
	require.Equal(t, worker.ActionRendered, m.Action)
	assert.Equal(t, "2", m.JobID)
	assert.Equal(t, blue, m.Image.RGBAAt(50, 40))
}

func TestHandleRejectsInvalidFrame(t *testing.T) {
	e, err := New(Config{}, nil)
	require.NoError(t, err)
	ui, wrk := worker.NewPipe()
	defer ui.Close()
	e.port = wrk

	bad := testState()
	bad.ViewState.Resolution = 0
	snap, err := frame.NewCodec(nil, nil).Encode(bad)
	require.NoError(t, err)
	e.Handle(worker.Message{Action: worker.ActionRender, JobID: "x", FrameState: snap})

	m := <-ui.Recv()
	assert.Equal(t, worker.ActionRendered, m.Action)
	assert.Equal(t, "x", m.JobID)
	assert.Contains(t, m.Error, "resolution")
	assert.Nil(t, m.Image)
}

func TestChangedParamsReloadFailedLayer(t *testing.T) {
	fetcher := &fakeFetcher{fetch: func(string) (image.Image, error) { return nil, errors.New("503") }}
	l := layer("aspect", frame.LayerImageWMS)
	l.URL = "http://wms.test/aspect"
	e, err := New(Config{Fetcher: fetcher}, []frame.LayerDescriptor{l})
	require.NoError(t, err)

	e.RenderFrame(testState(l))
	drainCompletions(t, e, 1)
	e.RenderFrame(testState(l))
	require.Len(t, fetcher.calls(), 1)

	fetcher.mu.Lock()
	fetcher.fetch = func(string) (image.Image, error) { return solid(150, 120, red), nil }
	fetcher.mu.Unlock()
	l.Params = map[string]any{"TIME": "2024-06-01"}
	e.RenderFrame(testState(l))
	drainCompletions(t, e, 1)
	buf, _ := e.RenderFrame(testState(l))

	calls := fetcher.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "TIME=2024-06-01")
	assert.Equal(t, red, buf.RGBAAt(50, 40))
}
