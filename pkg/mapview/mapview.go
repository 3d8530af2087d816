// Package mapview is a small interactive map: a view (center, resolution,
// rotation) over a stack of layers, re-rendered on demand. Each render builds
// a frame state and hands it to every layer in order.
package mapview

import (
	"image"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
)

// Layer is one entry of the layer stack.
type Layer interface {
	// Descriptor describes what the worker renders for this layer. A layer
	// with an empty Kind is drawn by the UI itself and is not sent.
	Descriptor() frame.LayerDescriptor
	// Render is called with the live frame state on every map render. A layer
	// that needs another render right away sets state.Animate.
	Render(state *frame.State)
}

// SourceLayer is a layer rendered entirely by the worker.
type SourceLayer struct {
	frame.LayerDescriptor
}

func (l SourceLayer) Descriptor() frame.LayerDescriptor { return l.LayerDescriptor }
func (SourceLayer) Render(*frame.State)                 {}

// FuncLayer adapts a render callback, as used for overlays.
type FuncLayer struct {
	Title string
	Fn    func(state *frame.State)
}

func (l FuncLayer) Descriptor() frame.LayerDescriptor {
	return frame.LayerDescriptor{Name: l.Title, Visible: true, Opacity: 1}
}

func (l FuncLayer) Render(state *frame.State) { l.Fn(state) }

type Options struct {
	Projection    frame.Projection
	Center        frame.Coordinate
	Resolution    float64
	MinResolution float64
	MaxResolution float64
	PixelRatio    float64
	Size          frame.Size
	Logger        *zap.Logger
	// Now stamps frame states; defaults to time.Now.
	Now func() time.Time
}

type Map struct {
	view   frame.ViewState
	size   frame.Size
	minRes float64
	maxRes float64
	layers []Layer
	dirty  bool
	index  uint64
	now    func() time.Time
	logger *zap.Logger
}

func New(opts Options) *Map {
	if opts.Projection == nil {
		opts.Projection = frame.WebMercator
	}
	if opts.PixelRatio <= 0 {
		opts.PixelRatio = 1
	}
	if opts.MaxResolution <= 0 {
		ext := opts.Projection.Extent()
		opts.MaxResolution = ext.Width() / 256
		if opts.MaxResolution <= 0 {
			opts.MaxResolution = math.MaxFloat64
		}
	}
	if opts.MinResolution <= 0 {
		opts.MinResolution = opts.MaxResolution / math.Pow(2, 28)
	}
	if opts.Resolution <= 0 {
		opts.Resolution = opts.MaxResolution
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Map{
		view: frame.ViewState{
			Center:     opts.Center,
			PixelRatio: opts.PixelRatio,
			Projection: opts.Projection,
		},
		size:   opts.Size,
		minRes: opts.MinResolution,
		maxRes: opts.MaxResolution,
		now:    opts.Now,
		logger: opts.Logger.Named("map"),
		dirty:  true,
	}
	m.view.Resolution = m.clampResolution(opts.Resolution)
	return m
}

func (m *Map) View() frame.ViewState { return m.view }
func (m *Map) Size() frame.Size      { return m.size }
func (m *Map) Layers() []Layer       { return slices.Clone(m.layers) }

// Render schedules a render on the next Tick.
func (m *Map) Render() { m.dirty = true }

// NeedsRender reports whether the next Tick will render.
func (m *Map) NeedsRender() bool { return m.dirty }

func (m *Map) AddLayer(l Layer) {
	m.layers = append(m.layers, l)
	m.logger.Debug("layer added", zap.String("layer", l.Descriptor().Name))
	m.Render()
}

// RemoveLayer removes the named layer and reports whether it was present.
func (m *Map) RemoveLayer(name string) bool {
	i := slices.IndexFunc(m.layers, func(l Layer) bool { return l.Descriptor().Name == name })
	if i < 0 {
		return false
	}
	m.layers = slices.Delete(m.layers, i, i+1)
	m.logger.Debug("layer removed", zap.String("layer", name))
	m.Render()
	return true
}

// FrameState builds the state of the next frame. Each call advances the frame
// index.
func (m *Map) FrameState() *frame.State {
	m.index++
	s := &frame.State{
		ViewState: m.view,
		Size:      m.size,
		Index:     m.index,
		Time:      m.now(),
	}
	s.Extent = frame.ExtentForView(m.view.Center, m.view.Resolution, m.view.Rotation, m.size)
	for _, l := range m.layers {
		if d := l.Descriptor(); d.Kind != "" {
			s.Layers = append(s.Layers, d.Clone())
		}
	}
	return s
}

// Tick renders the map if a render is pending. Layers that set Animate on the
// frame state keep the map rendering on the following ticks.
func (m *Map) Tick() bool {
	if !m.dirty || m.size[0] <= 0 || m.size[1] <= 0 {
		return false
	}
	m.dirty = false
	state := m.FrameState()
	for _, l := range m.layers {
		l.Render(state)
	}
	if state.Animate {
		m.dirty = true
	}
	return true
}

func (m *Map) SetSize(w, h int) {
	if m.size == (frame.Size{w, h}) {
		return
	}
	m.size = frame.Size{w, h}
	m.Render()
}

func (m *Map) SetPixelRatio(pr float64) {
	if pr <= 0 || pr == m.view.PixelRatio {
		return
	}
	m.view.PixelRatio = pr
	m.Render()
}

func (m *Map) SetCenter(c frame.Coordinate) {
	m.view.Center = c
	m.Render()
}

// Pan moves the map content by dx, dy pixels, as a drag does.
func (m *Map) Pan(dx, dy float64) {
	if dx == 0 && dy == 0 {
		return
	}
	s := frame.State{ViewState: m.view, Size: m.size}
	m.view.Center = s.PixelToCoordinate().Apply(frame.Coordinate{
		float64(m.size[0])/2 - dx,
		float64(m.size[1])/2 - dy,
	})
	m.Render()
}

// ZoomBy divides the resolution by factor, keeping the map coordinate under
// anchor (in pixels) in place. A nil anchor zooms about the center.
func (m *Map) ZoomBy(factor float64, anchor *image.Point) {
	if factor <= 0 || factor == 1 {
		return
	}
	old := m.view.Resolution
	res := m.clampResolution(old / factor)
	if res == old {
		return
	}
	if anchor != nil {
		s := frame.State{ViewState: m.view, Size: m.size}
		a := s.PixelToCoordinate().Apply(frame.Coordinate{float64(anchor.X), float64(anchor.Y)})
		k := res / old
		m.view.Center = frame.Coordinate{
			a[0] + (m.view.Center[0]-a[0])*k,
			a[1] + (m.view.Center[1]-a[1])*k,
		}
	}
	m.view.Resolution = res
	m.Render()
}

// RotateBy turns the view by angle radians.
func (m *Map) RotateBy(angle float64) {
	if angle == 0 {
		return
	}
	m.view.Rotation = math.Remainder(m.view.Rotation+angle, 2*math.Pi)
	m.Render()
}

// ResetRotation turns the view back to north up.
func (m *Map) ResetRotation() {
	if m.view.Rotation == 0 {
		return
	}
	m.view.Rotation = 0
	m.Render()
}

func (m *Map) clampResolution(res float64) float64 {
	return math.Min(math.Max(res, m.minRes), m.maxRes)
}
