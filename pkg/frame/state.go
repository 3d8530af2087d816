package frame

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"time"
)

var (
	ErrInvalidResolution = errors.New("resolution must be greater than zero")
	ErrInvalidPixelRatio = errors.New("pixel ratio must be greater than zero")
	ErrInvalidSize       = errors.New("size must be positive")
)

type ViewState struct {
	Center     Coordinate
	Resolution float64
	Rotation   float64
	PixelRatio float64
	Projection Projection
}

type LayerKind string

const (
	LayerTileWMS  LayerKind = "tile-wms"
	LayerImageWMS LayerKind = "image-wms"
	LayerVector   LayerKind = "vector"
)

// LayerDescriptor describes one layer the worker renders. Params is free form
// (WMS parameters, style settings); values that cannot be cloned across the
// worker boundary are dropped by the Codec.
type LayerDescriptor struct {
	Name          string
	Kind          LayerKind
	URL           string
	Params        map[string]any
	Opacity       float64
	Visible       bool
	MinResolution float64
	MaxResolution float64 // 0 means unbounded
	Extent        *Extent
}

// InView reports whether the layer is visible at the given resolution and
// overlaps the viewed extent.
func (l LayerDescriptor) InView(view ViewState, extent Extent) bool {
	if !l.Visible || l.Opacity <= 0 {
		return false
	}
	if view.Resolution < l.MinResolution {
		return false
	}
	if l.MaxResolution > 0 && view.Resolution >= l.MaxResolution {
		return false
	}
	if l.Extent != nil && !l.Extent.Intersects(extent) {
		return false
	}
	return true
}

// State is a live frame state as produced by the map widget on the UI side.
type State struct {
	ViewState ViewState
	Extent    Extent
	Size      Size
	Layers    []LayerDescriptor
	Animate   bool
	Index     uint64
	Time      time.Time
	// Extras carries anything else the widget attaches to a frame. It may hold
	// live handles; only cloneable values survive encoding.
	Extras map[string]any
}

func (s State) Validate() error {
	if !(s.ViewState.Resolution > 0) || math.IsInf(s.ViewState.Resolution, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidResolution, s.ViewState.Resolution)
	}
	if !(s.ViewState.PixelRatio > 0) || math.IsInf(s.ViewState.PixelRatio, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPixelRatio, s.ViewState.PixelRatio)
	}
	if s.Size[0] <= 0 || s.Size[1] <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, s.Size[0], s.Size[1])
	}
	return nil
}

// Clone returns a deep copy. Params and Extras maps are copied one level deep,
// nested values are shared; use the Codec when the copy crosses to the worker.
func (s State) Clone() State {
	out := s
	out.Layers = make([]LayerDescriptor, len(s.Layers))
	for i, l := range s.Layers {
		out.Layers[i] = l.Clone()
	}
	out.Extras = maps.Clone(s.Extras)
	return out
}

func (l LayerDescriptor) Clone() LayerDescriptor {
	out := l
	out.Params = maps.Clone(l.Params)
	if l.Extent != nil {
		ext := *l.Extent
		out.Extent = &ext
	}
	return out
}

// SameView reports whether s and o would render the same pixels: equal view,
// size and layer stack. Index, Time and Extras are ignored.
func (s State) SameView(o State) bool {
	a, b := s.ViewState, o.ViewState
	if a.Center != b.Center || a.Resolution != b.Resolution || a.Rotation != b.Rotation || a.PixelRatio != b.PixelRatio {
		return false
	}
	if (a.Projection == nil) != (b.Projection == nil) || a.Projection != nil && a.Projection.Code() != b.Projection.Code() {
		return false
	}
	if s.Size != o.Size || len(s.Layers) != len(o.Layers) {
		return false
	}
	for i := range s.Layers {
		if !reflect.DeepEqual(s.Layers[i], o.Layers[i]) {
			return false
		}
	}
	return true
}

// LayerIndex returns the position of the named layer or -1.
func (s State) LayerIndex(name string) int {
	return slices.IndexFunc(s.Layers, func(l LayerDescriptor) bool { return l.Name == name })
}

// CoordinateToPixel maps map coordinates to CSS pixels of the frame.
func (s State) CoordinateToPixel() Affine {
	v := s.ViewState
	return Compose(
		float64(s.Size[0])/2, float64(s.Size[1])/2,
		1/v.Resolution, -1/v.Resolution,
		-v.Rotation,
		-v.Center[0], -v.Center[1],
	)
}

// PixelToCoordinate is the inverse of CoordinateToPixel.
func (s State) PixelToCoordinate() Affine {
	return s.CoordinateToPixel().Invert()
}

// BufferSize is the size in device pixels of a buffer rendered for this frame.
func (s State) BufferSize() Size {
	pr := s.ViewState.PixelRatio
	return Size{
		int(math.Round(float64(s.Size[0]) * pr)),
		int(math.Round(float64(s.Size[1]) * pr)),
	}
}
