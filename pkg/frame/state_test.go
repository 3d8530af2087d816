package frame

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtentForView(t *testing.T) {
	ext := ExtentForView(Coordinate{100, 200}, 2, 0, Size{50, 20})
	assert.Equal(t, Extent{50, 180, 150, 220}, ext)

	rotated := ExtentForView(Coordinate{0, 0}, 1, math.Pi/2, Size{40, 20})
	assert.InDelta(t, -10, rotated[0], 1e-9)
	assert.InDelta(t, -20, rotated[1], 1e-9)
	assert.InDelta(t, 10, rotated[2], 1e-9)
	assert.InDelta(t, 20, rotated[3], 1e-9)
}

func TestCoordinateToPixel(t *testing.T) {
	s := State{
		ViewState: ViewState{Center: Coordinate{1000, 1000}, Resolution: 10, PixelRatio: 1},
		Size:      Size{200, 100},
	}
	tests := []struct {
		in   Coordinate
		want Coordinate
	}{
		{Coordinate{1000, 1000}, Coordinate{100, 50}},
		{Coordinate{0, 1500}, Coordinate{0, 0}},
		{Coordinate{2000, 500}, Coordinate{200, 100}},
	}
	toPixel := s.CoordinateToPixel()
	toCoord := s.PixelToCoordinate()
	for _, tt := range tests {
		got := toPixel.Apply(tt.in)
		assert.InDelta(t, tt.want[0], got[0], 1e-9)
		assert.InDelta(t, tt.want[1], got[1], 1e-9)

		back := toCoord.Apply(got)
		assert.InDelta(t, tt.in[0], back[0], 1e-6)
		assert.InDelta(t, tt.in[1], back[1], 1e-6)
	}
}

func TestValidate(t *testing.T) {
	ok := State{ViewState: ViewState{Resolution: 1, PixelRatio: 1}, Size: Size{1, 1}}
	assert.NoError(t, ok.Validate())

	badRes := ok
	badRes.ViewState.Resolution = 0
	assert.True(t, errors.Is(badRes.Validate(), ErrInvalidResolution))

	badRatio := ok
	badRatio.ViewState.PixelRatio = math.NaN()
	assert.True(t, errors.Is(badRatio.Validate(), ErrInvalidPixelRatio))

	badSize := ok
	badSize.Size = Size{0, 10}
	assert.True(t, errors.Is(badSize.Validate(), ErrInvalidSize))
}

func TestLayerInView(t *testing.T) {
	view := ViewState{Resolution: 100}
	viewExtent := Extent{0, 0, 1000, 1000}
	far := Extent{5000, 5000, 6000, 6000}

	tests := []struct {
		name  string
		layer LayerDescriptor
		want  bool
	}{
		{"visible", LayerDescriptor{Visible: true, Opacity: 1}, true},
		{"hidden", LayerDescriptor{Visible: false, Opacity: 1}, false},
		{"transparent", LayerDescriptor{Visible: true, Opacity: 0}, false},
		{"too zoomed in", LayerDescriptor{Visible: true, Opacity: 1, MinResolution: 200}, false},
		{"too zoomed out", LayerDescriptor{Visible: true, Opacity: 1, MaxResolution: 100}, false},
		{"in range", LayerDescriptor{Visible: true, Opacity: 1, MinResolution: 50, MaxResolution: 150}, true},
		{"outside extent", LayerDescriptor{Visible: true, Opacity: 1, Extent: &far}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.layer.InView(view, viewExtent), tt.name)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := sampleState()
	c := s.Clone()
	c.Layers[0].Params["LAYERS"] = "other"
	c.Layers[2].Extent[0] = 99
	c.Layers = append(c.Layers[:1], c.Layers[2:]...)

	assert.Equal(t, "3DEPElevation:Aspect Degrees", s.Layers[0].Params["LAYERS"])
	assert.Equal(t, -1000.0, s.Layers[2].Extent[0])
	assert.Len(t, s.Layers, 3)
}

func TestAffineInvert(t *testing.T) {
	m := Compose(10, 20, 2, -3, 0.3, -5, 7)
	p := Coordinate{12.5, -4}
	back := m.Invert().Apply(m.Apply(p))
	assert.InDelta(t, p[0], back[0], 1e-9)
	assert.InDelta(t, p[1], back[1], 1e-9)
	assert.True(t, Affine{}.Invert().IsIdentity())
}

func TestSameView(t *testing.T) {
	s := sampleState()
	c := s.Clone()
	c.Index++
	c.Animate = true
	assert.True(t, s.SameView(c), "frame index and animate flag do not change the pixels")

	c.ViewState.Center[0] += 1
	assert.False(t, s.SameView(c))

	c = s.Clone()
	c.Layers[0].Params["LAYERS"] = "other"
	assert.False(t, s.SameView(c))

	c = s.Clone()
	c.Layers = c.Layers[:2]
	assert.False(t, s.SameView(c))

	empty := s
	empty.Layers = nil
	assert.True(t, empty.SameView(empty.Clone()), "nil and empty layer stacks match")
}
