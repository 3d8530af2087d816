package viewer

import (
	"image"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/sudorandom/rainfall/pkg/compositor"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/particles"
)

// surface is the visible canvas for worker frames. Buffers handed over by the
// coordinator are kept on the CPU until the next Draw uploads them.
type surface struct {
	field particles.Field

	pending    *image.RGBA
	image      *ebiten.Image
	canvas     frame.Affine
	correction frame.Affine
	pixelRatio float64
	presented  int

	// pointer is the cursor in buffer pixels, nil when it is off the map.
	pointer *image.Point
}

func newSurface(interactive bool) *surface {
	return &surface{
		field:      particles.Field{Interactive: interactive},
		canvas:     frame.Identity(),
		correction: frame.Identity(),
		pixelRatio: 1,
	}
}

func (s *surface) Present(buf *image.RGBA, canvas frame.Affine) {
	s.pending = buf
	s.canvas = canvas
	s.presented++
	// The canvas transform scales buffer pixels down by the pixel ratio.
	if canvas.A > 0 {
		s.pixelRatio = 1 / canvas.A
	}
	s.field.Atomize(buf, particles.StepFor(s.pixelRatio))
}

func (s *surface) SetTransform(t frame.Affine) {
	s.correction = t
}

// geoM maps buffer pixels to screen pixels.
func (s *surface) geoM(width, height float64) ebiten.GeoM {
	return compositor.DisplayGeoM(s.canvas, s.correction, width, height)
}

// trackPointer converts a cursor position to buffer pixels for the
// interactive field.
func (s *surface) trackPointer(x, y int, inside bool, width, height float64) {
	if !inside || s.field.Len() == 0 {
		s.pointer = nil
		return
	}
	g := s.geoM(width, height)
	if !g.IsInvertible() {
		s.pointer = nil
		return
	}
	g.Invert()
	bx, by := g.Apply(float64(x), float64(y))
	s.pointer = &image.Point{int(bx), int(by)}
}

func (s *surface) upload() {
	buf := s.pending
	if buf == nil {
		return
	}
	s.pending = nil
	b := buf.Bounds()
	if s.image != nil && s.image.Bounds().Size() == b.Size() && b.Min == (image.Point{}) && buf.Stride == 4*b.Dx() {
		s.image.WritePixels(buf.Pix)
		return
	}
	if s.image != nil {
		s.image.Deallocate()
	}
	s.image = ebiten.NewImageFromImage(buf)
}

func (s *surface) draw(screen *ebiten.Image, width, height float64) {
	s.upload()
	if s.image == nil {
		return
	}
	op := &ebiten.DrawImageOptions{}
	op.GeoM = s.geoM(width, height)
	op.Filter = ebiten.FilterLinear
	screen.DrawImage(s.image, op)
	s.field.Draw(screen, op.GeoM)
}

func (s *surface) reset() {
	s.field.Reset()
	s.pending = nil
	s.pointer = nil
	if s.image != nil {
		s.image.Deallocate()
		s.image = nil
	}
}
