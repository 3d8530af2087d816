// Package compositor lines up a stale worker frame with the live map view.
//
// The worker renders against the view as it was when the job was sent. By the
// time the pixels arrive the user may have panned or zoomed, so the UI shows
// the buffer through a translate+scale correction until a fresher frame lands.
// Rotated views are not corrected; the previous correction stays in place and
// the overlay drifts while a rotated map is panned.
package compositor

import (
	"github.com/hajimehoshi/ebiten/v2"

	"github.com/sudorandom/rainfall/pkg/frame"
)

// Differential returns the transform, in frame pixels, that maps a buffer
// rendered for the rendered view onto the current one. It reports false when
// the current view is rotated.
func Differential(rendered, current frame.ViewState) (frame.Affine, bool) {
	if current.Rotation != 0 {
		return frame.Affine{}, false
	}
	res := current.Resolution
	scale := rendered.Resolution / res
	tx := (rendered.Center[0] - current.Center[0]) / res
	ty := (current.Center[1] - rendered.Center[1]) / res
	return frame.Translate(tx, ty).Multiply(frame.Scale(scale, scale)), true
}

// Compositor keeps the correction for the buffer currently on screen. It is
// owned by the UI goroutine.
type Compositor struct {
	rendered  *frame.ViewState
	transform frame.Affine
}

func New() *Compositor {
	return &Compositor{transform: frame.Identity()}
}

// SetRendered records the view a newly presented buffer was rendered for.
func (c *Compositor) SetRendered(view frame.ViewState) {
	v := view
	c.rendered = &v
}

// Update recomputes the correction against the current view and returns it.
// Until a buffer has been presented the correction is the identity.
func (c *Compositor) Update(current frame.ViewState) frame.Affine {
	if c.rendered == nil {
		return c.transform
	}
	if t, ok := Differential(*c.rendered, current); ok {
		c.transform = t
	}
	return c.transform
}

func (c *Compositor) Transform() frame.Affine { return c.transform }

// Reset forgets the rendered view, as on teardown.
func (c *Compositor) Reset() {
	c.rendered = nil
	c.transform = frame.Identity()
}

// GeoM converts a frame-pixel transform to an ebiten.GeoM applied about the
// centre of a width x height canvas.
func GeoM(a frame.Affine, width, height float64) ebiten.GeoM {
	var m ebiten.GeoM
	m.SetElement(0, 0, a.A)
	m.SetElement(0, 1, a.B)
	m.SetElement(0, 2, a.C)
	m.SetElement(1, 0, a.D)
	m.SetElement(1, 1, a.E)
	m.SetElement(1, 2, a.F)

	var g ebiten.GeoM
	g.Translate(-width/2, -height/2)
	g.Concat(m)
	g.Translate(width/2, height/2)
	return g
}

// DisplayGeoM is the full placement of a worker buffer: buffer pixels to frame
// pixels through canvas, then the differential correction about the centre.
func DisplayGeoM(canvas, correction frame.Affine, width, height float64) ebiten.GeoM {
	g := GeoM(canvas, 0, 0)
	g.Concat(GeoM(correction, width, height))
	return g
}
