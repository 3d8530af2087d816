// Package particles animates raindrops over the worker's terrain buffer. Each
// drop takes its heading from the aspect and its speed from the slope sampled
// under the point it spawned at, and runs downhill until it dries up.
package particles

import (
	"image"
	"image/color"
	"math"
)

const (
	// MaxSpeed is the speed, in buffer pixels per second, of a drop on the
	// steepest slope.
	MaxSpeed = 60.0
	// RepelRadius is how close, in buffer pixels, the pointer pushes drops.
	RepelRadius = 40.0
	repelSpeed  = 200.0
)

type Particle struct {
	X, Y      float64
	OriginX   float64
	OriginY   float64
	Heading   float64 // radians clockwise from up
	Speed     float64
	Age, Life float64
	Color     color.RGBA

	still        bool
	pushX, pushY float64
}

// Field is a set of drops laid out on a grid over one buffer. It is owned by
// the UI goroutine.
type Field struct {
	// Interactive makes drops flee the pointer.
	Interactive bool

	particles []Particle
	size      image.Point
	step      int
}

// StepFor returns the grid step for a pixel ratio: one drop every ten frame
// pixels.
func StepFor(pixelRatio float64) int {
	return max(1, int(math.Round(10*pixelRatio)))
}

// Atomize seeds drops from buf. When the buffer size or step changed since
// the last call every drop is regenerated; otherwise the drops keep moving and
// only re-read their parameters at their spawn points. It reports whether the
// field was regenerated.
func (f *Field) Atomize(buf *image.RGBA, step int) bool {
	if step < 1 {
		step = 1
	}
	size := buf.Bounds().Size()
	if size == f.size && step == f.step && len(f.particles) > 0 {
		for i := range f.particles {
			p := &f.particles[i]
			p.setParams(sample(buf, int(p.OriginX), int(p.OriginY)))
		}
		return false
	}

	f.size, f.step = size, step
	f.particles = f.particles[:0]
	for y := 0; y <= size.Y; y += step {
		for x := 0; x <= size.X; x += step {
			p := Particle{X: float64(x), Y: float64(y), OriginX: float64(x), OriginY: float64(y)}
			p.Life = lifeFor(x, y)
			p.Age = math.Mod(float64(x*7+y*13), p.Life*10) / 10
			p.setParams(sample(buf, x, y))
			f.particles = append(f.particles, p)
		}
	}
	return true
}

// sample reads a pixel, clamping to the buffer edge.
func sample(buf *image.RGBA, x, y int) color.RGBA {
	b := buf.Bounds()
	if b.Empty() {
		return color.RGBA{}
	}
	x = min(max(x, b.Min.X), b.Max.X-1)
	y = min(max(y, b.Min.Y), b.Max.Y-1)
	return buf.RGBAAt(x, y)
}

// setParams derives heading and speed from a terrain pixel. Aspect is encoded
// as hue, slope as saturation; a transparent pixel holds a still drop.
func (p *Particle) setParams(c color.RGBA) {
	if c.A == 0 {
		p.still = true
		p.Speed = 0
		p.Color = color.RGBA{0, 50, 200, 160}
		return
	}
	h, s, _ := hsv(c)
	p.still = false
	p.Heading = h * math.Pi / 180
	p.Speed = MaxSpeed * (0.2 + 0.8*s)
	p.Color = color.RGBA{0, 50, 200, 255}
}

// lifeFor gives each spawn point a fixed lifetime between 2 and 4 seconds.
func lifeFor(x, y int) float64 {
	h := uint32(x)*73856093 ^ uint32(y)*19349663
	return 2 + float64(h%1000)/500
}

func hsv(c color.RGBA) (h, s, v float64) {
	// Un-premultiply first so faint pixels keep their hue.
	a := float64(c.A)
	r, g, b := float64(c.R)/a, float64(c.G)/a, float64(c.B)/a
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	v = mx
	d := mx - mn
	if mx > 0 {
		s = d / mx
	}
	if d == 0 {
		return 0, s, v
	}
	switch mx {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// Step advances every drop by dt seconds. pointer, in buffer pixels, is only
// used by an interactive field and may be nil.
func (f *Field) Step(dt float64, pointer *image.Point) {
	for i := range f.particles {
		p := &f.particles[i]
		p.Age += dt
		if p.Age >= p.Life || f.outside(p) {
			p.X, p.Y = p.OriginX, p.OriginY
			p.Age = 0
			p.pushX, p.pushY = 0, 0
		}
		if !p.still {
			p.X += math.Sin(p.Heading) * p.Speed * dt
			p.Y -= math.Cos(p.Heading) * p.Speed * dt
		}
		if f.Interactive && pointer != nil {
			dx, dy := p.X-float64(pointer.X), p.Y-float64(pointer.Y)
			dist := math.Hypot(dx, dy)
			if dist < RepelRadius && dist > 0 {
				force := (RepelRadius - dist) / RepelRadius
				p.pushX += dx / dist * force * repelSpeed * dt
				p.pushY += dy / dist * force * repelSpeed * dt
			}
		}
		p.X += p.pushX * dt * 10
		p.Y += p.pushY * dt * 10
		p.pushX *= 0.9
		p.pushY *= 0.9
	}
}

func (f *Field) outside(p *Particle) bool {
	return p.X < 0 || p.Y < 0 || p.X > float64(f.size.X) || p.Y > float64(f.size.Y)
}

func (f *Field) Particles() []Particle { return f.particles }
func (f *Field) Len() int              { return len(f.particles) }
func (f *Field) Size() image.Point     { return f.size }

// Reset drops every particle, as on teardown.
func (f *Field) Reset() {
	f.particles = nil
	f.size = image.Point{}
	f.step = 0
}
