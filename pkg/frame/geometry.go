// Package frame describes one renderable map instant and moves it across the
// boundary between the UI goroutine and the render worker.
package frame

import "math"

// Coordinate is a point in map (projection) units.
type Coordinate [2]float64

// Extent is an axis aligned box: minX, minY, maxX, maxY.
type Extent [4]float64

// Size is a pixel size: width, height.
type Size [2]int

func (e Extent) Width() float64  { return e[2] - e[0] }
func (e Extent) Height() float64 { return e[3] - e[1] }

func (e Extent) Center() Coordinate {
	return Coordinate{(e[0] + e[2]) / 2, (e[1] + e[3]) / 2}
}

func (e Extent) IsEmpty() bool {
	return e[2] <= e[0] || e[3] <= e[1]
}

// Intersects reports whether the two extents overlap or touch.
func (e Extent) Intersects(o Extent) bool {
	return e[0] <= o[2] && e[2] >= o[0] && e[1] <= o[3] && e[3] >= o[1]
}

// Contains reports whether o lies completely inside e.
func (e Extent) Contains(o Extent) bool {
	return e[0] <= o[0] && o[2] <= e[2] && e[1] <= o[1] && o[3] <= e[3]
}

// Buffer grows the extent by value on all sides.
func (e Extent) Buffer(value float64) Extent {
	return Extent{e[0] - value, e[1] - value, e[2] + value, e[3] + value}
}

// ExtentForView returns the extent covered by a view of the given size,
// including the corners swept by a rotated view.
func ExtentForView(center Coordinate, resolution, rotation float64, size Size) Extent {
	dx := resolution * float64(size[0]) / 2
	dy := resolution * float64(size[1]) / 2
	cos, sin := math.Cos(rotation), math.Sin(rotation)
	xs := [4]float64{-dx, -dx, dx, dx}
	ys := [4]float64{-dy, dy, -dy, dy}

	ext := Extent{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for i := range xs {
		x := center[0] + xs[i]*cos - ys[i]*sin
		y := center[1] + xs[i]*sin + ys[i]*cos
		ext[0] = math.Min(ext[0], x)
		ext[1] = math.Min(ext[1], y)
		ext[2] = math.Max(ext[2], x)
		ext[3] = math.Max(ext[3], y)
	}
	return ext
}

// Affine is a 2D affine transform in row-major 2x3 form:
//
//	x' = A*x + B*y + C
//	y' = D*x + E*y + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

func Identity() Affine {
	return Affine{A: 1, E: 1}
}

func Translate(x, y float64) Affine {
	return Affine{A: 1, C: x, E: 1, F: y}
}

func Scale(x, y float64) Affine {
	return Affine{A: x, E: y}
}

func Rotate(angle float64) Affine {
	cos, sin := math.Cos(angle), math.Sin(angle)
	return Affine{A: cos, B: -sin, D: sin, E: cos}
}

// Multiply returns m * o, so o is applied first.
func (m Affine) Multiply(o Affine) Affine {
	return Affine{
		A: m.A*o.A + m.B*o.D,
		B: m.A*o.B + m.B*o.E,
		C: m.A*o.C + m.B*o.F + m.C,
		D: m.D*o.A + m.E*o.D,
		E: m.D*o.B + m.E*o.E,
		F: m.D*o.C + m.E*o.F + m.F,
	}
}

func (m Affine) Apply(c Coordinate) Coordinate {
	return Coordinate{
		m.A*c[0] + m.B*c[1] + m.C,
		m.D*c[0] + m.E*c[1] + m.F,
	}
}

// Invert returns the inverse transform. A singular matrix yields the identity.
func (m Affine) Invert() Affine {
	det := m.A*m.E - m.B*m.D
	if det == 0 {
		return Identity()
	}
	inv := 1 / det
	return Affine{
		A: m.E * inv,
		B: -m.B * inv,
		C: (m.B*m.F - m.E*m.C) * inv,
		D: -m.D * inv,
		E: m.A * inv,
		F: (m.D*m.C - m.A*m.F) * inv,
	}
}

func (m Affine) IsIdentity() bool {
	return m == Identity()
}

// Compose builds translate(dx1, dy1) * scale(sx, sy) * rotate(angle) * translate(dx2, dy2).
func Compose(dx1, dy1, sx, sy, angle, dx2, dy2 float64) Affine {
	return Translate(dx1, dy1).
		Multiply(Scale(sx, sy)).
		Multiply(Rotate(angle)).
		Multiply(Translate(dx2, dy2))
}
