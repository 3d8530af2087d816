package rainengine

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/sudorandom/rainfall/pkg/frame"
)

func alphaColor(opacity float64) color.Alpha {
	return color.Alpha{A: uint8(math.Round(math.Max(0, math.Min(1, opacity)) * 255))}
}

func aff3(m frame.Affine) f64.Aff3 {
	return f64.Aff3{m.A, m.B, m.C, m.D, m.E, m.F}
}

// drawTransformed draws the sr part of src onto dst, with s2d mapping source
// pixels to destination pixels.
func drawTransformed(dst *image.RGBA, src image.Image, sr image.Rectangle, s2d frame.Affine) {
	xdraw.BiLinear.Transform(dst, aff3(s2d), src, sr, xdraw.Over, nil)
}

// drawExtent draws the sr part of src, an image covering extent, through the
// map-to-buffer transform.
func drawExtent(dst *image.RGBA, src image.Image, sr image.Rectangle, extent frame.Extent, toPixel frame.Affine) {
	b := src.Bounds()
	if b.Empty() || extent.IsEmpty() {
		return
	}
	s2d := toPixel.
		Multiply(frame.Translate(extent[0], extent[3])).
		Multiply(frame.Scale(extent.Width()/float64(b.Dx()), -extent.Height()/float64(b.Dy()))).
		Multiply(frame.Translate(-float64(b.Min.X), -float64(b.Min.Y)))
	drawTransformed(dst, src, sr, s2d)
}

type point struct{ x, y float64 }

func fillPolygon(img *image.RGBA, rings [][]point, c color.RGBA) {
	if len(rings) == 0 {
		return
	}
	b := img.Bounds()
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, ring := range rings {
		for _, p := range ring {
			minY = math.Min(minY, p.y)
			maxY = math.Max(maxY, p.y)
		}
	}
	if math.IsInf(minY, 0) {
		return
	}
	y0 := max(int(math.Floor(minY)), b.Min.Y)
	y1 := min(int(math.Ceil(maxY)), b.Max.Y-1)
	var nodes []int
	for y := y0; y <= y1; y++ {
		nodes = nodes[:0]
		fy := float64(y) + 0.5
		for _, ring := range rings {
			for i := 0; i < len(ring); i++ {
				j := (i + 1) % len(ring)
				if (ring[i].y < fy && ring[j].y >= fy) || (ring[j].y < fy && ring[i].y >= fy) {
					nodeX := ring[i].x + (fy-ring[i].y)/(ring[j].y-ring[i].y)*(ring[j].x-ring[i].x)
					nodes = append(nodes, int(math.Round(nodeX)))
				}
			}
		}
		sort.Ints(nodes)
		for i := 0; i < len(nodes)-1; i += 2 {
			xs, xe := max(nodes[i], b.Min.X), min(nodes[i+1], b.Max.X)
			for x := xs; x < xe; x++ {
				blend(img, x, y, c)
			}
		}
	}
}

func drawPath(img *image.RGBA, pts []point, c color.RGBA) {
	for i := 0; i+1 < len(pts); i++ {
		drawLine(img, int(math.Round(pts[i].x)), int(math.Round(pts[i].y)),
			int(math.Round(pts[i+1].x)), int(math.Round(pts[i+1].y)), c)
	}
}

func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx, dy := abs(x2-x1), abs(y2-y1)
	sx, sy := -1, -1
	if x1 < x2 {
		sx = 1
	}
	if y1 < y2 {
		sy = 1
	}
	err := dx - dy
	for {
		blend(img, x1, y1, c)
		if x1 == x2 && y1 == y2 {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func drawDot(img *image.RGBA, cx, cy, radius float64, c color.RGBA) {
	r2 := radius * radius
	for y := int(math.Floor(cy - radius)); y <= int(math.Ceil(cy+radius)); y++ {
		for x := int(math.Floor(cx - radius)); x <= int(math.Ceil(cx+radius)); x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r2 {
				blend(img, x, y, c)
			}
		}
	}
}

// blend paints a premultiplied color over one pixel, ignoring pixels outside
// the image.
func blend(img *image.RGBA, x, y int, c color.RGBA) {
	if !(image.Point{x, y}.In(img.Rect)) {
		return
	}
	off := img.PixOffset(x, y)
	if c.A == 255 {
		img.Pix[off], img.Pix[off+1], img.Pix[off+2], img.Pix[off+3] = c.R, c.G, c.B, 255
		return
	}
	inv := uint32(255 - c.A)
	p := img.Pix[off : off+4 : off+4]
	p[0] = uint8(uint32(c.R) + uint32(p[0])*inv/255)
	p[1] = uint8(uint32(c.G) + uint32(p[1])*inv/255)
	p[2] = uint8(uint32(c.B) + uint32(p[2])*inv/255)
	p[3] = uint8(uint32(c.A) + uint32(p[3])*inv/255)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// parseColor reads #rgb, #rrggbb or #rrggbbaa into a premultiplied color.
func parseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	nc := color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	return color.RGBAModel.Convert(nc).(color.RGBA), nil
}
