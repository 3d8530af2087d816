package particles

import (
	"math"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

const dropTextureSize = 16

var (
	dropOnce  sync.Once
	dropImage *ebiten.Image
)

// dropTexture is a white streak pointing up, bright at the head and fading
// towards the tail. Drops tint and rotate it.
func dropTexture() *ebiten.Image {
	dropOnce.Do(func() {
		size := dropTextureSize
		pixels := make([]byte, size*size*4)
		c := float64(size) / 2
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := (float64(x) + 0.5 - c) / (c * 0.35)
				dy := (float64(y) + 0.5 - c) / c
				d := math.Sqrt(dx*dx + dy*dy)
				if d >= 1 {
					continue
				}
				val := math.Cos(d*math.Pi/2) * (1 - 0.6*(float64(y)+0.5)/float64(size))
				a := uint8(val * 255)
				i := (y*size + x) * 4
				pixels[i], pixels[i+1], pixels[i+2], pixels[i+3] = a, a, a, a
			}
		}
		dropImage = ebiten.NewImage(size, size)
		dropImage.WritePixels(pixels)
	})
	return dropImage
}

// Draw paints every drop onto dst. geoM maps buffer pixels to dst pixels, the
// same transform the terrain buffer is drawn with.
func (f *Field) Draw(dst *ebiten.Image, geoM ebiten.GeoM) {
	if len(f.particles) == 0 {
		return
	}
	img := dropTexture()
	half := float64(dropTextureSize) / 2
	scale := float64(f.step) * 0.8 / dropTextureSize

	op := &ebiten.DrawImageOptions{}
	for i := range f.particles {
		p := &f.particles[i]
		op.GeoM.Reset()
		op.GeoM.Translate(-half, -half)
		op.GeoM.Scale(scale, scale)
		if !p.still {
			op.GeoM.Rotate(p.Heading)
		}
		op.GeoM.Translate(p.X, p.Y)
		op.GeoM.Concat(geoM)

		op.ColorScale.Reset()
		op.ColorScale.ScaleWithColor(p.Color)
		if fade := p.Life - p.Age; fade < 0.5 {
			op.ColorScale.ScaleAlpha(float32(max(fade, 0) * 2))
		}
		dst.DrawImage(img, op)
	}
}
