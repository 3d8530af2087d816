package viewer

import (
	"image"
	"math"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

const (
	keyPanStep  = 8.0
	keyZoomStep = 1.02
	rotateStep  = math.Pi / 90
	wheelZoom   = 1.2
)

type dragState struct {
	x, y int
}

func (v *Viewer) handleInput() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyH) {
		v.showHUD = !v.showHUD
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyI) {
		v.surface.field.Interactive = !v.surface.field.Interactive
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		v.m.ResetRotation()
	}

	cx, cy := ebiten.CursorPosition()
	inside := cx >= 0 && cy >= 0 && cx < v.Width && cy < v.Height

	switch {
	case inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) && inside:
		v.drag = &dragState{cx, cy}
	case v.drag != nil && ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft):
		v.m.Pan(float64(cx-v.drag.x), float64(cy-v.drag.y))
		v.drag.x, v.drag.y = cx, cy
	default:
		v.drag = nil
	}

	if _, wy := ebiten.Wheel(); wy != 0 && inside {
		v.m.ZoomBy(math.Pow(wheelZoom, wy), &image.Point{cx, cy})
	}

	var dx, dy float64
	if ebiten.IsKeyPressed(ebiten.KeyArrowLeft) || ebiten.IsKeyPressed(ebiten.KeyA) {
		dx += keyPanStep
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowRight) || ebiten.IsKeyPressed(ebiten.KeyD) {
		dx -= keyPanStep
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowUp) || ebiten.IsKeyPressed(ebiten.KeyW) {
		dy += keyPanStep
	}
	if ebiten.IsKeyPressed(ebiten.KeyArrowDown) || ebiten.IsKeyPressed(ebiten.KeyS) {
		dy -= keyPanStep
	}
	v.m.Pan(dx, dy)

	if ebiten.IsKeyPressed(ebiten.KeyEqual) || ebiten.IsKeyPressed(ebiten.KeyKPAdd) {
		v.m.ZoomBy(keyZoomStep, nil)
	}
	if ebiten.IsKeyPressed(ebiten.KeyMinus) || ebiten.IsKeyPressed(ebiten.KeyKPSubtract) {
		v.m.ZoomBy(1/keyZoomStep, nil)
	}
	if ebiten.IsKeyPressed(ebiten.KeyQ) {
		v.m.RotateBy(-rotateStep)
	}
	if ebiten.IsKeyPressed(ebiten.KeyE) {
		v.m.RotateBy(rotateStep)
	}

	v.surface.trackPointer(cx, cy, inside, float64(v.Width), float64(v.Height))
	return nil
}
