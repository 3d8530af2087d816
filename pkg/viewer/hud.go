package viewer

import (
	"fmt"
	"image/color"
	"math"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
)

var (
	hudFill   = color.RGBA{0, 0, 0, 100}
	hudStroke = color.RGBA{36, 42, 53, 255}
	hudAccent = color.RGBA{0, 90, 220, 255}
)

// hudLines describes the view and the render loop, one line each.
func (v *Viewer) hudLines() []string {
	view := v.m.View()
	lon, lat := view.Projection.ToLonLat(view.Center)
	interactive := "off"
	if v.surface.field.Interactive {
		interactive = "on"
	}
	return []string{
		fmt.Sprintf("%.4f, %.4f  res %.1f m/px  rot %.0f°", lon, lat, view.Resolution, view.Rotation*180/math.Pi),
		fmt.Sprintf("worker %s  frames %d", v.coord.Status(), v.surface.presented),
		fmt.Sprintf("drops %d  interactive %s", v.surface.field.Len(), interactive),
	}
}

func (v *Viewer) drawHUD(screen *ebiten.Image) {
	if v.fontSource == nil {
		return
	}
	margin, fontSize := 20.0, 14.0
	if v.Width > 2000 {
		margin, fontSize = 40.0, 28.0
	}
	lines := v.hudLines()
	face := &text.GoTextFace{Source: v.fontSource, Size: fontSize}
	lineH := fontSize * 1.4

	boxW := 0.0
	for _, l := range lines {
		w, _ := text.Measure(l, face, 0)
		boxW = max(boxW, w)
	}
	boxW += 30
	boxH := lineH*float64(len(lines)) + 16
	x, y := margin, float64(v.Height)-margin-boxH

	vector.DrawFilledRect(screen, float32(x), float32(y), float32(boxW), float32(boxH), hudFill, false)
	vector.StrokeRect(screen, float32(x), float32(y), float32(boxW), float32(boxH), 1, hudStroke, false)
	vector.DrawFilledRect(screen, float32(x), float32(y), 4, float32(boxH), hudAccent, false)

	for i, l := range lines {
		op := &text.DrawOptions{}
		op.GeoM.Translate(x+15, y+8+lineH*float64(i))
		op.ColorScale.Scale(1, 1, 1, 0.8)
		text.Draw(screen, l, face, op)
	}
}
