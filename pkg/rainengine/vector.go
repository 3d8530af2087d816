package rainengine

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/mitchellh/mapstructure"
	geojson "github.com/paulmach/go.geojson"
	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
)

type vectorStyle struct {
	Fill        string  `mapstructure:"fill"`
	Stroke      string  `mapstructure:"stroke"`
	PointRadius float64 `mapstructure:"pointRadius"`
	// GeoJSON holds an inline feature collection used instead of the url.
	GeoJSON string `mapstructure:"geojson"`
}

// vector renders a GeoJSON feature collection in lon/lat. The payload is
// loaded once; a failed load leaves the layer empty.
type vector struct {
	url    string
	fill   color.RGBA
	stroke color.RGBA
	radius float64
	logger *zap.Logger

	requested bool
	features  *geojson.FeatureCollection
	err       error
}

func newVector(layer frame.LayerDescriptor, logger *zap.Logger) (LayerRenderer, error) {
	style := vectorStyle{Fill: "#1a1d2380", Stroke: "#242a35", PointRadius: 2}
	if err := mapstructure.WeakDecode(layer.Params, &style); err != nil {
		return nil, fmt.Errorf("decode vector style: %w", err)
	}
	fill, err := parseColor(style.Fill)
	if err != nil {
		return nil, err
	}
	stroke, err := parseColor(style.Stroke)
	if err != nil {
		return nil, err
	}
	v := &vector{url: layer.URL, fill: fill, stroke: stroke, radius: style.PointRadius, logger: logger}
	if style.GeoJSON != "" {
		v.requested = true
		v.loaded([]byte(style.GeoJSON), nil)
		if v.err != nil {
			return nil, v.err
		}
	} else if layer.URL == "" {
		return nil, errors.New("vector layer needs a url or inline geojson")
	}
	return v, nil
}

func (v *vector) loaded(data []byte, err error) {
	if err == nil {
		v.features, err = geojson.UnmarshalFeatureCollection(data)
	}
	if err != nil {
		v.err = fmt.Errorf("load features: %w", err)
		v.logger.Warn("vector source failed", zap.String("url", v.url), zap.Error(err))
		return
	}
	v.logger.Debug("vector source loaded", zap.Int("features", len(v.features.Features)))
}

func (v *vector) Prepare(fc *FrameContext) bool {
	if !v.requested {
		v.requested = true
		fc.FetchBytes(v.url, v.loaded)
	}
	return v.features != nil
}

func (v *vector) Render(fc *FrameContext) (*image.RGBA, error) {
	buf := fc.NewBuffer()
	proj := fc.State.ViewState.Projection
	project := func(c []float64) point {
		if len(c) < 2 {
			return point{}
		}
		m := frame.Coordinate{c[0], c[1]}
		if proj != nil {
			m = proj.FromLonLat(c[0], c[1])
		}
		p := fc.PixelTransform.Apply(m)
		return point{p[0], p[1]}
	}
	path := func(coords [][]float64) []point {
		out := make([]point, len(coords))
		for i, c := range coords {
			out[i] = project(c)
		}
		return out
	}
	polygon := func(rings [][][]float64) {
		projected := make([][]point, len(rings))
		for i, ring := range rings {
			projected[i] = path(ring)
		}
		fillPolygon(buf, projected, v.fill)
		for _, ring := range projected {
			drawPath(buf, ring, v.stroke)
		}
	}
	var drawGeometry func(g *geojson.Geometry)
	drawGeometry = func(g *geojson.Geometry) {
		if g == nil {
			return
		}
		switch g.Type {
		case geojson.GeometryPoint:
			p := project(g.Point)
			drawDot(buf, p.x, p.y, v.radius, v.stroke)
		case geojson.GeometryMultiPoint:
			for _, c := range g.MultiPoint {
				p := project(c)
				drawDot(buf, p.x, p.y, v.radius, v.stroke)
			}
		case geojson.GeometryLineString:
			drawPath(buf, path(g.LineString), v.stroke)
		case geojson.GeometryMultiLineString:
			for _, l := range g.MultiLineString {
				drawPath(buf, path(l), v.stroke)
			}
		case geojson.GeometryPolygon:
			polygon(g.Polygon)
		case geojson.GeometryMultiPolygon:
			for _, poly := range g.MultiPolygon {
				polygon(poly)
			}
		case geojson.GeometryCollection:
			for _, child := range g.Geometries {
				drawGeometry(child)
			}
		}
	}
	for _, f := range v.features.Features {
		drawGeometry(f.Geometry)
	}
	return buf, nil
}
