package rainengine

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/loadqueue"
)

const (
	defaultTileSize = 256
	maxZoom         = 22
	maxTilesPerView = 1024
	maxCachedTiles  = 512
)

type tileCoord struct{ z, x, y int }

func (t tileCoord) id() string { return fmt.Sprintf("%d/%d/%d", t.z, t.x, t.y) }

type tileDraw struct {
	img    image.Image
	sr     image.Rectangle
	extent frame.Extent
}

// tileWMS renders a WMS service as a grid of fixed-size tiles over the
// projection extent. Missing tiles are stood in for by a loaded ancestor.
type tileWMS struct {
	url      string
	params   wmsParams
	tileSize int
	logger   *zap.Logger

	frames    uint64
	lastUsed  map[string]uint64
	fallbacks []tileDraw
	tiles     []tileDraw
}

func newTileWMS(layer frame.LayerDescriptor, logger *zap.Logger) (LayerRenderer, error) {
	if layer.URL == "" {
		return nil, errors.New("tile wms layer needs a url")
	}
	p, err := decodeWMSParams(layer.Params)
	if err != nil {
		return nil, err
	}
	size := p.TileSize
	if size <= 0 {
		size = defaultTileSize
	}
	return &tileWMS{
		url:      layer.URL,
		params:   p,
		tileSize: size,
		logger:   logger,
		lastUsed: make(map[string]uint64),
	}, nil
}

type tileGrid struct {
	origin     frame.Coordinate
	resolution float64
	span       float64
	cols, rows int
	z          int
}

// gridFor picks the zoom level whose resolution is nearest to resolution.
func gridFor(projExtent frame.Extent, tileSize int, resolution float64) tileGrid {
	base := projExtent.Width() / float64(tileSize)
	z := int(math.Round(math.Log2(base / resolution)))
	z = max(0, min(maxZoom, z))
	return gridAt(projExtent, tileSize, z)
}

func gridAt(projExtent frame.Extent, tileSize, z int) tileGrid {
	res := projExtent.Width() / float64(tileSize) / math.Exp2(float64(z))
	span := res * float64(tileSize)
	return tileGrid{
		origin:     frame.Coordinate{projExtent[0], projExtent[3]},
		resolution: res,
		span:       span,
		cols:       int(math.Ceil(projExtent.Width()/span - 1e-9)),
		rows:       int(math.Ceil(projExtent.Height()/span - 1e-9)),
		z:          z,
	}
}

func (g tileGrid) extent(x, y int) frame.Extent {
	return frame.Extent{
		g.origin[0] + float64(x)*g.span,
		g.origin[1] - float64(y+1)*g.span,
		g.origin[0] + float64(x+1)*g.span,
		g.origin[1] - float64(y)*g.span,
	}
}

// cover returns the tile range intersecting ext, clamped to the grid.
func (g tileGrid) cover(ext frame.Extent) (x0, y0, x1, y1 int) {
	x0 = max(0, int(math.Floor((ext[0]-g.origin[0])/g.span)))
	x1 = min(g.cols-1, int(math.Ceil((ext[2]-g.origin[0])/g.span))-1)
	y0 = max(0, int(math.Floor((g.origin[1]-ext[3])/g.span)))
	y1 = min(g.rows-1, int(math.Ceil((g.origin[1]-ext[1])/g.span))-1)
	return x0, y0, x1, y1
}

func (r *tileWMS) Prepare(fc *FrameContext) bool {
	proj := fc.State.ViewState.Projection
	if proj == nil || proj.Extent().IsEmpty() {
		r.logger.Debug("no tile grid for projection")
		return false
	}
	projExtent := proj.Extent()
	r.frames++
	r.tiles = r.tiles[:0]
	r.fallbacks = r.fallbacks[:0]

	g := gridFor(projExtent, r.tileSize, fc.State.ViewState.Resolution)
	x0, y0, x1, y1 := g.cover(fc.Extent)
	if x1 < x0 || y1 < y0 {
		return false
	}
	if (x1-x0+1)*(y1-y0+1) > maxTilesPerView {
		r.logger.Warn("view needs too many tiles, skipping layer", zap.Int("z", g.z))
		return false
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			tc := tileCoord{g.z, x, y}
			ext := g.extent(x, y)
			src, err := getMapURL(r.url, r.params, ext, r.tileSize, r.tileSize, proj)
			if err != nil {
				r.logger.Warn("cannot build GetMap request", zap.Error(err))
				return false
			}
			img, state := fc.Load(tc.id(), src, ext.Center(), g.resolution, ext)
			r.lastUsed[tc.id()] = r.frames
			if state == loadqueue.Loaded {
				r.tiles = append(r.tiles, tileDraw{img: img, sr: img.Bounds(), extent: ext})
				continue
			}
			if fb, ok := r.fallback(fc, projExtent, tc); ok {
				r.fallbacks = append(r.fallbacks, fb)
			}
		}
	}
	r.evict(fc)
	return len(r.tiles) > 0 || len(r.fallbacks) > 0
}

// fallback finds the nearest loaded ancestor of tc and the part of it that
// covers tc.
func (r *tileWMS) fallback(fc *FrameContext, projExtent frame.Extent, tc tileCoord) (tileDraw, bool) {
	for dz := 1; dz <= tc.z; dz++ {
		parent := tileCoord{tc.z - dz, tc.x >> dz, tc.y >> dz}
		img, ok := fc.Cached(parent.id())
		if !ok {
			continue
		}
		b := img.Bounds()
		sub := b.Dx() >> dz
		if sub == 0 {
			return tileDraw{}, false
		}
		ox, oy := tc.x-parent.x<<dz, tc.y-parent.y<<dz
		r.lastUsed[parent.id()] = r.frames
		g := gridAt(projExtent, r.tileSize, parent.z)
		return tileDraw{
			img:    img,
			sr:     image.Rect(ox*sub, oy*sub, (ox+1)*sub, (oy+1)*sub).Add(b.Min),
			extent: g.extent(parent.x, parent.y),
		}, true
	}
	return tileDraw{}, false
}

// evict forgets the least recently drawn tiles once the cache grows too big.
func (r *tileWMS) evict(fc *FrameContext) {
	if len(r.lastUsed) <= maxCachedTiles {
		return
	}
	ids := make([]string, 0, len(r.lastUsed))
	for id := range r.lastUsed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.lastUsed[ids[i]] < r.lastUsed[ids[j]] })
	for _, id := range ids[:len(ids)-maxCachedTiles] {
		if r.lastUsed[id] == r.frames {
			break
		}
		if fc.Forget(id) {
			delete(r.lastUsed, id)
		}
	}
}

func (r *tileWMS) Render(fc *FrameContext) (*image.RGBA, error) {
	buf := fc.NewBuffer()
	for _, t := range r.fallbacks {
		drawExtent(buf, t.img, t.sr, t.extent, fc.PixelTransform)
	}
	for _, t := range r.tiles {
		drawExtent(buf, t.img, t.sr, t.extent, fc.PixelTransform)
	}
	return buf, nil
}
