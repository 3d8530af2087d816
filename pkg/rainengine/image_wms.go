package rainengine

import (
	"errors"
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/loadqueue"
)

const defaultImageRatio = 1.5

type wmsImage struct {
	id         string
	extent     frame.Extent
	resolution float64
	pixelRatio float64
	img        image.Image
}

// imageWMS renders a single-image WMS layer. It requests an image larger than
// the view by ratio and keeps using it while the view stays inside it at the
// same resolution.
type imageWMS struct {
	url    string
	params wmsParams
	ratio  float64
	logger *zap.Logger

	current *wmsImage
	shown   *wmsImage
	retired []string
}

func newImageWMS(layer frame.LayerDescriptor, logger *zap.Logger) (LayerRenderer, error) {
	if layer.URL == "" {
		return nil, errors.New("image wms layer needs a url")
	}
	p, err := decodeWMSParams(layer.Params)
	if err != nil {
		return nil, err
	}
	ratio := p.Ratio
	if ratio < 1 {
		ratio = defaultImageRatio
	}
	return &imageWMS{url: layer.URL, params: p, ratio: ratio, logger: logger}, nil
}

func (r *imageWMS) Prepare(fc *FrameContext) bool {
	view := fc.State.ViewState
	resolution := view.Resolution
	// Servers are not assumed to support hidpi, so images are requested at
	// pixel ratio 1 and scaled.
	pixelRatio := 1.0
	imageRes := resolution / pixelRatio

	ext := fc.Extent
	center := ext.Center()
	viewExtent := frame.ExtentForView(center, imageRes, 0, frame.Size{
		int(math.Ceil(ext.Width() / imageRes)),
		int(math.Ceil(ext.Height() / imageRes)),
	})

	cur := r.current
	if cur == nil || cur.resolution != resolution || cur.pixelRatio != pixelRatio || !cur.extent.Contains(viewExtent) {
		reqExtent := frame.ExtentForView(center, imageRes, 0, frame.Size{
			int(math.Ceil(r.ratio * ext.Width() / imageRes)),
			int(math.Ceil(r.ratio * ext.Height() / imageRes)),
		})
		width := int(math.Round(reqExtent.Width() / imageRes))
		height := int(math.Round(reqExtent.Height() / imageRes))
		src, err := getMapURL(r.url, r.params, reqExtent, width, height, view.Projection)
		if err != nil {
			r.logger.Warn("cannot build GetMap request", zap.Error(err))
			return false
		}
		if cur != nil && cur != r.shown {
			r.retired = append(r.retired, cur.id)
		}
		cur = &wmsImage{id: src, extent: reqExtent, resolution: resolution, pixelRatio: pixelRatio}
		r.current = cur
	}

	// A failed image leaves the last good one on screen.
	if img, state := fc.Load(cur.id, cur.id, cur.extent.Center(), imageRes, cur.extent); state == loadqueue.Loaded {
		cur.img = img
		if r.shown != nil && r.shown != cur {
			r.retired = append(r.retired, r.shown.id)
		}
		r.shown = cur
	}
	r.forgetRetired(fc)
	return r.shown != nil
}

func (r *imageWMS) forgetRetired(fc *FrameContext) {
	kept := r.retired[:0]
	for _, id := range r.retired {
		if r.current != nil && id == r.current.id {
			continue
		}
		if !fc.Forget(id) {
			kept = append(kept, id)
		}
	}
	r.retired = kept
}

func (r *imageWMS) Render(fc *FrameContext) (*image.RGBA, error) {
	buf := fc.NewBuffer()
	drawExtent(buf, r.shown.img, r.shown.img.Bounds(), r.shown.extent, fc.PixelTransform)
	return buf, nil
}
