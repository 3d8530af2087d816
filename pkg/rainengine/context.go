package rainengine

import (
	"context"
	"image"

	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/loadqueue"
)

// FrameContext is what a renderer sees of the frame being drawn.
type FrameContext struct {
	State frame.State
	Layer frame.LayerDescriptor
	// Extent is the map extent the frame covers, rotation included.
	Extent     frame.Extent
	BufferSize frame.Size
	// PixelTransform maps map coordinates to buffer pixels.
	PixelTransform frame.Affine

	engine *Engine
}

func (c *FrameContext) NewBuffer() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, c.BufferSize[0], c.BufferSize[1]))
}

// Load asks the load queue for an image, enqueueing it if needed. It returns
// the image once loaded, and the request's current state either way.
func (c *FrameContext) Load(id, url string, center frame.Coordinate, resolution float64, extent frame.Extent) (image.Image, loadqueue.State) {
	key := loadqueue.Key{Source: c.Layer.Name, ID: id}
	req := c.engine.queue.Enqueue(loadqueue.Request{
		Key:        key,
		URL:        url,
		Center:     center,
		Resolution: resolution,
		Extent:     extent,
	})
	if req.State() != loadqueue.Loaded {
		return nil, req.State()
	}
	img, _ := c.engine.queue.Image(key)
	return img, loadqueue.Loaded
}

// Cached returns an already loaded image without asking for it.
func (c *FrameContext) Cached(id string) (image.Image, bool) {
	return c.engine.queue.Image(loadqueue.Key{Source: c.Layer.Name, ID: id})
}

// Forget drops a finished load for this layer. It reports false while the
// load is still running.
func (c *FrameContext) Forget(id string) bool {
	return c.engine.queue.Forget(loadqueue.Key{Source: c.Layer.Name, ID: id})
}

// FetchBytes loads a non-image payload outside the load queue. done runs on
// the engine goroutine, followed by a re-render request.
func (c *FrameContext) FetchBytes(url string, done func([]byte, error)) {
	e := c.engine
	bf, ok := e.cfg.Fetcher.(fetch.ByteFetcher)
	if !ok {
		done(nil, ErrNoFetcher)
		return
	}
	ctx := e.runCtx
	go func() {
		var cancel context.CancelFunc = func() {}
		if e.cfg.LoadTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, e.cfg.LoadTimeout)
		}
		data, err := bf.FetchBytes(ctx, url)
		cancel()
		e.post(func() {
			done(data, err)
			e.requestRender()
		})
	}()
}
