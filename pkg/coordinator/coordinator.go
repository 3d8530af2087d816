// Package coordinator drives render jobs between the UI goroutine and the
// render worker. At most one job is in flight per surface; view changes that
// arrive meanwhile collapse into a single follow-up job for the latest view.
package coordinator

import (
	"context"
	"image"
	"image/draw"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sudorandom/rainfall/pkg/compositor"
	"github.com/sudorandom/rainfall/pkg/fetch"
	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/worker"
)

type Status int

const (
	Idle Status = iota
	Requested
	InFlight
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case InFlight:
		return "in-flight"
	}
	return "unknown"
}

// Surface is the visible canvas the worker's frames are shown on.
type Surface interface {
	// Present shows a new worker buffer. canvasTransform maps buffer pixels
	// to frame pixels. The coordinator hands over ownership of buf.
	Present(buf *image.RGBA, canvasTransform frame.Affine)
	// SetTransform applies the differential correction for the current view.
	SetTransform(t frame.Affine)
}

// MapWidget is the map the overlay belongs to.
type MapWidget interface {
	Render()
}

type Config struct {
	// Fetcher serves loadImage requests from the worker. Nil answers them
	// with an error.
	Fetcher fetch.Fetcher
	Codec   *frame.Codec
	Logger  *zap.Logger
	// NewJobID defaults to random UUIDs.
	NewJobID func() string
}

type Coordinator struct {
	port       worker.Port
	surface    Surface
	widget     MapWidget
	fetcher    fetch.Fetcher
	codec      *frame.Codec
	logger     *zap.Logger
	newJobID   func() string
	compositor *compositor.Compositor

	status   Status
	jobID    string
	view     *frame.ViewState
	sent     frame.State
	pending  *frame.State
	torn     bool
	loads    chan worker.Message
	ctx      context.Context
	cancel   context.CancelFunc
	cleanups []func()
}

func New(port worker.Port, surface Surface, widget MapWidget, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = frame.NewCodec(nil, cfg.Logger)
	}
	if cfg.NewJobID == nil {
		cfg.NewJobID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		port:       port,
		surface:    surface,
		widget:     widget,
		fetcher:    cfg.Fetcher,
		codec:      cfg.Codec,
		logger:     cfg.Logger.Named("coordinator"),
		newJobID:   cfg.NewJobID,
		compositor: compositor.New(),
		loads:      make(chan worker.Message, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Coordinator) Status() Status { return c.status }

// PendingRerender reports whether a follow-up job is waiting for the current
// one to finish.
func (c *Coordinator) PendingRerender() bool { return c.pending != nil }

// OnFrame is called with the map's frame state each time the map renders the
// overlay layer. It starts a job when none is in flight and otherwise keeps
// the state for one follow-up job, replacing any state kept before.
func (c *Coordinator) OnFrame(state *frame.State) {
	if c.torn {
		return
	}
	v := state.ViewState
	c.view = &v
	c.UpdateTransform(v)

	if c.status != Idle {
		latest := c.sent
		if c.pending != nil {
			latest = *c.pending
		}
		// The map re-renders while Animate is set; once it shows the view
		// already sent or queued there is nothing new to render.
		if latest.SameView(*state) {
			return
		}
		state.Animate = true
		s := state.Clone()
		c.pending = &s
		return
	}
	state.Animate = false
	c.send(state.Clone())
}

// UpdateTransform recomputes the differential correction for view. It is
// cheap and is called on every paint tick.
func (c *Coordinator) UpdateTransform(view frame.ViewState) {
	if c.torn {
		return
	}
	c.surface.SetTransform(c.compositor.Update(view))
}

func (c *Coordinator) send(state frame.State) {
	c.status = Requested
	snap, err := c.codec.Encode(state)
	if err != nil {
		c.logger.Warn("cannot encode frame state", zap.Error(err))
		c.status = Idle
		return
	}
	id := c.newJobID()
	if err := c.port.Send(worker.Message{Action: worker.ActionRender, JobID: id, FrameState: snap}); err != nil {
		c.logger.Warn("cannot send render job", zap.String("job", id), zap.Error(err))
		c.status = Idle
		return
	}
	c.jobID = id
	c.sent = state
	c.status = InFlight
	c.logger.Debug("render job sent", zap.String("job", id), zap.Uint64("frame", state.Index))
}

// Handle applies one message from the worker. Messages arriving after Close
// are dropped.
func (c *Coordinator) Handle(msg worker.Message) {
	if c.torn {
		return
	}
	switch msg.Action {
	case worker.ActionRendered:
		c.handleRendered(msg)
	case worker.ActionRequestRender:
		c.widget.Render()
	case worker.ActionLoadImage:
		c.loadImage(msg.Src)
	default:
		c.logger.Debug("ignoring message", zap.String("action", string(msg.Action)))
	}
}

func (c *Coordinator) handleRendered(msg worker.Message) {
	if c.status != InFlight || msg.JobID != c.jobID {
		c.logger.Debug("discarding stale frame", zap.String("job", msg.JobID))
		return
	}
	c.status = Idle
	c.jobID = ""

	switch {
	case msg.Error != "":
		c.logger.Warn("worker could not render frame", zap.String("job", msg.JobID), zap.String("error", msg.Error))
	case msg.Image == nil:
		c.logger.Warn("worker frame without pixels", zap.String("job", msg.JobID))
	default:
		rendered, err := c.codec.Decode(msg.FrameState)
		if err != nil {
			c.logger.Warn("cannot decode rendered frame state", zap.Error(err))
			break
		}
		canvas := frame.Identity()
		if msg.Transform != nil {
			canvas = *msg.Transform
		}
		c.surface.Present(msg.Image, canvas)
		c.compositor.SetRendered(rendered.ViewState)
		current := rendered.ViewState
		if c.view != nil {
			current = *c.view
		}
		c.surface.SetTransform(c.compositor.Update(current))
	}

	if c.pending != nil {
		next := *c.pending
		c.pending = nil
		c.send(next)
	}
}

func (c *Coordinator) loadImage(src string) {
	if c.fetcher == nil {
		_ = c.port.Send(worker.Message{Action: worker.ActionImageLoaded, Src: src, Error: "no image fetcher on the ui side"})
		return
	}
	go func() {
		reply := worker.Message{Action: worker.ActionImageLoaded, Src: src}
		img, err := c.fetcher.Fetch(c.ctx, src)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Image = toRGBA(img)
		}
		select {
		case c.loads <- reply:
		case <-c.ctx.Done():
		}
	}()
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Pump handles everything waiting on the port and forwards finished image
// loads to the worker, without blocking. Call it once per UI tick.
func (c *Coordinator) Pump() {
	for {
		if c.torn {
			return
		}
		select {
		case msg := <-c.port.Recv():
			c.Handle(msg)
		case reply := <-c.loads:
			if err := c.port.Send(reply); err != nil {
				c.logger.Debug("cannot deliver loaded image", zap.String("src", reply.Src), zap.Error(err))
			}
		default:
			return
		}
	}
}

// OnClose registers cleanup to run on Close, such as cancelling the particle
// animation or removing the overlay layer from the map.
func (c *Coordinator) OnClose(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// Close tears the surface down: cleanups run, the worker port is closed, and
// any job still in flight is forgotten.
func (c *Coordinator) Close() error {
	if c.torn {
		return nil
	}
	c.torn = true
	c.pending = nil
	c.cancel()
	for _, fn := range c.cleanups {
		fn()
	}
	c.logger.Debug("coordinator closed", zap.Stringer("status", c.status))
	return c.port.Close()
}
