package coordinator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/mapview"
	"github.com/sudorandom/rainfall/pkg/worker"
)

type fakeSurface struct {
	presented  []*image.RGBA
	canvas     frame.Affine
	transforms []frame.Affine
}

func (s *fakeSurface) Present(buf *image.RGBA, canvas frame.Affine) {
	s.presented = append(s.presented, buf)
	s.canvas = canvas
}

func (s *fakeSurface) SetTransform(t frame.Affine) {
	s.transforms = append(s.transforms, t)
}

func (s *fakeSurface) last() frame.Affine {
	if len(s.transforms) == 0 {
		return frame.Identity()
	}
	return s.transforms[len(s.transforms)-1]
}

type fakeWidget struct{ renders int }

func (w *fakeWidget) Render() { w.renders++ }

type fakeFetcher struct {
	img image.Image
	err error
}

func (f fakeFetcher) Fetch(context.Context, string) (image.Image, error) { return f.img, f.err }

type harness struct {
	c       *Coordinator
	worker  worker.Port
	surface *fakeSurface
	widget  *fakeWidget
	codec   *frame.Codec
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ui, wrk := worker.NewPipe()
	n := 0
	cfg.NewJobID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	h := &harness{worker: wrk, surface: &fakeSurface{}, widget: &fakeWidget{}, codec: frame.NewCodec(nil, nil)}
	h.c = New(ui, h.surface, h.widget, cfg)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

// jobs returns every message the worker has been sent so far.
func (h *harness) jobs() []worker.Message {
	var out []worker.Message
	for {
		select {
		case m := <-h.worker.Recv():
			out = append(out, m)
		default:
			return out
		}
	}
}

func (h *harness) decode(t *testing.T, m worker.Message) frame.State {
	t.Helper()
	s, err := h.codec.Decode(m.FrameState)
	require.NoError(t, err)
	return s
}

func (h *harness) reply(job worker.Message) worker.Message {
	return worker.Message{
		Action:     worker.ActionRendered,
		JobID:      job.JobID,
		FrameState: job.FrameState,
		Image:      image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Transform:  &frame.Affine{A: 1, E: 1},
	}
}

func stateAt(x float64, index uint64) *frame.State {
	s := &frame.State{
		ViewState: frame.ViewState{
			Center:     frame.Coordinate{x, 0},
			Resolution: 10,
			PixelRatio: 1,
			Projection: frame.WebMercator,
		},
		Size:  frame.Size{4, 4},
		Index: index,
	}
	s.Extent = frame.ExtentForView(s.ViewState.Center, 10, 0, s.Size)
	return s
}

func TestIdleFrameStartsJob(t *testing.T) {
	h := newHarness(t, Config{})
	s := stateAt(0, 1)
	h.c.OnFrame(s)

	jobs := h.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, worker.ActionRender, jobs[0].Action)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.False(t, h.decode(t, jobs[0]).Animate)
	assert.False(t, s.Animate)
	assert.Equal(t, InFlight, h.c.Status())
}

func TestChangesWhileInFlightCoalesce(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.OnFrame(stateAt(0, 1))
	first := h.jobs()
	require.Len(t, first, 1)

	for i := uint64(2); i <= 4; i++ {
		s := stateAt(float64(i)*10, i)
		h.c.OnFrame(s)
		assert.True(t, s.Animate)
	}
	assert.Empty(t, h.jobs(), "no second job while one is in flight")
	assert.True(t, h.c.PendingRerender())

	h.c.Handle(h.reply(first[0]))
	followUp := h.jobs()
	require.Len(t, followUp, 1, "exactly one follow-up job")
	got := h.decode(t, followUp[0])
	assert.Equal(t, uint64(4), got.Index, "follow-up uses the latest state")
	assert.Equal(t, frame.Coordinate{40, 0}, got.ViewState.Center)
	assert.True(t, got.Animate)
	assert.False(t, h.c.PendingRerender())
	assert.Equal(t, InFlight, h.c.Status())

	h.c.Handle(h.reply(followUp[0]))
	assert.Empty(t, h.jobs())
	assert.Equal(t, Idle, h.c.Status())
	assert.Len(t, h.surface.presented, 2)
}

func TestRenderedAppliesDifferentialTransform(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.OnFrame(stateAt(0, 1))
	job := h.jobs()[0]

	// The view moves 50 map units east before the frame comes back.
	h.c.OnFrame(stateAt(50, 2))
	h.c.Handle(h.reply(job))

	require.Len(t, h.surface.presented, 1)
	assert.Equal(t, frame.Identity(), h.surface.canvas)
	assert.Equal(t, frame.Translate(-5, 0), h.surface.last())

	h.c.UpdateTransform(stateAt(30, 3).ViewState)
	assert.Equal(t, frame.Translate(-3, 0), h.surface.last())
}

func TestStaleJobIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.OnFrame(stateAt(0, 1))
	job := h.jobs()[0]

	stale := h.reply(job)
	stale.JobID = "job-0"
	h.c.Handle(stale)

	assert.Empty(t, h.surface.presented)
	assert.Equal(t, InFlight, h.c.Status())
}

func TestWorkerErrorEndsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.OnFrame(stateAt(0, 1))
	job := h.jobs()[0]
	h.c.OnFrame(stateAt(10, 2))

	h.c.Handle(worker.Message{Action: worker.ActionRendered, JobID: job.JobID, Error: "bad frame"})
	assert.Empty(t, h.surface.presented)
	assert.Len(t, h.jobs(), 1, "pending frame is still sent")
}

func TestTeardownDiscardsLateResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.OnFrame(stateAt(0, 1))
	job := h.jobs()[0]
	h.c.OnFrame(stateAt(50, 2))
	transforms := len(h.surface.transforms)

	cleaned := false
	h.c.OnClose(func() { cleaned = true })
	require.NoError(t, h.c.Close())
	assert.True(t, cleaned)

	select {
	case <-h.worker.Done():
	default:
		t.Fatal("worker port not closed")
	}

	h.c.Handle(h.reply(job))
	h.c.OnFrame(stateAt(60, 3))
	h.c.Pump()
	assert.Empty(t, h.surface.presented)
	assert.Len(t, h.surface.transforms, transforms)
	assert.NoError(t, h.c.Close())
}

func TestRequestRenderAsksMapToRender(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.worker.Send(worker.Message{Action: worker.ActionRequestRender}))
	h.c.Pump()
	assert.Equal(t, 1, h.widget.renders)
}

func TestLoadImageRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	h := newHarness(t, Config{Fetcher: fakeFetcher{img: img}})

	require.NoError(t, h.worker.Send(worker.Message{Action: worker.ActionLoadImage, Src: "http://wms.test/a"}))
	got := waitForReply(t, h)
	assert.Equal(t, worker.ActionImageLoaded, got.Action)
	assert.Equal(t, "http://wms.test/a", got.Src)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.Image)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, got.Image.RGBAAt(1, 1))
}

func TestLoadImageFailureIsReported(t *testing.T) {
	h := newHarness(t, Config{Fetcher: fakeFetcher{err: errors.New("cors")}})
	require.NoError(t, h.worker.Send(worker.Message{Action: worker.ActionLoadImage, Src: "http://wms.test/b"}))
	got := waitForReply(t, h)
	assert.Equal(t, "cors", got.Error)
	assert.Nil(t, got.Image)
}

func waitForReply(t *testing.T, h *harness) worker.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.c.Pump()
		select {
		case m := <-h.worker.Recv():
			return m
		case <-deadline:
			t.Fatal("no imageLoaded reply")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMapSettlesAfterPanDuringJob(t *testing.T) {
	ui, wrk := worker.NewPipe()
	m := mapview.New(mapview.Options{Resolution: 10, Size: frame.Size{4, 4}})
	c := New(ui, &fakeSurface{}, m, Config{})
	t.Cleanup(func() { _ = c.Close() })
	m.AddLayer(mapview.FuncLayer{Title: "overlay", Fn: c.OnFrame})
	h := &harness{c: c, worker: wrk, codec: frame.NewCodec(nil, nil)}

	m.Tick()
	first := h.jobs()
	require.Len(t, first, 1)

	m.Pan(5, 0)
	m.Tick()
	m.Tick()
	assert.True(t, c.PendingRerender())
	require.NoError(t, wrk.Send(h.reply(first[0])))

	sent := 1
	for range 200 {
		c.Pump()
		m.Tick()
		for _, job := range h.jobs() {
			sent++
			require.NoError(t, wrk.Send(h.reply(job)))
		}
	}
	assert.Equal(t, 2, sent, "one pan yields exactly one follow-up job")
	assert.Equal(t, Idle, c.Status())
	assert.False(t, c.PendingRerender())
	assert.False(t, m.NeedsRender())
}
