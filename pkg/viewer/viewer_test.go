package viewer

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudorandom/rainfall/pkg/frame"
	"github.com/sudorandom/rainfall/pkg/worker"
)

func nextJob(t *testing.T, p worker.Port) worker.Message {
	t.Helper()
	select {
	case m := <-p.Recv():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message from the viewer")
	}
	return worker.Message{}
}

func newTestViewer(t *testing.T) (*Viewer, worker.Port) {
	t.Helper()
	ui, wrk := worker.NewPipe()
	v := New(ui, Config{
		Width:      100,
		Height:     80,
		Resolution: 1000,
		Layers: []frame.LayerDescriptor{
			{Name: "aspect", Kind: frame.LayerImageWMS, URL: "http://wms.test", Visible: true, Opacity: 1},
		},
		StepInterval: time.Millisecond,
	})
	t.Cleanup(func() { _ = v.Close() })
	return v, wrk
}

func TestViewerRenderLoop(t *testing.T) {
	v, wrk := newTestViewer(t)
	codec := frame.NewCodec(nil, nil)

	v.step()
	job := nextJob(t, wrk)
	require.Equal(t, worker.ActionRender, job.Action)
	state, err := codec.Decode(job.FrameState)
	require.NoError(t, err)
	require.Len(t, state.Layers, 1, "the overlay itself is not sent to the worker")
	assert.Equal(t, "aspect", state.Layers[0].Name)
	assert.Equal(t, frame.Size{100, 80}, state.Size)

	tr := frame.Identity()
	require.NoError(t, wrk.Send(worker.Message{
		Action:     worker.ActionRendered,
		JobID:      job.JobID,
		FrameState: job.FrameState,
		Image:      image.NewRGBA(image.Rect(0, 0, 100, 80)),
		Transform:  &tr,
	}))
	v.step()
	assert.Equal(t, 1, v.surface.presented)
	assert.NotNil(t, v.surface.pending)
	assert.Equal(t, 11*9, v.surface.field.Len())

	v.Map().Pan(10, 0)
	v.step()
	c := v.surface.correction
	assert.InDelta(t, 1, c.A, 1e-9)
	assert.InDelta(t, 10, c.C, 1e-6)
	assert.InDelta(t, 0, c.F, 1e-6)
	assert.Equal(t, worker.ActionRender, nextJob(t, wrk).Action)
}

func TestViewerPixelRatioSetsDropStep(t *testing.T) {
	s := newSurface(false)
	s.Present(image.NewRGBA(image.Rect(0, 0, 200, 160)), frame.Scale(0.5, 0.5))
	assert.Equal(t, 2.0, s.pixelRatio)
	assert.Equal(t, 11*9, s.field.Len())
}

func TestTrackPointerUsesBufferPixels(t *testing.T) {
	s := newSurface(true)
	s.Present(image.NewRGBA(image.Rect(0, 0, 200, 160)), frame.Scale(0.5, 0.5))
	s.trackPointer(30, 20, true, 100, 80)
	require.NotNil(t, s.pointer)
	assert.Equal(t, image.Point{60, 40}, *s.pointer)

	s.trackPointer(30, 20, false, 100, 80)
	assert.Nil(t, s.pointer)
}

func TestHUDLines(t *testing.T) {
	v, _ := newTestViewer(t)
	v.step()
	lines := v.hudLines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "in-flight")
	assert.Contains(t, lines[2], "interactive off")
}

func TestCloseTearsDown(t *testing.T) {
	v, wrk := newTestViewer(t)
	v.step()
	nextJob(t, wrk)

	require.NoError(t, v.Close())
	select {
	case <-wrk.Done():
	default:
		t.Fatal("worker port still open")
	}
	for _, l := range v.Map().Layers() {
		assert.NotEqual(t, OverlayName, l.Descriptor().Name)
	}
	assert.False(t, v.anim.Running())
	assert.Zero(t, v.surface.field.Len())
	assert.NoError(t, v.Close())
}
