// Package worker defines the message protocol between the UI goroutine and
// the render worker, and the ports that carry it: an in-process pipe and a
// websocket transport for running the worker in another process.
package worker

import (
	"errors"
	"image"

	jsoniter "github.com/json-iterator/go"

	"github.com/sudorandom/rainfall/pkg/frame"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrClosed = errors.New("worker port closed")

type Action string

const (
	// UI -> worker
	ActionRender      Action = "render"
	ActionImageLoaded Action = "imageLoaded"

	// worker -> UI
	ActionRequestRender Action = "requestRender"
	ActionLoadImage     Action = "loadImage"
	ActionRendered      Action = "rendered"
)

// Message is one protocol message. Everything except Image is plain data that
// is copied when sent. Image is transferred: once a message carrying it has
// been sent, the sender must not read or write the buffer again.
type Message struct {
	Action     Action         `json:"action"`
	JobID      string         `json:"jobId,omitempty"`
	FrameState frame.Snapshot `json:"frameState,omitempty"`
	Src        string         `json:"src,omitempty"`
	Error      string         `json:"error,omitempty"`
	Transform  *frame.Affine  `json:"transform,omitempty"`
	Image      *image.RGBA    `json:"-"`
}

// Port is one end of a worker connection. Send never shares memory with the
// receiver except for the transferred Image.
type Port interface {
	Send(msg Message) error
	Recv() <-chan Message
	// Done is closed once either end has been closed.
	Done() <-chan struct{}
	Close() error
}
