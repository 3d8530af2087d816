// Package loadqueue schedules tile and image fetches for the render worker.
// It caps how many loads run at once and how many may start per frame, and
// orders waiting loads by how useful they are to the current view.
package loadqueue

import (
	"image"
	"math"
	"sort"

	"github.com/sudorandom/rainfall/pkg/frame"
)

const (
	DefaultMaxConcurrent = 8
	DefaultMaxNewPerTick = 2
)

type State int

const (
	Queued State = iota
	Loading
	Loaded
	Errored
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Key identifies one fetch: the source it belongs to and the tile or image
// within that source.
type Key struct {
	Source string
	ID     string
}

type Request struct {
	Key        Key
	URL        string
	Center     frame.Coordinate
	Resolution float64
	Extent     frame.Extent

	state    State
	priority float64
	seq      uint64
	err      error
	stale    bool
}

func (r *Request) State() State      { return r.state }
func (r *Request) Priority() float64 { return r.priority }
func (r *Request) Err() error        { return r.err }

// Drop is returned by a PriorityFunc for requests that are no longer wanted.
var Drop = math.Inf(1)

// PriorityFunc scores a request against the current view. Lower is sooner.
type PriorityFunc func(r *Request, view frame.ViewState) float64

// DefaultPriority prefers requests whose resolution matches the view and whose
// center is closest to the view center, measured in request pixels.
func DefaultPriority(r *Request, view frame.ViewState) float64 {
	if !(r.Resolution > 0) || !(view.Resolution > 0) {
		return 0
	}
	dx := r.Center[0] - view.Center[0]
	dy := r.Center[1] - view.Center[1]
	mismatch := math.Abs(math.Log(r.Resolution / view.Resolution))
	return 65536*mismatch + math.Sqrt(dx*dx+dy*dy)/r.Resolution
}

// Queue is owned by a single goroutine (the render worker) and is not safe
// for concurrent use.
type Queue struct {
	priority PriorityFunc
	onChange func(*Request)

	requests map[Key]*Request
	images   map[Key]image.Image
	wanted   map[Key]bool
	framed   bool
	view     *frame.ViewState
	seq      uint64
	loading  int
	metrics  *metrics
}

// New creates a queue. onChange fires whenever a load finishes, successfully
// or not; the worker turns it into a re-render request.
func New(priority PriorityFunc, onChange func(*Request)) *Queue {
	if priority == nil {
		priority = DefaultPriority
	}
	if onChange == nil {
		onChange = func(*Request) {}
	}
	return &Queue{
		priority: priority,
		onChange: onChange,
		requests: make(map[Key]*Request),
		images:   make(map[Key]image.Image),
		wanted:   make(map[Key]bool),
		metrics:  defaultMetrics,
	}
}

// BeginFrame starts a new wanted set. Queued requests not enqueued again
// before the next Reprioritize are dropped.
func (q *Queue) BeginFrame() {
	clear(q.wanted)
	q.framed = true
}

// Enqueue inserts a request or refreshes a queued one. It is idempotent per
// key: loading and loaded requests are left alone, and errored requests stay
// errored until they are forgotten. Only then does Enqueue load them afresh.
func (q *Queue) Enqueue(req Request) *Request {
	q.wanted[req.Key] = true
	if existing, ok := q.requests[req.Key]; ok {
		if existing.state == Queued {
			existing.URL = req.URL
			existing.Center = req.Center
			existing.Resolution = req.Resolution
			existing.Extent = req.Extent
			q.score(existing)
		}
		return existing
	}
	r := &Request{
		Key:        req.Key,
		URL:        req.URL,
		Center:     req.Center,
		Resolution: req.Resolution,
		Extent:     req.Extent,
		state:      Queued,
		seq:        q.nextSeq(),
	}
	q.score(r)
	q.requests[r.Key] = r
	q.metrics.queued.Inc()
	return r
}

// Reprioritize rescores every queued request against view and drops the ones
// that were not wanted by the current frame or that score as Drop.
func (q *Queue) Reprioritize(view frame.ViewState) {
	v := view
	q.view = &v
	for key, r := range q.requests {
		if r.state != Queued {
			continue
		}
		if q.framed && !q.wanted[key] {
			q.remove(key)
			continue
		}
		q.score(r)
		if r.priority == Drop {
			q.remove(key)
		}
	}
}

// Admit promotes up to maxNewPerTick of the best queued requests to Loading,
// never letting the number of loading requests exceed maxConcurrent. The
// caller must start the returned loads.
func (q *Queue) Admit(maxConcurrent, maxNewPerTick int) []*Request {
	free := maxConcurrent - q.loading
	if free <= 0 || maxNewPerTick <= 0 {
		return nil
	}
	budget := min(free, maxNewPerTick)
	queued := q.sortedQueued()
	if len(queued) == 0 {
		return nil
	}
	if len(queued) > budget {
		queued = queued[:budget]
	}
	for _, r := range queued {
		r.state = Loading
		q.loading++
		q.metrics.queued.Dec()
		q.metrics.loading.Inc()
	}
	return queued
}

// Complete records the outcome of a load started by Admit. Unknown keys and
// requests that are not loading are ignored.
func (q *Queue) Complete(key Key, img image.Image, err error) bool {
	r, ok := q.requests[key]
	if !ok || r.state != Loading {
		return false
	}
	q.loading--
	q.metrics.loading.Dec()
	if r.stale {
		q.remove(key)
		q.metrics.completed.WithLabelValues("stale").Inc()
		q.onChange(r)
		return true
	}
	if err != nil || img == nil {
		if err == nil {
			err = errEmptyImage
		}
		r.state = Errored
		r.err = err
		q.metrics.completed.WithLabelValues("error").Inc()
	} else {
		r.state = Loaded
		q.images[key] = img
		q.metrics.completed.WithLabelValues("ok").Inc()
	}
	q.onChange(r)
	return true
}

// Image returns the cached result of a loaded request.
func (q *Queue) Image(key Key) (image.Image, bool) {
	img, ok := q.images[key]
	return img, ok
}

func (q *Queue) StateOf(key Key) (State, bool) {
	r, ok := q.requests[key]
	if !ok {
		return 0, false
	}
	return r.state, true
}

// Forget drops a finished request and its cached image. Loading requests are
// kept so the loading count stays accurate; Forget reports false for them.
func (q *Queue) Forget(key Key) bool {
	r, ok := q.requests[key]
	if !ok {
		return true
	}
	if r.state == Loading {
		return false
	}
	q.remove(key)
	return true
}

// ForgetSource drops every request of source, as when its layer is reloaded.
// Loads still running are discarded when they complete. It returns how many
// requests were affected.
func (q *Queue) ForgetSource(source string) int {
	n := 0
	for key, r := range q.requests {
		if key.Source != source {
			continue
		}
		n++
		if r.state == Loading {
			r.stale = true
			continue
		}
		q.remove(key)
	}
	return n
}

func (q *Queue) Loading() int { return q.loading }

func (q *Queue) Queued() int {
	n := 0
	for _, r := range q.requests {
		if r.state == Queued {
			n++
		}
	}
	return n
}

func (q *Queue) Len() int { return len(q.requests) }

func (q *Queue) remove(key Key) {
	if r, ok := q.requests[key]; ok && r.state == Queued {
		q.metrics.queued.Dec()
	}
	delete(q.requests, key)
	delete(q.images, key)
}

func (q *Queue) score(r *Request) {
	if q.view == nil {
		r.priority = 0
		return
	}
	r.priority = q.priority(r, *q.view)
}

func (q *Queue) sortedQueued() []*Request {
	var queued []*Request
	for _, r := range q.requests {
		if r.state == Queued {
			queued = append(queued, r)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].priority != queued[j].priority {
			return queued[i].priority < queued[j].priority
		}
		return queued[i].seq < queued[j].seq
	})
	return queued
}

func (q *Queue) nextSeq() uint64 {
	q.seq++
	return q.seq
}
