// Package animate runs a repeating animation task whose ticks are executed on
// the goroutine that drains them, normally the UI goroutine.
package animate

import (
	"context"
	"sync"
	"time"
)

// Handle controls one repeating task started with Start.
type Handle struct {
	parent   context.Context
	interval time.Duration
	tick     func(now time.Time)

	updates chan time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Start schedules tick every interval until ctx is done or the handle is
// cancelled. Ticks are only queued here; they run when Drain is called. A slow
// drainer skips ticks rather than building a backlog.
func Start(ctx context.Context, interval time.Duration, tick func(now time.Time)) *Handle {
	h := &Handle{
		parent:   ctx,
		interval: interval,
		tick:     tick,
		updates:  make(chan time.Time, 1),
	}
	h.start()
	return h
}

func (h *Handle) start() {
	ctx, cancel := context.WithCancel(h.parent)
	h.cancel = cancel
	h.running = true
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case h.updates <- now:
				default:
				}
			}
		}
	}()
}

// Drain runs the queued tick, if any, and reports how many ran.
func (h *Handle) Drain() int {
	n := 0
	for h.running {
		select {
		case now := <-h.updates:
			h.tick(now)
			n++
		default:
			return n
		}
	}
	return n
}

// Cancel stops the task. No tick runs after Cancel returns.
func (h *Handle) Cancel() {
	if !h.running {
		return
	}
	h.running = false
	h.cancel()
	h.wg.Wait()
	select {
	case <-h.updates:
	default:
	}
}

// Restart cancels the task if it is running and starts it again.
func (h *Handle) Restart() {
	h.Cancel()
	h.start()
}

func (h *Handle) Running() bool { return h.running }
