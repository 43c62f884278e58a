// Package tracker polls a playback position and maps it onto a chord
// timeline, reporting each chord change while the track plays.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/satindergrewal/chordsync/internal/timeline"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 100 * time.Millisecond

// Source reports where playback is. Position returns an error while the
// track is not loaded; such ticks are skipped.
type Source interface {
	Position() (float64, error)
	Finished() bool
}

// Advance is emitted once per index step, in increasing order.
type Advance struct {
	Prev     int
	Next     int
	Position float64
}

// Handler receives tracker events on the tracker's goroutine. Handlers may
// call Stop.
type Handler struct {
	OnAdvance func(Advance)
	OnFinish  func(position float64)
}

// Tracker owns at most one polling loop at a time. Each Start begins a fresh
// loop from the current index; Stop cancels it. The index survives restarts.
type Tracker struct {
	tl       *timeline.Timeline
	src      Source
	interval time.Duration
	h        Handler
	log      *slog.Logger

	mu       sync.Mutex
	current  int
	position float64
	run      *run
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped tracker positioned before the first chord.
func New(tl *timeline.Timeline, src Source, interval time.Duration, h Handler, log *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		tl:       tl,
		src:      src,
		interval: interval,
		h:        h,
		log:      log,
		current:  -1,
	}
}

// Start begins polling. It is a no-op while a loop is already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	t.run = r
	go t.loop(r)
}

// Stop cancels the running loop without waiting for it, so it is safe to
// call from a handler. A tick already in progress delivers nothing further.
func (t *Tracker) Stop() {
	t.mu.Lock()
	r := t.run
	t.run = nil
	t.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// StopAndWait stops the loop and blocks until its goroutine has exited. It
// must not be called from a handler.
func (t *Tracker) StopAndWait() {
	t.mu.Lock()
	r := t.run
	t.run = nil
	t.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}
}

// Running reports whether a polling loop is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

// Index returns the last reported chord index, -1 before the first chord.
func (t *Tracker) Index() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Position returns the last polled playback position in seconds.
func (t *Tracker) Position() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *Tracker) loop(r *run) {
	defer close(r.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		t.tick(r)
	}
}

// active reports whether r is still the current run. Must be called with mu held.
func (t *Tracker) active(r *run) bool {
	return t.run == r && r.ctx.Err() == nil
}

func (t *Tracker) tick(r *run) {
	pos, err := t.src.Position()
	if err != nil {
		t.log.Debug("tracker: position unavailable", "err", err)
		return
	}

	t.mu.Lock()
	if !t.active(r) {
		t.mu.Unlock()
		return
	}
	t.position = pos
	from := t.current
	next := t.tl.IndexAt(pos, from)
	t.mu.Unlock()

	for i := from + 1; i <= next; i++ {
		t.mu.Lock()
		if !t.active(r) {
			t.mu.Unlock()
			return
		}
		prev := t.current
		t.current = i
		t.mu.Unlock()

		if t.h.OnAdvance != nil {
			t.h.OnAdvance(Advance{Prev: prev, Next: i, Position: pos})
		}
	}

	if !t.src.Finished() {
		return
	}
	t.mu.Lock()
	if !t.active(r) {
		t.mu.Unlock()
		return
	}
	t.run = nil
	t.mu.Unlock()
	r.cancel()

	if t.h.OnFinish != nil {
		t.h.OnFinish(pos)
	}
}
