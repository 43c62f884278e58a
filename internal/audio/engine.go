package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/satindergrewal/chordsync/internal/broadcast"
)

// feedBuffer holds about three seconds of frames per listener.
const feedBuffer = 150

// ErrNotLoaded is returned for handles that were never loaded or were released.
var ErrNotLoaded = errors.New("audio: track not loaded")

// EngineConfig tunes an Engine. Zero values pick defaults.
type EngineConfig struct {
	// Decode loads a track. Defaults to DecodeFile (FFmpeg).
	Decode DecodeFunc
	// Clock is the wall-clock period of one frame. Defaults to
	// FrameDuration; tests shrink it to play faster than real time.
	Clock time.Duration
	// ResumeFade ramps volume back in after Resume.
	ResumeFade time.Duration
	Logger     *slog.Logger
}

type playback struct {
	ref         string
	samples     []int16
	totalFrames int
	frame       int
	paused      bool
	fadeLeft    int
	finished    bool
	cancel      context.CancelFunc
	feed        *broadcast.Broadcaster[[]int16]
}

// Engine plays loaded tracks at real-time rate. Loaded tracks start paused;
// Resume starts them. Each track publishes its frames on its own feed.
type Engine struct {
	decode     DecodeFunc
	clock      time.Duration
	fadeFrames int
	log        *slog.Logger

	mu     sync.Mutex
	next   Handle
	tracks map[Handle]*playback
}

// NewEngine creates a playback engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Decode == nil {
		cfg.Decode = DecodeFile
	}
	if cfg.Clock <= 0 {
		cfg.Clock = FrameDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		decode:     cfg.Decode,
		clock:      cfg.Clock,
		fadeFrames: int(cfg.ResumeFade / FrameDuration),
		log:        cfg.Logger,
		tracks:     make(map[Handle]*playback),
	}
}

// Feed returns the frame feed of h (20ms frames). Listeners that fall
// behind miss frames; the playback clock never waits for them. The feed
// is closed when h is released.
func (e *Engine) Feed(h Handle) (*broadcast.Broadcaster[[]int16], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	if !ok {
		return nil, ErrNotLoaded
	}
	return pb.feed, nil
}

// Load decodes ref and returns a paused track positioned at zero.
func (e *Engine) Load(ctx context.Context, ref string) (Handle, error) {
	samples, err := e.decode(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", ref, err)
	}
	total := len(samples) / FrameSamples
	if total == 0 {
		return 0, fmt.Errorf("load %s: track is empty", ref)
	}

	pctx, cancel := context.WithCancel(context.Background())
	pb := &playback{
		ref:         ref,
		samples:     samples,
		totalFrames: total,
		paused:      true,
		cancel:      cancel,
		feed:        broadcast.New[[]int16](feedBuffer),
	}

	e.mu.Lock()
	e.next++
	h := e.next
	e.tracks[h] = pb
	e.mu.Unlock()

	go e.play(pctx, h)
	e.log.Info("audio: track loaded", "handle", h, "ref", ref, "seconds", float64(total)*FrameDuration.Seconds())
	return h, nil
}

// Position returns the playback position of h in seconds.
func (e *Engine) Position(h Handle) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	if !ok {
		return 0, ErrNotLoaded
	}
	return float64(pb.frame) * FrameDuration.Seconds(), nil
}

// Duration returns the length of h in seconds.
func (e *Engine) Duration(h Handle) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	if !ok {
		return 0, ErrNotLoaded
	}
	return float64(pb.totalFrames) * FrameDuration.Seconds(), nil
}

// Pause holds playback at the current frame.
func (e *Engine) Pause(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	if !ok {
		return ErrNotLoaded
	}
	pb.paused = true
	return nil
}

// Resume continues playback from where it was paused, fading in.
func (e *Engine) Resume(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	if !ok {
		return ErrNotLoaded
	}
	if pb.finished {
		return nil
	}
	if pb.paused && pb.frame > 0 {
		pb.fadeLeft = e.fadeFrames
	}
	pb.paused = false
	return nil
}

// IsFinished reports whether h has played to its end. Unknown handles
// report false.
func (e *Engine) IsFinished(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.tracks[h]
	return ok && pb.finished
}

// Release stops h and frees its samples. Releasing twice is harmless.
func (e *Engine) Release(h Handle) {
	e.mu.Lock()
	pb, ok := e.tracks[h]
	delete(e.tracks, h)
	e.mu.Unlock()
	if ok {
		pb.cancel()
		pb.feed.Close()
		e.log.Info("audio: track released", "handle", h, "ref", pb.ref)
	}
}

// Close releases every loaded track.
func (e *Engine) Close() {
	e.mu.Lock()
	handles := make([]Handle, 0, len(e.tracks))
	for h := range e.tracks {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		e.Release(h)
	}
}

func (e *Engine) play(ctx context.Context, h Handle) {
	ticker := time.NewTicker(e.clock)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, feed, done := e.advance(h)
		if done {
			return
		}
		if frame != nil {
			feed.Publish(frame)
		}
	}
}

// advance moves h forward by one frame and returns it. A nil frame means
// the track is paused; done means the goroutine should exit.
func (e *Engine) advance(h Handle) ([]int16, *broadcast.Broadcaster[[]int16], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pb, ok := e.tracks[h]
	if !ok || pb.finished {
		return nil, nil, true
	}
	if pb.paused {
		return nil, nil, false
	}

	i := pb.frame
	frame := pb.samples[i*FrameSamples : (i+1)*FrameSamples]
	if pb.fadeLeft > 0 {
		frame = FadeIn(frame, float64(e.fadeFrames-pb.fadeLeft)/float64(e.fadeFrames))
		pb.fadeLeft--
	}

	pb.frame++
	if pb.frame >= pb.totalFrames {
		pb.finished = true
		e.log.Info("audio: track finished", "handle", h, "ref", pb.ref)
	}
	return frame, pb.feed, false
}
