// Package recorder captures a learner's take from a PCM frame feed and
// stores it as a WAV clip for chord recognition.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/chordsync/internal/audio"
)

var (
	ErrAlreadyRecording = errors.New("recorder: already recording")
	ErrNotRecording     = errors.New("recorder: not recording")
)

// DefaultMaxDuration caps a single take.
const DefaultMaxDuration = 30 * time.Second

// Recorder buffers frames between Start and Stop. Frames written while not
// recording are ignored, so a live mic feed can stay connected.
type Recorder struct {
	dir        string
	maxSamples int
	log        *slog.Logger

	mu        sync.Mutex
	recording bool
	samples   []int16
}

// New creates a recorder that writes clips into dir.
func New(dir string, maxDuration time.Duration, log *slog.Logger) *Recorder {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		dir:        dir,
		maxSamples: int(maxDuration.Seconds() * audio.SampleRate * audio.Channels),
		log:        log,
	}
}

// Start begins a new take.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: create clip dir: %w", err)
	}
	r.recording = true
	r.samples = r.samples[:0]
	return nil
}

// Recording reports whether a take is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Write appends interleaved 48kHz stereo samples to the current take.
// Samples beyond the maximum take length are dropped.
func (r *Recorder) Write(frame []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	room := r.maxSamples - len(r.samples)
	if room <= 0 {
		return
	}
	if len(frame) > room {
		frame = frame[:room]
	}
	r.samples = append(r.samples, frame...)
}

// Stop ends the take and writes it to disk. A take with no audio returns an
// empty Clip and no error.
func (r *Recorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return audio.Clip{}, ErrNotRecording
	}
	r.recording = false
	samples := r.samples
	r.samples = nil
	r.mu.Unlock()

	if len(samples) < audio.Channels {
		r.log.Warn("recorder: take captured no audio")
		return audio.Clip{}, nil
	}

	id := uuid.NewString()
	path := filepath.Join(r.dir, id+".wav")
	f, err := os.Create(path)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("recorder: create clip: %w", err)
	}
	if err := writeWAV(f, samples); err != nil {
		f.Close()
		os.Remove(path)
		return audio.Clip{}, fmt.Errorf("recorder: write clip: %w", err)
	}
	if err := f.Close(); err != nil {
		return audio.Clip{}, fmt.Errorf("recorder: close clip: %w", err)
	}

	clip := audio.Clip{
		ID:       id,
		Path:     path,
		Duration: time.Duration(len(samples)/audio.Channels) * time.Second / audio.SampleRate,
	}
	r.log.Info("recorder: clip saved", "id", clip.ID, "duration", clip.Duration)
	return clip, nil
}

// SaveUpload stores a clip the client recorded itself. The original file
// extension is kept so the recognizer can sniff the format.
func (r *Recorder) SaveUpload(filename string, src io.Reader) (audio.Clip, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return audio.Clip{}, fmt.Errorf("recorder: create clip dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".wav"
	}
	id := uuid.NewString()
	path := filepath.Join(r.dir, id+ext)

	f, err := os.Create(path)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("recorder: create clip: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return audio.Clip{}, fmt.Errorf("recorder: save upload: %w", err)
	}
	if n == 0 {
		os.Remove(path)
		return audio.Clip{}, nil
	}
	return audio.Clip{ID: id, Path: path}, nil
}

// Discard deletes a clip this recorder stored. Clips outside its directory
// are left alone.
func (r *Recorder) Discard(clip audio.Clip) {
	if clip.Path == "" || filepath.Dir(clip.Path) != filepath.Clean(r.dir) {
		return
	}
	if err := os.Remove(clip.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("recorder: discard clip", "id", clip.ID, "error", err)
		return
	}
	r.log.Debug("recorder: clip discarded", "id", clip.ID)
}
