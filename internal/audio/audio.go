// Package audio plays decoded backing tracks on a real-time frame clock and
// defines the PCM format shared by playback, streaming and recording.
package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Handle identifies a track loaded into an Engine.
type Handle uint64

// Clip is a recorded take stored on disk, ready for chord recognition.
type Clip struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
}

// Empty reports whether the clip holds no recording.
func (c Clip) Empty() bool {
	return c.Path == ""
}
