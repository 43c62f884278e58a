package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
)

// DecodeFunc turns a track reference into interleaved 48kHz stereo samples.
type DecodeFunc func(ctx context.Context, ref string) ([]int16, error)

// DecodeFile runs FFmpeg to decode an audio file to raw PCM int16 samples.
// Returns interleaved stereo samples at 48kHz. ref may be a path or any URL
// FFmpeg can open.
func DecodeFile(ctx context.Context, ref string) ([]int16, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", ref,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", ref, err)
	}
	return BytesToSamples(out), nil
}

// BytesToSamples converts little-endian s16 bytes to samples. A trailing odd
// byte is dropped.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
