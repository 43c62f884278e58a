// Package stream delivers a session's backing track to its listeners (MP3
// over HTTP or Opus over WebRTC) and captures the learner's microphone over
// WebRTC.
package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os/exec"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/broadcast"
)

// PCM fans one track's 20ms interleaved frames out to stream listeners.
type PCM = broadcast.Broadcaster[[]int16]

// ffmpegMP3 encodes s16le 48kHz stereo from stdin to MP3 on stdout.
var ffmpegMP3 = []string{
	"ffmpeg",
	"-f", "s16le",
	"-ar", "48000",
	"-ac", "2",
	"-i", "pipe:0",
	"-codec:a", "libmp3lame",
	"-b:a", "192k",
	"-f", "mp3",
	"-fflags", "nobuffer",
	"-flush_packets", "1",
	"-loglevel", "error",
	"pipe:1",
}

// HTTPStreamer serves chunked MP3 streams. Each connection runs its own
// encoder process.
type HTTPStreamer struct {
	// Encoder reads s16le 48kHz stereo on stdin and writes the stream to
	// stdout. Defaults to ffmpeg with libmp3lame.
	Encoder []string
	log     *slog.Logger
}

// NewHTTPStreamer creates an MP3 streamer.
func NewHTTPStreamer(log *slog.Logger) *HTTPStreamer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPStreamer{Encoder: ffmpegMP3, log: log}
}

// Serve streams pcm to the client until it hangs up or pcm is closed.
func (h *HTTPStreamer) Serve(w http.ResponseWriter, r *http.Request, pcm *PCM) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Encoder[0], h.Encoder[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.log.Error("stream: stdin pipe", "error", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.log.Error("stream: stdout pipe", "error", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		h.log.Error("stream: encoder start", "error", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("ICY-Name", "chordsync backing track")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := pcm.Subscribe()
	defer pcm.Unsubscribe(listener)

	h.log.Info("stream: http listener connected", "listeners", pcm.ListenerCount())
	defer h.log.Info("stream: http listener disconnected")

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				return
			case frame, ok := <-listener.C:
				if !ok {
					return
				}
				if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.log.Warn("stream: encoder read", "error", err)
			}
			break
		}
	}

	cancel()
	cmd.Wait()
}
