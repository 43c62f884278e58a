package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

func writeClip(t *testing.T, content string) audio.Clip {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return audio.Clip{ID: "c1", Path: path}
}

func TestRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/detect-chord", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		f, hdr, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "take.wav", hdr.Filename)
		assert.Equal(t, "pcm", string(data))

		json.NewEncoder(w).Encode(map[string]any{
			"success":    true,
			"chord":      "D",
			"all_chords": []string{"G", "D"},
			"message":    "Acorde detectado: D",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, nil)
	res, err := c.Recognize(context.Background(), writeClip(t, "pcm"))
	require.NoError(t, err)
	assert.Equal(t, "D", res.Detected)
	assert.Equal(t, []string{"G", "D"}, res.Candidates)
}

func TestRecognizeNoChordIsAVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":    false,
			"chord":      nil,
			"all_chords": []string{},
			"error":      "No chords detected",
		})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, time.Second, nil).Recognize(context.Background(), writeClip(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, "", res.Detected)
	assert.Empty(t, res.Candidates)
}

func TestRecognizeServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "model crashed"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, nil).Recognize(context.Background(), writeClip(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrService))
	assert.Contains(t, err.Error(), "model crashed")

	srv.Close()
	_, err = NewClient(srv.URL, time.Second, nil).Recognize(context.Background(), writeClip(t, "x"))
	assert.ErrorIs(t, err, ErrService)
}

func TestRecognizeMissingClip(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0", time.Second, nil).Recognize(context.Background(), audio.Clip{Path: "/does/not/exist.wav"})
	assert.Error(t, err)
}

func TestExtractChords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/extract-chords", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"count":   3,
			"chords": []map[string]any{
				{"start": 0, "end": 0.5, "chord_majmin": "N"},
				{"start": 0.5, "end": 4, "chord_majmin": "C"},
				{"start": 4, "end": 8, "chord_majmin": "G"},
			},
		})
	}))
	defer srv.Close()

	spans, err := NewClient(srv.URL, time.Second, nil).ExtractChords(context.Background(), writeClip(t, "song").Path)
	require.NoError(t, err)
	assert.Equal(t, []timeline.ChordSpan{{Start: 0.5, End: 4, Label: "C"}, {Start: 4, End: 8, Label: "G"}}, spans)
}

func TestWaitForHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, c.WaitForHealthy(context.Background(), time.Millisecond))
	assert.Equal(t, int32(3), calls.Load())

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForHealthy(ctx, 5*time.Millisecond), context.DeadlineExceeded)
}
