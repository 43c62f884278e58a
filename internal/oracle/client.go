// Package oracle is the client for the chord recognition service: it
// detects the chord played in a recorded clip and extracts the chord
// timeline of a backing track.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

// ErrService marks failures of the recognition service itself (transport,
// non-2xx status, undecodable body), as opposed to a clean "no chord" verdict.
var ErrService = errors.New("oracle: recognition service error")

// Result is a recognition verdict. Detected is "" when no chord was heard.
type Result struct {
	Detected   string
	Candidates []string
	Message    string
}

// Client communicates with the chord recognition REST API.
type Client struct {
	apiURL string
	http   *http.Client
	log    *slog.Logger
}

// NewClient creates a recognition API client. apiURL is the service root,
// e.g. http://localhost:5000.
func NewClient(apiURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}
}

type detectResp struct {
	Success   bool     `json:"success"`
	Chord     *string  `json:"chord"`
	AllChords []string `json:"all_chords"`
	Message   string   `json:"message"`
	Error     string   `json:"error"`
}

type extractResp struct {
	Success bool                 `json:"success"`
	Chords  []timeline.Extracted `json:"chords"`
	Count   int                  `json:"count"`
	Message string               `json:"message"`
	Error   string               `json:"error"`
}

// WaitForHealthy blocks until the service responds to health checks or ctx ends.
func (c *Client) WaitForHealthy(ctx context.Context, retry time.Duration) error {
	c.log.Info("oracle: waiting for recognition API")
	for {
		if c.Healthy(ctx) {
			c.log.Info("oracle: recognition API is healthy")
			return nil
		}
		c.log.Warn("oracle: recognition API not ready", "retry_in", retry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Healthy performs one health check.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Recognize uploads clip and returns the detected chord plus candidates.
// A response that simply found no chord is a Result with empty Detected,
// not an error.
func (c *Client) Recognize(ctx context.Context, clip audio.Clip) (Result, error) {
	var out detectResp
	if err := c.upload(ctx, "/api/detect-chord", clip.Path, &out); err != nil {
		return Result{}, err
	}

	res := Result{
		Candidates: out.AllChords,
		Message:    out.Message,
	}
	if out.Success && out.Chord != nil {
		res.Detected = *out.Chord
	}
	c.log.Debug("oracle: recognized", "clip", clip.ID, "chord", res.Detected, "candidates", res.Candidates)
	return res, nil
}

// ExtractChords uploads a whole track and returns its chord timeline.
func (c *Client) ExtractChords(ctx context.Context, trackPath string) ([]timeline.ChordSpan, error) {
	var out extractResp
	if err := c.upload(ctx, "/api/extract-chords", trackPath, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return nil, fmt.Errorf("%w: extract chords: %s", ErrService, msg)
	}
	return timeline.FromExtraction(out.Chords), nil
}

// upload posts path as the multipart "audio" field and decodes the JSON reply.
func (c *Client) upload(ctx context.Context, endpoint, path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrService, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%w: %s: %s (HTTP %d)", ErrService, endpoint, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: HTTP %d", ErrService, endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrService, endpoint, err)
	}
	return nil
}
