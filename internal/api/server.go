// Package api exposes practice sessions over HTTP: lesson listing, session
// control, take upload, a websocket event feed and the audio streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/lesson"
	"github.com/satindergrewal/chordsync/internal/progress"
	"github.com/satindergrewal/chordsync/internal/session"
	"github.com/satindergrewal/chordsync/internal/store"
	"github.com/satindergrewal/chordsync/internal/stream"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

// Oracle is the part of the recognition service the API talks to directly.
type Oracle interface {
	Healthy(ctx context.Context) bool
	ExtractChords(ctx context.Context, trackPath string) ([]timeline.ChordSpan, error)
}

// History reads persisted sessions.
type History interface {
	Recent(ctx context.Context, limit int) ([]store.Record, error)
	Session(ctx context.Context, id string) (*store.Record, error)
	ChordStats(ctx context.Context) ([]progress.ChordSummary, error)
}

// Feeds exposes the frame feed of a loaded track.
type Feeds interface {
	Feed(h audio.Handle) (*stream.PCM, error)
}

// Config wires the server. Feeds, Mic, Listen, MP3 and History are
// optional; the stream routes need Feeds.
type Config struct {
	Lessons  *lesson.Library
	Sessions *session.Manager
	Oracle   Oracle
	History  History

	Feeds  Feeds
	Mic    *stream.MicCapture
	Listen *stream.WebRTCStreamer
	MP3    *stream.HTTPStreamer

	// Stride applies to lessons that set no checkpoint rule.
	Stride      int
	UserTimeout time.Duration
	Logger      *slog.Logger
}

// Server is the HTTP surface of the practice service.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stride <= 0 {
		cfg.Stride = 2
	}
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, CORS-enabled handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/lessons", s.handleLessons).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{id}", s.handleHistoryItem).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleCancelSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/record/start", s.handleRecordStart).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/record/stop", s.handleRecordStop).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/offer", s.handleMicOffer).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/listen", s.handleListen).Methods(http.MethodPost)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	oracleUp := false
	if s.cfg.Oracle != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		oracleUp = s.cfg.Oracle.Healthy(ctx)
		cancel()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"oracle":   oracleUp,
		"sessions": len(s.cfg.Sessions.List()),
	})
}

func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Lessons.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusOK, []store.Record{})
		return
	}
	recent, err := s.cfg.History.Recent(r.Context(), 50)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recent == nil {
		recent = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	rec, err := s.cfg.History.Session(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusOK, []progress.ChordSummary{})
		return
	}
	stats, err := s.cfg.History.ChordStats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if stats == nil {
		stats = []progress.ChordSummary{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// errNotFound marks unknown session ids.
var errNotFound = errors.New("session not found")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, lesson.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrWrongPhase), errors.Is(err, session.ErrConcurrentSubmission),
		errors.Is(err, audio.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidTimeline):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrLoad), errors.Is(err, session.ErrOracle):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("api: request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
