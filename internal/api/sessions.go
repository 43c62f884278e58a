package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/lesson"
	"github.com/satindergrewal/chordsync/internal/progress"
	"github.com/satindergrewal/chordsync/internal/session"
	"github.com/satindergrewal/chordsync/internal/stream"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

// maxUpload bounds a submitted take.
const maxUpload = 32 << 20

// uploader is implemented by recorders that can store client-side takes.
type uploader interface {
	SaveUpload(filename string, src io.Reader) (audio.Clip, error)
}

// createRequest starts a session from a stored lesson or an ad-hoc track.
// Without chords, Extract asks the recognition service for the timeline.
type createRequest struct {
	LessonID    string               `json:"lesson_id"`
	Track       string               `json:"track"`
	Chords      []timeline.ChordSpan `json:"chords"`
	Extract     bool                 `json:"extract"`
	Stride      int                  `json:"stride"`
	Checkpoints []int                `json:"checkpoints"`
}

// sessionView is a snapshot plus the outcome log.
type sessionView struct {
	session.State
	Outcomes []progress.Outcome     `json:"outcomes"`
	ByChord  []progress.ChordSummary `json:"by_chord"`
}

func viewOf(s *session.Session) sessionView {
	v := sessionView{
		State:    s.Snapshot(),
		Outcomes: s.Progress().Outcomes(),
		ByChord:  s.Progress().ByChord(),
	}
	if v.Outcomes == nil {
		v.Outcomes = []progress.Outcome{}
	}
	if v.ByChord == nil {
		v.ByChord = []progress.ChordSummary{}
	}
	return v
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	id := mux.Vars(r)["id"]
	sess, ok := s.cfg.Sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotFound, id)
	}
	return sess, nil
}

func (s *Server) lessonFor(ctx context.Context, req createRequest) (session.Lesson, error) {
	l := lesson.Lesson{
		ID:          "adhoc",
		Track:       req.Track,
		Chords:      req.Chords,
		Stride:      req.Stride,
		Checkpoints: req.Checkpoints,
		UserTimeout: lesson.Duration(s.cfg.UserTimeout),
	}
	if req.LessonID != "" {
		var err error
		if l, err = s.cfg.Lessons.Get(req.LessonID); err != nil {
			return session.Lesson{}, err
		}
		if l.UserTimeout == 0 {
			l.UserTimeout = lesson.Duration(s.cfg.UserTimeout)
		}
	} else if req.Track == "" {
		return session.Lesson{}, errors.New("lesson_id or track required")
	}

	spans, err := l.Spans()
	if err != nil {
		return session.Lesson{}, err
	}
	if len(spans) == 0 && req.Extract && s.cfg.Oracle != nil {
		if spans, err = s.cfg.Oracle.ExtractChords(ctx, l.Track); err != nil {
			return session.Lesson{}, fmt.Errorf("%w: extract chords: %v", session.ErrOracle, err)
		}
	}
	return session.Lesson{
		ID:          l.ID,
		Track:       l.Track,
		Spans:       spans,
		Policy:      l.Policy(s.cfg.Stride),
		UserTimeout: time.Duration(l.UserTimeout),
	}, nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	l, err := s.lessonFor(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}

	// the session outlives the request; only loading is bounded
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	sess, err := s.cfg.Sessions.Launch(ctx, l)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sess.Cancel()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// action runs op on the addressed session and replies with its snapshot.
func (s *Server) action(w http.ResponseWriter, r *http.Request, code int, op func(*session.Session) error) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := op(sess); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, code, sess.Snapshot())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, http.StatusOK, (*session.Session).StartRecording)
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, http.StatusAccepted, (*session.Session).StopRecording)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, http.StatusOK, (*session.Session).ResumeAfterMatch)
}

// handleSubmit accepts a take recorded by the client as the multipart
// "audio" field. Nothing is stored unless the session can take a
// submission; once stored, the session owns and deletes the clip.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, http.StatusAccepted, func(sess *session.Session) error {
		up, ok := sess.Recorder().(uploader)
		if !ok {
			return errors.New("session recorder does not accept uploads")
		}
		switch phase := sess.Phase(); phase {
		case session.WaitingForUser, session.Recording:
		case session.Detecting:
			return fmt.Errorf("%w: recognition in progress", session.ErrConcurrentSubmission)
		default:
			return fmt.Errorf("%w: submit in %s", session.ErrWrongPhase, phase)
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			return fmt.Errorf("%w: missing audio field: %v", session.ErrNoAudio, err)
		}
		defer f.Close()
		clip, err := up.SaveUpload(hdr.Filename, f)
		if err != nil {
			return err
		}
		return sess.SubmitRecording(clip)
	})
}

// handleMicOffer connects the learner's microphone to the session recorder.
func (s *Server) handleMicOffer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mic == nil {
		writeError(w, http.StatusNotImplemented, "microphone capture disabled")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sink, ok := sess.Recorder().(stream.FrameSink)
	if !ok {
		writeError(w, http.StatusNotImplemented, "session recorder does not accept live audio")
		return
	}
	offer, err := stream.DecodeOffer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	answer, err := s.cfg.Mic.Accept(offer, sink)
	if err != nil {
		s.log.Warn("api: mic negotiation", "session", sess.ID(), "error", err)
		writeError(w, http.StatusBadRequest, "negotiation failed")
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// feed returns the frame feed of the session's backing track.
func (s *Server) feed(sess *session.Session) (*stream.PCM, error) {
	h, ok := sess.Track()
	if !ok {
		return nil, fmt.Errorf("%w: no track loaded", audio.ErrNotLoaded)
	}
	return s.cfg.Feeds.Feed(h)
}

// handleStream serves the session's backing track as MP3.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MP3 == nil || s.cfg.Feeds == nil {
		writeError(w, http.StatusNotImplemented, "streaming disabled")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	pcm, err := s.feed(sess)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.cfg.MP3.Serve(w, r, pcm)
}

// handleListen streams the session's backing track over WebRTC.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Listen == nil || s.cfg.Feeds == nil {
		writeError(w, http.StatusNotImplemented, "streaming disabled")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	pcm, err := s.feed(sess)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.cfg.Listen.Serve(w, r, pcm)
}
