package session

import (
	"context"
	"fmt"
	"time"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/oracle"
	"github.com/satindergrewal/chordsync/internal/progress"
	"github.com/satindergrewal/chordsync/internal/tracker"
)

// onAdvance runs on the tracker goroutine for every index step.
func (s *Session) onAdvance(a tracker.Advance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Playing {
		return
	}
	s.index = a.Next
	s.emitLocked(Event{
		Type:     EventAdvance,
		Index:    a.Next,
		Chord:    s.tl.SpanAt(a.Next).Label,
		Position: a.Position,
	})
	if s.policy.ShouldPause(a.Prev, a.Next) {
		s.beginCheckpointLocked(a.Next)
	}
}

// onFinish runs on the tracker goroutine once the track has played out.
func (s *Session) onFinish(float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Playing {
		return
	}
	s.finishLocked()
}

// beginCheckpointLocked stops the track at index and waits for the learner.
func (s *Session) beginCheckpointLocked(index int) {
	s.tracker.Stop()
	s.checkpoint = index
	s.expected = s.tl.SpanAt(index).Label
	s.attempt = 0
	s.setPhaseLocked(AwaitingCheckpoint)

	if err := s.deps.Player.Pause(s.handle); err != nil {
		s.abortLocked(newError(KindPlayback, "pause at checkpoint", err))
		return
	}
	s.setPhaseLocked(WaitingForUser)
	s.emitLocked(Event{Type: EventCheckpoint, Index: index, Chord: s.expected})
	s.armReminderLocked()
	s.log.Info("session: checkpoint", "index", index, "chord", s.expected)
}

// StartRecording begins a take at the current checkpoint. A recorder
// failure leaves the session waiting for the learner.
func (s *Session) StartRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != WaitingForUser {
		return fmt.Errorf("%w: start recording in %s", ErrWrongPhase, s.phase)
	}
	if err := s.deps.Recorder.Start(); err != nil {
		e := newError(KindRecorder, "start recording", err)
		s.notifyLocked(e)
		return e
	}
	s.stopReminderLocked()
	s.setPhaseLocked(Recording)
	return nil
}

// StopRecording ends the take and submits it for recognition. A take with
// no audio counts as an attempt and returns ErrNoAudio; a recorder failure
// does not count.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Recording {
		return fmt.Errorf("%w: stop recording in %s", ErrWrongPhase, s.phase)
	}
	clip, err := s.deps.Recorder.Stop()
	if err != nil {
		e := newError(KindRecorder, "stop recording", err)
		s.backToUserLocked()
		s.notifyLocked(e)
		return e
	}
	if clip.Empty() {
		s.attempt++
		s.backToUserLocked()
		s.emitLocked(Event{Type: EventError, Error: ErrNoAudio.Error()})
		return ErrNoAudio
	}
	s.submitLocked(clip)
	return nil
}

// SubmitRecording submits a clip captured elsewhere, such as an uploaded
// file. While a recognition is already in flight it returns
// ErrConcurrentSubmission and leaves the session untouched. Submitting
// during Recording discards the recorder's take. The session owns clip from
// here on: a rejected clip is discarded at once, an accepted one after its
// recognition is resolved.
func (s *Session) SubmitRecording(clip audio.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case Detecting:
		if clip.Path != s.pendingClip.Path {
			s.discardLocked(clip)
		}
		return newError(KindConcurrentSubmission, "submit recording", nil)
	case Recording:
		take, err := s.deps.Recorder.Stop()
		if err != nil {
			s.log.Warn("session: discard recorder take", "error", err)
		}
		s.discardLocked(take)
	case WaitingForUser:
	default:
		s.discardLocked(clip)
		return fmt.Errorf("%w: submit recording in %s", ErrWrongPhase, s.phase)
	}
	if clip.Empty() {
		s.attempt++
		s.backToUserLocked()
		s.emitLocked(Event{Type: EventError, Error: ErrNoAudio.Error()})
		return ErrNoAudio
	}
	s.stopReminderLocked()
	s.submitLocked(clip)
	return nil
}

// ResumeAfterMatch makes sure a session that is back in Playing has its
// tracker running. Calling it repeatedly is harmless.
func (s *Session) ResumeAfterMatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Playing {
		return fmt.Errorf("%w: resume in %s", ErrWrongPhase, s.phase)
	}
	s.attempt = 0
	s.tracker.Start()
	return nil
}

// recognition is the single result of one oracle call.
type recognition struct {
	token  uint64
	result oracle.Result
	err    error
}

func (s *Session) submitLocked(clip audio.Clip) {
	s.seq++
	token := s.seq
	ctx, cancel := context.WithCancel(context.Background())
	s.inflight = token
	s.cancelCall = cancel
	s.pendingClip = clip
	s.setPhaseLocked(Detecting)
	s.log.Debug("session: recognizing", "clip", clip.ID, "expected", s.expected, "attempt", s.attempt+1)

	go func() {
		res, err := s.deps.Oracle.Recognize(ctx, clip)
		s.resolve(recognition{token: token, result: res, err: err})
	}()
}

// resolve applies an oracle result. Results for a call that was cancelled
// or superseded are dropped here and nowhere else.
func (s *Session) resolve(r recognition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Detecting || s.inflight != r.token {
		s.log.Debug("session: discarding stale recognition", "token", r.token)
		return
	}
	s.dropInflightLocked()

	if r.err != nil {
		s.backToUserLocked()
		s.notifyLocked(newError(KindOracle, "recognize", r.err))
		return
	}

	m := s.deps.Matcher
	isMatch := r.result.Detected != "" && m.Equivalent(s.expected, r.result.Detected)
	for _, c := range r.result.Candidates {
		if isMatch {
			break
		}
		isMatch = m.Equivalent(s.expected, c)
	}

	o := progress.Outcome{
		Index:      s.checkpoint,
		Expected:   s.expected,
		Detected:   r.result.Detected,
		Candidates: r.result.Candidates,
		IsMatch:    isMatch,
		Attempt:    s.attempt + 1,
		At:         time.Now(),
	}
	s.progress.Append(o)
	s.lastVerdict = &o
	s.emitLocked(Event{Type: EventOutcome, Outcome: &o, Chord: s.expected})
	s.log.Info("session: verdict",
		"expected", o.Expected, "detected", o.Detected, "match", o.IsMatch, "attempt", o.Attempt)

	if !isMatch {
		s.attempt++
		s.backToUserLocked()
		return
	}
	s.resumeLocked()
}

// resumeLocked continues playback after a matched checkpoint.
func (s *Session) resumeLocked() {
	if err := s.deps.Player.Resume(s.handle); err != nil {
		s.abortLocked(newError(KindPlayback, "resume", err))
		return
	}
	s.attempt = 0
	s.checkpoint = -1
	s.expected = ""
	s.setPhaseLocked(Playing)
	s.tracker.Start()
}

func (s *Session) backToUserLocked() {
	s.setPhaseLocked(WaitingForUser)
	s.armReminderLocked()
}

func (s *Session) dropInflightLocked() {
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	s.inflight = 0
	s.discardLocked(s.pendingClip)
	s.pendingClip = audio.Clip{}
}

func (s *Session) discardLocked(clip audio.Clip) {
	if !clip.Empty() {
		s.deps.Recorder.Discard(clip)
	}
}

func (s *Session) armReminderLocked() {
	s.stopReminderLocked()
	if s.lesson.UserTimeout <= 0 {
		return
	}
	gen := s.reminderGen
	s.reminder = time.AfterFunc(s.lesson.UserTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reminderGen != gen || s.phase != WaitingForUser {
			return
		}
		s.emitLocked(Event{Type: EventReminder, Index: s.checkpoint, Chord: s.expected})
	})
}

func (s *Session) stopReminderLocked() {
	s.reminderGen++
	if s.reminder != nil {
		s.reminder.Stop()
		s.reminder = nil
	}
}
