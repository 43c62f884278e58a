// Package session runs a practice session: it plays a backing track, stops
// at checkpoint chords, waits for the learner to record the chord, has the
// recording recognized and resumes playback once the chord matches.
//
// A Session is the single writer of its state. Tracker ticks, oracle
// responses and caller operations all serialize on one mutex, and every
// transition goes through the current Phase.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/broadcast"
	"github.com/satindergrewal/chordsync/internal/checkpoint"
	"github.com/satindergrewal/chordsync/internal/oracle"
	"github.com/satindergrewal/chordsync/internal/progress"
	"github.com/satindergrewal/chordsync/internal/timeline"
	"github.com/satindergrewal/chordsync/internal/tracker"
)

// Player is the audio playback engine a session drives.
type Player interface {
	Load(ctx context.Context, ref string) (audio.Handle, error)
	Position(h audio.Handle) (float64, error)
	Pause(h audio.Handle) error
	Resume(h audio.Handle) error
	IsFinished(h audio.Handle) bool
	Release(h audio.Handle)
}

// Recorder captures one take at a time. Stop returns an empty Clip when
// nothing was captured. Discard deletes a clip the session is done with.
type Recorder interface {
	Start() error
	Stop() (audio.Clip, error)
	Discard(clip audio.Clip)
}

// Oracle recognizes the chord in a clip.
type Oracle interface {
	Recognize(ctx context.Context, clip audio.Clip) (oracle.Result, error)
}

// Matcher decides whether a recognized chord counts as the expected one.
type Matcher interface {
	Equivalent(expected, actual string) bool
}

// Deps are the collaborators of one session.
type Deps struct {
	Player   Player
	Recorder Recorder
	Oracle   Oracle
	Matcher  Matcher
}

// Config tunes a session. Zero values pick defaults.
type Config struct {
	TickInterval time.Duration
	// Policy is used when the lesson does not bring its own.
	Policy checkpoint.Policy
	Logger *slog.Logger
}

// Lesson is what a session plays.
type Lesson struct {
	ID     string
	Track  string
	Spans  []timeline.ChordSpan
	Policy checkpoint.Policy
	// UserTimeout, when positive, emits a reminder event after the learner
	// has left a checkpoint unanswered that long. Nothing is aborted.
	UserTimeout time.Duration
}

// Session is one practice run over one lesson.
type Session struct {
	id       string
	deps     Deps
	interval time.Duration
	policy   checkpoint.Policy
	log      *slog.Logger
	events   *broadcast.Broadcaster[Event]
	progress progress.Log
	done     chan struct{}

	mu          sync.Mutex
	phase       Phase
	lesson      Lesson
	tl          *timeline.Timeline
	handle      audio.Handle
	loaded      bool
	tracker     *tracker.Tracker
	index       int
	checkpoint  int
	expected    string
	attempt     int
	pendingClip audio.Clip
	lastVerdict *progress.Outcome
	inflight    uint64
	seq         uint64
	cancelCall  context.CancelFunc
	reminder    *time.Timer
	reminderGen uint64
	err         error
	startedAt   time.Time
	endedAt     time.Time
}

// New creates an idle session.
func New(id string, deps Deps, cfg Config) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = tracker.DefaultInterval
	}
	if cfg.Policy == nil {
		cfg.Policy = checkpoint.Stride{N: checkpoint.DefaultStride}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		id:         id,
		deps:       deps,
		interval:   cfg.TickInterval,
		policy:     cfg.Policy,
		log:        cfg.Logger.With("session", id),
		events:     broadcast.New[Event](256),
		done:       make(chan struct{}),
		index:      -1,
		checkpoint: -1,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Recorder returns the session's recorder so transports can feed it audio.
func (s *Session) Recorder() Recorder { return s.deps.Recorder }

// Track returns the handle of the loaded backing track. ok is false before
// loading and after the session has released it.
func (s *Session) Track() (h audio.Handle, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.loaded
}

// Subscribe registers for session events. The channel is closed after the
// session ends and its final events are delivered.
func (s *Session) Subscribe() *broadcast.Listener[Event] { return s.events.Subscribe() }

// Unsubscribe stops delivery to l.
func (s *Session) Unsubscribe(l *broadcast.Listener[Event]) { s.events.Unsubscribe(l) }

// Done is closed once the session reaches Finished or Aborted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that aborted the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Progress returns the session's outcome log.
func (s *Session) Progress() *progress.Log { return &s.progress }

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ID:            s.id,
		Lesson:        s.lesson.ID,
		Phase:         s.phase,
		CurrentIndex:  s.index,
		ExpectedChord: s.expected,
		PendingClip:   s.pendingClip.ID,
		Attempt:       s.attempt,
		Correct:       s.progress.CorrectCount(),
		Total:         s.progress.TotalAttempts(),
		Accuracy:      s.progress.AccuracyForSequence(),
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
	}
	if s.lastVerdict != nil {
		v := *s.lastVerdict
		st.LastVerdict = &v
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if s.loaded {
		if pos, err := s.deps.Player.Position(s.handle); err == nil {
			st.ElapsedSeconds = pos
		}
	} else if s.tracker != nil {
		st.ElapsedSeconds = s.tracker.Position()
	}
	return st
}

// Start loads the lesson and begins playback. It returns once the session
// is Playing or has been aborted; the error is the abort reason.
func (s *Session) Start(ctx context.Context, l Lesson) error {
	s.mu.Lock()
	if s.phase != Idle {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrWrongPhase, phase)
	}
	s.lesson = l
	s.startedAt = time.Now()
	if l.Policy != nil {
		s.policy = l.Policy
	}
	s.setPhaseLocked(Loading)

	tl, err := timeline.Load(l.Spans)
	if err != nil {
		e := newError(KindInvalidTimeline, "load timeline", err)
		s.abortLocked(e)
		s.mu.Unlock()
		return e
	}
	s.tl = tl
	s.mu.Unlock()

	h, err := s.deps.Player.Load(ctx, l.Track)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Loading {
		// cancelled while the track was loading
		if err == nil {
			s.deps.Player.Release(h)
		}
		return s.err
	}
	if err != nil {
		e := newError(KindLoad, "load track", err)
		s.abortLocked(e)
		return e
	}
	s.handle = h
	s.loaded = true
	s.tracker = tracker.New(tl, playerSource{s.deps.Player, h}, s.interval, tracker.Handler{
		OnAdvance: s.onAdvance,
		OnFinish:  s.onFinish,
	}, s.log)

	if err := s.deps.Player.Resume(h); err != nil {
		e := newError(KindPlayback, "start playback", err)
		s.abortLocked(e)
		return e
	}
	s.setPhaseLocked(Playing)
	s.tracker.Start()
	s.log.Info("session: started", "lesson", l.ID, "chords", tl.Len())
	return nil
}

// Cancel aborts the session from any non-terminal phase. It stops tracking,
// ends an active recording, drops any in-flight recognition and releases
// the track. Calling it again has no effect.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return
	}
	s.abortLocked(newError(KindCancelled, "cancel", nil))
}

// playerSource exposes one loaded track to the tracker.
type playerSource struct {
	p Player
	h audio.Handle
}

func (ps playerSource) Position() (float64, error) { return ps.p.Position(ps.h) }
func (ps playerSource) Finished() bool             { return ps.p.IsFinished(ps.h) }

func (s *Session) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.log.Debug("session: phase", "from", s.phase, "to", p)
	s.phase = p
	s.emitLocked(Event{Type: EventPhase})
}

func (s *Session) emitLocked(ev Event) {
	ev.Session = s.id
	ev.Phase = s.phase
	if ev.Type != EventAdvance && ev.Type != EventCheckpoint {
		ev.Index = s.index
	}
	ev.At = time.Now()
	s.events.Publish(ev)
}

// notifyLocked publishes a recoverable error.
func (s *Session) notifyLocked(err *Error) {
	s.log.Warn("session: recoverable error", "error", err)
	s.emitLocked(Event{Type: EventError, Error: err.Error()})
}

// finishLocked ends a session whose track played out.
func (s *Session) finishLocked() {
	s.teardownLocked()
	s.setPhaseLocked(Finished)
	s.emitLocked(Event{
		Type:     EventFinished,
		Accuracy: s.progress.AccuracyForSequence(),
	})
	s.closeLocked()
	s.log.Info("session: finished",
		"correct", s.progress.CorrectCount(),
		"attempts", s.progress.TotalAttempts())
}

// abortLocked ends the session with a fatal error.
func (s *Session) abortLocked(err *Error) {
	s.err = err
	s.teardownLocked()
	s.setPhaseLocked(Aborted)
	s.emitLocked(Event{Type: EventError, Error: err.Error(), Fatal: true})
	s.closeLocked()
	if err.Kind == KindCancelled {
		s.log.Info("session: cancelled")
	} else {
		s.log.Error("session: aborted", "error", err)
	}
}

// teardownLocked releases everything the session holds. Each resource is
// released at most once.
func (s *Session) teardownLocked() {
	if s.tracker != nil {
		s.tracker.Stop()
	}
	s.stopReminderLocked()
	s.dropInflightLocked()
	if s.phase == Recording {
		take, err := s.deps.Recorder.Stop()
		if err != nil {
			s.log.Warn("session: stop recording on exit", "error", err)
		}
		s.discardLocked(take)
	}
	if s.loaded {
		s.deps.Player.Release(s.handle)
		s.loaded = false
	}
}

func (s *Session) closeLocked() {
	s.endedAt = time.Now()
	close(s.done)
	s.events.Close()
}
