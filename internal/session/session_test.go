package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/chordsync/internal/audio"
	"github.com/satindergrewal/chordsync/internal/checkpoint"
	"github.com/satindergrewal/chordsync/internal/chord"
	"github.com/satindergrewal/chordsync/internal/oracle"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// --- fakes ---

type fakePlayer struct {
	mu        sync.Mutex
	pos       float64
	finished  bool
	paused    bool
	loadErr   error
	pauseErr  error
	resumeErr error
	loads     int
	pauses    int
	resumes   int
	releases  int
}

func (p *fakePlayer) Load(ctx context.Context, ref string) (audio.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if p.loadErr != nil {
		return 0, p.loadErr
	}
	p.paused = true
	return audio.Handle(7), nil
}

func (p *fakePlayer) Position(audio.Handle) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, nil
}

func (p *fakePlayer) Pause(audio.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
	if p.pauseErr != nil {
		return p.pauseErr
	}
	p.paused = true
	return nil
}

func (p *fakePlayer) Resume(audio.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	if p.resumeErr != nil {
		return p.resumeErr
	}
	p.paused = false
	return nil
}

func (p *fakePlayer) IsFinished(audio.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *fakePlayer) Release(audio.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
}

func (p *fakePlayer) seek(pos float64) {
	p.mu.Lock()
	p.pos = pos
	p.mu.Unlock()
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
}

func (p *fakePlayer) counts() (pauses, resumes, releases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses, p.resumes, p.releases
}

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	clip      audio.Clip
	starts    int
	stops     int
	discarded []string
}

func (r *fakeRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return r.startErr
}

func (r *fakeRecorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return r.clip, r.stopErr
}

func (r *fakeRecorder) Discard(clip audio.Clip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, clip.ID)
}

func (r *fakeRecorder) discards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.discarded...)
}

type reply struct {
	res oracle.Result
	err error
}

// fakeOracle hands each call to the test and waits for its reply. With
// ignoreCancel set it keeps waiting after the call's context ends, like a
// slow service that answers late.
type fakeOracle struct {
	calls        chan audio.Clip
	replies      chan reply
	ignoreCancel bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		calls:   make(chan audio.Clip, 16),
		replies: make(chan reply, 16),
	}
}

func (o *fakeOracle) Recognize(ctx context.Context, clip audio.Clip) (oracle.Result, error) {
	o.calls <- clip
	if o.ignoreCancel {
		r := <-o.replies
		return r.res, r.err
	}
	select {
	case r := <-o.replies:
		return r.res, r.err
	case <-ctx.Done():
		return oracle.Result{}, ctx.Err()
	}
}

func (o *fakeOracle) answer(detected string, candidates ...string) {
	o.replies <- reply{res: oracle.Result{Detected: detected, Candidates: candidates}}
}

// --- harness ---

type harness struct {
	s      *Session
	player *fakePlayer
	rec    *fakeRecorder
	oracle *fakeOracle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		player: &fakePlayer{},
		rec:    &fakeRecorder{clip: audio.Clip{ID: "take-1", Path: "/tmp/take-1.wav"}},
		oracle: newFakeOracle(),
	}
	h.s = New("s1", Deps{
		Player:   h.player,
		Recorder: h.rec,
		Oracle:   h.oracle,
		Matcher:  chord.Matcher{},
	}, Config{TickInterval: tick})
	t.Cleanup(h.s.Cancel)
	return h
}

// fourChords is C G Am F, four seconds each.
func fourChords() []timeline.ChordSpan {
	return []timeline.ChordSpan{
		{Start: 0, End: 4, Label: "C"},
		{Start: 4, End: 8, Label: "G"},
		{Start: 8, End: 12, Label: "Am"},
		{Start: 12, End: 16, Label: "F"},
	}
}

// sixChords has checkpoints at index 2 (G) and index 4 (Em) under stride 2.
func sixChords() []timeline.ChordSpan {
	return []timeline.ChordSpan{
		{Start: 0, End: 2, Label: "C"},
		{Start: 2, End: 4, Label: "Am"},
		{Start: 4, End: 6, Label: "G"},
		{Start: 6, End: 8, Label: "D"},
		{Start: 8, End: 10, Label: "Em"},
		{Start: 10, End: 12, Label: "C"},
	}
}

func (h *harness) start(t *testing.T, spans []timeline.ChordSpan) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background(), Lesson{ID: "lesson", Track: "track.mp3", Spans: spans}))
	require.Equal(t, Playing, h.s.Phase())
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.Phase() == want },
		waitFor, tick, "phase never became %s (now %s)", want, h.s.Phase())
}

func (h *harness) waitIndex(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.Snapshot().CurrentIndex == want },
		waitFor, tick, "index never reached %d", want)
}

// reachCheckpoint plays up to pos and waits for the learner prompt.
func (h *harness) reachCheckpoint(t *testing.T, pos float64) {
	t.Helper()
	h.player.seek(pos)
	h.waitPhase(t, WaitingForUser)
}

// submit sends a clip and waits until the oracle has it.
func (h *harness) submit(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.SubmitRecording(audio.Clip{ID: "upload", Path: "/tmp/upload.wav"}))
	select {
	case <-h.oracle.calls:
	case <-time.After(waitFor):
		t.Fatal("oracle was never called")
	}
}

func drain(t *testing.T, s *Session, ch <-chan Event) []Event {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- scenarios ---

func TestStrideTwoPausesOnceOnFourChords(t *testing.T) {
	h := newHarness(t)
	l := h.s.Subscribe()
	h.start(t, fourChords())

	h.player.seek(4.1)
	h.waitIndex(t, 1)
	assert.Equal(t, Playing, h.s.Phase())

	h.reachCheckpoint(t, 8.2)
	st := h.s.Snapshot()
	assert.Equal(t, 2, st.CurrentIndex)
	assert.Equal(t, "Am", st.ExpectedChord)
	assert.Equal(t, 0, st.Attempt)
	pauses, _, _ := h.player.counts()
	assert.Equal(t, 1, pauses)

	h.submit(t)
	h.oracle.answer("Am")
	h.waitPhase(t, Playing)

	h.player.seek(12.5)
	h.waitIndex(t, 3)
	assert.Equal(t, Playing, h.s.Phase())
	h.player.finish()
	h.waitPhase(t, Finished)

	events := drain(t, h.s, l.C)
	cps := ofType(events, EventCheckpoint)
	require.Len(t, cps, 1)
	assert.Equal(t, 2, cps[0].Index)
	assert.Equal(t, "Am", cps[0].Chord)

	var advances []int
	for _, ev := range ofType(events, EventAdvance) {
		advances = append(advances, ev.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, advances)
	require.Len(t, ofType(events, EventFinished), 1)
	assert.Equal(t, 1.0, ofType(events, EventFinished)[0].Accuracy)

	_, _, releases := h.player.counts()
	assert.Equal(t, 1, releases)
	assert.NoError(t, h.s.Err())
}

func TestMatchIgnoresCase(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)
	require.Equal(t, "G", h.s.Snapshot().ExpectedChord)

	h.submit(t)
	h.oracle.answer("g")
	h.waitPhase(t, Playing)

	out := h.s.Progress().Outcomes()
	require.Len(t, out, 1)
	assert.True(t, out[0].IsMatch)
	assert.Equal(t, "g", out[0].Detected)
	assert.Equal(t, 0, h.s.Snapshot().Attempt)
}

func TestMatchFallsBackToCandidates(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.submit(t)
	h.oracle.answer("D", "G", "D")
	h.waitPhase(t, Playing)

	out := h.s.Progress().Outcomes()
	require.Len(t, out, 1)
	assert.True(t, out[0].IsMatch)
	assert.Equal(t, []string{"G", "D"}, out[0].Candidates)
}

func TestMismatchRetriesAndAppends(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.submit(t)
	h.oracle.answer("D", "D", "Bm")
	h.waitPhase(t, WaitingForUser)
	assert.Equal(t, 1, h.s.Snapshot().Attempt)

	// no chord heard is a verdict too
	h.submit(t)
	h.oracle.answer("")
	require.Eventually(t, func() bool { return h.s.Snapshot().Attempt == 2 }, waitFor, tick)
	assert.Equal(t, WaitingForUser, h.s.Phase())

	h.submit(t)
	h.oracle.answer("G")
	h.waitPhase(t, Playing)

	out := h.s.Progress().Outcomes()
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].Attempt, out[1].Attempt, out[2].Attempt})
	assert.Equal(t, []bool{false, false, true}, []bool{out[0].IsMatch, out[1].IsMatch, out[2].IsMatch})
	assert.Equal(t, 1, h.s.Progress().CorrectCount())
	assert.Equal(t, 0, h.s.Snapshot().Attempt)
	require.NotNil(t, h.s.Snapshot().LastVerdict)
	assert.True(t, h.s.Snapshot().LastVerdict.IsMatch)
}

func TestOracleErrorIsRecoverable(t *testing.T) {
	h := newHarness(t)
	l := h.s.Subscribe()
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.submit(t)
	h.oracle.replies <- reply{err: oracle.ErrService}
	h.waitPhase(t, WaitingForUser)

	assert.Equal(t, 0, h.s.Snapshot().Attempt)
	assert.Empty(t, h.s.Progress().Outcomes())
	assert.NoError(t, h.s.Err())

	h.s.Cancel()
	errs := ofType(drain(t, h.s, l.C), EventError)
	require.GreaterOrEqual(t, len(errs), 2)
	assert.False(t, errs[0].Fatal)
	assert.Contains(t, errs[0].Error, ErrOracle.Error())
	assert.True(t, errs[len(errs)-1].Fatal)
}

func TestCancelWhileDetectingDiscardsLateResponse(t *testing.T) {
	h := newHarness(t)
	h.oracle.ignoreCancel = true
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.submit(t)
	require.Equal(t, Detecting, h.s.Phase())

	h.s.Cancel()
	assert.Equal(t, Aborted, h.s.Phase())
	assert.ErrorIs(t, h.s.Err(), ErrCancelled)

	h.oracle.answer("G")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, Aborted, h.s.Phase())
	assert.Empty(t, h.s.Progress().Outcomes())
	assert.Equal(t, []string{"upload"}, h.rec.discards())
	_, resumes, releases := h.player.counts()
	assert.Equal(t, 1, resumes)
	assert.Equal(t, 1, releases)
}

func TestStaleTokenIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)
	h.submit(t)

	h.s.resolve(recognition{token: 999, result: oracle.Result{Detected: "G"}})
	assert.Equal(t, Detecting, h.s.Phase())
	assert.Empty(t, h.s.Progress().Outcomes())

	h.oracle.answer("G")
	h.waitPhase(t, Playing)
}

func TestConcurrentSubmissionRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)
	h.submit(t)

	err := h.s.SubmitRecording(audio.Clip{ID: "again", Path: "/tmp/again.wav"})
	assert.ErrorIs(t, err, ErrConcurrentSubmission)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Fatal())
	assert.Equal(t, Detecting, h.s.Phase())
	assert.Equal(t, "upload", h.s.Snapshot().PendingClip)
	assert.Len(t, h.oracle.calls, 0)

	h.oracle.answer("G")
	h.waitPhase(t, Playing)
}

func TestInvalidTimelineAborts(t *testing.T) {
	h := newHarness(t)
	err := h.s.Start(context.Background(), Lesson{Track: "t.mp3", Spans: []timeline.ChordSpan{
		{Start: 4, End: 8, Label: "G"},
		{Start: 0, End: 4, Label: "C"},
	}})
	assert.ErrorIs(t, err, ErrInvalidTimeline)
	assert.Equal(t, Aborted, h.s.Phase())
	assert.Zero(t, h.player.loads)
	<-h.s.Done()
}

func TestLoadErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.player.loadErr = errors.New("no such file")

	err := h.s.Start(context.Background(), Lesson{Track: "missing.mp3", Spans: fourChords()})
	assert.ErrorIs(t, err, ErrLoad)
	assert.Equal(t, Aborted, h.s.Phase())
	assert.ErrorIs(t, h.s.Err(), ErrLoad)
	_, _, releases := h.player.counts()
	assert.Zero(t, releases)
}

func TestPauseFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.player.pauseErr = errors.New("device gone")
	h.start(t, fourChords())

	h.player.seek(8.5)
	h.waitPhase(t, Aborted)
	assert.ErrorIs(t, h.s.Err(), ErrPlayback)
	_, _, releases := h.player.counts()
	assert.Equal(t, 1, releases)
}

func TestResumeFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.start(t, fourChords())
	h.reachCheckpoint(t, 8.5)

	h.player.mu.Lock()
	h.player.resumeErr = errors.New("device gone")
	h.player.mu.Unlock()

	h.submit(t)
	h.oracle.answer("Am")
	h.waitPhase(t, Aborted)
	assert.ErrorIs(t, h.s.Err(), ErrPlayback)
	assert.Len(t, h.s.Progress().Outcomes(), 1)
}

func TestRecordingFlow(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	assert.ErrorIs(t, h.s.StopRecording(), ErrWrongPhase)

	require.NoError(t, h.s.StartRecording())
	assert.Equal(t, Recording, h.s.Phase())
	require.NoError(t, h.s.StopRecording())
	assert.Equal(t, Detecting, h.s.Phase())

	clip := <-h.oracle.calls
	assert.Equal(t, "take-1", clip.ID)
	h.oracle.answer("G")
	h.waitPhase(t, Playing)
}

func TestEmptyTakeCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	h.rec.clip = audio.Clip{}
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	require.NoError(t, h.s.StartRecording())
	assert.ErrorIs(t, h.s.StopRecording(), ErrNoAudio)
	assert.Equal(t, WaitingForUser, h.s.Phase())
	assert.Equal(t, 1, h.s.Snapshot().Attempt)
	assert.Empty(t, h.s.Progress().Outcomes())
}

func TestRecorderErrorsKeepWaiting(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.rec.startErr = errors.New("mic busy")
	err := h.s.StartRecording()
	assert.ErrorIs(t, err, ErrRecorder)
	assert.Equal(t, WaitingForUser, h.s.Phase())

	h.rec.startErr = nil
	h.rec.stopErr = errors.New("write failed")
	require.NoError(t, h.s.StartRecording())
	assert.ErrorIs(t, h.s.StopRecording(), ErrRecorder)
	assert.Equal(t, WaitingForUser, h.s.Phase())
	assert.Equal(t, 0, h.s.Snapshot().Attempt)
	assert.NoError(t, h.s.Err())
}

func TestResumeAfterMatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)
	assert.ErrorIs(t, h.s.ResumeAfterMatch(), ErrWrongPhase)

	h.submit(t)
	h.oracle.answer("G")
	h.waitPhase(t, Playing)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.s.ResumeAfterMatch())
		assert.Equal(t, Playing, h.s.Phase())
		assert.Equal(t, 0, h.s.Snapshot().Attempt)
	}
	h.s.mu.Lock()
	running := h.s.tracker.Running()
	h.s.mu.Unlock()
	assert.True(t, running)

	// the tracker is live: the next checkpoint still fires
	h.reachCheckpoint(t, 8.5)
	assert.Equal(t, "Em", h.s.Snapshot().ExpectedChord)
}

func TestAllMatchesRunToFinished(t *testing.T) {
	h := newHarness(t)
	l := h.s.Subscribe()
	h.start(t, sixChords())

	for _, cp := range []struct {
		pos   float64
		chord string
	}{{4.5, "G"}, {8.5, "Em"}} {
		h.reachCheckpoint(t, cp.pos)
		require.Equal(t, cp.chord, h.s.Snapshot().ExpectedChord)
		h.submit(t)
		h.oracle.answer(cp.chord)
		h.waitPhase(t, Playing)
	}

	h.player.seek(11.9)
	h.waitIndex(t, 5)
	h.player.finish()

	events := drain(t, h.s, l.C)
	assert.Equal(t, Finished, h.s.Phase())
	assert.NoError(t, h.s.Err())
	for _, ev := range events {
		assert.NotEqual(t, Aborted, ev.Phase)
	}
	assert.Equal(t, 1.0, h.s.Progress().AccuracyForSequence())
}

func TestJumpDoesNotSkipCheckpoints(t *testing.T) {
	h := newHarness(t)
	l := h.s.Subscribe()
	h.start(t, sixChords())

	// one tick crosses both checkpoints
	h.reachCheckpoint(t, 10.5)
	assert.Equal(t, 2, h.s.Snapshot().CurrentIndex)

	h.submit(t)
	h.oracle.answer("G")
	require.Eventually(t, func() bool {
		st := h.s.Snapshot()
		return st.Phase == WaitingForUser && st.CurrentIndex == 4
	}, waitFor, tick)
	assert.Equal(t, "Em", h.s.Snapshot().ExpectedChord)

	h.s.Cancel()
	cps := ofType(drain(t, h.s, l.C), EventCheckpoint)
	require.Len(t, cps, 2)
	assert.Equal(t, []int{2, 4}, []int{cps[0].Index, cps[1].Index})
}

func TestLessonPolicyOverridesDefault(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), Lesson{
		Track:  "t.mp3",
		Spans:  fourChords(),
		Policy: checkpoint.NewIndices(1),
	}))
	h.reachCheckpoint(t, 4.5)
	assert.Equal(t, "G", h.s.Snapshot().ExpectedChord)
}

func TestUserTimeoutEmitsReminder(t *testing.T) {
	h := newHarness(t)
	l := h.s.Subscribe()
	require.NoError(t, h.s.Start(context.Background(), Lesson{
		Track:       "t.mp3",
		Spans:       sixChords(),
		UserTimeout: 10 * time.Millisecond,
	}))
	h.reachCheckpoint(t, 4.5)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, WaitingForUser, h.s.Phase())

	h.s.Cancel()
	reminders := ofType(drain(t, h.s, l.C), EventReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, "G", reminders[0].Chord)
}

func TestCancelStopsRecording(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)
	require.NoError(t, h.s.StartRecording())

	h.s.Cancel()
	h.s.Cancel()
	assert.Equal(t, Aborted, h.s.Phase())
	assert.Equal(t, 1, h.rec.stops)
	assert.Equal(t, []string{"take-1"}, h.rec.discards())
	_, _, releases := h.player.counts()
	assert.Equal(t, 1, releases)
}

func TestWrongPhaseOperations(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.s.StartRecording(), ErrWrongPhase)
	assert.ErrorIs(t, h.s.SubmitRecording(audio.Clip{ID: "x", Path: "x"}), ErrWrongPhase)
	assert.Equal(t, []string{"x"}, h.rec.discards())

	h.start(t, fourChords())
	assert.ErrorIs(t, h.s.Start(context.Background(), Lesson{Spans: fourChords()}), ErrWrongPhase)
	assert.ErrorIs(t, h.s.StartRecording(), ErrWrongPhase)
}

func TestCancelFromIdle(t *testing.T) {
	h := newHarness(t)
	h.s.Cancel()
	assert.Equal(t, Aborted, h.s.Phase())
	select {
	case <-h.s.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
	assert.ErrorIs(t, h.s.Start(context.Background(), Lesson{Spans: fourChords()}), ErrWrongPhase)
}

func TestClipsDiscardedOnceUsed(t *testing.T) {
	h := newHarness(t)
	h.start(t, sixChords())
	h.reachCheckpoint(t, 4.5)

	h.submit(t)
	assert.Empty(t, h.rec.discards(), "clip discarded while being recognized")

	err := h.s.SubmitRecording(audio.Clip{ID: "again", Path: "/tmp/again.wav"})
	require.ErrorIs(t, err, ErrConcurrentSubmission)
	assert.Equal(t, []string{"again"}, h.rec.discards())

	h.oracle.answer("D")
	h.waitPhase(t, WaitingForUser)
	assert.Equal(t, []string{"again", "upload"}, h.rec.discards())

	// a take replaced by an upload is thrown away with it
	require.NoError(t, h.s.StartRecording())
	h.submit(t)
	h.oracle.answer("G")
	h.waitPhase(t, Playing)
	assert.Equal(t, []string{"again", "upload", "take-1", "upload"}, h.rec.discards())
}
