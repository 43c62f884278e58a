package session

import (
	"errors"
	"fmt"

	"github.com/satindergrewal/chordsync/internal/timeline"
)

// Kind classifies session errors.
type Kind uint8

const (
	KindLoad Kind = iota + 1
	KindPlayback
	KindRecorder
	KindOracle
	KindConcurrentSubmission
	KindInvalidTimeline
	KindCancelled
)

var (
	ErrLoad                 = errors.New("load error")
	ErrPlayback             = errors.New("playback error")
	ErrRecorder             = errors.New("recorder error")
	ErrOracle               = errors.New("oracle error")
	ErrConcurrentSubmission = errors.New("submission already in flight")
	ErrInvalidTimeline      = timeline.ErrInvalid
	ErrCancelled            = errors.New("session cancelled")

	// ErrWrongPhase is returned for operations the current phase does not accept.
	ErrWrongPhase = errors.New("session: operation not allowed in current phase")
	// ErrNoAudio is returned when a take captured nothing. It counts as an attempt.
	ErrNoAudio = errors.New("session: recording captured no audio")
)

var kindSentinels = map[Kind]error{
	KindLoad:                 ErrLoad,
	KindPlayback:             ErrPlayback,
	KindRecorder:             ErrRecorder,
	KindOracle:               ErrOracle,
	KindConcurrentSubmission: ErrConcurrentSubmission,
	KindInvalidTimeline:      ErrInvalidTimeline,
	KindCancelled:            ErrCancelled,
}

func (k Kind) String() string {
	if err, ok := kindSentinels[k]; ok {
		return err.Error()
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	switch k {
	case KindLoad, KindPlayback, KindInvalidTimeline, KindCancelled:
		return true
	}
	return false
}

// Error is a classified session failure. errors.Is matches both the kind's
// sentinel and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("session: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Fatal reports whether the error ended the session.
func (e *Error) Fatal() bool { return e.Kind.Fatal() }
