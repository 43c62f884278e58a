package session

import (
	"time"

	"github.com/satindergrewal/chordsync/internal/progress"
)

// EventType names what happened in a session.
type EventType string

const (
	EventPhase      EventType = "phase"
	EventAdvance    EventType = "advance"
	EventCheckpoint EventType = "checkpoint"
	EventOutcome    EventType = "outcome"
	EventError      EventType = "error"
	EventReminder   EventType = "reminder"
	EventFinished   EventType = "finished"
)

// Event is published to session subscribers. Fields not relevant to Type
// are left zero.
type Event struct {
	Type     EventType         `json:"type"`
	Session  string            `json:"session"`
	Phase    Phase             `json:"phase"`
	Index    int               `json:"index"`
	Chord    string            `json:"chord,omitempty"`
	Position float64           `json:"position,omitempty"`
	Outcome  *progress.Outcome `json:"outcome,omitempty"`
	Error    string            `json:"error,omitempty"`
	Fatal    bool              `json:"fatal,omitempty"`
	Accuracy float64           `json:"accuracy,omitempty"`
	At       time.Time         `json:"at"`
}

// State is a point-in-time copy of a session.
type State struct {
	ID             string            `json:"id"`
	Lesson         string            `json:"lesson,omitempty"`
	Phase          Phase             `json:"phase"`
	CurrentIndex   int               `json:"current_index"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
	ExpectedChord  string            `json:"expected_chord,omitempty"`
	PendingClip    string            `json:"pending_clip,omitempty"`
	LastVerdict    *progress.Outcome `json:"last_verdict,omitempty"`
	Attempt        int               `json:"attempt"`
	Correct        int               `json:"correct"`
	Total          int               `json:"total"`
	Accuracy       float64           `json:"accuracy"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at,omitzero"`
}
