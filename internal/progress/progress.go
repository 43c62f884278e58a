// Package progress keeps the append-only log of chord verification outcomes
// for a practice session.
package progress

import (
	"sync"
	"time"
)

// Outcome is the verdict for one recorded attempt. Detected is "" when the
// recognizer heard no chord.
type Outcome struct {
	Index      int       `json:"index"`
	Expected   string    `json:"expected_chord"`
	Detected   string    `json:"detected_chord,omitempty"`
	Candidates []string  `json:"candidate_chords"`
	IsMatch    bool      `json:"is_match"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

// ChordSummary aggregates the outcomes for one expected chord.
type ChordSummary struct {
	Chord    string `json:"chord"`
	Attempts int    `json:"attempts"`
	Correct  int    `json:"correct"`
}

// Log is an append-only, concurrency-safe outcome log. Every attempt is
// appended, retries included; earlier entries are never rewritten.
type Log struct {
	mu       sync.RWMutex
	outcomes []Outcome
}

// Append records an outcome. Candidates are copied so callers cannot mutate
// a logged entry.
func (l *Log) Append(o Outcome) {
	o.Candidates = append([]string(nil), o.Candidates...)
	l.mu.Lock()
	l.outcomes = append(l.outcomes, o)
	l.mu.Unlock()
}

// Outcomes returns a copy of the log in append order.
func (l *Log) Outcomes() []Outcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Outcome, len(l.outcomes))
	for i, o := range l.outcomes {
		o.Candidates = append([]string(nil), o.Candidates...)
		out[i] = o
	}
	return out
}

// CorrectCount is the number of matching attempts.
func (l *Log) CorrectCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, o := range l.outcomes {
		if o.IsMatch {
			n++
		}
	}
	return n
}

// TotalAttempts is the number of logged attempts.
func (l *Log) TotalAttempts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.outcomes)
}

// AccuracyForSequence is CorrectCount / TotalAttempts, or 0 for an empty log.
func (l *Log) AccuracyForSequence() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.outcomes) == 0 {
		return 0
	}
	n := 0
	for _, o := range l.outcomes {
		if o.IsMatch {
			n++
		}
	}
	return float64(n) / float64(len(l.outcomes))
}

// ByChord summarizes attempts per expected chord, in order of first appearance.
func (l *Log) ByChord() []ChordSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos := make(map[string]int)
	var out []ChordSummary
	for _, o := range l.outcomes {
		i, ok := pos[o.Expected]
		if !ok {
			i = len(out)
			pos[o.Expected] = i
			out = append(out, ChordSummary{Chord: o.Expected})
		}
		out[i].Attempts++
		if o.IsMatch {
			out[i].Correct++
		}
	}
	return out
}
