// Package timeline holds the chord timeline of a backing track: an immutable,
// ordered list of chord spans with position-to-index queries.
package timeline

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned when spans are empty, unsorted, or overlapping.
var ErrInvalid = errors.New("invalid timeline")

// ChordSpan is one chord held over [Start, End) seconds of the track.
type ChordSpan struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
	Label string  `json:"chord" yaml:"chord"`
}

// Timeline is read-only after Load and safe for concurrent use.
type Timeline struct {
	spans []ChordSpan
}

// Load validates spans and builds a Timeline. The slice is copied.
func Load(spans []ChordSpan) (*Timeline, error) {
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no chord spans", ErrInvalid)
	}
	for i, s := range spans {
		if s.Label == "" {
			return nil, fmt.Errorf("%w: span %d has no chord label", ErrInvalid, i)
		}
		if s.Start < 0 || s.Start >= s.End {
			return nil, fmt.Errorf("%w: span %d has start %.3f >= end %.3f", ErrInvalid, i, s.Start, s.End)
		}
		if i == 0 {
			continue
		}
		prev := spans[i-1]
		if s.Start < prev.Start {
			return nil, fmt.Errorf("%w: span %d starts before span %d", ErrInvalid, i, i-1)
		}
		if s.Start < prev.End {
			return nil, fmt.Errorf("%w: span %d overlaps span %d", ErrInvalid, i, i-1)
		}
	}
	cp := make([]ChordSpan, len(spans))
	copy(cp, spans)
	return &Timeline{spans: cp}, nil
}

// IndexAt walks forward from `from` while the next span has already started
// at t and returns the last started index. It returns -1 while t precedes the
// first span. The walk never moves backward, so the result is monotonic for
// non-decreasing t as long as callers feed back the previous result.
func (tl *Timeline) IndexAt(t float64, from int) int {
	if from < -1 {
		from = -1
	}
	if from >= len(tl.spans) {
		from = len(tl.spans) - 1
	}
	for from+1 < len(tl.spans) && t >= tl.spans[from+1].Start {
		from++
	}
	return from
}

// Len returns the number of spans.
func (tl *Timeline) Len() int {
	return len(tl.spans)
}

// SpanAt returns the span at index i. It panics when i is out of range, like
// a slice index.
func (tl *Timeline) SpanAt(i int) ChordSpan {
	return tl.spans[i]
}

// IsLast reports whether i is the final span.
func (tl *Timeline) IsLast(i int) bool {
	return i == len(tl.spans)-1
}

// Spans returns a copy of the spans.
func (tl *Timeline) Spans() []ChordSpan {
	cp := make([]ChordSpan, len(tl.spans))
	copy(cp, tl.spans)
	return cp
}

// Duration is the end of the last span in seconds.
func (tl *Timeline) Duration() float64 {
	return tl.spans[len(tl.spans)-1].End
}
