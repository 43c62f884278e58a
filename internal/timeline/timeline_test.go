package timeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fourChords() []ChordSpan {
	return []ChordSpan{
		{0, 4, "C"},
		{4, 8, "G"},
		{8, 12, "Am"},
		{12, 16, "F"},
	}
}

func TestLoadRejectsMalformedSpans(t *testing.T) {
	tests := []struct {
		name  string
		spans []ChordSpan
	}{
		{"empty", nil},
		{"unsorted", []ChordSpan{{4, 8, "G"}, {0, 4, "C"}}},
		{"overlapping", []ChordSpan{{0, 5, "C"}, {4, 8, "G"}}},
		{"zero length", []ChordSpan{{0, 0, "C"}}},
		{"inverted", []ChordSpan{{3, 1, "C"}}},
		{"negative start", []ChordSpan{{-1, 1, "C"}}},
		{"missing label", []ChordSpan{{0, 1, ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl, err := Load(tt.spans)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() err = %v, want ErrInvalid", err)
			}
			if tl != nil {
				t.Errorf("Load() returned a timeline alongside an error")
			}
		})
	}
}

func TestLoadAllowsGaps(t *testing.T) {
	tl, err := Load([]ChordSpan{{1, 2, "C"}, {3, 4, "G"}})
	require.NoError(t, err)
	assert.Equal(t, 2, tl.Len())
	assert.Equal(t, 4.0, tl.Duration())
}

func TestLoadCopiesInput(t *testing.T) {
	spans := fourChords()
	tl, err := Load(spans)
	require.NoError(t, err)
	spans[0].Label = "X"
	assert.Equal(t, "C", tl.SpanAt(0).Label)

	out := tl.Spans()
	out[1].Label = "Y"
	assert.Equal(t, "G", tl.SpanAt(1).Label)
}

func TestIndexAt(t *testing.T) {
	tl, err := Load([]ChordSpan{{1, 4, "C"}, {4, 8, "G"}, {8, 12, "Am"}, {12, 16, "F"}})
	require.NoError(t, err)

	tests := []struct {
		t    float64
		from int
		want int
	}{
		{0, -1, -1},
		{0.99, -1, -1},
		{1, -1, 0},
		{3.9, 0, 0},
		{4, 0, 1},
		{12.5, 0, 3},
		{100, -1, 3},
		{5, 2, 2}, // never moves backward
		{5, 7, 3}, // clamped
	}
	for _, tt := range tests {
		if got := tl.IndexAt(tt.t, tt.from); got != tt.want {
			t.Errorf("IndexAt(%v, %d) = %d, want %d", tt.t, tt.from, got, tt.want)
		}
	}
}

func TestIndexAtMonotonic(t *testing.T) {
	tl, err := Load(fourChords())
	require.NoError(t, err)

	idx := -1
	for i := 0; i <= 1700; i++ {
		pos := float64(i) / 100
		next := tl.IndexAt(pos, idx)
		if next < idx {
			t.Fatalf("IndexAt(%v) moved backward: %d -> %d", pos, idx, next)
		}
		idx = next
	}
	assert.Equal(t, 3, idx)
}

func TestSpanQueries(t *testing.T) {
	tl, err := Load(fourChords())
	require.NoError(t, err)

	assert.Equal(t, 4, tl.Len())
	assert.Equal(t, ChordSpan{8, 12, "Am"}, tl.SpanAt(2))
	assert.False(t, tl.IsLast(2))
	assert.True(t, tl.IsLast(3))
	assert.Equal(t, 16.0, tl.Duration())
}

func TestFromExtraction(t *testing.T) {
	got := FromExtraction([]Extracted{
		{0, 0.5, "N"},
		{0.5, 2, "C"},
		{2, 3, "C"},
		{2.9, 5, "G"},
		{5, 5, "Am"},
		{5, 6, ""},
		{6, 8, "F"},
	})
	want := []ChordSpan{
		{0.5, 3, "C"},
		{3, 5, "G"},
		{6, 8, "F"},
	}
	assert.Equal(t, want, got)

	_, err := Load(got)
	assert.NoError(t, err)
}

func TestSpansFromNotes(t *testing.T) {
	on := func(at float64, key uint8) noteEvent { return noteEvent{at: at, key: key} }
	off := func(at float64, key uint8) noteEvent { return noteEvent{at: at, key: key, off: true} }

	events := []noteEvent{
		// C major, 0-2s
		on(0, 60), on(0, 64), on(0, 67),
		off(2, 60), off(2, 64), off(2, 67),
		// A minor, 2-4s
		on(2, 57), on(2, 60), on(2, 64),
		// melody note on top doesn't change the chord
		on(3, 72), off(3.5, 72),
		off(4, 57), off(4, 60), off(4, 64),
		// silence, then G major 5-6s
		on(5, 55), on(5, 59), on(5, 62),
		off(6, 55), off(6, 59), off(6, 62),
	}

	got := spansFromNotes(events)
	want := []ChordSpan{
		{0, 2, "C"},
		{2, 4, "Am"},
		{5, 6, "G"},
	}
	assert.Equal(t, want, got)
}

func TestFromMIDIRejectsGarbage(t *testing.T) {
	_, err := FromMIDI(bytes.NewReader([]byte("definitely not a midi file")))
	assert.Error(t, err)
}
