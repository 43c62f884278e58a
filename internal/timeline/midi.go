package timeline

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/satindergrewal/chordsync/internal/chord"
)

type noteEvent struct {
	at  float64 // seconds
	key uint8
	off bool
}

type change struct {
	at    float64
	label string // "" when nothing is held
}

// FromMIDI reads a Standard MIDI File and derives chord spans from the notes
// held at each onset. Every track is merged, so a single accompaniment track
// or a full arrangement both work.
func FromMIDI(r io.Reader) (spans []ChordSpan, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read midi: %w", err)
	}

	// smf panics on some malformed files.
	defer func() {
		if p := recover(); p != nil {
			spans, err = nil, fmt.Errorf("parse midi: %v", p)
		}
	}()

	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse midi: %w", err)
	}

	var events []noteEvent
	for _, track := range s.Tracks {
		var absTicks int64
		for _, ev := range track {
			absTicks += int64(ev.Delta)
			var channel, key, velocity uint8
			switch {
			case ev.Message.GetNoteOn(&channel, &key, &velocity):
				events = append(events, noteEvent{
					at:  float64(s.TimeAt(absTicks)) / 1e6,
					key: key,
					off: velocity == 0,
				})
			case ev.Message.GetNoteOff(&channel, &key, &velocity):
				events = append(events, noteEvent{
					at:  float64(s.TimeAt(absTicks)) / 1e6,
					key: key,
					off: true,
				})
			}
		}
	}
	return spansFromNotes(events), nil
}

// spansFromNotes folds note events into chord changes and then into spans.
func spansFromNotes(events []noteEvent) []ChordSpan {
	// earlier first, releases before presses at the same instant
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].off && !events[j].off
	})

	held := make(map[uint8]int)
	var changes []change
	for i, ev := range events {
		if ev.off {
			if held[ev.key] > 1 {
				held[ev.key]--
			} else {
				delete(held, ev.key)
			}
		} else {
			held[ev.key]++
		}
		if i+1 < len(events) && events[i+1].at == ev.at {
			continue
		}
		keys := make([]uint8, 0, len(held))
		for k := range held {
			keys = append(keys, k)
		}
		changes = append(changes, change{at: ev.at, label: chord.FromPitches(keys)})
	}
	return spansFromChanges(changes)
}

func spansFromChanges(changes []change) []ChordSpan {
	var spans []ChordSpan
	var open *ChordSpan
	for _, c := range changes {
		if open != nil && c.label == open.Label {
			continue
		}
		if open != nil {
			open.End = c.at
			if open.End > open.Start {
				spans = append(spans, *open)
			}
			open = nil
		}
		if c.label != "" {
			open = &ChordSpan{Start: c.at, Label: c.label}
		}
	}
	// a chord still held when the file ends has no known end
	return spans
}
