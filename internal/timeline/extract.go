package timeline

// NoChord is the label chord extraction uses for silence or unpitched audio.
const NoChord = "N"

// Extracted is one item of a chord extraction result as returned by the
// recognition service's extract-chords endpoint.
type Extracted struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	MajMin string  `json:"chord_majmin"`
}

// FromExtraction converts extraction output to spans. No-chord items are
// dropped, consecutive items with the same label are merged and items that
// overlap their predecessor are clipped to start where it ends.
func FromExtraction(items []Extracted) []ChordSpan {
	var spans []ChordSpan
	for _, it := range items {
		if it.MajMin == "" || it.MajMin == NoChord {
			continue
		}
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last.Label == it.MajMin && it.Start <= last.End {
				if it.End > last.End {
					last.End = it.End
				}
				continue
			}
			if it.Start < last.End {
				it.Start = last.End
			}
		}
		if it.End <= it.Start {
			continue
		}
		spans = append(spans, ChordSpan{Start: it.Start, End: it.End, Label: it.MajMin})
	}
	return spans
}
