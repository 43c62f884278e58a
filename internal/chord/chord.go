// Package chord compares chord labels the way a learner would hear them:
// case, enharmonic spelling and quality spelling do not matter.
package chord

import (
	"sort"
	"strings"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var rootPitch = map[byte]int{'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11}

// Matcher reports whether a detected chord satisfies an expected one.
type Matcher struct{}

// Equivalent reports whether expected and actual name the same chord.
// An empty or no-chord actual never matches.
func (Matcher) Equivalent(expected, actual string) bool {
	e, ok := Normalize(expected)
	if !ok {
		return false
	}
	a, ok := Normalize(actual)
	if !ok {
		return false
	}
	return e == a
}

// Normalize returns the canonical spelling of label: sharp-spelled root,
// "m" for minor, nothing for major, extensions lowercased. Labels are
// lowercased before parsing, so "CM" reads as C minor. ok is false for
// empty, "N" and unparseable labels.
func Normalize(label string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.NewReplacer("♯", "#", "♭", "b", " ", "").Replace(s)
	if s == "" || s == "n" {
		return "", false
	}

	var bass string
	if i := strings.IndexByte(s, '/'); i >= 0 {
		name, rest, ok := parseNote(s[i+1:])
		if !ok || rest != "" {
			return "", false
		}
		bass = "/" + name
		s = s[:i]
	}

	root, rest, ok := parseNote(s)
	if !ok {
		return "", false
	}
	return root + quality(strings.TrimPrefix(rest, ":")) + bass, true
}

// parseNote reads a root letter and any accidentals and returns the sharp
// spelling plus the unparsed remainder.
func parseNote(s string) (string, string, bool) {
	if s == "" {
		return "", "", false
	}
	pc, ok := rootPitch[s[0]]
	if !ok {
		return "", "", false
	}
	i := 1
	for ; i < len(s); i++ {
		switch s[i] {
		case '#':
			pc++
		case 'b':
			pc--
		default:
			return noteNames[(pc%12+12)%12], s[i:], true
		}
	}
	return noteNames[(pc%12+12)%12], "", true
}

func quality(q string) string {
	switch {
	case q == "", q == "maj", q == "major":
		return ""
	case q == "m", q == "min", q == "minor":
		return "m"
	case strings.HasPrefix(q, "maj"):
		return q
	case strings.HasPrefix(q, "min"):
		return "m" + strings.TrimPrefix(q, "min")
	default:
		return q
	}
}

// FromPitches names the triad formed by MIDI pitches, preferring the bass
// note as root. Anything that is not a major or minor triad is named after
// its lowest note. Returns "" for no pitches.
func FromPitches(pitches []uint8) string {
	if len(pitches) == 0 {
		return ""
	}
	sorted := make([]uint8, len(pitches))
	copy(sorted, pitches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var set [12]bool
	for _, p := range sorted {
		set[p%12] = true
	}

	bass := int(sorted[0] % 12)
	roots := []int{bass}
	for pc := 0; pc < 12; pc++ {
		if set[pc] && pc != bass {
			roots = append(roots, pc)
		}
	}
	for _, r := range roots {
		if !set[(r+7)%12] {
			continue
		}
		if set[(r+4)%12] {
			return noteNames[r]
		}
		if set[(r+3)%12] {
			return noteNames[r] + "m"
		}
	}
	return noteNames[bass]
}
