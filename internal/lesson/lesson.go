// Package lesson loads practice lessons: a backing track, its chord timeline
// and the checkpoint rule, described in YAML or JSON files.
package lesson

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/chordsync/internal/checkpoint"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

// ErrNotFound is returned for unknown lesson ids.
var ErrNotFound = errors.New("lesson: not found")

// Lesson is one practice piece. Chords can be listed inline or taken from a
// MIDI file next to the lesson.
type Lesson struct {
	ID          string               `json:"id" yaml:"id"`
	Title       string               `json:"title" yaml:"title"`
	Track       string               `json:"track" yaml:"track"`
	MIDI        string               `json:"midi,omitempty" yaml:"midi,omitempty"`
	Stride      int                  `json:"stride,omitempty" yaml:"stride,omitempty"`
	Checkpoints []int                `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
	UserTimeout Duration             `json:"user_timeout,omitempty" yaml:"user_timeout,omitempty"`
	Chords      []timeline.ChordSpan `json:"chords,omitempty" yaml:"chords,omitempty"`
}

// Duration is a lesson timing. Files write it as a duration string such as
// "30s" or as a number of seconds.
type Duration time.Duration

func parseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Policy returns the lesson's checkpoint rule: explicit checkpoints win over
// a stride, and fallback applies when neither is set.
func (l Lesson) Policy(fallback int) checkpoint.Policy {
	if len(l.Checkpoints) > 0 {
		return checkpoint.NewIndices(l.Checkpoints...)
	}
	if l.Stride > 0 {
		return checkpoint.Stride{N: l.Stride}
	}
	return checkpoint.Stride{N: fallback}
}

// Spans returns the chord spans, reading the MIDI file when no chords are
// listed inline.
func (l Lesson) Spans() ([]timeline.ChordSpan, error) {
	if len(l.Chords) > 0 || l.MIDI == "" {
		return l.Chords, nil
	}
	f, err := os.Open(l.MIDI)
	if err != nil {
		return nil, fmt.Errorf("lesson %s: open midi: %w", l.ID, err)
	}
	defer f.Close()
	spans, err := timeline.FromMIDI(f)
	if err != nil {
		return nil, fmt.Errorf("lesson %s: %w", l.ID, err)
	}
	return spans, nil
}

// LoadFile reads one lesson. Relative track and MIDI paths are resolved
// against the lesson file's directory, and a missing id defaults to the
// file name without extension.
func LoadFile(path string) (Lesson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lesson{}, fmt.Errorf("failed to read lesson %s: %w", path, err)
	}

	var l Lesson
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &l); err != nil {
			return Lesson{}, fmt.Errorf("failed to parse JSON lesson %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &l); err != nil {
			return Lesson{}, fmt.Errorf("failed to parse YAML lesson %s: %w", path, err)
		}
	}

	base := filepath.Base(path)
	if l.ID == "" {
		l.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if l.Title == "" {
		l.Title = l.ID
	}
	if l.Track == "" {
		return Lesson{}, fmt.Errorf("lesson %s: no track", l.ID)
	}
	if len(l.Chords) == 0 && l.MIDI == "" {
		return Lesson{}, fmt.Errorf("lesson %s: no chords or midi", l.ID)
	}
	dir := filepath.Dir(path)
	l.Track = resolve(dir, l.Track)
	if l.MIDI != "" {
		l.MIDI = resolve(dir, l.MIDI)
	}
	return l, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(dir, p)
}

// Library is the set of lessons found in a directory.
type Library struct {
	lessons map[string]Lesson
}

// LoadDir loads every .yaml, .yml and .json file in dir. A missing directory
// yields an empty library. Duplicate ids are an error.
func LoadDir(dir string) (*Library, error) {
	lib := &Library{lessons: make(map[string]Lesson)}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lesson dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		l, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := lib.lessons[l.ID]; dup {
			return nil, fmt.Errorf("lesson %s: duplicate id in %s", l.ID, e.Name())
		}
		lib.lessons[l.ID] = l
	}
	return lib, nil
}

// Get returns the lesson with id.
func (lib *Library) Get(id string) (Lesson, error) {
	l, ok := lib.lessons[id]
	if !ok {
		return Lesson{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l, nil
}

// List returns all lessons sorted by id.
func (lib *Library) List() []Lesson {
	out := make([]Lesson, 0, len(lib.lessons))
	for _, l := range lib.lessons {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
