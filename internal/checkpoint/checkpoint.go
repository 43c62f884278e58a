// Package checkpoint decides at which chord changes playback stops so the
// learner can play the chord.
package checkpoint

// DefaultStride pauses on every second chord change.
const DefaultStride = 2

// Policy decides, from an index transition, whether playback must pause.
type Policy interface {
	ShouldPause(prev, next int) bool
}

// Func adapts a plain function to a Policy.
type Func func(prev, next int) bool

// ShouldPause calls f.
func (f Func) ShouldPause(prev, next int) bool { return f(prev, next) }

// Stride pauses when the timeline moves forward onto a positive multiple of N.
type Stride struct {
	N int
}

// ShouldPause implements Policy. N <= 0 never pauses.
func (s Stride) ShouldPause(prev, next int) bool {
	if s.N <= 0 {
		return false
	}
	return next > prev && next > 0 && next%s.N == 0
}

// Indices pauses when the timeline moves forward onto one of a fixed set of
// chord indices, for lessons that pick their checkpoints by hand.
type Indices map[int]bool

// NewIndices builds an Indices policy.
func NewIndices(idx ...int) Indices {
	m := make(Indices, len(idx))
	for _, i := range idx {
		m[i] = true
	}
	return m
}

// ShouldPause implements Policy.
func (s Indices) ShouldPause(prev, next int) bool {
	return next > prev && s[next]
}

// Never is a policy that plays straight through.
var Never Policy = Func(func(int, int) bool { return false })
