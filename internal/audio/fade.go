package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1]:
// 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeIn scales a frame by the smoothstep gain at progress (0.0 = silent,
// 1.0 = unchanged). Used to ramp playback back in after a pause so the
// resume does not click. Returns a new frame.
func FadeIn(frame []int16, progress float64) []int16 {
	return ApplyGain(frame, Smoothstep(progress))
}

// ApplyGain multiplies every sample by gain, clipping to the int16 range.
func ApplyGain(frame []int16, gain float64) []int16 {
	out := make([]int16, len(frame))
	for i, s := range frame {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
