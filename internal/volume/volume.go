// Package volume converts between the user-facing perceptual loudness
// percentage and the millibel attenuation the audio stack works in, and
// wraps the alsa mixer that the broadcaster (ab)uses as its volume state
// store between processes.
package volume

import "math"

// Millibel limits of the mixer hardware. The limited max is 0 dB: anything
// above it can clip.
const (
	GlobalMinMillibels = -10239
	GlobalMaxMillibels = 400
	LimitedMaxMillibels = 0
)

// NormalizePct clamps a volume percentage into [0, 100].
func NormalizePct(pct float64) float64 {
	return math.Min(100, math.Max(0, pct))
}

// PctToMillibels converts a perceptual loudness percentage to millibels.
// The curve is db = 10*log2(pct/100): halving perceived loudness costs
// 10 dB. Saturates at [GlobalMinMillibels, LimitedMaxMillibels].
func PctToMillibels(pct float64) float64 {
	pct = NormalizePct(pct)
	var db float64
	if pct <= 0 {
		db = GlobalMinMillibels / 100.0
	} else {
		db = 10 * math.Log2(pct/100)
	}
	db = math.Max(GlobalMinMillibels/100.0, db)
	db = math.Min(LimitedMaxMillibels, db)
	return db * 100
}

// MillibelsToPct is the inverse of PctToMillibels, returning a perceptual
// loudness percentage in [0, 100].
func MillibelsToPct(mb float64) float64 {
	if mb <= GlobalMinMillibels {
		return 0
	}
	pct := math.Pow(2, mb/100/10) * 100
	return NormalizePct(pct)
}

// PctToPlayerFraction converts a perceptual loudness percentage to the
// media player's volume fraction, which uses a 2000*log10 scale. Returned
// value is in [0, 1], rounded to two decimals to keep the player's IPC
// argument short.
func PctToPlayerFraction(pct float64) float64 {
	mb := PctToMillibels(pct)
	frac := math.Pow(10, mb/2000)
	frac = math.Min(1, math.Max(0, frac))
	return math.Round(frac*100) / 100
}

// PlayerMillibels returns the millibel value to pass on the player's
// command line for an initial volume.
func PlayerMillibels(pct float64) float64 {
	pct = NormalizePct(pct)
	if pct == 0 {
		return GlobalMinMillibels
	}
	return 2000 * math.Log10(pct/100)
}
