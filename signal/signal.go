// Package signal provides the sample containers that flow through the
// folding pipeline:
//	- Observation describes a stream;
//	- BitSeries holds digitized samples as read from a device;
//	- TimeSeries holds floating point samples;
//	- PhaseSeries accumulates folded profiles.
//
// Containers either own their memory or alias memory managed by the
// caller. Ownership is transferred explicitly with Owned.
package signal

import (
	"math"
	"time"
)

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// BitDepth contains values required for int-to-float conversion.
type BitDepth int

// FullScale returns the largest positive value of a signed integer of
// this depth. Dividing by it maps samples onto [-1, 1].
func (bitDepth BitDepth) FullScale() float64 {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8
	case BitDepth16:
		return math.MaxInt16
	case BitDepth32:
		return math.MaxInt32
	default:
		return 1
	}
}

// Bytes returns the number of bytes per value.
func (bitDepth BitDepth) Bytes() int {
	return int(bitDepth) / 8
}

// DurationOf returns time duration of passed samples for this sample rate.
func DurationOf(sampleRate float64, samples int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / sampleRate * float64(time.Second))
}
