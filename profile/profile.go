// Package profile computes how many steps an axis may take in one tick.
//
// Plans are recomputed from the current and target step counts on every
// call; nothing is precomputed, so a new target takes over at the next tick.
package profile

import (
	"math"
	"time"

	"github.com/w1xm/positioner/rotator"
)

const (
	MinSpeedFactor = 0.1
	MaxSpeedFactor = 1.0
)

type Input struct {
	Current, Target int64
	// MaxSpeed is in steps per second.
	MaxSpeed    float64
	SpeedFactor float64
	// Elapsed is the time since the previous tick.
	Elapsed time.Duration
	// Credit is the fractional step left over by the previous tick.
	Credit float64
}

type Output struct {
	Steps     int64
	Direction rotator.Direction
	Credit    float64
}

// Clamp limits a speed factor to [MinSpeedFactor, MaxSpeedFactor].
// NaN is treated as full speed.
func Clamp(speedFactor float64) float64 {
	switch {
	case math.IsNaN(speedFactor):
		return MaxSpeedFactor
	case speedFactor < MinSpeedFactor:
		return MinSpeedFactor
	case speedFactor > MaxSpeedFactor:
		return MaxSpeedFactor
	}
	return speedFactor
}

// Speed is the effective step rate in steps per second.
func Speed(maxSpeed, speedFactor float64) float64 {
	return maxSpeed * Clamp(speedFactor)
}

// Plan returns this tick's step budget and direction. The budget never
// exceeds the remaining distance.
func Plan(in Input) Output {
	remaining := in.Target - in.Current
	out := Output{Direction: rotator.CW}
	if remaining <= 0 {
		out.Direction = rotator.CCW
		remaining = -remaining
	}
	if remaining == 0 {
		return out
	}
	budget := Speed(in.MaxSpeed, in.SpeedFactor)*in.Elapsed.Seconds() + in.Credit
	if budget < 0 {
		budget = 0
	}
	whole := math.Floor(budget)
	if whole >= float64(remaining) {
		out.Steps = remaining
		return out
	}
	out.Steps = int64(whole)
	out.Credit = budget - whole
	return out
}
