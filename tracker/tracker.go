// Package tracker keeps the open-loop step count of both axes.
package tracker

import (
	"math"

	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/rotator"
)

// Tracker is written only by the controller tick. Readers get copies.
type Tracker struct {
	axes      [2]*axis.Axis
	steps     [2]int64
	timestamp uint32
}

func New(az, el *axis.Axis) *Tracker {
	return &Tracker{axes: [2]*axis.Axis{az, el}}
}

// Reset places both axes at the given step counts.
func (t *Tracker) Reset(azSteps, elSteps int64, now uint32) {
	t.steps = [2]int64{azSteps, elSteps}
	t.timestamp = now
}

// Set re-zeroes one axis at a known step count.
func (t *Tracker) Set(a rotator.Axis, steps int64) {
	t.steps[a] = steps
}

func (t *Tracker) Steps(a rotator.Axis) int64 {
	return t.steps[a]
}

// Advance records n steps issued on an axis.
func (t *Tracker) Advance(a rotator.Axis, dir rotator.Direction, n int64) {
	t.steps[a] += dir.Sign() * n
}

// Stamp marks the position as current at now.
func (t *Tracker) Stamp(now uint32) {
	t.timestamp = now
}

func (t *Tracker) Current() rotator.Position {
	return rotator.Position{
		Azimuth:   t.axes[rotator.Azimuth].StepsToDegrees(t.steps[rotator.Azimuth]),
		Elevation: t.axes[rotator.Elevation].StepsToDegrees(t.steps[rotator.Elevation]),
		Timestamp: t.timestamp,
	}
}

// IsAtTarget reports whether both axes are within tolerance degrees of the target.
func (t *Tracker) IsAtTarget(az, el, tolerance float64) bool {
	pos := t.Current()
	return math.Abs(pos.Azimuth-az) <= tolerance && math.Abs(pos.Elevation-el) <= tolerance
}
