// Package axis converts between angles and step counts for one rotational axis.
package axis

import (
	"fmt"
	"math"

	"github.com/w1xm/positioner/rotator"
)

// Config describes the mechanics of one axis. Angles are in degrees and
// MaxSpeed is in steps per second.
type Config struct {
	MinAngle       float64 `yaml:"min_angle"`
	MaxAngle       float64 `yaml:"max_angle"`
	StepsPerDegree float64 `yaml:"steps_per_degree"`
	MaxSpeed       float64 `yaml:"max_speed"`
	// HomeAngle is the reference position homing drives to.
	HomeAngle float64 `yaml:"home_angle"`
	// LimitMargin is how far past MinAngle and MaxAngle the limit switches
	// trip. Homing off a switch re-zeroes the axis there.
	LimitMargin float64 `yaml:"limit_margin"`
}

// Defaults from the antenna controller firmware.
var (
	DefaultAzimuth = Config{
		MinAngle:       0,
		MaxAngle:       360,
		StepsPerDegree: 100,
		MaxSpeed:       1000,
	}
	DefaultElevation = Config{
		MinAngle:       0,
		MaxAngle:       90,
		StepsPerDegree: 100,
		MaxSpeed:       1000,
	}
)

// Axis is immutable once constructed.
type Axis struct {
	id  rotator.Axis
	cfg Config
}

func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.MinAngle) || math.IsNaN(c.MaxAngle):
		return fmt.Errorf("angle limits must be numbers")
	case c.MinAngle > c.MaxAngle:
		return fmt.Errorf("min_angle %.2f > max_angle %.2f", c.MinAngle, c.MaxAngle)
	case !(c.StepsPerDegree > 0):
		return fmt.Errorf("steps_per_degree must be > 0, got %v", c.StepsPerDegree)
	case !(c.MaxSpeed > 0):
		return fmt.Errorf("max_speed must be > 0, got %v", c.MaxSpeed)
	case c.HomeAngle < c.MinAngle || c.HomeAngle > c.MaxAngle:
		return fmt.Errorf("home_angle %.2f outside [%.2f, %.2f]", c.HomeAngle, c.MinAngle, c.MaxAngle)
	case !(c.LimitMargin >= 0):
		return fmt.Errorf("limit_margin must be >= 0, got %v", c.LimitMargin)
	}
	return nil
}

func New(id rotator.Axis, cfg Config) (*Axis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s axis: %w", id, err)
	}
	return &Axis{id: id, cfg: cfg}, nil
}

func (a *Axis) ID() rotator.Axis {
	return a.id
}

func (a *Axis) Config() Config {
	return a.cfg
}

func (a *Axis) MaxSpeed() float64 {
	return a.cfg.MaxSpeed
}

// Contains reports whether angle lies within the configured travel.
func (a *Axis) Contains(angle float64) bool {
	return angle >= a.cfg.MinAngle && angle <= a.cfg.MaxAngle
}

// SwitchSteps is the step count at which the limit switch on the given
// end of travel trips. CCW is the MinAngle end.
func (a *Axis) SwitchSteps(end rotator.Direction) int64 {
	if end == rotator.CCW {
		return int64(math.Round((a.cfg.MinAngle - a.cfg.LimitMargin) * a.cfg.StepsPerDegree))
	}
	return int64(math.Round((a.cfg.MaxAngle + a.cfg.LimitMargin) * a.cfg.StepsPerDegree))
}

// Resolution is the angle covered by a single step.
func (a *Axis) Resolution() float64 {
	return 1 / a.cfg.StepsPerDegree
}

// DegreesToSteps converts an angle to the nearest step count. The range
// check runs on the angle, before conversion.
func (a *Axis) DegreesToSteps(angle float64) (int64, error) {
	if !a.Contains(angle) {
		return 0, rotator.ErrorInvalidPosition
	}
	return int64(math.Round(angle * a.cfg.StepsPerDegree)), nil
}

func (a *Axis) StepsToDegrees(steps int64) float64 {
	return float64(steps) / a.cfg.StepsPerDegree
}

// HomeSteps is the step count of the homing reference position.
func (a *Axis) HomeSteps() int64 {
	return int64(math.Round(a.cfg.HomeAngle * a.cfg.StepsPerDegree))
}
