// Package sim is a simulated pair of stepper drivers with mechanical limit
// switches and injectable faults.
package sim

import (
	"errors"
	"math"
	"sync"

	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/rotator"
)

var ErrStall = errors.New("simulated driver stall")

// LimitMargin is how far, in degrees, past the soft travel the simulated
// limit switches sit when the axis config does not say.
const LimitMargin = 2.0

type motor struct {
	steps        int64
	lower, upper int64
	fault, stall bool
	limitForced  bool
	issued       int64
}

type Simulator struct {
	mu     sync.Mutex
	motors [2]motor
	halted bool
	halts  int
}

func limits(cfg axis.Config) (int64, int64) {
	margin := cfg.LimitMargin
	if margin <= 0 {
		margin = LimitMargin
	}
	return int64(math.Floor((cfg.MinAngle - margin) * cfg.StepsPerDegree)),
		int64(math.Ceil((cfg.MaxAngle + margin) * cfg.StepsPerDegree))
}

// New builds a simulator whose motors start at the home angles of az and el.
func New(az, el axis.Config) *Simulator {
	s := &Simulator{}
	for i, cfg := range []axis.Config{az, el} {
		m := &s.motors[i]
		m.lower, m.upper = limits(cfg)
		m.steps = int64(math.Round(cfg.HomeAngle * cfg.StepsPerDegree))
	}
	return s
}

func (s *Simulator) Step(a rotator.Axis, dir rotator.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.motors[a]
	if m.stall {
		return ErrStall
	}
	s.halted = false
	m.steps += dir.Sign()
	m.issued++
	return nil
}

func (s *Simulator) ReadLimitSwitch(a rotator.Axis) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.motors[a]
	return m.limitForced || m.steps <= m.lower || m.steps >= m.upper
}

func (s *Simulator) ReadFault(a rotator.Axis) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motors[a].fault
}

func (s *Simulator) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
	s.halts++
}

// SetFault raises or clears the driver fault line of an axis.
func (s *Simulator) SetFault(a rotator.Axis, fault bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[a].fault = fault
}

// SetStall makes Step on an axis fail without moving.
func (s *Simulator) SetStall(a rotator.Axis, stall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[a].stall = stall
}

// SetLimit forces the limit switch of an axis regardless of position.
func (s *Simulator) SetLimit(a rotator.Axis, tripped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[a].limitForced = tripped
}

// MoveTo places a motor at an absolute step count without counting steps.
func (s *Simulator) MoveTo(a rotator.Axis, steps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[a].steps = steps
}

func (s *Simulator) Position(a rotator.Axis) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motors[a].steps
}

// Issued is the total number of steps taken on an axis.
func (s *Simulator) Issued(a rotator.Axis) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motors[a].issued
}

// TotalIssued sums Issued over both axes.
func (s *Simulator) TotalIssued() int64 {
	return s.Issued(rotator.Azimuth) + s.Issued(rotator.Elevation)
}

func (s *Simulator) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func (s *Simulator) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}
