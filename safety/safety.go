// Package safety holds the watchdog, the emergency-stop latch and the
// actuator fault checks that can override any motion.
package safety

import (
	"sync/atomic"

	"github.com/w1xm/positioner/rotator"
)

const DefaultCommandTimeoutMs = 5000

type Supervisor struct {
	timeoutMs uint32
	deadline  uint32

	latched bool
	// requested is the only field written from outside the tick context.
	requested atomic.Bool
}

func New(timeoutMs uint32) *Supervisor {
	if timeoutMs == 0 {
		timeoutMs = DefaultCommandTimeoutMs
	}
	return &Supervisor{timeoutMs: timeoutMs}
}

func (s *Supervisor) TimeoutMs() uint32 {
	return s.timeoutMs
}

// Feed records an accepted command at now.
func (s *Supervisor) Feed(now uint32) {
	s.deadline = now
}

// Expired reports whether more than the timeout has passed since the last
// Feed. The subtraction is modular so a wrapping clock is handled.
func (s *Supervisor) Expired(now uint32) bool {
	return now-s.deadline > s.timeoutMs
}

// Latch engages the emergency stop from the tick context.
func (s *Supervisor) Latch() {
	s.latched = true
}

// RequestStop asks for an emergency stop from any goroutine. The request is
// picked up by Consume on the next tick.
func (s *Supervisor) RequestStop() {
	s.requested.Store(true)
}

// Consume latches a pending stop request and reports whether the latch is engaged.
func (s *Supervisor) Consume() bool {
	if s.requested.Swap(false) {
		s.latched = true
	}
	return s.latched
}

func (s *Supervisor) Latched() bool {
	return s.latched || s.requested.Load()
}

// Clear releases the latch. Only re-initialisation calls it.
func (s *Supervisor) Clear() {
	s.latched = false
	s.requested.Store(false)
}

// CheckSignals polls limit switches and then driver fault lines on both
// axes. Either axis tripping is reported once for the coupled pair.
func CheckSignals(a rotator.Actuator) (rotator.ErrorCode, rotator.Axis) {
	return CheckSignalsExcept(a, [2]bool{})
}

// CheckSignalsExcept is CheckSignals without the limit switches of the axes
// set in skipLimit. Fault lines are always checked.
func CheckSignalsExcept(a rotator.Actuator, skipLimit [2]bool) (rotator.ErrorCode, rotator.Axis) {
	for _, ax := range rotator.Axes {
		if !skipLimit[ax] && a.ReadLimitSwitch(ax) {
			return rotator.ErrorLimitSwitch, ax
		}
	}
	for _, ax := range rotator.Axes {
		if a.ReadFault(ax) {
			return rotator.ErrorMotorFault, ax
		}
	}
	return rotator.ErrorNone, 0
}
