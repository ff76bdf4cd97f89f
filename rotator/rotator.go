package rotator

import (
	"fmt"
	"time"
)

type Axis int

const (
	Azimuth Axis = iota
	Elevation
)

// Axes lists both axes in the order the controller services them.
var Axes = [2]Axis{Azimuth, Elevation}

func (a Axis) String() string {
	switch a {
	case Azimuth:
		return "azimuth"
	case Elevation:
		return "elevation"
	}
	return "unknown"
}

type Direction int

const (
	CW Direction = iota
	CCW
)

func (d Direction) String() string {
	if d == CW {
		return "CW"
	}
	return "CCW"
}

// Sign returns +1 for CW and -1 for CCW.
func (d Direction) Sign() int64 {
	if d == CW {
		return 1
	}
	return -1
}

type SystemState int

const (
	StateIdle SystemState = iota
	StateMoving
	StateTracking
	StateError
	StateEmergencyStop
)

func (s SystemState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMoving:
		return "MOVING"
	case StateTracking:
		return "TRACKING"
	case StateError:
		return "ERROR"
	case StateEmergencyStop:
		return "EMERGENCY_STOP"
	}
	return "UNKNOWN"
}

// MarshalText lets status snapshots carry readable states in JSON.
func (s SystemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SystemState) UnmarshalText(text []byte) error {
	for v := StateIdle; v <= StateEmergencyStop; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Position is a snapshot of where the antenna points.
// Timestamp is the Clock reading of the tick that last moved it.
type Position struct {
	Azimuth   float64
	Elevation float64
	Timestamp uint32
}

// Command is an accepted pointing request.
type Command struct {
	TargetAzimuth   float64
	TargetElevation float64
	SpeedFactor     float64
}

// Actuator drives the stepper motors. Step is fire-and-forget; a non-nil
// return reports a driver fault observed while issuing the pulse.
type Actuator interface {
	Step(axis Axis, dir Direction) error
	ReadLimitSwitch(axis Axis) bool
	ReadFault(axis Axis) bool
	// Halt removes all drive output immediately.
	Halt()
}

// Clock returns monotonic milliseconds. The value is allowed to wrap.
type Clock interface {
	NowMs() uint32
}

type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) NowMs() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// Status is a full controller snapshot for protocol adapters and telemetry.
type Status struct {
	State     SystemState
	LastError ErrorCode
	Position  Position
	Target    Command
	HasTarget bool
	Homing    bool
	Homed     bool
	AzSteps   int64
	ElSteps   int64
}

func (s Status) AzimuthPosition() float64 {
	return s.Position.Azimuth
}

func (s Status) ElevationPosition() float64 {
	return s.Position.Elevation
}

// Moving reports whether a motion is in progress.
func (s Status) Moving() bool {
	return s.State == StateMoving
}

// Positioner is what command adapters drive.
type Positioner interface {
	SetPosition(az, el float64) error
	SetPositionSpeed(az, el, speed float64) error
	Stop()
	Home() error
	EmergencyStop()
	Status() Status
}

type StatusCallback func(status Status)

// Resetter is implemented by positioners that can be re-initialized in
// place, which is the only way out of EMERGENCY_STOP.
type Resetter interface {
	Reset() error
}
