// Package controller is the positioner's state machine. It owns the target,
// the system state and the last error, and advances motion once per Update.
//
// A Controller is not safe for concurrent use. Everything except
// RequestEmergencyStop must be called from the goroutine that calls Update.
package controller

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/profile"
	"github.com/w1xm/positioner/rotator"
	"github.com/w1xm/positioner/safety"
	"github.com/w1xm/positioner/tracker"
)

var (
	ErrNotInitialized = errors.New("controller not initialized")
	ErrEmergencyStop  = errors.New("emergency stop latched; re-initialize to clear")
	ErrFaulted        = errors.New("controller faulted; home to recover")
)

const (
	DefaultPositionTolerance = 0.5
	DefaultMaxTickIntervalMs = 100
	// MaxBackoffDegrees bounds how far past its switch point an axis is
	// driven while trying to clear a tripped limit switch.
	MaxBackoffDegrees = 5.0
)

type Config struct {
	Azimuth   axis.Config `yaml:"azimuth"`
	Elevation axis.Config `yaml:"elevation"`
	// PositionTolerance is the arrival window in degrees.
	PositionTolerance float64 `yaml:"position_tolerance"`
	CommandTimeoutMs  uint32  `yaml:"command_timeout_ms"`
	// MaxTickIntervalMs caps the time credited to a single tick so a stalled
	// driver loop does not produce a burst of steps.
	MaxTickIntervalMs uint32 `yaml:"max_tick_interval_ms"`
}

func DefaultConfig() Config {
	return Config{
		Azimuth:           axis.DefaultAzimuth,
		Elevation:         axis.DefaultElevation,
		PositionTolerance: DefaultPositionTolerance,
		CommandTimeoutMs:  safety.DefaultCommandTimeoutMs,
		MaxTickIntervalMs: DefaultMaxTickIntervalMs,
	}
}

type Controller struct {
	cfg      Config
	actuator rotator.Actuator
	clock    rotator.Clock
	axes     [2]*axis.Axis
	tracker  *tracker.Tracker
	safety   *safety.Supervisor

	initialized bool
	state       rotator.SystemState
	lastError   rotator.ErrorCode

	target      rotator.Command
	targetSteps [2]int64
	hasTarget   bool
	homing      bool
	homed       bool

	// Axes stepping off a tripped limit switch at the start of a homing run.
	backoff      [2]bool
	backoffDir   [2]rotator.Direction
	backoffSteps [2]int64

	credit   [2]float64
	lastTick uint32
}

func New(cfg Config, actuator rotator.Actuator, clock rotator.Clock) (*Controller, error) {
	az, err := axis.New(rotator.Azimuth, cfg.Azimuth)
	if err != nil {
		return nil, err
	}
	el, err := axis.New(rotator.Elevation, cfg.Elevation)
	if err != nil {
		return nil, err
	}
	if cfg.PositionTolerance <= 0 || math.IsNaN(cfg.PositionTolerance) {
		cfg.PositionTolerance = DefaultPositionTolerance
	}
	if cfg.MaxTickIntervalMs == 0 {
		cfg.MaxTickIntervalMs = DefaultMaxTickIntervalMs
	}
	return &Controller{
		cfg:      cfg,
		actuator: actuator,
		clock:    clock,
		axes:     [2]*axis.Axis{az, el},
		tracker:  tracker.New(az, el),
		safety:   safety.New(cfg.CommandTimeoutMs),
	}, nil
}

// Init brings the controller to IDLE. The first call assumes the antenna
// sits at the home position; later calls keep the tracked position and are
// the only way to release an emergency stop. Init fails with the detected
// ErrorCode if the actuator reports a limit or driver fault; Home recovers
// from either, including an axis resting on its limit switch.
func (c *Controller) Init() error {
	now := c.clock.NowMs()
	c.actuator.Halt()
	if !c.initialized {
		c.tracker.Reset(c.axes[rotator.Azimuth].HomeSteps(), c.axes[rotator.Elevation].HomeSteps(), now)
	}
	c.initialized = true
	c.safety.Clear()
	c.safety.Feed(now)
	c.hasTarget = false
	c.homing = false
	c.credit = [2]float64{}
	c.lastTick = now
	c.lastError = rotator.ErrorNone
	c.setState(rotator.StateIdle)

	if code, ax := safety.CheckSignals(c.actuator); code != rotator.ErrorNone {
		c.fault(code, ax.String()+" axis")
		return code
	}
	log.Printf("controller initialized at %+v", c.tracker.Current())
	return nil
}

func (c *Controller) SetPosition(az, el float64) error {
	return c.SetPositionSpeed(az, el, profile.MaxSpeedFactor)
}

// SetPositionSpeed replaces the current target. Angles outside the axis
// limits are rejected with ErrorInvalidPosition and change nothing.
func (c *Controller) SetPositionSpeed(az, el, speed float64) error {
	if !c.initialized {
		return ErrNotInitialized
	}
	azSteps, err := c.axes[rotator.Azimuth].DegreesToSteps(az)
	if err != nil {
		return err
	}
	elSteps, err := c.axes[rotator.Elevation].DegreesToSteps(el)
	if err != nil {
		return err
	}
	if !(speed > 0) {
		return rotator.ErrorInvalidPosition
	}
	if err := c.acceptingCommands(); err != nil {
		return err
	}
	// A recovery homing run must finish before normal targets are accepted.
	if c.homing && c.lastError != rotator.ErrorNone {
		return ErrFaulted
	}
	c.target = rotator.Command{TargetAzimuth: az, TargetElevation: el, SpeedFactor: profile.Clamp(speed)}
	c.targetSteps = [2]int64{azSteps, elSteps}
	c.hasTarget = true
	c.homing = false
	c.backoff = [2]bool{}
	c.credit = [2]float64{}
	c.safety.Feed(c.clock.NowMs())
	c.setState(rotator.StateMoving)
	return nil
}

func (c *Controller) acceptingCommands() error {
	switch {
	case c.state == rotator.StateEmergencyStop || c.safety.Latched():
		return ErrEmergencyStop
	case c.state == rotator.StateError:
		return ErrFaulted
	}
	return nil
}

// Home drives both axes to their configured home angles. Homing is the only
// way out of ERROR: when it completes the last error is cleared and the
// controller returns to IDLE.
//
// An axis found on its limit switch is first stepped off it at minimum speed
// and re-zeroed at the switch point. The command watchdog does not run during
// homing, so a homing run has no liveness guard beyond the limit switches.
func (c *Controller) Home() error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.state == rotator.StateEmergencyStop || c.safety.Latched() {
		return ErrEmergencyStop
	}
	az, el := c.axes[rotator.Azimuth], c.axes[rotator.Elevation]
	c.target = rotator.Command{
		TargetAzimuth:   az.Config().HomeAngle,
		TargetElevation: el.Config().HomeAngle,
		SpeedFactor:     profile.MaxSpeedFactor,
	}
	c.targetSteps = [2]int64{az.HomeSteps(), el.HomeSteps()}
	c.hasTarget = true
	c.homing = true
	c.credit = [2]float64{}
	c.backoff = [2]bool{}
	for _, ax := range rotator.Axes {
		if c.actuator.ReadLimitSwitch(ax) {
			c.startBackoff(ax)
		}
	}
	c.safety.Feed(c.clock.NowMs())
	log.Printf("homing to az=%.2f el=%.2f", c.target.TargetAzimuth, c.target.TargetElevation)
	c.setState(rotator.StateMoving)
	return nil
}

// Stop abandons the current target and holds position.
func (c *Controller) Stop() {
	c.actuator.Halt()
	if c.state != rotator.StateMoving && c.state != rotator.StateTracking {
		return
	}
	if c.homing && c.lastError != rotator.ErrorNone {
		// Abandoned recovery: still faulted.
		c.homing = false
		c.hasTarget = false
		c.setState(rotator.StateError)
		return
	}
	c.hasTarget = false
	c.homing = false
	c.setState(rotator.StateIdle)
}

// EmergencyStop halts all output immediately and latches EMERGENCY_STOP.
func (c *Controller) EmergencyStop() {
	c.safety.Latch()
	c.enterEmergencyStop()
}

// RequestEmergencyStop may be called from any goroutine. The stop takes
// effect at the start of the next Update.
func (c *Controller) RequestEmergencyStop() {
	c.safety.RequestStop()
}

func (c *Controller) enterEmergencyStop() {
	c.actuator.Halt()
	c.hasTarget = false
	c.homing = false
	if c.state != rotator.StateEmergencyStop {
		log.Printf("EMERGENCY STOP at %+v", c.tracker.Current())
	}
	c.setState(rotator.StateEmergencyStop)
}

// fault halts the drivers and records code. source names what tripped.
func (c *Controller) fault(code rotator.ErrorCode, source string) {
	c.actuator.Halt()
	c.lastError = code
	c.hasTarget = false
	c.homing = false
	log.Printf("fault (%s): %v", source, code)
	c.setState(rotator.StateError)
}

func (c *Controller) setState(s rotator.SystemState) {
	if c.state != s {
		log.Printf("state %v -> %v", c.state, s)
	}
	c.state = s
}

// Update runs one control tick. Safety checks run before any motion, so a
// fault detected in this tick stops the steps this tick would have issued.
func (c *Controller) Update() {
	if !c.initialized {
		return
	}
	now := c.clock.NowMs()
	elapsedMs := now - c.lastTick
	if elapsedMs > c.cfg.MaxTickIntervalMs {
		elapsedMs = c.cfg.MaxTickIntervalMs
	}
	c.lastTick = now

	if c.safety.Consume() {
		if c.state != rotator.StateEmergencyStop {
			c.enterEmergencyStop()
		}
		return
	}
	if c.state == rotator.StateEmergencyStop {
		return
	}

	active := c.state == rotator.StateMoving || c.state == rotator.StateTracking
	if active && !c.homing && c.safety.Expired(now) {
		c.fault(rotator.ErrorTimeout, "watchdog")
		return
	}

	if c.state != rotator.StateError {
		var skipLimit [2]bool
		if c.homing {
			skipLimit = c.backoff
		}
		if code, ax := safety.CheckSignalsExcept(c.actuator, skipLimit); code != rotator.ErrorNone {
			c.fault(code, ax.String()+" axis")
			return
		}
	}

	if c.state != rotator.StateMoving {
		return
	}
	if c.homing && (c.backoff[rotator.Azimuth] || c.backoff[rotator.Elevation]) {
		c.backOff(time.Duration(elapsedMs)*time.Millisecond, now)
		return
	}
	if ax, err := c.advance(time.Duration(elapsedMs)*time.Millisecond, now); err != nil {
		c.fault(rotator.ErrorMotorFault, fmt.Sprintf("%s axis: %v", ax, err))
		return
	}
	c.evaluateArrival()
}

func (c *Controller) advance(elapsed time.Duration, now uint32) (rotator.Axis, error) {
	defer c.tracker.Stamp(now)
	for _, ax := range rotator.Axes {
		out := profile.Plan(profile.Input{
			Current:     c.tracker.Steps(ax),
			Target:      c.targetSteps[ax],
			MaxSpeed:    c.axes[ax].MaxSpeed(),
			SpeedFactor: c.target.SpeedFactor,
			Elapsed:     elapsed,
			Credit:      c.credit[ax],
		})
		c.credit[ax] = out.Credit
		for i := int64(0); i < out.Steps; i++ {
			if err := c.actuator.Step(ax, out.Direction); err != nil {
				c.tracker.Advance(ax, out.Direction, i)
				return ax, fmt.Errorf("step %d of %d: %w", i+1, out.Steps, err)
			}
		}
		c.tracker.Advance(ax, out.Direction, out.Steps)
	}
	return 0, nil
}

// startBackoff arranges for an axis to be stepped off its tripped limit
// switch. The switch is taken to be the end of travel nearest the tracked
// position.
func (c *Controller) startBackoff(ax rotator.Axis) {
	cfg := c.axes[ax].Config()
	pos := c.axes[ax].StepsToDegrees(c.tracker.Steps(ax))
	c.backoffDir[ax] = rotator.CW
	if cfg.MaxAngle-pos < pos-cfg.MinAngle {
		c.backoffDir[ax] = rotator.CCW
	}
	c.backoff[ax] = true
	c.backoffSteps[ax] = 0
	log.Printf("%s axis on its limit switch; backing off %v", ax, c.backoffDir[ax])
}

// backOff steps axes still on their limit switch away from it at minimum
// speed. An axis whose switch has released is re-zeroed one step inside the
// switch point, and the homing run continues once both are clear.
func (c *Controller) backOff(elapsed time.Duration, now uint32) {
	defer c.tracker.Stamp(now)
	for _, ax := range rotator.Axes {
		if !c.backoff[ax] {
			continue
		}
		dir := c.backoffDir[ax]
		if !c.actuator.ReadLimitSwitch(ax) {
			// Backing off CW leaves the CCW switch.
			end := rotator.CCW
			if dir == rotator.CCW {
				end = rotator.CW
			}
			steps := c.axes[ax].SwitchSteps(end) + dir.Sign()
			log.Printf("%s axis off its limit switch; re-zeroed at %d steps", ax, steps)
			c.tracker.Set(ax, steps)
			c.backoff[ax] = false
			c.credit[ax] = 0
			continue
		}
		limit := int64(math.Ceil(MaxBackoffDegrees * c.axes[ax].Config().StepsPerDegree))
		remaining := limit - c.backoffSteps[ax]
		if remaining <= 0 {
			c.fault(rotator.ErrorLimitSwitch, ax.String()+" axis switch did not release")
			return
		}
		current := c.tracker.Steps(ax)
		out := profile.Plan(profile.Input{
			Current:     current,
			Target:      current + dir.Sign()*remaining,
			MaxSpeed:    c.axes[ax].MaxSpeed(),
			SpeedFactor: profile.MinSpeedFactor,
			Elapsed:     elapsed,
			Credit:      c.credit[ax],
		})
		c.credit[ax] = out.Credit
		for i := int64(0); i < out.Steps; i++ {
			if err := c.actuator.Step(ax, dir); err != nil {
				c.tracker.Advance(ax, dir, i)
				c.fault(rotator.ErrorMotorFault, fmt.Sprintf("%s axis: step %d of %d: %v", ax, i+1, out.Steps, err))
				return
			}
		}
		c.tracker.Advance(ax, dir, out.Steps)
		c.backoffSteps[ax] += out.Steps
	}
}

func (c *Controller) evaluateArrival() {
	if c.homing {
		if c.tracker.Steps(rotator.Azimuth) != c.targetSteps[rotator.Azimuth] ||
			c.tracker.Steps(rotator.Elevation) != c.targetSteps[rotator.Elevation] {
			return
		}
		c.homing = false
		c.homed = true
		if c.lastError != rotator.ErrorNone {
			log.Printf("homing complete; clearing %v", c.lastError)
		}
		c.lastError = rotator.ErrorNone
		c.setState(rotator.StateIdle)
		return
	}
	if c.tracker.IsAtTarget(c.target.TargetAzimuth, c.target.TargetElevation, c.cfg.PositionTolerance) {
		c.setState(rotator.StateTracking)
	}
}

// GetPosition returns a copy of the current position.
func (c *Controller) GetPosition() (rotator.Position, error) {
	if !c.initialized {
		return rotator.Position{}, ErrNotInitialized
	}
	return c.tracker.Current(), nil
}

// IsAtTarget reports whether both axes are within tolerance of the current target.
func (c *Controller) IsAtTarget() bool {
	if !c.initialized || !c.hasTarget {
		return false
	}
	return c.tracker.IsAtTarget(c.target.TargetAzimuth, c.target.TargetElevation, c.cfg.PositionTolerance)
}

func (c *Controller) GetState() rotator.SystemState {
	return c.state
}

func (c *Controller) GetLastError() rotator.ErrorCode {
	return c.lastError
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) Status() rotator.Status {
	return rotator.Status{
		State:     c.state,
		LastError: c.lastError,
		Position:  c.tracker.Current(),
		Target:    c.target,
		HasTarget: c.hasTarget,
		Homing:    c.homing,
		Homed:     c.homed,
		AzSteps:   c.tracker.Steps(rotator.Azimuth),
		ElSteps:   c.tracker.Steps(rotator.Elevation),
	}
}
