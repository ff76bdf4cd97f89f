// Package gpio drives step/dir stepper drivers (A4988, DRV8825 and
// similar) wired straight to GPIO lines.
package gpio

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/w1xm/positioner/internal/gpio"
	"github.com/w1xm/positioner/rotator"
)

const DefaultPulseWidth = 5 * time.Microsecond

// Pins wires one axis. Pin 0 means not connected; Step and Dir are
// required. Enable is active low. Limit and fault inputs are active low
// unless the matching ActiveHigh flag is set.
type Pins struct {
	Step            int  `yaml:"step"`
	Dir             int  `yaml:"dir"`
	Enable          int  `yaml:"enable"`
	Limit           int  `yaml:"limit"`
	Fault           int  `yaml:"fault"`
	LimitActiveHigh bool `yaml:"limit_active_high"`
	FaultActiveHigh bool `yaml:"fault_active_high"`
}

type Config struct {
	Azimuth    Pins          `yaml:"azimuth"`
	Elevation  Pins          `yaml:"elevation"`
	PulseWidth time.Duration `yaml:"pulse_width"`
}

func (c Config) Validate() error {
	for _, p := range []struct {
		name string
		pins Pins
	}{{"azimuth", c.Azimuth}, {"elevation", c.Elevation}} {
		if p.pins.Step <= 0 || p.pins.Dir <= 0 {
			return fmt.Errorf("%s: step and dir pins are required", p.name)
		}
	}
	return nil
}

// Actuator implements rotator.Actuator over a gpio.Driver.
type Actuator struct {
	drv   gpio.Driver
	pins  [2]Pins
	pulse time.Duration

	mu     sync.Mutex
	dir    [2]rotator.Direction
	dirSet [2]bool
	halted bool
}

func New(drv gpio.Driver, cfg Config) (*Actuator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Actuator{
		drv:   drv,
		pins:  [2]Pins{cfg.Azimuth, cfg.Elevation},
		pulse: cfg.PulseWidth,
	}
	if a.pulse <= 0 {
		a.pulse = DefaultPulseWidth
	}
	for _, p := range a.pins {
		for _, out := range []int{p.Step, p.Dir, p.Enable} {
			if out <= 0 {
				continue
			}
			if err := drv.SetupPin(out, gpio.Output); err != nil {
				return nil, fmt.Errorf("setting up pin %d: %w", out, err)
			}
		}
		for _, in := range []int{p.Limit, p.Fault} {
			if in <= 0 {
				continue
			}
			if err := drv.SetupPin(in, gpio.Input); err != nil {
				return nil, fmt.Errorf("setting up pin %d: %w", in, err)
			}
		}
		if err := drv.WritePin(p.Step, gpio.Low); err != nil {
			return nil, err
		}
	}
	if err := a.enable(gpio.Low); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Actuator) enable(level gpio.Level) error {
	for _, p := range a.pins {
		if p.Enable <= 0 {
			continue
		}
		if err := a.drv.WritePin(p.Enable, level); err != nil {
			return err
		}
	}
	return nil
}

// Step emits one pulse. The direction line is only rewritten when it
// changes. A step after Halt re-enables the drivers.
func (a *Actuator) Step(axis rotator.Axis, dir rotator.Direction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pins[axis]
	if a.halted {
		if err := a.enable(gpio.Low); err != nil {
			return fmt.Errorf("enabling drivers: %w", err)
		}
		a.halted = false
	}
	if !a.dirSet[axis] || a.dir[axis] != dir {
		if err := a.drv.WritePin(p.Dir, gpio.Level(dir == rotator.CW)); err != nil {
			return fmt.Errorf("%v dir: %w", axis, err)
		}
		a.dir[axis], a.dirSet[axis] = dir, true
	}
	if err := a.drv.WritePin(p.Step, gpio.High); err != nil {
		return fmt.Errorf("%v step: %w", axis, err)
	}
	time.Sleep(a.pulse)
	if err := a.drv.WritePin(p.Step, gpio.Low); err != nil {
		return fmt.Errorf("%v step: %w", axis, err)
	}
	return nil
}

// read reports whether an input is asserted. Unreadable lines count as
// asserted.
func (a *Actuator) read(pin int, activeHigh bool) bool {
	if pin <= 0 {
		return false
	}
	level, err := a.drv.ReadPin(pin)
	if err != nil {
		log.Printf("reading pin %d: %v", pin, err)
		return true
	}
	return level == gpio.Level(activeHigh)
}

func (a *Actuator) ReadLimitSwitch(axis rotator.Axis) bool {
	p := a.pins[axis]
	return a.read(p.Limit, p.LimitActiveHigh)
}

func (a *Actuator) ReadFault(axis rotator.Axis) bool {
	p := a.pins[axis]
	return a.read(p.Fault, p.FaultActiveHigh)
}

// Halt disables both drivers.
func (a *Actuator) Halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halted = true
	for _, p := range a.pins {
		if err := a.drv.WritePin(p.Step, gpio.Low); err != nil {
			log.Printf("halt: step pin %d: %v", p.Step, err)
		}
	}
	if err := a.enable(gpio.High); err != nil {
		log.Printf("halt: disabling drivers: %v", err)
	}
}

// Close halts and releases the GPIO driver.
func (a *Actuator) Close() error {
	a.Halt()
	return a.drv.Close()
}
