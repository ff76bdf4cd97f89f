// Package modbus drives a remote stepper driver board over Modbus, on a
// local RTU line or through modbus_bridge.
//
// Each Step is one register write, so this backend suits axes configured
// for a few hundred steps per second at most.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/w1xm/positioner/internal/modbus"
	"github.com/w1xm/positioner/rotator"
)

// Board register map, indexed by rotator.Axis.
var (
	// Holding registers: writing a signed count moves that many steps.
	stepRegister = [2]uint16{0, 1}
	// Coils: driver power relays.
	enableCoil = [2]int{0, 1}
	// Discrete inputs.
	limitInput = [2]int{0, 2}
	faultInput = [2]int{1, 3}
	// Input registers: the board's own step counters.
	countRegister = [2]uint16{0, 1}
)

const numInputs = 4

type Config struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	SlaveId  byte   `yaml:"slave_id"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Debug logs every RTU frame.
	Debug bool `yaml:"debug"`

	PollInterval time.Duration `yaml:"poll_interval"`
	// StaleAfter is how old the last good poll may be before both axes
	// read as faulted.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type Status struct {
	Enabled [2]bool
	Limit   [2]bool
	Fault   [2]bool
	Count   [2]int16
}

type StatusCallback func(status Status)

type Actuator struct {
	client         *modbus.Client
	staleAfter     time.Duration
	statusCallback StatusCallback
	now            func() time.Time

	mu     sync.Mutex
	status Status
	polled time.Time
	halted bool
	ready  chan struct{}
}

func Connect(ctx context.Context, cfg Config, statusCallback StatusCallback) (*Actuator, error) {
	if cfg.SlaveId == 0 {
		cfg.SlaveId = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 500 * time.Millisecond
	}
	a := &Actuator{
		client: &modbus.Client{
			Port:         cfg.Port,
			BaudRate:     cfg.BaudRate,
			SlaveId:      cfg.SlaveId,
			URL:          cfg.URL,
			Password:     cfg.Password,
			Debug:        cfg.Debug,
			PollInterval: cfg.PollInterval,
		},
		staleAfter:     cfg.StaleAfter,
		statusCallback: statusCallback,
		now:            time.Now,
		halted:         true,
		ready:          make(chan struct{}),
	}
	a.client.Poll = a.pollOnce
	return a, a.client.Connect(ctx)
}

// WaitReady blocks until the first successful poll.
func (a *Actuator) WaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actuator) pollOnce() error {
	inputs, err := a.client.ReadDiscreteInputs(0, numInputs)
	if err != nil {
		return err
	}
	coils, err := a.client.ReadCoils(0, 2)
	if err != nil {
		return err
	}
	counts, err := a.client.ReadInputRegisters(0, 2)
	if err != nil {
		return err
	}
	if len(counts) < 4 {
		return errors.New("short input register read")
	}
	in := modbus.BytesToBits(inputs)
	cs := modbus.BytesToBits(coils)
	if len(in) < numInputs || len(cs) < 2 {
		return errors.New("short bit read")
	}
	var status Status
	for _, axis := range rotator.Axes {
		status.Enabled[axis] = cs[enableCoil[axis]]
		status.Limit[axis] = in[limitInput[axis]]
		status.Fault[axis] = in[faultInput[axis]]
		status.Count[axis] = int16(binary.BigEndian.Uint16(counts[2*countRegister[axis]:]))
	}

	a.mu.Lock()
	a.status = status
	first := a.polled.IsZero()
	a.polled = a.now()
	a.mu.Unlock()
	if first {
		close(a.ready)
	}
	if a.statusCallback != nil {
		a.statusCallback(status)
	}
	return nil
}

func (a *Actuator) setEnabled(v bool) error {
	for _, axis := range rotator.Axes {
		if err := a.client.WriteCoil(enableCoil[axis], v); err != nil {
			return fmt.Errorf("%v enable coil: %w", axis, err)
		}
	}
	return nil
}

// Step writes one signed step to the axis register. The relays start off
// and are switched on by the first Step after Connect or Halt.
func (a *Actuator) Step(axis rotator.Axis, dir rotator.Direction) error {
	a.mu.Lock()
	halted := a.halted
	a.halted = false
	a.mu.Unlock()
	if halted {
		if err := a.setEnabled(true); err != nil {
			a.mu.Lock()
			a.halted = true
			a.mu.Unlock()
			return err
		}
	}
	v := uint16(int16(dir.Sign()))
	if _, err := a.client.WriteSingleRegister(stepRegister[axis], v); err != nil {
		return fmt.Errorf("%v step: %w", axis, err)
	}
	return nil
}

// stale must be called with mu held.
func (a *Actuator) stale() bool {
	return a.polled.IsZero() || a.now().Sub(a.polled) > a.staleAfter
}

func (a *Actuator) ReadLimitSwitch(axis rotator.Axis) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.stale() && a.status.Limit[axis]
}

// ReadFault also reports a fault when the board has stopped answering.
func (a *Actuator) ReadFault(axis rotator.Axis) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale() || a.status.Fault[axis]
}

// Halt drops both driver relays.
func (a *Actuator) Halt() {
	a.mu.Lock()
	a.halted = true
	a.mu.Unlock()
	if err := a.setEnabled(false); err != nil {
		log.Printf("halt: %v", err)
	}
}

func (a *Actuator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}
