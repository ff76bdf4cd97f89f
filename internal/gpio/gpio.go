// Package gpio abstracts the GPIO lines of the positioner's stepper drivers.
package gpio

import (
	"fmt"
	"log"
	"sync"
)

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver controls GPIO pins by BCM number. A Raspberry Pi implementation
// and an in-memory mock are provided.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver if mock is set and the real Raspberry Pi
// driver otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		log.Print("using mock GPIO driver")
		return NewMockDriver(), nil
	}
	return NewRPiDriver()
}

// MockDriver keeps pin levels in memory. Inputs read whatever was last
// set with SetInput, so tests can drive limit and fault lines.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	writes int
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	if _, ok := m.levels[pin]; !ok && mode == Input {
		// Inputs are pulled up.
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode, ok := m.modes[pin]; ok && mode != Output {
		return fmt.Errorf("pin %d is not an output", pin)
	}
	m.levels[pin] = level
	m.writes++
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	return nil
}

// SetInput sets the level an input pin reads.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
}

// Level returns the last level written to or set on pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

// Mode returns how pin was set up.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}
