package status

import (
	"errors"
	"strconv"
	"strings"

	"github.com/w1xm/positioner/rotator"
)

// GS register values, one byte per axis (azimuth low, elevation high).
const (
	FlagIdle     = 1
	FlagMoving   = 2
	FlagPointing = 4
	FlagError    = 8
)

type Status struct {
	// AZ command returns:
	AzPos float64 `report:"AZ"`
	// EL command returns:
	ElPos float64 `report:"EL"`

	// GS command returns:
	StatusRegister uint64 `report:"GS"`
	// GE command returns
	ErrorRegister uint64 `report:"GE"`

	// VE command returns:
	Version string `report:"VE"`

	// Derived from the registers.
	Moving           bool
	AzFlags, ElFlags string
	LastError        rotator.ErrorCode
}

func StateFlag(state rotator.SystemState) uint64 {
	switch state {
	case rotator.StateIdle:
		return FlagIdle
	case rotator.StateMoving:
		return FlagMoving
	case rotator.StateTracking:
		return FlagPointing
	}
	return FlagError
}

func FlagName(reg uint64) string {
	switch reg {
	case 0:
		return ""
	case FlagIdle:
		return "IDLE"
	case FlagMoving:
		return "MOVING"
	case FlagPointing:
		return "POINTING"
	case FlagError:
		return "ERROR"
	}
	return "UNKNOWN(" + strconv.FormatUint(reg, 10) + ")"
}

// FromRotator builds the reportable status of a positioner.
func FromRotator(s rotator.Status, version string) Status {
	flag := StateFlag(s.State)
	st := Status{
		AzPos:          s.Position.Azimuth,
		ElPos:          s.Position.Elevation,
		StatusRegister: flag | flag<<8,
		ErrorRegister:  uint64(s.LastError),
		Version:        version,
		LastError:      s.LastError,
	}
	st.Decode()
	return st
}

// Decode fills the derived fields from the raw registers.
func (s *Status) Decode() {
	s.AzFlags = FlagName(s.StatusRegister & 0xFF)
	s.ElFlags = FlagName(s.StatusRegister >> 8 & 0xFF)
	s.Moving = (s.StatusRegister & (FlagMoving | FlagMoving<<8)) != 0
	s.LastError = rotator.ErrorCode(s.ErrorRegister)
}

func ParseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}

func ParseFloatArray(dest []*float64, input string) error {
	parts := strings.Split(input, ",")
	for i, field := range dest {
		if i >= len(parts) {
			return errors.New("truncated list")
		}
		if err := ParseFloat(field, parts[i]); err != nil {
			return err
		}
	}
	return nil
}
