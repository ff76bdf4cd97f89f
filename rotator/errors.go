package rotator

import (
	"errors"
	"fmt"
)

// ErrorCode is the fault taxonomy shared by the controller and its adapters.
// Values other than ErrorNone satisfy error so they can be returned directly
// and matched with errors.Is.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidPosition
	ErrorMotorFault
	ErrorTimeout
	ErrorLimitSwitch
	ErrorCommunication
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "ERROR_NONE"
	case ErrorInvalidPosition:
		return "ERROR_INVALID_POSITION"
	case ErrorMotorFault:
		return "ERROR_MOTOR_FAULT"
	case ErrorTimeout:
		return "ERROR_TIMEOUT"
	case ErrorLimitSwitch:
		return "ERROR_LIMIT_SWITCH"
	case ErrorCommunication:
		return "ERROR_COMMUNICATION"
	}
	return "ERROR_UNKNOWN"
}

func (e ErrorCode) Error() string {
	switch e {
	case ErrorNone:
		return "no error"
	case ErrorInvalidPosition:
		return "invalid position"
	case ErrorMotorFault:
		return "motor fault"
	case ErrorTimeout:
		return "command timeout"
	case ErrorLimitSwitch:
		return "limit switch"
	case ErrorCommunication:
		return "communication error"
	}
	return "unknown error"
}

func (e ErrorCode) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *ErrorCode) UnmarshalText(text []byte) error {
	for v := ErrorNone; v <= ErrorCommunication; v++ {
		if v.String() == string(text) {
			*e = v
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", text)
}

// Code extracts the ErrorCode carried by err, if any.
func Code(err error) (ErrorCode, bool) {
	var code ErrorCode
	if errors.As(err, &code) {
		return code, true
	}
	return ErrorNone, false
}
