package sim

import (
	"errors"
	"testing"

	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/rotator"
)

func TestLimitSwitches(t *testing.T) {
	s := New(axis.DefaultAzimuth, axis.DefaultElevation)
	if s.ReadLimitSwitch(rotator.Elevation) {
		t.Fatal("limit tripped at home")
	}
	s.MoveTo(rotator.Elevation, -199)
	if s.ReadLimitSwitch(rotator.Elevation) {
		t.Error("limit tripped inside the margin")
	}
	s.Step(rotator.Elevation, rotator.CCW)
	if !s.ReadLimitSwitch(rotator.Elevation) {
		t.Error("limit not tripped at the lower stop")
	}
	s.MoveTo(rotator.Elevation, 9200)
	if !s.ReadLimitSwitch(rotator.Elevation) {
		t.Error("limit not tripped at the upper stop")
	}
}

func TestStallAndFault(t *testing.T) {
	s := New(axis.DefaultAzimuth, axis.DefaultElevation)
	s.SetStall(rotator.Azimuth, true)
	if err := s.Step(rotator.Azimuth, rotator.CW); !errors.Is(err, ErrStall) {
		t.Errorf("Step during stall = %v, want ErrStall", err)
	}
	if got := s.Issued(rotator.Azimuth); got != 0 {
		t.Errorf("stalled step counted: %d", got)
	}
	s.SetFault(rotator.Elevation, true)
	if !s.ReadFault(rotator.Elevation) || s.ReadFault(rotator.Azimuth) {
		t.Error("fault lines not per axis")
	}
}

func TestHaltReleasedByStep(t *testing.T) {
	s := New(axis.DefaultAzimuth, axis.DefaultElevation)
	s.Halt()
	if !s.Halted() || s.Halts() != 1 {
		t.Fatalf("Halt not recorded: halted=%v halts=%d", s.Halted(), s.Halts())
	}
	if err := s.Step(rotator.Azimuth, rotator.CW); err != nil {
		t.Fatal(err)
	}
	if s.Halted() {
		t.Error("drivers still halted after a step")
	}
	if got := s.Position(rotator.Azimuth); got != 1 {
		t.Errorf("Position = %d, want 1", got)
	}
}
