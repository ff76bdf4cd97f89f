package safety

import (
	"math"
	"sync"
	"testing"

	"github.com/w1xm/positioner/actuator/sim"
	"github.com/w1xm/positioner/axis"
	"github.com/w1xm/positioner/rotator"
)

func TestWatchdog(t *testing.T) {
	for _, test := range []struct {
		name      string
		fed, now  uint32
		wantFired bool
	}{
		{"fresh", 1000, 1000, false},
		{"at timeout", 1000, 6000, false},
		{"past timeout", 1000, 6001, true},
		{"wrapped", math.MaxUint32 - 100, 4899, false},
		{"wrapped past timeout", math.MaxUint32 - 100, 4900, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := New(0)
			s.Feed(test.fed)
			if got := s.Expired(test.now); got != test.wantFired {
				t.Errorf("Expired(%d) after Feed(%d) = %v, want %v", test.now, test.fed, got, test.wantFired)
			}
		})
	}
}

func TestLatch(t *testing.T) {
	s := New(5000)
	if s.Consume() {
		t.Fatal("latched at start")
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RequestStop()
		}()
	}
	wg.Wait()
	if !s.Latched() {
		t.Error("pending request not visible")
	}
	if !s.Consume() {
		t.Error("request not consumed into the latch")
	}
	if !s.Consume() {
		t.Error("latch released by a second tick")
	}
	s.Clear()
	if s.Latched() || s.Consume() {
		t.Error("Clear did not release the latch")
	}
}

func TestCheckSignals(t *testing.T) {
	a := sim.New(axis.DefaultAzimuth, axis.DefaultElevation)
	if code, _ := CheckSignals(a); code != rotator.ErrorNone {
		t.Fatalf("CheckSignals on a healthy actuator = %v", code)
	}
	a.SetFault(rotator.Elevation, true)
	if code, ax := CheckSignals(a); code != rotator.ErrorMotorFault || ax != rotator.Elevation {
		t.Errorf("CheckSignals = %v on %v, want motor fault on elevation", code, ax)
	}
	a.SetLimit(rotator.Azimuth, true)
	if code, ax := CheckSignals(a); code != rotator.ErrorLimitSwitch || ax != rotator.Azimuth {
		t.Errorf("CheckSignals = %v on %v, want limit switch on azimuth", code, ax)
	}
}

func TestCheckSignalsExcept(t *testing.T) {
	a := sim.New(axis.DefaultAzimuth, axis.DefaultElevation)
	a.SetLimit(rotator.Azimuth, true)
	if code, _ := CheckSignalsExcept(a, [2]bool{true, false}); code != rotator.ErrorNone {
		t.Errorf("skipped azimuth limit reported %v", code)
	}
	a.SetLimit(rotator.Elevation, true)
	if code, ax := CheckSignalsExcept(a, [2]bool{true, false}); code != rotator.ErrorLimitSwitch || ax != rotator.Elevation {
		t.Errorf("CheckSignalsExcept = %v on %v, want limit switch on elevation", code, ax)
	}
	a.SetLimit(rotator.Elevation, false)
	a.SetFault(rotator.Azimuth, true)
	if code, ax := CheckSignalsExcept(a, [2]bool{true, false}); code != rotator.ErrorMotorFault || ax != rotator.Azimuth {
		t.Errorf("CheckSignalsExcept = %v on %v, want motor fault on azimuth", code, ax)
	}
}
