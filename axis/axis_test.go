package axis

import (
	"errors"
	"math"
	"testing"

	"github.com/w1xm/positioner/rotator"
)

func mustAxis(t *testing.T, id rotator.Axis, cfg Config) *Axis {
	t.Helper()
	a, err := New(id, cfg)
	if err != nil {
		t.Fatalf("New(%v): %v", id, err)
	}
	return a
}

func TestRoundTrip(t *testing.T) {
	az := mustAxis(t, rotator.Azimuth, DefaultAzimuth)
	for a := 0.0; a < 360; a += 0.37 {
		steps, err := az.DegreesToSteps(a)
		if err != nil {
			t.Fatalf("DegreesToSteps(%v): %v", a, err)
		}
		got := az.StepsToDegrees(steps)
		if math.Abs(got-a) > az.Resolution() {
			t.Errorf("StepsToDegrees(DegreesToSteps(%v)) = %v, off by more than one step", a, got)
		}
	}
}

func TestStepsExactInverse(t *testing.T) {
	el := mustAxis(t, rotator.Elevation, Config{MinAngle: -5, MaxAngle: 95, StepsPerDegree: 37.5, MaxSpeed: 500})
	for steps := int64(-187); steps <= 3562; steps += 7 {
		got, err := el.DegreesToSteps(el.StepsToDegrees(steps))
		if err != nil {
			t.Fatalf("DegreesToSteps(StepsToDegrees(%d)): %v", steps, err)
		}
		if got != steps {
			t.Errorf("round trip of %d steps gave %d", steps, got)
		}
	}
}

func TestDegreesToStepsRange(t *testing.T) {
	el := mustAxis(t, rotator.Elevation, DefaultElevation)
	for _, test := range []struct {
		angle float64
		steps int64
		err   error
	}{
		{0, 0, nil},
		{90, 9000, nil},
		{45.004, 4500, nil},
		{-0.01, 0, rotator.ErrorInvalidPosition},
		{90.01, 0, rotator.ErrorInvalidPosition},
		{math.NaN(), 0, rotator.ErrorInvalidPosition},
		{math.Inf(1), 0, rotator.ErrorInvalidPosition},
	} {
		steps, err := el.DegreesToSteps(test.angle)
		if !errors.Is(err, test.err) {
			t.Errorf("DegreesToSteps(%v) error = %v, want %v", test.angle, err, test.err)
		}
		if steps != test.steps {
			t.Errorf("DegreesToSteps(%v) = %d, want %d", test.angle, steps, test.steps)
		}
	}
}

func TestNewValidation(t *testing.T) {
	for name, cfg := range map[string]Config{
		"inverted":   {MinAngle: 10, MaxAngle: 5, StepsPerDegree: 1, MaxSpeed: 1},
		"zero steps": {MinAngle: 0, MaxAngle: 5, StepsPerDegree: 0, MaxSpeed: 1},
		"zero speed": {MinAngle: 0, MaxAngle: 5, StepsPerDegree: 1},
		"home out":   {MinAngle: 0, MaxAngle: 5, StepsPerDegree: 1, MaxSpeed: 1, HomeAngle: 6},
		"nan limit":  {MinAngle: math.NaN(), MaxAngle: 5, StepsPerDegree: 1, MaxSpeed: 1},
		"margin":     {MinAngle: 0, MaxAngle: 5, StepsPerDegree: 1, MaxSpeed: 1, LimitMargin: -1},
	} {
		if _, err := New(rotator.Azimuth, cfg); err == nil {
			t.Errorf("%s: New accepted %+v", name, cfg)
		}
	}
}

func TestHomeSteps(t *testing.T) {
	cfg := DefaultAzimuth
	cfg.HomeAngle = 180
	az := mustAxis(t, rotator.Azimuth, cfg)
	if got := az.HomeSteps(); got != 18000 {
		t.Errorf("HomeSteps() = %d, want 18000", got)
	}
}

func TestSwitchSteps(t *testing.T) {
	cfg := DefaultElevation
	cfg.LimitMargin = 2
	el := mustAxis(t, rotator.Elevation, cfg)
	if got := el.SwitchSteps(rotator.CCW); got != -200 {
		t.Errorf("SwitchSteps(CCW) = %d, want -200", got)
	}
	if got := el.SwitchSteps(rotator.CW); got != 9200 {
		t.Errorf("SwitchSteps(CW) = %d, want 9200", got)
	}
}
