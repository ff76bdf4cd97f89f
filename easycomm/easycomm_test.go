package easycomm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/positioner/rotator"
)

type NoopCloser struct {
	io.Reader
	write bytes.Buffer
}

func (nc *NoopCloser) Write(p []byte) (n int, err error) {
	return nc.write.Write(p)
}

func (nc *NoopCloser) Close() error {
	return nil
}

func TestParsing(t *testing.T) {
	for _, test := range []struct {
		input  string
		status Status
	}{
		{"AZ170.00", Status{AzPos: 170}},
		{"EL45", Status{ElPos: 45}},
		{"GS514", Status{StatusRegister: 514, Moving: true, AzFlags: "MOVING", ElFlags: "MOVING"}},
		{"GS1028", Status{StatusRegister: 1028, AzFlags: "POINTING", ElFlags: "POINTING"}},
		{"GE4", Status{ErrorRegister: 4, LastError: rotator.ErrorLimitSwitch}},
		{"VEpositioner", Status{Version: "positioner"}},
		{"AZ10 EL20 GS257", Status{AzPos: 10, ElPos: 20, StatusRegister: 257, AzFlags: "IDLE", ElFlags: "IDLE"}},
		{"AZ10 XX EL20", Status{AzPos: 10, ElPos: 20}},
	} {
		t.Run(test.input, func(t *testing.T) {
			ctx := context.Background()
			conn := &NoopCloser{
				Reader: strings.NewReader(test.input),
			}
			var status Status
			r := New(conn, func(s Status) {
				status = s
			})
			if err := r.Run(ctx); err != io.EOF {
				t.Errorf("Run failed: got %v, want EOF", err)
			}
			if diff := cmp.Diff(test.status, status); diff != "" {
				t.Errorf("unexpected status: (-want +got):\n%s", diff)
			}
			if !strings.HasPrefix(conn.write.String(), "AZ EL GS GE VE\n") {
				t.Errorf("poll = %q", conn.write.String())
			}
		})
	}
}

type call struct {
	Method     string
	Az, El     float64
	SpeedGiven bool
}

type fakePositioner struct {
	mu     sync.Mutex
	status rotator.Status
	err    error
	calls  []call
}

func (f *fakePositioner) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakePositioner) SetPosition(az, el float64) error {
	f.record(call{Method: "SetPosition", Az: az, El: el})
	return f.err
}

func (f *fakePositioner) SetPositionSpeed(az, el, speed float64) error {
	f.record(call{Method: "SetPosition", Az: az, El: el, SpeedGiven: true})
	return f.err
}

func (f *fakePositioner) Stop()          { f.record(call{Method: "Stop"}) }
func (f *fakePositioner) EmergencyStop() { f.record(call{Method: "EmergencyStop"}) }

func (f *fakePositioner) Reset() error {
	f.record(call{Method: "Reset"})
	return f.err
}

func (f *fakePositioner) Home() error {
	f.record(call{Method: "Home"})
	return f.err
}

func (f *fakePositioner) Status() rotator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePositioner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestServerCommands(t *testing.T) {
	idle := rotator.Status{
		State:    rotator.StateIdle,
		Position: rotator.Position{Azimuth: 12.34, Elevation: 20},
	}
	tracking := rotator.Status{
		State:     rotator.StateTracking,
		LastError: rotator.ErrorNone,
		Position:  rotator.Position{Azimuth: 99.96, Elevation: 40},
		Target:    rotator.Command{TargetAzimuth: 100, TargetElevation: 40, SpeedFactor: 1},
		HasTarget: true,
	}
	for _, test := range []struct {
		input     string
		status    rotator.Status
		err       error
		wantOut   string
		wantCalls []call
		wantComm  bool
	}{
		{input: "AZ", status: idle, wantOut: "AZ12.3\n"},
		{input: "EL", status: tracking, wantOut: "EL40.0\n"},
		{input: "GS", status: tracking, wantOut: "GS1028\n"},
		{input: "GS", status: rotator.Status{State: rotator.StateEmergencyStop}, wantOut: "GS2056\n"},
		{input: "GE", status: rotator.Status{State: rotator.StateError, LastError: rotator.ErrorTimeout}, wantOut: "GE3\n"},
		{input: "VE", wantOut: "VEtest\n"},
		{input: "AZ100.5", status: idle, wantCalls: []call{{Method: "SetPosition", Az: 100.5, El: 20}}},
		{input: "EL30", status: tracking, wantCalls: []call{{Method: "SetPosition", Az: 100, El: 30}}},
		{input: "AZ400", status: idle, err: rotator.ErrorInvalidPosition, wantOut: "GE1\n",
			wantCalls: []call{{Method: "SetPosition", Az: 400, El: 20}}},
		{input: "SA", wantCalls: []call{{Method: "Stop"}}},
		{input: "HO", wantCalls: []call{{Method: "Home"}}},
		{input: "HO", status: rotator.Status{State: rotator.StateEmergencyStop}, err: errors.New("latched"),
			wantOut: "GS2056\n", wantCalls: []call{{Method: "Home"}}},
		{input: "ES", wantCalls: []call{{Method: "EmergencyStop"}}},
		{input: "RS", wantCalls: []call{{Method: "Reset"}}},
		{input: "AZ1x", wantComm: true},
		{input: "VU10", wantComm: true},
		{input: "az", wantComm: true},
		{input: "GS1", wantComm: true},
	} {
		t.Run(test.input, func(t *testing.T) {
			f := &fakePositioner{status: test.status, err: test.err}
			s := NewServer(f, "test")
			var out bytes.Buffer
			err := s.handle(&out, test.input)
			if got := errors.Is(err, rotator.ErrorCommunication); got != test.wantComm {
				t.Errorf("handle(%q) = %v, want communication error %v", test.input, err, test.wantComm)
			}
			if !test.wantComm && err != nil {
				t.Errorf("handle(%q) = %v", test.input, err)
			}
			if got := out.String(); got != test.wantOut {
				t.Errorf("reply = %q, want %q", got, test.wantOut)
			}
			if diff := cmp.Diff(test.wantCalls, f.Calls()); diff != "" {
				t.Errorf("unexpected calls: (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServeCountsCommErrors(t *testing.T) {
	f := &fakePositioner{}
	s := NewServer(f, "test")
	var seen []error
	s.OnCommError = func(err error) { seen = append(seen, err) }
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), a) }()

	if _, err := b.Write([]byte("VE bogus AZ\n")); err != nil {
		t.Fatal(err)
	}
	scanner := bufio.NewScanner(b)
	var got []string
	for len(got) < 3 && scanner.Scan() {
		got = append(got, scanner.Text())
	}
	b.Close()
	if err := <-done; err != io.EOF {
		t.Errorf("Serve = %v, want EOF", err)
	}
	if diff := cmp.Diff([]string{"VEtest", "GE5", "AZ0.0"}, got); diff != "" {
		t.Errorf("unexpected replies: (-want +got):\n%s", diff)
	}
	if s.CommErrors() != 1 || len(seen) != 1 {
		t.Errorf("CommErrors() = %d, hook saw %d; want 1", s.CommErrors(), len(seen))
	}
}

func TestRotatorTalksToServer(t *testing.T) {
	f := &fakePositioner{status: rotator.Status{
		State:    rotator.StateMoving,
		Position: rotator.Position{Azimuth: 45, Elevation: 10},
	}}
	s := NewServer(f, "test")
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, a)

	statuses := make(chan Status, 16)
	r := New(b, func(st Status) {
		select {
		case statuses <- st:
		default:
		}
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.Status().Version != "test" {
		select {
		case <-statuses:
		case <-deadline:
			t.Fatalf("never received a full status; last %+v", r.Status())
		}
	}
	want := Status{
		AzPos: 45, ElPos: 10,
		StatusRegister: 514, Version: "test",
		Moving: true, AzFlags: "MOVING", ElFlags: "MOVING",
	}
	if diff := cmp.Diff(want, r.Status()); diff != "" {
		t.Errorf("unexpected status: (-want +got):\n%s", diff)
	}

	if err := r.SetPosition(50, 12); err != nil {
		t.Fatal(err)
	}
	for len(f.Calls()) < 2 {
		select {
		case <-statuses:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("SetPosition never arrived; calls %+v", f.Calls())
		}
	}
	// AZ and EL arrive separately; the fake has no target so EL keeps
	// the current azimuth.
	wantCalls := []call{
		{Method: "SetPosition", Az: 50, El: 10},
		{Method: "SetPosition", Az: 45, El: 12},
	}
	if diff := cmp.Diff(wantCalls, f.Calls()); diff != "" {
		t.Errorf("unexpected calls: (-want +got):\n%s", diff)
	}
	cancel()
	if err := <-done; err == nil {
		t.Error("Run returned nil after cancel")
	}
}
