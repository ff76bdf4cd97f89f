package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/w1xm/positioner/actuator/sim"
	"github.com/w1xm/positioner/controller"
	"github.com/w1xm/positioner/metrics"
	"github.com/w1xm/positioner/rotator"
	"github.com/w1xm/positioner/station"
)

func startServer(t *testing.T, latitude *float64) *httptest.Server {
	t.Helper()
	cfg := controller.DefaultConfig()
	c, err := controller.New(cfg, sim.New(cfg.Azimuth, cfg.Elevation), rotator.NewSystemClock())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	collector, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	st := station.New(c, time.Millisecond)
	st.OnStatus(collector.Observe)
	ctx, cancel := context.WithCancel(context.Background())
	go st.Run(ctx)

	s := NewServer(st, rotator.NewOffset(st, 0, 0), latitude)
	ts := httptest.NewServer(newRouter(s, collector, ""))
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts
}

func getStatus(t *testing.T, ts *httptest.Server) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	return status
}

func post(t *testing.T, ts *httptest.Server, body string) (int, commandResult) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var result commandResult
	if resp.StatusCode != http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, result
}

func TestStatusHandler(t *testing.T) {
	ts := startServer(t, nil)
	status := getStatus(t, ts)
	if status["State"] != "IDLE" || status["LastError"] != "ERROR_NONE" {
		t.Errorf("unexpected status %v", status)
	}
	if _, ok := status["HourAngle"]; ok {
		t.Error("hour angle reported without a latitude")
	}

	latitude := 42.36
	if _, ok := getStatus(t, startServer(t, &latitude))["HourAngle"]; !ok {
		t.Error("hour angle missing with a latitude")
	}
}

func TestCommandHandler(t *testing.T) {
	ts := startServer(t, nil)
	for _, test := range []struct {
		body string
		code int
		want commandResult
	}{
		{`{"command": "set_position", "azimuth": 10, "elevation": 20, "speed": 0.5}`, http.StatusOK, commandResult{}},
		{`{"command": "set_position", "azimuth": 10, "elevation": 200}`, http.StatusConflict,
			commandResult{Error: "invalid position", ErrorCode: rotator.ErrorInvalidPosition}},
		{`{"command": "set_equatorial"}`, http.StatusConflict, commandResult{Error: "no latitude configured"}},
		{`{"command": "spin"}`, http.StatusConflict, commandResult{Error: `unknown command "spin"`}},
		{`{"command": `, http.StatusBadRequest, commandResult{}},
		{`{"command": "stop"}`, http.StatusOK, commandResult{}},
	} {
		code, got := post(t, ts, test.body)
		if code != test.code {
			t.Errorf("%s: status %d, want %d", test.body, code, test.code)
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("%s: unexpected result: (-want +got):\n%s", test.body, diff)
		}
	}
}

func TestEmergencyStopAndReset(t *testing.T) {
	ts := startServer(t, nil)
	if code, _ := post(t, ts, `{"command": "emergency_stop"}`); code != http.StatusOK {
		t.Fatalf("emergency_stop: status %d", code)
	}
	if status := getStatus(t, ts); status["State"] != "EMERGENCY_STOP" {
		t.Errorf("state %v after emergency_stop", status["State"])
	}
	if code, _ := post(t, ts, `{"command": "set_position", "azimuth": 1, "elevation": 1}`); code != http.StatusConflict {
		t.Errorf("set_position during emergency stop: status %d", code)
	}
	if code, _ := post(t, ts, `{"command": "reset"}`); code != http.StatusOK {
		t.Errorf("reset: status %d", code)
	}
	if status := getStatus(t, ts); status["State"] != "IDLE" {
		t.Errorf("state %v after reset", status["State"])
	}
}

func TestStatusSocket(t *testing.T) {
	ts := startServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var status Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != rotator.StateIdle {
		t.Errorf("initial state %v", status.State)
	}

	if err := conn.WriteJSON(Command{Command: "set_position", Azimuth: 0.5, Elevation: 0.5}); err != nil {
		t.Fatal(err)
	}
	for status.State != rotator.StateTracking {
		if err := conn.ReadJSON(&status); err != nil {
			t.Fatalf("waiting for TRACKING: %v", err)
		}
	}
	if status.Target.TargetAzimuth != 0.5 || status.Target.TargetElevation != 0.5 {
		t.Errorf("tracking target %+v", status.Target)
	}
}
