// Package telemetry records positioner status to InfluxDB.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/w1xm/positioner/rotator"
)

const Measurement = "positioner.status"

// Recorder writes a point at most once per interval, and immediately
// whenever the state or last error changes.
type Recorder struct {
	interval time.Duration
	emit     func(fields map[string]interface{}, ts time.Time)
	now      func() time.Time
	close    func()

	mu      sync.Mutex
	last    time.Time
	lastKey [2]int
}

func Connect(server, token, org, bucket string, interval time.Duration) *Recorder {
	client := influxdb2.NewClient(server, token)
	// Get non-blocking write client
	writeApi := client.WriteApi(org, bucket)
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("influx write error: %v", err)
		}
	}()
	log.Printf("recording telemetry to %s (%s/%s)", server, org, bucket)
	r := newRecorder(interval, func(fields map[string]interface{}, ts time.Time) {
		// write asynchronously
		writeApi.WritePoint(influxdb2.NewPoint(Measurement, nil, fields, ts))
	})
	r.close = func() {
		writeApi.Close()
		client.Close()
	}
	return r
}

func newRecorder(interval time.Duration, emit func(map[string]interface{}, time.Time)) *Recorder {
	return &Recorder{
		interval: interval,
		emit:     emit,
		now:      time.Now,
		lastKey:  [2]int{-1, -1},
	}
}

// Observe is a rotator.StatusCallback.
func (r *Recorder) Observe(status rotator.Status) {
	now := r.now()
	key := [2]int{int(status.State), int(status.LastError)}
	r.mu.Lock()
	if key == r.lastKey && now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last, r.lastKey = now, key
	r.mu.Unlock()

	fields, err := Fields(status)
	if err != nil {
		log.Print(err)
		return
	}
	r.emit(fields, now)
}

// Close flushes pending points.
func (r *Recorder) Close() {
	if r.close != nil {
		r.close()
	}
}

// Fields flattens a status into dotted influx field names.
func Fields(status rotator.Status) (map[string]interface{}, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	flattenStatus(fields, v, "")
	return fields, nil
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}
