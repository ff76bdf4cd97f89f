// Package metrics exports positioner status to Prometheus.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/positioner/rotator"
)

var states = []rotator.SystemState{
	rotator.StateIdle,
	rotator.StateMoving,
	rotator.StateTracking,
	rotator.StateError,
	rotator.StateEmergencyStop,
}

type Collector struct {
	gatherer prometheus.Gatherer

	State      *prometheus.GaugeVec
	Position   *prometheus.GaugeVec
	Steps      *prometheus.GaugeVec
	Homed      prometheus.Gauge
	Ticks      prometheus.Counter
	Faults     *prometheus.CounterVec
	CommErrors *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	mu        sync.Mutex
	lastError rotator.ErrorCode
}

// New registers the positioner metrics with reg, or with the default
// registry if reg is nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{
		gatherer: gatherer,
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "positioner_state",
			Help: "1 for the controller's current state, 0 for the others.",
		}, []string{"state"}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "positioner_position_degrees",
			Help: "Tracked antenna position.",
		}, []string{"axis"}),
		Steps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "positioner_position_steps",
			Help: "Tracked antenna position in motor steps.",
		}, []string{"axis"}),
		Homed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "positioner_homed",
			Help: "1 once a homing run has completed.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "positioner_ticks_total",
			Help: "Control loop iterations.",
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positioner_faults_total",
			Help: "Faults recorded by the controller, by error code.",
		}, []string{"code"}),
		CommErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positioner_comm_errors_total",
			Help: "Malformed commands received, by protocol.",
		}, []string{"protocol"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "positioner_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"path", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "positioner_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
	}
	for _, col := range []prometheus.Collector{
		c.State, c.Position, c.Steps, c.Homed, c.Ticks,
		c.Faults, c.CommErrors, c.HTTPRequests, c.HTTPDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe records one tick's status. It is a rotator.StatusCallback.
func (c *Collector) Observe(status rotator.Status) {
	c.Ticks.Inc()
	for _, s := range states {
		v := 0.0
		if s == status.State {
			v = 1
		}
		c.State.WithLabelValues(s.String()).Set(v)
	}
	c.Position.WithLabelValues(rotator.Azimuth.String()).Set(status.Position.Azimuth)
	c.Position.WithLabelValues(rotator.Elevation.String()).Set(status.Position.Elevation)
	c.Steps.WithLabelValues(rotator.Azimuth.String()).Set(float64(status.AzSteps))
	c.Steps.WithLabelValues(rotator.Elevation.String()).Set(float64(status.ElSteps))
	if status.Homed {
		c.Homed.Set(1)
	} else {
		c.Homed.Set(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if status.LastError != c.lastError && status.LastError != rotator.ErrorNone {
		c.Faults.WithLabelValues(status.LastError.String()).Inc()
	}
	c.lastError = status.LastError
}

// CommError returns a hook counting malformed input for protocol.
func (c *Collector) CommError(protocol string) func(error) {
	counter := c.CommErrors.WithLabelValues(protocol)
	return func(error) { counter.Inc() }
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

// Middleware records request count and duration for each request.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		c.HTTPRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.statusCode)).Inc()
		c.HTTPDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}
