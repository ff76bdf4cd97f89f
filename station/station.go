// Package station runs a controller's tick loop and exposes it to the
// concurrent protocol servers.
package station

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/w1xm/positioner/controller"
	"github.com/w1xm/positioner/rotator"
)

const DefaultTickInterval = 5 * time.Millisecond

// Station serializes access to a Controller. The controller is only ever
// touched with mu held, and Update runs from Run alone.
type Station struct {
	mu       sync.Mutex
	c        *controller.Controller
	interval time.Duration

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     rotator.Status
	seq        uint64

	callbacks []rotator.StatusCallback
}

func New(c *controller.Controller, interval time.Duration) *Station {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s := &Station{c: c, interval: interval, status: c.Status(), seq: 1}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// OnStatus registers a callback run after every tick. Callbacks must be
// registered before Run.
func (s *Station) OnStatus(cb rotator.StatusCallback) {
	s.callbacks = append(s.callbacks, cb)
}

func (s *Station) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.c.Stop()
			status := s.c.Status()
			s.mu.Unlock()
			s.publish(status)
			log.Print("station stopped; drivers halted")
			return ctx.Err()
		case <-t.C:
		}
		s.mu.Lock()
		s.c.Update()
		status := s.c.Status()
		s.mu.Unlock()
		s.publish(status)
		for _, cb := range s.callbacks {
			cb(status)
		}
	}
}

func (s *Station) publish(status rotator.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if status == s.status {
		return
	}
	s.status = status
	s.seq++
	s.statusCond.Broadcast()
}

// do runs f against the controller and publishes the resulting status.
func (s *Station) do(f func(c *controller.Controller) error) error {
	s.mu.Lock()
	err := f(s.c)
	status := s.c.Status()
	s.mu.Unlock()
	s.publish(status)
	return err
}

func (s *Station) SetPosition(az, el float64) error {
	return s.do(func(c *controller.Controller) error { return c.SetPosition(az, el) })
}

func (s *Station) SetPositionSpeed(az, el, speed float64) error {
	return s.do(func(c *controller.Controller) error { return c.SetPositionSpeed(az, el, speed) })
}

func (s *Station) Stop() {
	s.do(func(c *controller.Controller) error {
		c.Stop()
		return nil
	})
}

func (s *Station) Home() error {
	return s.do(func(c *controller.Controller) error { return c.Home() })
}

// EmergencyStop flags the stop for the next tick before waiting for the
// controller, so a busy tick cannot delay it by more than one interval.
func (s *Station) EmergencyStop() {
	s.c.RequestEmergencyStop()
	s.do(func(c *controller.Controller) error {
		c.EmergencyStop()
		return nil
	})
}

// Reset re-initializes the controller. It is the only way to leave
// EMERGENCY_STOP.
func (s *Station) Reset() error {
	return s.do(func(c *controller.Controller) error { return c.Init() })
}

func (s *Station) Status() rotator.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Next blocks until a status newer than seq is published or ctx is done,
// and returns the latest status with its sequence number. Pass 0 to get
// the current status immediately.
func (s *Station) Next(ctx context.Context, seq uint64) (rotator.Status, uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	})
	defer stop()
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	for s.seq <= seq && seq != 0 && ctx.Err() == nil {
		s.statusCond.Wait()
	}
	return s.status, s.seq, ctx.Err()
}
