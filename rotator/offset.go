package rotator

import (
	"errors"
	"math"
	"sync"
)

// Offset applies a fixed mount calibration to a Positioner. The offsets are
// added to reported positions and subtracted from requested ones.
//
// Azimuths are kept inside the wrapped positioner's travel, [0, 360] unless
// SetAzimuthRange says otherwise.
type Offset struct {
	Positioner
	mu                 sync.Mutex
	offsetAz, offsetEl float64
	azMin, azMax       float64
}

// wrap leaves an azimuth inside [lo, hi] alone and otherwise normalizes
// it into [lo, lo+360).
func wrap(angle, lo, hi float64) float64 {
	if angle >= lo && angle <= hi {
		return angle
	}
	angle = math.Mod(angle-lo, 360)
	if angle < 0 {
		angle += 360
	}
	return angle + lo
}

func NewOffset(p Positioner, offsetAz, offsetEl float64) *Offset {
	return &Offset{Positioner: p, offsetAz: offsetAz, offsetEl: offsetEl, azMax: 360}
}

// SetAzimuthRange sets the azimuth travel of the wrapped positioner, for
// mounts with a signed or extended range.
func (o *Offset) SetAzimuthRange(lo, hi float64) {
	o.mu.Lock()
	o.azMin, o.azMax = lo, hi
	o.mu.Unlock()
}

func (o *Offset) offsets() (float64, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsetAz, o.offsetEl
}

func (o *Offset) wrap(az float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return wrap(az, o.azMin, o.azMax)
}

func (o *Offset) SetAzimuthOffset(offset float64) {
	o.mu.Lock()
	o.offsetAz = offset
	o.mu.Unlock()
}

func (o *Offset) SetElevationOffset(offset float64) {
	o.mu.Lock()
	o.offsetEl = offset
	o.mu.Unlock()
}

func (o *Offset) SetPosition(az, el float64) error {
	offAz, offEl := o.offsets()
	return o.Positioner.SetPosition(o.wrap(az-offAz), el-offEl)
}

func (o *Offset) SetPositionSpeed(az, el, speed float64) error {
	offAz, offEl := o.offsets()
	return o.Positioner.SetPositionSpeed(o.wrap(az-offAz), el-offEl, speed)
}

func (o *Offset) Status() Status {
	offAz, offEl := o.offsets()
	status := o.Positioner.Status()
	status.Position.Azimuth = o.wrap(status.Position.Azimuth + offAz)
	status.Position.Elevation += offEl
	if status.HasTarget {
		status.Target.TargetAzimuth = o.wrap(status.Target.TargetAzimuth + offAz)
		status.Target.TargetElevation += offEl
	}
	return status
}

// Reset passes through to the wrapped positioner if it is a Resetter.
func (o *Offset) Reset() error {
	r, ok := o.Positioner.(Resetter)
	if !ok {
		return errors.New("reset not supported")
	}
	return r.Reset()
}
