package rotator

import "math"

// Transformer accepts equatorial pointing requests (hour angle and
// declination) and forwards them to a Positioner in azimuth/elevation.
type Transformer struct {
	Positioner
	latitude float64
}

// equhor converts between azimuth/altitude and hour-angle/declination.
// The transform is its own inverse. Phi is the observer's latitude.
// Arguments are in radians; azimuth is measured from north through east.
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor_rad(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(clampUnit(sq))

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	p := math.Acos(clampUnit(cp))
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

// clampUnit keeps rounding noise from pushing asin/acos arguments out of [-1, 1].
func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func equhor_deg(x, y, phi float64) (float64, float64) {
	x, y, phi = deg2rad(x), deg2rad(y), deg2rad(phi)
	p, q := equhor_rad(x, y, phi)
	return rad2deg(p), rad2deg(q)
}

func NewTransformer(p Positioner, latitude float64) *Transformer {
	return &Transformer{Positioner: p, latitude: latitude}
}

// SetEquatorialPosition points at the given hour angle and declination, in degrees.
func (t *Transformer) SetEquatorialPosition(ha, dec float64) error {
	az, el := equhor_deg(ha, dec, t.latitude)
	return t.SetPosition(az, el)
}

// Equatorial returns the hour angle and declination the antenna currently points at.
func (t *Transformer) Equatorial() (ha, dec float64) {
	status := t.Status()
	return equhor_deg(status.AzimuthPosition(), status.ElevationPosition(), t.latitude)
}
