package orbit

import (
	"fmt"
	"math"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/satops/internal/apperr"
)

// Site is an observer position on the ground.
type Site struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	AltitudeKm   float64
}

// Look is the apparent position of a satellite from a Site.
type Look struct {
	AzimuthDeg   float64
	ElevationDeg float64
	RangeKm      float64
}

// Observer computes the look angles of a satellite from a ground site.
type Observer interface {
	Observe(tle TLE, site Site, at time.Time) (Look, error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tle TLE, site Site, at time.Time) (Look, error)

func (f ObserverFunc) Observe(tle TLE, site Site, at time.Time) (Look, error) {
	return f(tle, site, at)
}

// SGP4Observer propagates TLEs with SGP4 (WGS72 constants). Parsed element
// sets are cached; it is safe for concurrent use.
type SGP4Observer struct {
	mu   sync.RWMutex
	sats map[TLE]satellite.Satellite
}

// NewSGP4Observer returns an observer with an empty element cache.
func NewSGP4Observer() *SGP4Observer {
	return &SGP4Observer{sats: make(map[TLE]satellite.Satellite)}
}

func (o *SGP4Observer) Observe(tle TLE, site Site, at time.Time) (Look, error) {
	sat, err := o.load(tle)
	if err != nil {
		return Look{}, err
	}

	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	pos, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) {
		return Look{}, fmt.Errorf("%w: propagation diverged at %s", apperr.ErrUpstreamUnavailable, at.Format(time.RFC3339))
	}
	jd := satellite.JDay(year, int(month), day, hour, min, sec)

	obs := satellite.LatLong{
		Latitude:  site.LatitudeDeg * math.Pi / 180,
		Longitude: site.LongitudeDeg * math.Pi / 180,
	}
	la := satellite.ECIToLookAngles(pos, obs, site.AltitudeKm, jd)

	return Look{
		AzimuthDeg:   normalizeAzimuth(la.Az * 180 / math.Pi),
		ElevationDeg: la.El * 180 / math.Pi,
		RangeKm:      la.Rg,
	}, nil
}

// Forget drops the cached propagator for tle.
func (o *SGP4Observer) Forget(tle TLE) {
	o.mu.Lock()
	delete(o.sats, tle)
	o.mu.Unlock()
}

// Cached reports how many element sets are parsed and held.
func (o *SGP4Observer) Cached() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sats)
}

func (o *SGP4Observer) load(tle TLE) (satellite.Satellite, error) {
	o.mu.RLock()
	sat, ok := o.sats[tle]
	o.mu.RUnlock()
	if ok {
		return sat, nil
	}

	if err := tle.Validate(); err != nil {
		return satellite.Satellite{}, err
	}
	sat, err := parse(tle)
	if err != nil {
		return satellite.Satellite{}, err
	}

	o.mu.Lock()
	o.sats[tle] = sat
	o.mu.Unlock()
	return sat, nil
}

// parse converts the element set, turning a panic inside the SGP4 parser
// into an error.
func parse(tle TLE) (sat satellite.Satellite, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: cannot parse TLE: %v", apperr.ErrBadRequest, r)
		}
	}()
	return satellite.TLEToSat(tle.Line1, tle.Line2, satellite.GravityWGS72), nil
}

func normalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
