package overpass

import (
	"time"

	"github.com/signalsfoundry/satops/model"
)

type sample struct {
	at        time.Time
	elevation float64
	azimuth   float64
}

// tracker is the in-overpass state machine. A window opens on the first
// sample strictly above the threshold and closes on the first sample at or
// below it. A window still open when sampling stops is never emitted.
type tracker struct {
	threshold float64

	open    bool
	start   time.Time
	startAz float64
	maxAt   time.Time
	maxElev float64
}

func (t *tracker) feed(s sample) (model.OverpassWindow, bool) {
	visible := s.elevation > t.threshold
	switch {
	case !t.open && visible:
		t.open = true
		t.start = s.at
		t.startAz = s.azimuth
		t.maxAt = s.at
		t.maxElev = s.elevation
	case t.open && visible:
		if s.elevation > t.maxElev {
			t.maxElev = s.elevation
			t.maxAt = s.at
		}
	case t.open && !visible:
		t.open = false
		return model.OverpassWindow{
			StartTime:        t.start,
			EndTime:          s.at,
			MaxElevationTime: t.maxAt,
			MaxElevation:     t.maxElev,
			DurationSeconds:  s.at.Sub(t.start).Seconds(),
			StartAzimuth:     t.startAz,
			EndAzimuth:       s.azimuth,
		}, true
	}
	return model.OverpassWindow{}, false
}
