package model

import "time"

// OverpassWindow is a contiguous interval during which a satellite is above
// the elevation threshold of a ground station. Windows are derived per query
// and never stored by the core.
type OverpassWindow struct {
	SatelliteID       int       `json:"satelliteId"`
	SatelliteName     string    `json:"satelliteName"`
	GroundStationID   int       `json:"groundStationId"`
	GroundStationName string    `json:"groundStationName"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	MaxElevationTime  time.Time `json:"maxElevationTime"`
	MaxElevation      float64   `json:"maxElevation"`
	DurationSeconds   float64   `json:"durationSeconds"`
	StartAzimuth      float64   `json:"startAzimuth"`
	EndAzimuth        float64   `json:"endAzimuth"`
}
