package model

// Location is a geodetic ground coordinate. Altitude is in kilometres above
// the WGS84 ellipsoid.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Altitude  float64 `json:"altitude" yaml:"altitude"`
}

// GroundStation is a remote uplink site.
type GroundStation struct {
	ID       int      `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Location Location `json:"location" yaml:"location"`
}
