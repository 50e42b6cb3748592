package catalog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/orbit"
)

// EventType indicates what kind of change happened in the catalog.
type EventType int

const (
	EventTLEUpdated EventType = iota
)

// Event is emitted to subscribers when a satellite record changes.
type Event struct {
	Type      EventType
	Satellite model.Satellite
	// Previous is the element set the update replaced.
	Previous orbit.TLE
}

// Catalog is an in-memory, thread-safe registry of satellites and ground
// stations. Lookups return copies.
type Catalog struct {
	mu sync.RWMutex

	satellites map[int]*model.Satellite
	stations   map[int]*model.GroundStation

	subs []func(Event)
	now  func() time.Time
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{
		satellites: make(map[int]*model.Satellite),
		stations:   make(map[int]*model.GroundStation),
		now:        time.Now,
	}
}

// AddSatellite registers a satellite. It fails if the ID is taken or the
// record is invalid. A TLE is optional at registration.
func (c *Catalog) AddSatellite(s model.Satellite) error {
	verr := &apperr.ValidationError{}
	if s.ID <= 0 {
		verr.Add("id", "must be a positive integer")
	}
	if s.Name == "" {
		verr.Add("name", "must not be empty")
	}
	if s.TLELine1 != "" || s.TLELine2 != "" {
		if err := (orbit.TLE{Line1: s.TLELine1, Line2: s.TLELine2}).Validate(); err != nil {
			verr.Add("tle", "%v", err)
		}
	}
	if err := verr.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.satellites[s.ID]; exists {
		return apperr.Validation("id", "satellite %d already exists", s.ID)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = c.now().UTC()
	}
	c.satellites[s.ID] = &s
	return nil
}

// AddGroundStation registers a ground station.
func (c *Catalog) AddGroundStation(gs model.GroundStation) error {
	verr := &apperr.ValidationError{}
	if gs.ID <= 0 {
		verr.Add("id", "must be a positive integer")
	}
	if gs.Name == "" {
		verr.Add("name", "must not be empty")
	}
	if gs.Location.Latitude < -90 || gs.Location.Latitude > 90 {
		verr.Add("location.latitude", "must be between -90 and 90")
	}
	if gs.Location.Longitude < -180 || gs.Location.Longitude > 180 {
		verr.Add("location.longitude", "must be between -180 and 180")
	}
	if err := verr.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.stations[gs.ID]; exists {
		return apperr.Validation("id", "ground station %d already exists", gs.ID)
	}
	c.stations[gs.ID] = &gs
	return nil
}

// Satellite returns the satellite with the given ID or ErrNotFound.
func (c *Catalog) Satellite(id int) (model.Satellite, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.satellites[id]
	if !ok {
		return model.Satellite{}, fmt.Errorf("%w: satellite %d", apperr.ErrNotFound, id)
	}
	return *s, nil
}

// GroundStation returns the ground station with the given ID or ErrNotFound.
func (c *Catalog) GroundStation(id int) (model.GroundStation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gs, ok := c.stations[id]
	if !ok {
		return model.GroundStation{}, fmt.Errorf("%w: ground station %d", apperr.ErrNotFound, id)
	}
	return *gs, nil
}

// Satellites returns all satellites ordered by ID.
func (c *Catalog) Satellites() []model.Satellite {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]model.Satellite, 0, len(c.satellites))
	for _, s := range c.satellites {
		res = append(res, *s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// GroundStations returns all ground stations ordered by ID.
func (c *Catalog) GroundStations() []model.GroundStation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]model.GroundStation, 0, len(c.stations))
	for _, gs := range c.stations {
		res = append(res, *gs)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// UpdateTLE replaces a satellite's element set and notifies subscribers.
func (c *Catalog) UpdateTLE(id int, tle orbit.TLE) error {
	if err := tle.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.satellites[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: satellite %d", apperr.ErrNotFound, id)
	}
	prev := orbit.TLE{Line1: s.TLELine1, Line2: s.TLELine2}
	s.TLELine1 = tle.Line1
	s.TLELine2 = tle.Line2
	s.UpdatedAt = c.now().UTC()
	event := Event{Type: EventTLEUpdated, Satellite: *s, Previous: prev}
	subs := append([]func(Event){}, c.subs...)
	c.mu.Unlock()

	// Notify outside the lock so callbacks may read the catalog.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Subscribe registers a callback for catalog events. It returns an
// unsubscribe function.
func (c *Catalog) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	idx := len(c.subs) - 1

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < 0 || idx >= len(c.subs) {
			return
		}
		c.subs = append(c.subs[:idx], c.subs[idx+1:]...)
		idx = -1
	}
}
