package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/orbit"
)

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9993"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257767"
)

func TestAddAndGetSatellite(t *testing.T) {
	c := New()
	if err := c.AddSatellite(model.Satellite{ID: 1, Name: "ISS", TLELine1: issLine1, TLELine2: issLine2}); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	got, err := c.Satellite(1)
	if err != nil || got.Name != "ISS" || !got.HasTLE() {
		t.Fatalf("Satellite(1) = %+v, %v", got, err)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt should be stamped")
	}
}

func TestAddSatelliteDuplicateAndInvalid(t *testing.T) {
	c := New()
	if err := c.AddSatellite(model.Satellite{ID: 1, Name: "a"}); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}
	if err := c.AddSatellite(model.Satellite{ID: 1, Name: "b"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if err := c.AddSatellite(model.Satellite{ID: 0, Name: ""}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("invalid: err = %v", err)
	}
	if err := c.AddSatellite(model.Satellite{ID: 2, Name: "x", TLELine1: "bad"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad tle: err = %v", err)
	}
}

func TestMissingRecordsAreNotFound(t *testing.T) {
	c := New()
	if _, err := c.Satellite(42); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Satellite: err = %v", err)
	}
	if _, err := c.GroundStation(42); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GroundStation: err = %v", err)
	}
}

func TestGroundStationValidation(t *testing.T) {
	c := New()
	err := c.AddGroundStation(model.GroundStation{ID: 1, Name: "x", Location: model.Location{Latitude: 91}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateTLENotifiesSubscribers(t *testing.T) {
	c := New()
	if err := c.AddSatellite(model.Satellite{ID: 7, Name: "sat"}); err != nil {
		t.Fatalf("AddSatellite: %v", err)
	}

	var mu sync.Mutex
	var events []Event
	unsub := c.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	if err := c.UpdateTLE(7, orbit.TLE{Line1: issLine1, Line2: issLine2}); err != nil {
		t.Fatalf("UpdateTLE: %v", err)
	}
	unsub()
	if err := c.UpdateTLE(7, orbit.TLE{Line1: issLine1, Line2: issLine2}); err != nil {
		t.Fatalf("UpdateTLE: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Type != EventTLEUpdated || events[0].Satellite.ID != 7 {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].Previous.Empty() || events[0].Satellite.TLELine1 != issLine1 {
		t.Fatalf("first update should replace an empty element set: %+v", events[0])
	}
	if err := c.UpdateTLE(8, orbit.TLE{Line1: issLine1, Line2: issLine2}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown satellite: err = %v", err)
	}
}

func TestLoad(t *testing.T) {
	doc := `{
	  "satellites": [{"id": 2, "name": "B"}, {"id": 1, "name": "A", "tleLine1": "` + issLine1 + `", "tleLine2": "` + issLine2 + `"}],
	  "groundStations": [{"id": 3, "name": "Svalbard", "location": {"latitude": 78.2, "longitude": 15.4, "altitude": 0.5}}]
	}`
	c, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sats := c.Satellites()
	if len(sats) != 2 || sats[0].ID != 1 || sats[1].ID != 2 {
		t.Fatalf("Satellites() = %+v", sats)
	}
	if gs := c.GroundStations(); len(gs) != 1 || gs[0].Location.Latitude != 78.2 {
		t.Fatalf("GroundStations() = %+v", gs)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := Load(strings.NewReader(`{"satelites": []}`)); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestLoadFileYAML(t *testing.T) {
	doc := "satellites:\n" +
		"  - id: 1\n" +
		"    name: ISS\n" +
		"    noradId: 25544\n" +
		"    tleLine1: \"" + issLine1 + "\"\n" +
		"    tleLine2: \"" + issLine2 + "\"\n" +
		"groundStations:\n" +
		"  - id: 3\n" +
		"    name: Aarhus\n" +
		"    location: {latitude: 56.17, longitude: 10.2, altitude: 0.05}\n"
	path := filepath.Join(t.TempDir(), "catalog.yml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	sat, err := c.Satellite(1)
	if err != nil || sat.NoradID != 25544 || !sat.HasTLE() {
		t.Fatalf("Satellite(1) = %+v, %v", sat, err)
	}
	gs, err := c.GroundStation(3)
	if err != nil || gs.Location.Longitude != 10.2 {
		t.Fatalf("GroundStation(3) = %+v, %v", gs, err)
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	if _, err := LoadYAML(strings.NewReader("satelites: []\n")); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}
