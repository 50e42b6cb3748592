package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/overpass"
)

// defaultWindowRange applies when endTime is omitted.
const defaultWindowRange = 7 * 24 * time.Hour

func (a *api) overpassWindows(w http.ResponseWriter, r *http.Request) {
	verr := &apperr.ValidationError{}
	p := params{values: r.URL.Query(), verr: verr}
	satID, gsID := pathIDs(r, verr)

	q := overpass.Query{
		SatelliteID:            satID,
		GroundStationID:        gsID,
		Start:                  p.time("startTime", a.Now()),
		MinimumElevation:       p.float("minimumElevation", 0),
		MinimumDurationSeconds: p.float("minimumDuration", 0),
		MaxResults:             p.int("maxResults", 0),
	}
	q.End = p.time("endTime", q.Start.Add(defaultWindowRange))
	if err := verr.Err(); err != nil {
		writeError(w, r, a.Log, err)
		return
	}

	windows, err := a.Overpasses.Windows(r.Context(), q)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (a *api) nextOverpass(w http.ResponseWriter, r *http.Request) {
	verr := &apperr.ValidationError{}
	p := params{values: r.URL.Query(), verr: verr}
	satID, gsID := pathIDs(r, verr)

	q := overpass.NextQuery{
		SatelliteID:            satID,
		GroundStationID:        gsID,
		From:                   p.time("startTime", a.Now()),
		MinimumElevation:       p.float("minimumElevation", 0),
		MinimumDurationSeconds: p.float("minimumDuration", 0),
	}
	if err := verr.Err(); err != nil {
		writeError(w, r, a.Log, err)
		return
	}

	window, err := a.Overpasses.Next(r.Context(), q)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func pathIDs(r *http.Request, verr *apperr.ValidationError) (satID, gsID int) {
	vars := mux.Vars(r)
	satID, err := strconv.Atoi(vars["satelliteId"])
	if err != nil {
		verr.Add("satelliteId", "must be an integer")
	}
	gsID, err = strconv.Atoi(vars["groundStationId"])
	if err != nil {
		verr.Add("groundStationId", "must be an integer")
	}
	return satID, gsID
}

// params reads optional query parameters, collecting parse failures.
type params struct {
	values url.Values
	verr   *apperr.ValidationError
}

func (p params) time(name string, def time.Time) time.Time {
	raw := p.values.Get(name)
	if raw == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		p.verr.Add(name, "must be an RFC 3339 timestamp")
		return def
	}
	return t.UTC()
}

func (p params) float(name string, def float64) float64 {
	raw := p.values.Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.verr.Add(name, "must be a number")
		return def
	}
	return v
}

func (p params) int(name string, def int) int {
	raw := p.values.Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.verr.Add(name, "must be an integer")
		return def
	}
	return v
}
