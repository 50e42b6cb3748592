package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satops/gateway"
)

func (a *api) listSatellites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Catalog.Satellites())
}

func (a *api) getSatellite(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	sat, err := a.Catalog.Satellite(id)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, sat)
}

func (a *api) listGroundStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Catalog.GroundStations())
}

func (a *api) getGroundStation(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	gs, err := a.Catalog.GroundStation(id)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

type gatewayStatus struct {
	Connected   int                      `json:"connected"`
	Connections []gateway.ConnectionInfo `json:"connections"`
}

func (a *api) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	conns := a.Connections.Connections()
	if conns == nil {
		conns = []gateway.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, gatewayStatus{Connected: len(conns), Connections: conns})
}
