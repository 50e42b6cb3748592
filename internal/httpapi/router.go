// Package httpapi exposes the mission-command core over JSON HTTP endpoints
// and hosts the ground station websocket endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/overpass"
)

// FlightPlans is the lifecycle surface served under /api/v1/flight-plans.
type FlightPlans interface {
	Create(ctx context.Context, spec flightplan.Spec) (*model.FlightPlan, error)
	CreateNewVersion(ctx context.Context, id uuid.UUID, spec flightplan.Spec) (*model.FlightPlan, error)
	ApproveOrReject(ctx context.Context, id uuid.UUID, decision flightplan.Decision) (flightplan.Result, error)
	List(ctx context.Context) ([]*model.FlightPlan, error)
	Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error)
	CompilePlan(ctx context.Context, id uuid.UUID) ([]string, error)
}

// Overpasses predicts visibility windows.
type Overpasses interface {
	Windows(ctx context.Context, q overpass.Query) ([]model.OverpassWindow, error)
	Next(ctx context.Context, q overpass.NextQuery) (model.OverpassWindow, error)
}

// Catalog lists and resolves satellites and ground stations.
type Catalog interface {
	Satellites() []model.Satellite
	GroundStations() []model.GroundStation
	Satellite(id int) (model.Satellite, error)
	GroundStation(id int) (model.GroundStation, error)
}

// Connections reports the gateway's registered stations.
type Connections interface {
	Connections() []gateway.ConnectionInfo
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the router to the core.
type Deps struct {
	Plans       FlightPlans
	Overpasses  Overpasses
	Catalog     Catalog
	Connections Connections
	// StationSocket serves the ground station websocket endpoint.
	StationSocket http.Handler
	// Metrics exposes /metrics and instruments every route when set.
	Metrics interface {
		HTTPMetrics
		Handler() http.Handler
	}
	Health         map[string]Pinger
	IdentityHeader string
	Log            logging.Logger
	Now            func() time.Time
}

type api struct {
	Deps
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) *mux.Router {
	if d.Log == nil {
		d.Log = logging.Noop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.IdentityHeader == "" {
		d.IdentityHeader = "X-Authenticated-User"
	}
	a := &api{Deps: d}

	r := mux.NewRouter()
	r.Use(requestContext(d.Log))
	if d.Metrics != nil {
		r.Use(instrument(d.Metrics))
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(identity(d.IdentityHeader))

	if d.Plans != nil {
		v1.HandleFunc("/flight-plans", a.listPlans).Methods(http.MethodGet)
		v1.HandleFunc("/flight-plans", a.createPlan).Methods(http.MethodPost)
		v1.HandleFunc("/flight-plans/{id}", a.getPlan).Methods(http.MethodGet)
		v1.HandleFunc("/flight-plans/{id}", a.newPlanVersion).Methods(http.MethodPut)
		v1.HandleFunc("/flight-plans/{id}", a.decidePlan).Methods(http.MethodPatch)
		v1.HandleFunc("/flight-plans/{id}/csh", a.compilePlan).Methods(http.MethodGet)
	}
	if d.Overpasses != nil {
		v1.HandleFunc("/overpasses/satellite/{satelliteId:[0-9]+}/groundstation/{groundStationId:[0-9]+}", a.overpassWindows).Methods(http.MethodGet)
		v1.HandleFunc("/overpasses/satellite/{satelliteId:[0-9]+}/groundstation/{groundStationId:[0-9]+}/next", a.nextOverpass).Methods(http.MethodGet)
	}
	if d.Catalog != nil {
		v1.HandleFunc("/satellites", a.listSatellites).Methods(http.MethodGet)
		v1.HandleFunc("/satellites/{id:[0-9]+}", a.getSatellite).Methods(http.MethodGet)
		v1.HandleFunc("/ground-stations", a.listGroundStations).Methods(http.MethodGet)
		v1.HandleFunc("/ground-stations/{id:[0-9]+}", a.getGroundStation).Methods(http.MethodGet)
	}
	if d.Connections != nil {
		v1.HandleFunc("/gateway/status", a.gatewayStatus).Methods(http.MethodGet)
	}
	if d.StationSocket != nil {
		v1.Handle("/gs/ws", d.StationSocket).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Detail: "method not allowed"})
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, p := range a.Health {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": healthWord(code), "checks": status})
}

func healthWord(code int) string {
	if code == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}
