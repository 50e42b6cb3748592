package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/internal/apperr"
)

const maxBodyBytes = 1 << 20

type decisionRequest struct {
	Status string `json:"status"`
}

type decisionResponse struct {
	Success bool `json:"success"`
	flightplan.Result
}

func (a *api) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := a.Plans.List(r.Context())
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (a *api) getPlan(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	p, err := a.Plans.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) createPlan(w http.ResponseWriter, r *http.Request) {
	var spec flightplan.Spec
	if err := decode(w, r, &spec); err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	p, err := a.Plans.Create(r.Context(), spec)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	w.Header().Set("Location", "/api/v1/flight-plans/"+p.ID.String())
	writeJSON(w, http.StatusCreated, p)
}

func (a *api) newPlanVersion(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	var spec flightplan.Spec
	if err := decode(w, r, &spec); err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	p, err := a.Plans.CreateNewVersion(r.Context(), id, spec)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) decidePlan(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	var req decisionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	decision, err := flightplan.ParseDecision(req.Status)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	res, err := a.Plans.ApproveOrReject(r.Context(), id, decision)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Success: true, Result: res})
}

func (a *api) compilePlan(w http.ResponseWriter, r *http.Request) {
	id, err := planID(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	script, err := a.Plans.CompilePlan(r.Context(), id)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func planID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "%q is not a flight plan id", raw)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", apperr.ErrBadRequest, err)
	}
	return nil
}
