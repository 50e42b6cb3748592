package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/satops/catalog"
	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/clock"
	"github.com/signalsfoundry/satops/internal/httpapi"
	"github.com/signalsfoundry/satops/internal/store/memory"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/overpass"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type mockOverpasses struct {
	mock.Mock
}

func (m *mockOverpasses) Windows(ctx context.Context, q overpass.Query) ([]model.OverpassWindow, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OverpassWindow), args.Error(1)
}

func (m *mockOverpasses) Next(ctx context.Context, q overpass.NextQuery) (model.OverpassWindow, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(model.OverpassWindow), args.Error(1)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type env struct {
	router     http.Handler
	plans      *flightplan.Service
	catalog    *catalog.Catalog
	overpasses *mockOverpasses
	clock      *clock.Manual
}

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()
	require.NoError(t, cat.AddSatellite(model.Satellite{ID: 1, Name: "DISCO-1"}))
	require.NoError(t, cat.AddGroundStation(model.GroundStation{ID: 3, Name: "Aarhus", Location: model.Location{Latitude: 56.17, Longitude: 10.2}}))
	return cat
}

func newEnv(t *testing.T, mutate ...func(*httpapi.Deps)) env {
	t.Helper()
	clk := clock.NewManual(t0)
	cat := newCatalog(t)
	plans := flightplan.NewService(memory.New(), httpapi.ContextIdentity{},
		flightplan.WithClock(clk), flightplan.WithReferences(cat))
	op := &mockOverpasses{}
	deps := httpapi.Deps{
		Plans:       plans,
		Overpasses:  op,
		Catalog:     cat,
		Connections: gateway.New(gateway.NewRegistry()),
		Now:         clk.Now,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	return env{router: httpapi.NewRouter(deps), plans: plans, catalog: cat, overpasses: op, clock: clk}
}

func (e env) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func planBody(scheduled time.Time) map[string]any {
	return map[string]any{
		"name":            "pipeline run",
		"commands":        []map[string]any{{"commandType": "TRIGGER_PIPELINE", "mode": 1}},
		"scheduledAt":     scheduled.Format(time.RFC3339),
		"groundStationId": 3,
		"satelliteId":     1,
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

type errorResponse struct {
	Detail string `json:"detail"`
	Errors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
	RequestID string `json:"requestId"`
}

func (e errorResponse) fields() []string {
	var out []string
	for _, f := range e.Errors {
		out = append(out, f.Field)
	}
	return out
}

func TestCreateAndGetFlightPlan(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/flight-plans", planBody(t0.Add(time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[model.FlightPlan](t, rec)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, "/api/v1/flight-plans/"+created.ID.String(), rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(t, http.MethodGet, "/api/v1/flight-plans/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[model.FlightPlan](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Len(t, got.Commands, 1)

	rec = e.do(t, http.MethodGet, "/api/v1/flight-plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.FlightPlan](t, rec), 1)
}

func TestCreateFlightPlanValidation(t *testing.T) {
	e := newEnv(t)

	body := planBody(t0)
	body["name"] = ""
	body["commands"] = []map[string]any{{"commandType": "TRIGGER_PIPELINE", "mode": 500}}
	rec := e.do(t, http.MethodPost, "/api/v1/flight-plans", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "validation failed", resp.Detail)
	assert.Contains(t, resp.fields(), "name")
	assert.Contains(t, resp.fields(), "commands[0].mode")
	assert.NotEmpty(t, resp.RequestID)
}

func TestCreateFlightPlanRejectsBadBodies(t *testing.T) {
	e := newEnv(t)

	cases := map[string]string{
		"malformed json":  `{"name":`,
		"unknown command": `{"name":"x","commands":[{"commandType":"SELF_DESTRUCT"}],"scheduledAt":"2025-05-01T11:00:00Z","groundStationId":3,"satelliteId":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/flight-plans", bytes.NewBufferString(raw))
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateFlightPlanUnknownTargets(t *testing.T) {
	e := newEnv(t)
	body := planBody(t0)
	body["groundStationId"] = 99
	rec := e.do(t, http.MethodPost, "/api/v1/flight-plans", body)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, rec.Code)
}

func TestGetFlightPlanErrors(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/flight-plans/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/flight-plans/7d7bb0f4-1f06-4e0c-9d0c-5d3f3f3a1f00", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveRequiresIdentity(t *testing.T) {
	e := newEnv(t)
	created := decodeBody[model.FlightPlan](t, e.do(t, http.MethodPost, "/api/v1/flight-plans", planBody(t0.Add(time.Hour))))
	path := "/api/v1/flight-plans/" + created.ID.String()

	rec := e.do(t, http.MethodPatch, path, map[string]string{"status": "APPROVED"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorResponse](t, rec).fields(), "approverId")

	rec = e.do(t, http.MethodPatch, path, map[string]string{"status": "APPROVED"}, "X-Authenticated-User", "ops-lead")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Success bool             `json:"success"`
		Plan    model.FlightPlan `json:"flightPlan"`
		Message string           `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, model.StatusApproved, resp.Plan.Status)
	assert.Equal(t, "ops-lead", resp.Plan.ApproverID)

	rec = e.do(t, http.MethodPatch, path, map[string]string{"status": "rejected"}, "X-Authenticated-User", "ops-lead")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecisionRejectsUnknownStatus(t *testing.T) {
	e := newEnv(t)
	created := decodeBody[model.FlightPlan](t, e.do(t, http.MethodPost, "/api/v1/flight-plans", planBody(t0.Add(time.Hour))))

	rec := e.do(t, http.MethodPatch, "/api/v1/flight-plans/"+created.ID.String(),
		map[string]string{"status": "transmitted"}, "X-Authenticated-User", "ops-lead")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorResponse](t, rec).fields(), "status")
}

func TestNewVersionSupersedesPending(t *testing.T) {
	e := newEnv(t)
	created := decodeBody[model.FlightPlan](t, e.do(t, http.MethodPost, "/api/v1/flight-plans", planBody(t0.Add(time.Hour))))

	body := planBody(t0.Add(2 * time.Hour))
	body["name"] = "pipeline run v2"
	rec := e.do(t, http.MethodPut, "/api/v1/flight-plans/"+created.ID.String(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decodeBody[model.FlightPlan](t, rec)
	require.NotNil(t, next.PreviousPlanID)
	assert.Equal(t, created.ID, *next.PreviousPlanID)

	old := decodeBody[model.FlightPlan](t, e.do(t, http.MethodGet, "/api/v1/flight-plans/"+created.ID.String(), nil))
	assert.Equal(t, model.StatusSuperseded, old.Status)
}

func TestCompileEndpoint(t *testing.T) {
	e := newEnv(t)
	created := decodeBody[model.FlightPlan](t, e.do(t, http.MethodPost, "/api/v1/flight-plans", planBody(t0.Add(time.Hour))))

	rec := e.do(t, http.MethodGet, "/api/v1/flight-plans/"+created.ID.String()+"/csh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"set pipeline_run 1 -n 162"}, decodeBody[[]string](t, rec))
}

func TestOverpassWindowsDefaults(t *testing.T) {
	e := newEnv(t)
	window := model.OverpassWindow{SatelliteID: 1, GroundStationID: 3, StartTime: t0.Add(time.Hour), EndTime: t0.Add(70 * time.Minute)}
	e.overpasses.On("Windows", mock.Anything, mock.MatchedBy(func(q overpass.Query) bool {
		return q.SatelliteID == 1 && q.GroundStationID == 3 &&
			q.Start.Equal(t0) && q.End.Equal(t0.Add(7*24*time.Hour)) &&
			q.MinimumElevation == 10 && q.MaxResults == 2 && q.MinimumDurationSeconds == 0
	})).Return([]model.OverpassWindow{window}, nil)

	rec := e.do(t, http.MethodGet, "/api/v1/overpasses/satellite/1/groundstation/3?minimumElevation=10&maxResults=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[[]model.OverpassWindow](t, rec)
	require.Len(t, got, 1)
	assert.True(t, got[0].StartTime.Equal(window.StartTime))
	e.overpasses.AssertExpectations(t)
}

func TestOverpassWindowsBadParameters(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/overpasses/satellite/1/groundstation/3?startTime=yesterday&minimumElevation=high", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := decodeBody[errorResponse](t, rec).fields()
	assert.Contains(t, fields, "startTime")
	assert.Contains(t, fields, "minimumElevation")
	e.overpasses.AssertNotCalled(t, "Windows", mock.Anything, mock.Anything)
}

func TestOverpassErrorsMapToStatus(t *testing.T) {
	e := newEnv(t)
	e.overpasses.On("Windows", mock.Anything, mock.Anything).
		Return(nil, apperr.Validation("endTime", "must be after startTime")).Once()
	e.overpasses.On("Next", mock.Anything, mock.Anything).
		Return(model.OverpassWindow{}, apperr.ErrNotFound).Once()

	rec := e.do(t, http.MethodGet, "/api/v1/overpasses/satellite/1/groundstation/3?startTime=2025-05-02T00:00:00Z&endTime=2025-05-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/overpasses/satellite/1/groundstation/3/next", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	e.overpasses.AssertExpectations(t)
}

func TestNextOverpassUsesStartTime(t *testing.T) {
	e := newEnv(t)
	from := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	e.overpasses.On("Next", mock.Anything, mock.MatchedBy(func(q overpass.NextQuery) bool {
		return q.From.Equal(from) && q.SatelliteID == 1 && q.GroundStationID == 3
	})).Return(model.OverpassWindow{SatelliteID: 1, GroundStationID: 3, StartTime: from.Add(time.Hour)}, nil)

	rec := e.do(t, http.MethodGet, "/api/v1/overpasses/satellite/1/groundstation/3/next?startTime=2025-05-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	e.overpasses.AssertExpectations(t)
}

func TestCatalogEndpoints(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/satellites", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.Satellite](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/v1/ground-stations/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Aarhus", decodeBody[model.GroundStation](t, rec).Name)

	rec = e.do(t, http.MethodGet, "/api/v1/satellites/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayStatusEmpty(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/gateway/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":0,"connections":[]}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	healthy := newEnv(t, func(d *httpapi.Deps) {
		d.Health = map[string]httpapi.Pinger{"store": pingerFunc(func(context.Context) error { return nil })}
	})
	rec := healthy.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	sick := newEnv(t, func(d *httpapi.Deps) {
		d.Health = map[string]httpapi.Pinger{"store": pingerFunc(func(context.Context) error { return errors.New("disk gone") })}
	})
	rec = sick.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/flight-plans/not-a-uuid", nil, "X-Request-ID", "req-abc")
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-abc", decodeBody[errorResponse](t, rec).RequestID)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/nothing", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodDelete, "/api/v1/flight-plans", nil).Code)
}

type recordedRequest struct {
	route, method string
	code          int
}

type httpMetrics struct {
	calls []recordedRequest
}

func (m *httpMetrics) ObserveHTTP(route, method string, code int, _ time.Duration) {
	m.calls = append(m.calls, recordedRequest{route, method, code})
}

func (m *httpMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") })
}

func TestMetricsUseRouteTemplates(t *testing.T) {
	m := &httpMetrics{}
	e := newEnv(t, func(d *httpapi.Deps) { d.Metrics = m })

	e.do(t, http.MethodGet, "/api/v1/flight-plans/7d7bb0f4-1f06-4e0c-9d0c-5d3f3f3a1f00", nil)
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "metrics", rec.Body.String())

	require.NotEmpty(t, m.calls)
	assert.Equal(t, recordedRequest{"/api/v1/flight-plans/{id}", http.MethodGet, http.StatusNotFound}, m.calls[0])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x", "bad"), http.StatusBadRequest},
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrInvalidState, http.StatusConflict},
		{apperr.ErrNotConnected, http.StatusServiceUnavailable},
		{gateway.ErrPartialDelivery, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, httpapi.StatusFor(tc.err), tc.err.Error())
	}
}
