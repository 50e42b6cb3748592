package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/config"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/opsrpc"
)

const freshISSLine1 = "1 25544U 98067A   21276.59097222  .00000204  00000-0  10270-4 0  9994"

const catalogDoc = `{
  "satellites": [{"id": 1, "name": "DISCO-1", "noradId": 25544,
    "tleLine1": "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9993",
    "tleLine2": "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257767"}],
  "groundStations": [{"id": 3, "name": "Aarhus", "location": {"latitude": 56.17, "longitude": 10.2, "altitude": 0.05}}]
}`

func noEnv(string) (string, bool) { return "", false }

func TestServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(catalogPath, []byte(catalogDoc), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	gp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("CATNR") != "25544" {
			fmt.Fprint(w, "No GP data found")
			return
		}
		fmt.Fprintf(w, "ISS (ZARYA)\r\n%s\r\n%s\r\n", freshISSLine1,
			"2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257767")
	}))
	defer gp.Close()

	cfg, err := config.Load([]string{
		"-tle-source-url=" + gp.URL,
		"-store=sqlite",
		"-sqlite-path=" + filepath.Join(dir, "plans.db"),
		"-catalog=" + catalogPath,
		"-metrics-addr=",
		"-dispatch-interval=20ms",
		"-dispatch-require-overpass=false",
	}, noEnv)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	httpLis := mustListen(t)
	grpcLis := mustListen(t)
	log := logging.New(logging.Config{Level: "warn", Format: "text"})

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, log, listeners{http: httpLis, grpc: grpcLis}) }()

	base := "http://" + httpLis.Addr().String()
	waitFor(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "healthz")

	waitFor(t, func() bool {
		var sat struct {
			TLELine1 string `json:"tleLine1"`
		}
		return send(t, http.MethodGet, base+"/api/v1/satellites/1", nil, &sat) == http.StatusOK && sat.TLELine1 == freshISSLine1
	}, "element set refresh")

	token, err := gateway.StationToken(3, []byte("test"), time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("StationToken: %v", err)
	}
	station, err := gateway.DialStation(ctx, "ws://"+httpLis.Addr().String()+"/api/v1/gs/ws", token)
	if err != nil {
		t.Fatalf("DialStation: %v", err)
	}
	defer station.Close()

	plan := map[string]any{
		"name":            "smoke",
		"commands":        []map[string]any{{"commandType": "TRIGGER_PIPELINE", "mode": 1}},
		"scheduledAt":     time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
		"groundStationId": 3,
		"satelliteId":     1,
	}
	var created struct {
		ID string `json:"id"`
	}
	if code := send(t, http.MethodPost, base+"/api/v1/flight-plans", plan, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if code := send(t, http.MethodPatch, base+"/api/v1/flight-plans/"+created.ID, map[string]string{"status": "APPROVED"}, nil); code != http.StatusOK {
		t.Fatalf("approve status = %d", code)
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, 3*time.Second)
	defer recvCancel()
	env, script, err := station.Receive(recvCtx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if env.Data.FlightPlanID != created.ID || len(script) != 1 || script[0] != "set pipeline_run 1 -n 162" {
		t.Fatalf("received %+v %q", env, script)
	}

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	waitFor(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: opsrpc.ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, "grpc health")

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunFailsOnUnreadableCatalog(t *testing.T) {
	cfg, err := config.Load([]string{"-catalog=" + filepath.Join(t.TempDir(), "missing.json"), "-grpc-addr=", "-metrics-addr="}, noEnv)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := run(context.Background(), cfg, logging.Noop(), listeners{}); err == nil {
		t.Fatalf("run should fail when the catalog cannot be read")
	}
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return lis
}

func send(t *testing.T, method, url string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Authenticated-User", "smoke-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

