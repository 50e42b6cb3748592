package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/satops/internal/apperr"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func TestHandlerOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := New(NewRegistry(), WithStations(stationSet{7: true}))
	srv := httptest.NewServer(NewHandler(ctx, g, nil))
	defer srv.Close()

	ws := dial(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(hello(t, "7"))); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ack Confirmation
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Message != "OK" || ack.ID != "7" {
		t.Fatalf("ack = %+v", ack)
	}
	eventually(t, func() bool { return g.IsConnected(7) }, "registration")

	requestID, err := g.Send(context.Background(), pipelineTransmission(7))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.RequestID != requestID || env.Type != MessageScheduleTransmission || env.Data.Satellite != "ISS" {
		t.Fatalf("envelope = %+v", env)
	}
	kind, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("script frame kind = %d, want text", kind)
	}
	var script []string
	if err := json.Unmarshal(raw, &script); err != nil || len(script) != 1 || script[0] != "set pipeline_run 1 -n 162" {
		t.Fatalf("script = %s (%v)", raw, err)
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	eventually(t, func() bool { return !g.IsConnected(7) }, "disconnect after client close")
}

func TestHandlerRejectsBadHelloWithPolicyViolation(t *testing.T) {
	g := New(NewRegistry())
	srv := httptest.NewServer(NewHandler(context.Background(), g, nil))
	defer srv.Close()

	ws := dial(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","token":""}`)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
	if g.reg.Len() != 0 {
		t.Fatalf("rejected station was registered")
	}
}

func TestHandlerClosesSocketWhenStationLeavesBeforeHello(t *testing.T) {
	metrics := &countingMetrics{}
	g := New(NewRegistry(), WithMetrics(metrics))
	srv := httptest.NewServer(NewHandler(context.Background(), g, nil))
	defer srv.Close()

	ws := dial(t, srv)
	if err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("write close: %v", err)
	}

	// Read the TCP socket directly: the server's close frame comes back
	// first, then the server must hang up.
	raw := ws.UnderlyingConn()
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.Copy(io.Discard, raw)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("server kept the socket open after the station left: %v", err)
	}
	if err != nil {
		t.Fatalf("read raw socket: %v, want EOF", err)
	}
	eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.handshakes["rejected"] == 1
	}, "rejected handshake recorded")
}

func TestHandlerRequiresUpgrade(t *testing.T) {
	g := New(NewRegistry())
	rec := httptest.NewRecorder()
	NewHandler(context.Background(), g, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/gs/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerShutdownClosesStations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := New(NewRegistry())
	srv := httptest.NewServer(NewHandler(ctx, g, nil))
	defer srv.Close()

	ws := dial(t, srv)
	_ = ws.WriteMessage(websocket.TextMessage, []byte(hello(t, "4")))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	eventually(t, func() bool { return g.IsConnected(4) }, "registration")

	cancel()
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("read err = %v, want going away close", err)
	}
	eventually(t, func() bool { return !g.IsConnected(4) }, "unregister on shutdown")
}

func TestStationClientRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	g := New(NewRegistry(), WithStations(stationSet{7: true}))
	srv := httptest.NewServer(NewHandler(ctx, g, nil))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	token, err := StationToken(7, []byte("k"), time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("StationToken: %v", err)
	}
	st, err := DialStation(ctx, url, token)
	if err != nil {
		t.Fatalf("DialStation: %v", err)
	}
	defer st.Close()
	if st.ID != "7" {
		t.Fatalf("station id = %q, want 7", st.ID)
	}

	requestID, err := g.Send(ctx, pipelineTransmission(7))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env, script, err := st.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if env.RequestID != requestID || len(script) != 1 || script[0] != "set pipeline_run 1 -n 162" {
		t.Fatalf("received %+v %q", env, script)
	}

	unknown, _ := StationToken(8, []byte("k"), time.Now(), 0)
	if _, err := DialStation(ctx, url, unknown); !errors.Is(err, apperr.ErrProtocolViolation) {
		t.Fatalf("unregistered station: err = %v, want protocol violation", err)
	}
}
