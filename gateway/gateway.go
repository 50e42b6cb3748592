// Package gateway holds live connections to ground stations and pushes
// compiled command scripts to them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/model"
)

const (
	MessageHello                = "hello"
	MessageScheduleTransmission = "schedule_transmission"

	// ClosePolicyViolation is sent when a handshake is rejected.
	ClosePolicyViolation = websocket.ClosePolicyViolation

	defaultHandshakeTimeout = 30 * time.Second
)

// ErrPartialDelivery is returned by Send when the envelope frame was written
// but the script frame was not.
var ErrPartialDelivery = errors.New("partial delivery: script frame not sent after envelope")

// Hello is the opening frame a ground station sends.
type Hello struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Confirmation acknowledges an accepted handshake.
type Confirmation struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Envelope is the first frame of a dispatch.
type Envelope struct {
	RequestID string       `json:"request_id"`
	Type      string       `json:"type"`
	Frames    int          `json:"frames"`
	Data      EnvelopeData `json:"data"`
}

// EnvelopeData describes the transmission the script belongs to.
type EnvelopeData struct {
	Satellite       string `json:"satellite"`
	Time            string `json:"time"`
	FlightPlanID    string `json:"flight_plan_id,omitempty"`
	SatelliteID     int    `json:"satellite_id,omitempty"`
	GroundStationID int    `json:"ground_station_id,omitempty"`
}

// Transmission is one dispatch request.
type Transmission struct {
	GroundStationID int
	SatelliteName   string
	ExecutionTime   time.Time
	Script          []string

	// Optional metadata echoed in the envelope.
	FlightPlanID uuid.UUID
	SatelliteID  int
}

// Stations resolves ground stations named by handshake tokens.
type Stations interface {
	GroundStation(id int) (model.GroundStation, error)
}

// Metrics receives gateway events.
type Metrics interface {
	SetConnections(n int)
	RecordHandshake(outcome string)
	RecordFrame(ok bool)
}

// Gateway owns ground station connections.
type Gateway struct {
	reg              *Registry
	stations         Stations
	log              logging.Logger
	metrics          Metrics
	tracer           trace.Tracer
	now              func() time.Time
	newRequestID     func() string
	handshakeTimeout time.Duration
	parser           *jwt.Parser
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithStations rejects handshakes for ground stations missing from s.
func WithStations(s Stations) Option { return func(g *Gateway) { g.stations = s } }

func WithLogger(l logging.Logger) Option { return func(g *Gateway) { g.log = l } }

func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithHandshakeTimeout bounds the wait for the hello frame. Zero disables
// the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.handshakeTimeout = d }
}

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// New constructs a gateway over reg.
func New(reg *Registry, opts ...Option) *Gateway {
	g := &Gateway{
		reg:              reg,
		log:              logging.Noop(),
		tracer:           observability.Tracer("gateway"),
		now:              func() time.Time { return time.Now().UTC() },
		newRequestID:     uuid.NewString,
		handshakeTimeout: defaultHandshakeTimeout,
		parser:           jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics != nil {
		reg.OnChange(g.metrics.SetConnections)
	}
	return g
}

// Handle runs one connection to completion: handshake, registration, then
// idling until the remote closes. The registration is removed on every exit
// path, and conn is closed on every handshake failure. A rejected handshake
// closes conn with ClosePolicyViolation and returns an error wrapping
// apperr.ErrProtocolViolation.
func (g *Gateway) Handle(ctx context.Context, conn Conn) error {
	id, err := g.handshake(ctx, conn)
	if err != nil {
		// Rejections already closed with a policy violation; this covers a
		// remote that hung up before hello.
		_ = conn.Close(websocket.CloseNormalClosure, "")
		g.record(func(m Metrics) { m.RecordHandshake("rejected") })
		g.log.Warn(ctx, "ground station handshake rejected", logging.Err(err))
		return err
	}
	g.record(func(m Metrics) { m.RecordHandshake("accepted") })

	log := g.log.With(logging.Int("ground_station_id", id))
	if replaced := g.reg.Register(id, conn, g.now()); replaced != nil {
		log.Info(ctx, "replacing existing ground station connection")
		_ = replaced.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	defer func() {
		if g.reg.Unregister(id, conn) {
			log.Info(ctx, "ground station disconnected")
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(websocket.CloseGoingAway, "gateway shutting down")
	})
	defer stop()

	ack, _ := json.Marshal(Confirmation{Message: "OK", ID: strconv.Itoa(id)})
	if err := conn.WriteText(ctx, ack); err != nil {
		return fmt.Errorf("send handshake confirmation: %w", err)
	}
	log.Info(ctx, "ground station connected")

	// Inbound frames after the handshake carry no meaning; only the close
	// signal matters.
	for {
		if _, err := conn.ReadText(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errNotText) {
				continue
			}
			log.Warn(ctx, "ground station connection failed", logging.Err(err))
			return err
		}
	}
}

func (g *Gateway) handshake(ctx context.Context, conn Conn) (int, error) {
	readCtx := ctx
	if g.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, g.handshakeTimeout)
		defer cancel()
	}

	raw, err := conn.ReadText(readCtx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return 0, fmt.Errorf("%w: closed before hello", apperr.ErrProtocolViolation)
		}
		return 0, g.reject(conn, "Invalid hello message", fmt.Errorf("read hello: %w", err))
	}

	var hello Hello
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != MessageHello || strings.TrimSpace(hello.Token) == "" {
		return 0, g.reject(conn, "Invalid hello message", errors.New("malformed hello frame"))
	}

	id, err := g.subject(hello.Token)
	if err != nil {
		return 0, g.reject(conn, "Invalid token claims", err)
	}
	if g.stations != nil {
		if _, err := g.stations.GroundStation(id); err != nil {
			return 0, g.reject(conn, "Ground station not registered", err)
		}
	}
	return id, nil
}

// subject decodes the bearer token's claims without verifying its signature
// and returns the sub claim as a ground station ID. Tokens are verified
// upstream of the gateway.
func (g *Gateway) subject(token string) (int, error) {
	claims := jwt.MapClaims{}
	if _, _, err := g.parser.ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("decode token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errors.New("token has no sub claim")
	}
	id, err := strconv.Atoi(sub)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("sub claim %q is not a ground station id", sub)
	}
	return id, nil
}

func (g *Gateway) reject(conn Conn, reason string, cause error) error {
	_ = conn.Close(ClosePolicyViolation, reason)
	return fmt.Errorf("%w: %s: %v", apperr.ErrProtocolViolation, reason, cause)
}

// Send pushes t to its ground station as two ordered text frames: the
// envelope, then the JSON array of statements. It returns the request ID.
// Nothing is written when the station is not connected.
func (g *Gateway) Send(ctx context.Context, t Transmission) (string, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Send", trace.WithAttributes(
		attribute.Int("ground_station_id", t.GroundStationID),
		attribute.Int("statements", len(t.Script)),
	))
	defer span.End()

	e, ok := g.reg.lookup(t.GroundStationID)
	if !ok || !e.conn.Open() {
		err := fmt.Errorf("%w: ground station %d", apperr.ErrNotConnected, t.GroundStationID)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	requestID := g.newRequestID()
	env := Envelope{
		RequestID: requestID,
		Type:      MessageScheduleTransmission,
		Frames:    1,
		Data: EnvelopeData{
			Satellite:       t.SatelliteName,
			Time:            t.ExecutionTime.UTC().Format(time.RFC3339Nano),
			SatelliteID:     t.SatelliteID,
			GroundStationID: t.GroundStationID,
		},
	}
	if t.FlightPlanID != uuid.Nil {
		env.Data.FlightPlanID = t.FlightPlanID.String()
	}
	envelope, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	script := t.Script
	if script == nil {
		script = []string{}
	}
	body, err := json.Marshal(script)
	if err != nil {
		return "", fmt.Errorf("encode script: %w", err)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.lastRequestID.Store(requestID)

	log := g.log.With(
		logging.Int("ground_station_id", t.GroundStationID),
		logging.String("dispatch_request_id", requestID),
	)

	if err := e.conn.WriteText(ctx, envelope); err != nil {
		g.record(func(m Metrics) { m.RecordFrame(false) })
		span.SetStatus(codes.Error, err.Error())
		log.Warn(ctx, "envelope frame failed", logging.Err(err))
		return requestID, fmt.Errorf("%w: ground station %d: %w", apperr.ErrNotConnected, t.GroundStationID, err)
	}
	g.record(func(m Metrics) { m.RecordFrame(true) })

	if err := e.conn.WriteText(ctx, body); err != nil {
		g.record(func(m Metrics) { m.RecordFrame(false) })
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "script frame failed after envelope", logging.Err(err))
		return requestID, fmt.Errorf("%w: ground station %d: %w", ErrPartialDelivery, t.GroundStationID, err)
	}
	g.record(func(m Metrics) { m.RecordFrame(true) })

	log.Info(ctx, "scheduled transmission sent",
		logging.String("satellite", t.SatelliteName),
		logging.Time("execution_time", t.ExecutionTime),
		logging.Int("statements", len(t.Script)),
	)
	return requestID, nil
}

// IsConnected reports whether id has a registration whose channel is open.
func (g *Gateway) IsConnected(id int) bool {
	e, ok := g.reg.lookup(id)
	return ok && e.conn.Open()
}

// Connections lists current registrations.
func (g *Gateway) Connections() []ConnectionInfo {
	return g.reg.Snapshot()
}

func (g *Gateway) record(fn func(Metrics)) {
	if g.metrics != nil {
		fn(g.metrics)
	}
}
