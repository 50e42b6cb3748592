package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/satops/internal/apperr"
)

// StationToken mints an HS256 bearer token whose sub claim is the ground
// station ID. The gateway only reads the claims; signing stays with whoever
// issues tokens upstream.
func StationToken(id int, key []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  strconv.Itoa(id),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Station is the ground station end of the protocol: it performs the hello
// handshake and then receives dispatches.
type Station struct {
	conn Conn
	ID   string
}

// DialStation connects to the gateway websocket at url and completes the
// handshake with token.
func DialStation(ctx context.Context, url, token string) (*Station, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", apperr.ErrUpstreamUnavailable, url, err)
	}
	conn := NewWebsocketConn(ws)

	hello, _ := json.Marshal(Hello{Type: MessageHello, Token: token})
	if err := conn.WriteText(ctx, hello); err != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
		return nil, fmt.Errorf("send hello: %w", err)
	}
	raw, err := conn.ReadText(ctx)
	if err != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
		if errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("%w: handshake rejected", apperr.ErrProtocolViolation)
		}
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	var ack Confirmation
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Message != "OK" {
		_ = conn.Close(websocket.CloseNormalClosure, "")
		return nil, fmt.Errorf("%w: unexpected confirmation %s", apperr.ErrProtocolViolation, raw)
	}
	return &Station{conn: conn, ID: ack.ID}, nil
}

// Receive blocks until the next dispatch and returns its envelope and
// script. A closed channel yields ErrClosed.
func (s *Station) Receive(ctx context.Context) (Envelope, []string, error) {
	raw, err := s.conn.ReadText(ctx)
	if err != nil {
		return Envelope{}, nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != MessageScheduleTransmission {
		return Envelope{}, nil, fmt.Errorf("%w: expected envelope, got %s", apperr.ErrProtocolViolation, raw)
	}
	raw, err = s.conn.ReadText(ctx)
	if err != nil {
		return env, nil, fmt.Errorf("read script for %s: %w", env.RequestID, err)
	}
	var script []string
	if err := json.Unmarshal(raw, &script); err != nil {
		return env, nil, fmt.Errorf("%w: script frame is not a JSON array: %w", apperr.ErrProtocolViolation, err)
	}
	return env, script, nil
}

// Close ends the session with a normal closure.
func (s *Station) Close() error {
	return s.conn.Close(websocket.CloseNormalClosure, "")
}
