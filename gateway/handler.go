package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/satops/internal/logging"
)

// Handler upgrades HTTP requests to websockets and hands each connection to
// the gateway. Connections live on base rather than the request context, so
// cancelling base closes every station channel.
type Handler struct {
	gw       *Gateway
	base     context.Context
	upgrader websocket.Upgrader
	log      logging.Logger
}

// NewHandler builds the upgrade endpoint. Origin checks are left to the
// fronting proxy; stations are not browsers.
func NewHandler(base context.Context, gw *Gateway, log logging.Logger) *Handler {
	if log == nil {
		log = logging.Noop()
	}
	return &Handler{
		gw:   gw,
		base: base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	ctx := logging.ContextWithRequestID(h.base, logging.RequestIDFromContext(r.Context()))
	_ = h.gw.Handle(ctx, NewWebsocketConn(ws))
}
