// Package transport exposes the client-facing channel: a websocket endpoint
// speaking a small JSON event protocol. The pipeline itself is transport
// agnostic; this package adapts a websocket connection onto the registry's
// outbound channel and the ingress submit path.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/pkg/logging"
)

// Wire event names.
const (
	EventSubmit    = "submit message"
	EventMessage   = "message received"
	EventConnected = "connected"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// Envelope is the wire frame for both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessagePayload carries a chat message in either direction.
type MessagePayload struct {
	Message string `json:"message"`
}

// ConnectedPayload announces the assigned connection identifier. Diagnostic
// display only; clients must not attach semantics to it.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// Registry is the membership surface the transport needs.
type Registry interface {
	Register() (string, <-chan model.Message)
	Unregister(id string)
}

// Submitter accepts inbound messages for fan-out.
type Submitter interface {
	Submit(ctx context.Context, senderID, text string)
}

// Handler upgrades HTTP requests to websocket connections and runs the
// read/write pumps.
type Handler struct {
	registry Registry
	ingress  Submitter
	upgrader websocket.Upgrader
	log      *logging.Logger
}

// NewHandler creates the websocket handler. Origin policy is deliberately
// permissive here; enforcement belongs to the fronting proxy.
func NewHandler(registry Registry, ingress Submitter, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{
		registry: registry,
		ingress:  ingress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With(logging.Component("transport")),
	}
}

// ServeHTTP handles one client connection for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	id, out := h.registry.Register()
	h.log.Info("client connected", logging.ConnectionID(id))

	if err := writeEvent(conn, EventConnected, ConnectedPayload{ConnectionID: id}); err != nil {
		h.log.Warn("connected handshake failed", logging.ConnectionID(id), logging.Error(err))
		h.registry.Unregister(id)
		_ = conn.Close()
		return
	}

	go h.writePump(conn, id, out)
	h.readPump(r.Context(), conn, id)
}

// readPump reads frames until the connection fails or closes, feeding submit
// events into the ingress pipeline. Teardown unregisters the connection,
// which also ends the write pump.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, id string) {
	defer func() {
		h.registry.Unregister(id)
		_ = conn.Close()
		h.log.Info("client disconnected", logging.ConnectionID(id))
	}()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("read failed", logging.ConnectionID(id), logging.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn("discarding malformed frame", logging.ConnectionID(id), logging.Error(err))
			continue
		}
		if env.Event != EventSubmit {
			continue
		}

		var payload MessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.log.Warn("discarding malformed submit payload", logging.ConnectionID(id), logging.Error(err))
			continue
		}

		h.ingress.Submit(ctx, id, payload.Message)
	}
}

// writePump drains the registry's outbound channel onto the wire. The channel
// closing (unregister or registry shutdown) ends the pump; in-flight sends to
// a torn-down connection are discarded with the channel.
func (h *Handler) writePump(conn *websocket.Conn, id string, out <-chan model.Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeEvent(conn, EventMessage, MessagePayload{Message: msg.Text}); err != nil {
				h.log.Warn("write failed", logging.ConnectionID(id), logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Envelope{Event: event, Data: data})
}
