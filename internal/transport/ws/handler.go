package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/metrics"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize = 4096
)

// Handler upgrades HTTP requests and runs the per-connection message loop
type Handler struct {
	hub            *Hub
	pairing        *service.PairingService
	relay          *service.RelayService
	metrics        *metrics.Relay
	upgrader       websocket.Upgrader
	maxMessageSize int64
}

// NewHandler creates a new WebSocket handler. allowedOrigins is "*" or a
// comma separated list of origins.
func NewHandler(hub *Hub, pairing *service.PairingService, relay *service.RelayService, maxMessageSize int64, allowedOrigins string) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Handler{
		hub:     hub,
		pairing: pairing,
		relay:   relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		maxMessageSize: maxMessageSize,
	}
}

// SetMetrics sets the collector for client errors
func (h *Handler) SetMetrics(m *metrics.Relay) {
	h.metrics = m
}

func checkOrigin(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return func(r *http.Request) bool { return true }
	}
	origins := make(map[string]struct{})
	for _, o := range strings.Split(allowed, ",") {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // native clients send no Origin
		}
		_, ok := origins[strings.TrimRight(origin, "/")]
		return ok
	}
}

// ServeWS handles GET /ws
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection()
	h.hub.Register(conn)

	logger.Logger.WithFields(logrus.Fields{"conn_id": conn.ID(), "remote": r.RemoteAddr}).Info("Connection opened")

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

// connState is what the read loop knows about its connection
type connState struct {
	sessionID string
}

// readPump processes one frame at a time, so frames from a connection are
// handled strictly in arrival order.
func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	state := &connState{}
	defer func() {
		conn.Close()
		if state.sessionID != "" {
			h.pairing.Disconnect(state.sessionID, conn)
		}
		h.hub.Unregister(conn)
		wsConn.Close()
		logger.Logger.WithFields(logrus.Fields{"conn_id": conn.ID(), "session_id": state.sessionID}).Info("Connection closed")
	}()

	wsConn.SetReadLimit(h.maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Logger.WithError(err).WithField("conn_id", conn.ID()).Warn("WebSocket error")
			}
			break
		}
		// a replaced connection may still have frames in flight
		if !conn.Alive() {
			continue
		}
		if err := h.dispatch(conn, state, data); err != nil {
			h.reportError(conn, state, err)
		}
	}
}

func (h *Handler) dispatch(conn *Connection, state *connState, data []byte) error {
	msg, err := model.DecodeInbound(data)
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrMalformedMessage, err)
	}

	switch msg.Type {
	case model.MsgRegister:
		id := strings.TrimSpace(msg.SessionID)
		if id == "" {
			return fmt.Errorf("%w: session_id is required", service.ErrMalformedMessage)
		}
		if state.sessionID != "" && state.sessionID != id {
			return service.ErrSessionConflict
		}
		sess, err := h.pairing.Register(conn, service.RegisterRequest{
			SessionID: id,
			Role:      msg.Role(),
			Code:      msg.Code,
		})
		if sess != nil {
			state.sessionID = sess.ID
		}
		return err

	case model.MsgPair:
		if state.sessionID == "" {
			return service.ErrNotRegistered
		}
		if strings.TrimSpace(msg.Code) == "" {
			return fmt.Errorf("%w: code is required", service.ErrMalformedMessage)
		}
		return h.pairing.Pair(state.sessionID, msg.Code)

	case model.MsgTelemetry:
		if state.sessionID == "" {
			return service.ErrNotRegistered
		}
		h.relay.Forward(state.sessionID, &msg.Telemetry)
		return nil

	default:
		return fmt.Errorf("%w: %s", service.ErrUnsupportedMessage, msg.Type)
	}
}

func (h *Handler) reportError(conn *Connection, state *connState, err error) {
	kind := service.ErrorKind(err)
	h.metrics.Error(kind)

	entry := logger.Logger.WithError(err).WithFields(logrus.Fields{
		"conn_id":    conn.ID(),
		"session_id": state.sessionID,
		"kind":       kind,
	})
	switch {
	case service.IsInternal(err):
		entry.Error("Request failed")
	case errors.Is(err, service.ErrMalformedMessage):
		entry.Warn("Rejected frame")
	default:
		entry.Debug("Request refused")
	}

	conn.Send(model.ErrorMessage(service.ClientMessage(err)))
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
