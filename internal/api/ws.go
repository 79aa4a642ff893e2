package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/config"
	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

const (
	writeWait        = 10 * time.Second
	sendQueueLength  = 256
	fallbackPingTime = 30 * time.Second
)

// OriginChecker validates the WebSocket origin against the access rules.
type OriginChecker struct {
	access config.AccessSettings
}

// NewOriginChecker creates a new origin checker.
func NewOriginChecker(access config.AccessSettings) *OriginChecker {
	return &OriginChecker{access: access}
}

// Check validates if the origin is allowed.
func (oc *OriginChecker) Check(r *http.Request) bool {
	if !oc.access.ValidateOrigin() {
		return true
	}
	return oc.access.OriginAllowed(r.Header.Get("Origin"))
}

// WSHandler handles WebSocket connections of one listener.
type WSHandler struct {
	tracker       Tracker
	clients       *ClientRegistry
	server        string
	settings      config.WebSocketsSettings
	originChecker *OriginChecker
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

// NewWSHandler creates a WebSocket handler for the listener named server.
func NewWSHandler(t Tracker, clients *ClientRegistry, server string, settings config.WebSocketsSettings, access config.AccessSettings) *WSHandler {
	return &WSHandler{
		tracker:       t,
		clients:       clients,
		server:        server,
		settings:      settings,
		originChecker: NewOriginChecker(access),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Origin already validated
			},
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: settings.Compression != 0,
		},
		logger: zap.NewNop(),
	}
}

// SetLogger sets the handler logger.
func (h *WSHandler) SetLogger(l *zap.Logger) {
	h.logger = l.Named("ws").With(zap.String("server", h.server))
}

// ServeHTTP upgrades the connection and runs it until it closes.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if limit := h.settings.MaxConnections; limit > 0 && h.clients.CountServer(h.server) >= limit {
		metrics.IncrementConnectionsRejected("max_connections")
		h.logger.Debug("ws denied: max connections",
			zap.String("url", r.URL.String()),
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if !h.originChecker.Check(r) {
		metrics.IncrementConnectionsRejected("origin")
		h.logger.Debug("ws denied: origin",
			zap.String("url", r.URL.String()),
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("failed to upgrade", zap.Error(err))
		return
	}

	client := NewClient(conn, h.server, sendQueueLength)
	h.clients.Register(client)
	h.logger.Debug("ws open",
		zap.String("client", client.ID),
		zap.String("url", r.URL.String()),
		zap.String("origin", r.Header.Get("Origin")))

	go h.writePump(client)
	h.readPump(client)
}

// readPump reads messages from the WebSocket and feeds them to the tracker.
func (h *WSHandler) readPump(client *Client) {
	defer func() {
		h.tracker.Disconnect(client)
		h.clients.Unregister(client)
		client.Close()
		h.logger.Debug("ws closed", zap.String("client", client.ID))
	}()

	conn := client.Conn
	conn.SetReadLimit(h.settings.MaxPayloadLength)
	idle := h.settings.IdleTimeoutDuration()
	extend := func() {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
		extend()
		metrics.IncrementReceived()

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			h.logger.Debug("failed to parse JSON message", zap.String("client", client.ID), zap.Error(err))
			return
		}

		if err := h.tracker.ProcessMessage(msg, client); err != nil {
			if tracker.IsProtocolError(err) {
				metrics.IncrementProtocolErrors()
				h.logger.Debug("failed to process message from the peer",
					zap.String("client", client.ID), zap.Error(err))
			} else {
				h.logger.Warn("tracker unavailable", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings to the WebSocket.
func (h *WSHandler) writePump(client *Client) {
	period := fallbackPingTime
	if idle := h.settings.IdleTimeoutDuration(); idle > 0 {
		period = idle / 2
	}
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	conn := client.Conn
	for {
		select {
		case message := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
