package rendezvous

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
)

// Handler serves the WebSocket flavour of register/lookup.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader

	// Configuration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration

	conns   map[*wsConn]struct{}
	connsMu sync.Mutex

	Logger *logrus.Entry
}

// NewHandler creates a new WebSocket handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are CLI programs, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		conns:        make(map[*wsConn]struct{}),
		Logger:       logging.For("rendezvous-ws"),
	}
}

// wsConn serializes writes to one WebSocket.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) send(msg *Message, timeout time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("connection is closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("connection is closed")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// ServeHTTP upgrades HTTP connections to WebSocket and handles the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &wsConn{conn: conn}
	h.track(c)
	defer h.untrack(c)

	log := h.Logger.WithField("remote", r.RemoteAddr)
	log.Debug("WebSocket client connected")

	c.send(NewMessage(MessageTypeAck).WithPayload(AckPayload{Message: "connected"}), h.WriteTimeout)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	conn.SetReadLimit(32 * 1024)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		return nil
	})

	h.readLoop(c, log)
	log.Debug("WebSocket client disconnected")
}

// readLoop reads and processes messages until the connection fails.
func (h *Handler) readLoop(c *wsConn, log *logrus.Entry) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.PongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(NewErrorMessage(ErrorCodeInvalidMessage, "invalid JSON"), h.WriteTimeout)
			continue
		}

		if err := c.send(h.handleMessage(&msg), h.WriteTimeout); err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			return
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (h *Handler) pingLoop(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(h.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// handleMessage turns one request into its reply.
func (h *Handler) handleMessage(msg *Message) *Message {
	var reply *Message

	switch msg.Type {
	case MessageTypeRegister:
		if msg.Endpoint == nil {
			reply = NewErrorMessage(ErrorCodeInvalidMessage, "endpoint is required")
			break
		}
		if err := validateRegistration(msg.PeerID, *msg.Endpoint); err != nil {
			reply = NewErrorMessage(ErrorCodeInvalidMessage, err.Error())
			break
		}
		h.registry.Register(msg.PeerID, *msg.Endpoint)
		reply = NewMessage(MessageTypeAck).
			WithPeerID(msg.PeerID).
			WithPayload(AckPayload{Message: "registered", ActivePeers: h.registry.Count()})

	case MessageTypeLookup:
		if msg.PeerID == "" {
			reply = NewErrorMessage(ErrorCodeInvalidMessage, "peer_id is required")
			break
		}
		entry, err := h.registry.Lookup(msg.PeerID)
		if err != nil {
			reply = NewErrorMessage(ErrorCodePeerNotFound, "Peer not found")
			break
		}
		reply = NewMessage(MessageTypePeer).
			WithPeerID(entry.PeerID).
			WithEndpoint(entry.Endpoint)

	case MessageTypeList:
		reply = NewMessage(MessageTypePeerList).
			WithPayload(PeerListPayload{Peers: h.registry.PeerIDs()})

	case MessageTypeKeepAlive:
		reply = NewMessage(MessageTypeAck)

	default:
		reply = NewErrorMessage(ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	return reply.WithRequestID(msg.RequestID)
}

func (h *Handler) track(c *wsConn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Handler) untrack(c *wsConn) {
	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()
	c.close()
}

// Count returns the number of open WebSocket connections.
func (h *Handler) Count() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open WebSocket connection.
func (h *Handler) CloseAll() {
	h.connsMu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
