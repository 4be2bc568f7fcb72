package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// ErrClientClosed is returned by WSClient calls after Close or a dropped connection.
var ErrClientClosed = errors.New("rendezvous connection closed")

// WSClient keeps one WebSocket open to the server and multiplexes requests
// over it by request id.
type WSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[string]chan *Message
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	WriteTimeout time.Duration
	Logger       *logrus.Entry
}

// DialWS connects to a rendezvous WebSocket endpoint, e.g. "ws://host:10000/ws".
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSClient{
		conn:         conn,
		pending:      make(map[string]chan *Message),
		done:         make(chan struct{}),
		WriteTimeout: 10 * time.Second,
		Logger:       logging.For("rendezvous-ws-client"),
	}
	go c.readLoop()
	return c, nil
}

// Register implements Service.
func (c *WSClient) Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error {
	if err := validateRegistration(id, ep); err != nil {
		return err
	}

	reply, err := c.request(ctx, NewMessage(MessageTypeRegister).WithPeerID(id).WithEndpoint(ep))
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	if reply.Type != MessageTypeAck {
		return fmt.Errorf("register %s: %w", id, replyError(reply))
	}
	return nil
}

// Lookup implements Service. An unknown id yields ErrNotFound.
func (c *WSClient) Lookup(ctx context.Context, id types.PeerID) (types.Endpoint, error) {
	reply, err := c.request(ctx, NewMessage(MessageTypeLookup).WithPeerID(id))
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	if reply.Type != MessageTypePeer || reply.Endpoint == nil {
		return types.Endpoint{}, fmt.Errorf("lookup %s: %w", id, replyError(reply))
	}
	return *reply.Endpoint, nil
}

// ListPeers returns every id the server knows.
func (c *WSClient) ListPeers(ctx context.Context) ([]types.PeerID, error) {
	reply, err := c.request(ctx, NewMessage(MessageTypeList))
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	var payload PeerListPayload
	if reply.Type != MessageTypePeerList {
		return nil, fmt.Errorf("list peers: %w", replyError(reply))
	}
	if err := reply.ParsePayload(&payload); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return payload.Peers, nil
}

// Close closes the connection and fails all outstanding requests.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) request(ctx context.Context, msg *Message) (*Message, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan *Message, 1)

	c.pendingMu.Lock()
	c.pending[msg.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.Logger.WithError(err).Debug("Rendezvous connection lost")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Logger.WithError(err).Debug("Ignoring malformed frame")
			continue
		}
		if msg.RequestID == "" {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RequestID]
		c.pendingMu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

// replyError maps an ERROR frame to a Go error.
func replyError(reply *Message) error {
	if reply.Type != MessageTypeError {
		return fmt.Errorf("unexpected reply type %s", reply.Type)
	}

	var payload ErrorPayload
	if err := reply.ParsePayload(&payload); err != nil {
		return fmt.Errorf("malformed error reply: %w", err)
	}
	switch payload.Code {
	case ErrorCodePeerNotFound:
		return ErrNotFound
	case ErrorCodeInvalidMessage:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, payload.Message)
	default:
		return fmt.Errorf("%s: %s", payload.Code, payload.Message)
	}
}
