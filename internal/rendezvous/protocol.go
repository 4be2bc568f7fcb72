package rendezvous

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/saintparish4/natchat/pkg/types"
)

// --- HTTP API ---

// RegisterRequest is the body of POST /register.
// Port accepts a JSON number or a numeric string.
type RegisterRequest struct {
	Username string          `json:"username"`
	IP       string          `json:"ip"`
	Port     json.RawMessage `json:"port"`
}

// RegisterResponse answers a successful registration.
type RegisterResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	ActivePeers int    `json:"active_peers"`
}

// ErrorResponse is returned with every 4xx/5xx status.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PeerResponse answers GET /get_peer/{username}.
type PeerResponse struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ListResponse answers GET /list_peers.
type ListResponse struct {
	Peers      []types.PeerID `json:"peers"`
	Count      int            `json:"count"`
	ServerTime string         `json:"server_time"`
}

// StatusResponse answers GET /.
type StatusResponse struct {
	Status      string `json:"status"`
	ActivePeers int    `json:"active_peers"`
	ServerTime  string `json:"server_time"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

// parsePort accepts 40000 or "40000".
func parsePort(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing port")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(str)
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port must be a number")
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// --- WebSocket protocol ---

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client -> Server messages
	MessageTypeRegister  MessageType = "REGISTER"   // Publish own endpoint
	MessageTypeLookup    MessageType = "LOOKUP"     // Ask for a peer's endpoint
	MessageTypeList      MessageType = "LIST"       // Ask for all known ids
	MessageTypeKeepAlive MessageType = "KEEP_ALIVE" // Keep connection alive

	// Server -> Client messages
	MessageTypePeer     MessageType = "PEER"      // Response to LOOKUP
	MessageTypePeerList MessageType = "PEER_LIST" // Response to LIST
	MessageTypeError    MessageType = "ERROR"     // Error response
	MessageTypeAck      MessageType = "ACK"       // Acknowledgment
)

// Message is the envelope for every WebSocket frame in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"` // For request/response correlation
	PeerID    types.PeerID    `json:"peer_id,omitempty"`
	Endpoint  *types.Endpoint `json:"endpoint,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"` // Type-specific payload
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPeerID sets the peer ID and returns the message for chaining
func (m *Message) WithPeerID(id types.PeerID) *Message {
	m.PeerID = id
	return m
}

// WithEndpoint sets the endpoint and returns the message for chaining.
func (m *Message) WithEndpoint(ep types.Endpoint) *Message {
	m.Endpoint = &ep
	return m
}

// WithRequestID sets the request ID for correlation.
func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// WithPayload sets the payload from any serializable value
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return m
	}
	m.Payload = data
	return m
}

// ParsePayload unmarshals the message payload into the provided type.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// AckPayload confirms successful processing of a request.
type AckPayload struct {
	Message     string `json:"message,omitempty"`
	ActivePeers int    `json:"active_peers,omitempty"`
}

// PeerListPayload is sent in response to LIST.
type PeerListPayload struct {
	Peers []types.PeerID `json:"peers"`
}

// ErrorPayload provides error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodePeerNotFound   = "PEER_NOT_FOUND"
)

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}
