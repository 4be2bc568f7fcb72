// Package chat implements a small peer-to-peer chat protocol on top of an
// already punched datagram path.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack"
)

// MessageType identifies the type of chat message
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// MaxContentLength keeps an encoded message inside a single datagram.
const MaxContentLength = 32 * 1024

var (
	ErrInvalidMessage = errors.New("invalid chat message")
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrTooLarge       = fmt.Errorf("chat message exceeds %d bytes", MaxContentLength)
)

// Message is one chat event exchanged between peers.
type Message struct {
	Type      MessageType `msgpack:"type"`
	ID        string      `msgpack:"id"`
	From      string      `msgpack:"from"`
	Content   string      `msgpack:"content,omitempty"`
	Timestamp int64       `msgpack:"ts"` // unix millis
}

func newMessage(t MessageType, from, content string) *Message {
	return &Message{
		Type:      t,
		ID:        uuid.NewString(),
		From:      from,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewTextMessage creates a new text message
func NewTextMessage(from, content string) *Message {
	return newMessage(MessageTypeText, from, content)
}

// NewJoinMessage creates a join notification
func NewJoinMessage(username string) *Message {
	return newMessage(MessageTypeJoin, username, "")
}

// NewLeaveMessage creates a leave notification
func NewLeaveMessage(username string) *Message {
	return newMessage(MessageTypeLeave, username, "")
}

// Encode serializes the message with msgpack.
func (m *Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMessage parses a datagram body produced by Encode.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case MessageTypeText, MessageTypeJoin, MessageTypeLeave:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return &msg, nil
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// FormatTime returns a formatted timestamp string
func (m *Message) FormatTime() string {
	return m.Time().Format("15:04:05")
}
