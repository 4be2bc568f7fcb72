package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
)

// Transport carries whole message bodies to and from the peer.
// *holepunch.Session satisfies it, so chat reuses the punched socket.
type Transport interface {
	Send(body []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// SessionConfig holds configuration for a chat session
type SessionConfig struct {
	Username    string
	PeerName    string
	MaxMessages int
	OnMessage   func(*Message)
	OnError     func(error)
}

// Session manages a P2P chat conversation
type Session struct {
	transport Transport
	username  string

	messagesMu  sync.RWMutex
	messages    []*Message
	maxMessages int
	peerName    string

	onMessage func(*Message)
	onError   func(error)

	sendMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	Logger *logrus.Entry
}

// NewSession creates a new chat session over the given transport
func NewSession(t Transport, cfg SessionConfig) *Session {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 1000
	}
	return &Session{
		transport:   t,
		username:    cfg.Username,
		peerName:    cfg.PeerName,
		maxMessages: cfg.MaxMessages,
		onMessage:   cfg.OnMessage,
		onError:     cfg.OnError,
		done:        make(chan struct{}),
		Logger:      logging.For("chat").WithField("user", cfg.Username),
	}
}

// Start announces the local user and begins receiving. The receive loop runs
// until ctx is done, Stop is called or the transport fails.
func (s *Session) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("chat session already started")
	}

	if err := s.sendMessage(NewJoinMessage(s.username)); err != nil {
		return fmt.Errorf("failed to send join message: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.receiveLoop(ctx)
	return nil
}

// Stop says goodbye, closes the transport if it can be closed and waits for
// the receive loop. It must not be called from OnMessage or OnError.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if err := s.sendMessage(NewLeaveMessage(s.username)); err != nil {
			s.Logger.WithError(err).Debug("Leave message not sent")
		}
		if s.cancel == nil {
			// Never started.
			close(s.done)
		} else {
			s.cancel()
		}
		if c, ok := s.transport.(io.Closer); ok {
			c.Close()
		}
		<-s.done
	})
}

// Done is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send sends a text message to the peer and returns it as recorded in the
// history. Blank text is rejected with ErrEmptyMessage and nothing is sent.
func (s *Session) Send(content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxContentLength {
		return nil, ErrTooLarge
	}
	msg := NewTextMessage(s.username, content)
	if err := s.sendMessage(msg); err != nil {
		return nil, err
	}
	s.addMessage(msg)
	return msg, nil
}

// Messages returns a copy of the message history.
func (s *Session) Messages() []*Message {
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()

	result := make([]*Message, len(s.messages))
	copy(result, s.messages)
	return result
}

// Username returns the local username.
func (s *Session) Username() string {
	return s.username
}

// PeerName returns the peer's username.
func (s *Session) PeerName() string {
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()
	return s.peerName
}

func (s *Session) sendMessage(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transport.Send(data)
}

func (s *Session) receiveLoop(ctx context.Context) {
	defer close(s.done)

	for {
		data, err := s.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.WithError(err).Warn("Receive failed, ending chat")
			if s.onError != nil {
				s.onError(err)
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			s.Logger.WithError(err).Debug("Skipping malformed message")
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeJoin:
		s.messagesMu.Lock()
		s.peerName = msg.From
		s.messagesMu.Unlock()
		s.Logger.WithField("peer", msg.From).Info("Peer joined")
	case MessageTypeLeave:
		s.Logger.WithField("peer", msg.From).Info("Peer left")
	}

	s.addMessage(msg)
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Session) addMessage(msg *Message) {
	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()

	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxMessages {
		s.messages = s.messages[len(s.messages)-s.maxMessages:]
	}
}
