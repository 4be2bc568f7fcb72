// Package holepunch opens a direct UDP path to a peer behind NAT by having
// both sides probe each other's public endpoint at the same time, then keeps
// that path usable for application data.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// State of a punch session. It only ever moves forward:
// Init -> Punching -> Established or Failed.
type State int32

const (
	StateInit State = iota
	StatePunching
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePunching:
		return "PUNCHING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session owns one UDP socket aimed at one peer. A single reader goroutine
// receives every datagram and dispatches on tag and state. All writes go
// through one mutex.
type Session struct {
	conn     net.PacketConn
	peer     types.Endpoint
	peerAddr *net.UDPAddr
	cfg      Config

	mu          sync.Mutex
	state       State
	attempts    int
	lastSentAt  time.Time
	reason      Reason
	established chan struct{}

	lastRecv atomic.Int64 // unix nanos
	dropped  atomic.Uint64

	writeMu sync.Mutex
	inbox   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    chan struct{}
	closeOnce sync.Once

	Logger *logrus.Entry
}

// NewSession prepares a session in INIT. conn must be the socket whose public
// mapping was published to the peer; the session takes ownership of it.
func NewSession(conn net.PacketConn, peer types.Endpoint, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peerAddr, err := peer.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("peer endpoint: %w", err)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	return &Session{
		conn:        conn,
		peer:        peer,
		peerAddr:    peerAddr,
		cfg:         cfg,
		state:       StateInit,
		established: make(chan struct{}),
		inbox:       make(chan []byte, cfg.InboxSize),
		ctx:         gctx,
		cancel:      cancel,
		group:       group,
		closed:      make(chan struct{}),
		Logger: logging.For("holepunch").WithFields(logrus.Fields{
			"peer": peer.String(),
		}),
	}, nil
}

// Punch runs the handshake and blocks until the session is ESTABLISHED,
// FAILED, or ctx is done.
//
// Probes are sent every interval until the peer is heard from or
// cfg.MaxAttempts probes have gone out; after one more interval of silence the
// session fails with ReasonNoResponse and the socket is closed. A ctx deadline
// that fires first fails the session with ReasonDeadline. Cancelling ctx
// closes the socket and returns ErrCancelled.
func (s *Session) Punch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInit {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("punch: session is %s", state)
	}
	s.state = StatePunching
	s.mu.Unlock()

	s.Logger.WithFields(logrus.Fields{
		"local":        s.conn.LocalAddr().String(),
		"max_attempts": s.cfg.MaxAttempts,
		"interval":     s.cfg.RetryInterval.String(),
		"backoff":      s.cfg.Backoff.String(),
	}).Info("Starting hole punch")

	s.group.Go(s.readLoop)

	sent := s.sendProbe()
	timer := time.NewTimer(s.cfg.interval(sent))
	defer timer.Stop()

	for {
		select {
		case <-s.established:
			return nil

		case <-s.closed:
			if s.fail(ReasonCancelled) {
				return fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)
			}
			return s.result()

		case <-ctx.Done():
			reason := ReasonCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ReasonDeadline
			}
			if !s.fail(reason) {
				return s.result()
			}
			s.Close()
			if reason == ReasonCancelled {
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			return s.punchError()

		case <-timer.C:
			if s.Attempts() >= s.cfg.MaxAttempts {
				if !s.fail(ReasonNoResponse) {
					return s.result()
				}
				s.Close()
				return s.punchError()
			}
			sent = s.sendProbe()
			timer.Reset(s.cfg.interval(sent))
		}
	}
}

// sendProbe counts and sends one probe, returning the probe number.
// A failed write still counts as an attempt.
func (s *Session) sendProbe() int {
	s.mu.Lock()
	if s.state != StatePunching {
		n := s.attempts
		s.mu.Unlock()
		return n
	}
	s.attempts++
	n := s.attempts
	s.lastSentAt = time.Now()
	s.mu.Unlock()

	if err := s.write(TagProbe, nil); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"attempt": n,
			"error":   (&SendError{Op: "probe", Peer: s.peer, Err: err}).Error(),
		}).Warn("Probe send failed")
	} else {
		s.Logger.WithField("attempt", n).Debug("Sent probe")
	}
	return n
}

// fail moves PUNCHING to FAILED. It reports false if the session already
// left PUNCHING, e.g. because the peer was heard from in the meantime.
func (s *Session) fail(reason Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePunching {
		return false
	}
	s.state = StateFailed
	s.reason = reason

	s.Logger.WithFields(logrus.Fields{
		"attempts": s.attempts,
		"reason":   string(reason),
	}).Warn("Hole punch failed")
	return true
}

// establish moves PUNCHING to ESTABLISHED. It reports whether the datagram
// that triggered it should be processed at all.
func (s *Session) establish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePunching:
		s.lastRecv.Store(time.Now().UnixNano())
		s.state = StateEstablished
		close(s.established)
		s.Logger.WithFields(logrus.Fields{
			"attempts": s.attempts,
		}).Info("Hole punch succeeded")
		return true
	case StateEstablished:
		s.lastRecv.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

func (s *Session) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEstablished {
		return nil
	}
	if s.reason == ReasonCancelled {
		return ErrCancelled
	}
	return &PunchError{Peer: s.peer, Attempts: s.attempts, Reason: s.reason}
}

func (s *Session) punchError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &PunchError{Peer: s.peer, Attempts: s.attempts, Reason: s.reason}
}

const (
	readErrorBackoff    = 10 * time.Millisecond
	maxReadErrorBackoff = time.Second
)

// readLoop is the only reader of the socket for the session's lifetime.
func (s *Session) readLoop() error {
	buf := make([]byte, MaxDatagramSize)
	backoff := readErrorBackoff

	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				// Closed underneath us. Close waits for this goroutine.
				go s.Close()
				return nil
			}
			// ICMP unreachable surfaces here as a connection reset on some
			// platforms. The socket is still usable.
			s.Logger.WithError(err).WithField("retry_in", backoff.String()).Warn("Read failed")
			select {
			case <-s.closed:
				return nil
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, maxReadErrorBackoff)
			continue
		}
		backoff = readErrorBackoff

		if !s.peer.Equal(from) {
			s.Logger.WithFields(logrus.Fields{
				"from":  from.String(),
				"bytes": n,
			}).Debug("Ignoring datagram from unexpected source")
			continue
		}

		s.dispatch(buf[:n])
	}
}

// dispatch handles one datagram from the peer. In PUNCHING any datagram at
// all proves the path works.
func (s *Session) dispatch(pkt []byte) {
	if !s.establish() {
		return
	}

	body, tag, err := DetachTag(pkt)
	if err != nil {
		return
	}

	switch tag {
	case TagProbe:
		// The peer may not have seen our probe or ack yet.
		if err := s.write(TagAck, nil); err != nil {
			s.Logger.WithError(&SendError{Op: "ack", Peer: s.peer, Err: err}).Warn("Ack send failed")
		}

	case TagData:
		data := append([]byte(nil), body...)
		select {
		case s.inbox <- data:
		default:
			s.dropped.Add(1)
			s.Logger.WithField("bytes", len(data)).Warn("Inbox full, dropping datagram")
		}

	case TagAck, TagKeepAlive:
		// Liveness only.

	default:
		s.Logger.WithField("tag", tag.String()).Debug("Ignoring unknown tag")
	}
}

func (s *Session) write(tag Tag, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.WriteTo(AttachTag(body, tag), s.peerAddr)
	return err
}

// Send delivers body to the peer as one data datagram.
func (s *Session) Send(body []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}
	if len(body)+1 > MaxDatagramSize {
		return fmt.Errorf("datagram too large: %d bytes", len(body))
	}
	if err := s.write(TagData, body); err != nil {
		return &SendError{Op: "data", Peer: s.peer, Err: err}
	}
	return nil
}

// Recv returns the next data datagram body from the peer.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendKeepAlive sends one keep-alive datagram.
func (s *Session) SendKeepAlive() error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.write(TagKeepAlive, nil); err != nil {
		return &SendError{Op: "keepalive", Peer: s.peer, Err: err}
	}
	return nil
}

// StartKeepAlive sends a keep-alive every interval until ctx is done or the
// session is closed. Send failures go to onError (may be nil) and do not stop
// the schedule.
func (s *Session) StartKeepAlive(ctx context.Context, interval time.Duration, onError func(error)) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}
	if interval <= 0 {
		return fmt.Errorf("keep-alive interval must be positive, got %v", interval)
	}

	ka := &KeepAlive{
		Interval: interval,
		OnError:  onError,
		Logger:   s.Logger,
	}

	kctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	s.group.Go(func() error {
		defer stop()
		defer cancel()
		return ka.Run(kctx, s.SendKeepAlive)
	})
	return nil
}

// Close releases the socket and waits for the session's goroutines.
// Safe to call more than once. Must not be called from an OnError callback.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.conn.Close()
		if werr := s.group.Wait(); werr != nil {
			s.Logger.WithError(werr).Debug("Session goroutine exited with error")
		}
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session failed, or "" if it has not.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Attempts returns how many probes have been sent.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastSentAt returns when the latest probe went out.
func (s *Session) LastSentAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSentAt
}

// LastReceived returns when anything was last heard from the peer.
func (s *Session) LastReceived() time.Time {
	ns := s.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Dropped returns how many data datagrams were discarded on a full inbox.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Established is closed once the session reaches ESTABLISHED.
func (s *Session) Established() <-chan struct{} {
	return s.established
}

// Peer returns the remote endpoint.
func (s *Session) Peer() types.Endpoint {
	return s.peer
}

// LocalAddr returns the local address of the socket.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}
