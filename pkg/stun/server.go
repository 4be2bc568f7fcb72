package stun

import (
	"context"
	"errors"
	"net"
	"sync"

	gostun "github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
)

// Server answers Binding requests with the source address it observed.
// It implements only what discovery needs: no auth, no TURN, no CHANGE-REQUEST.
type Server struct {
	conn      net.PacketConn
	closeOnce sync.Once
	Logger    *logrus.Entry
}

// Listen binds a UDP socket on addr and returns a server using it.
func Listen(addr string) (*Server, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(conn), nil
}

// NewServer wraps an existing packet connection.
func NewServer(conn net.PacketConn) *Server {
	return &Server{
		conn:   conn,
		Logger: logging.For("stun-server"),
	}
}

// Addr returns the local address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve handles requests until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.Logger.WithField("addr", s.Addr().String()).Info("STUN responder listening")

	buf := make([]byte, BufferSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if err := s.handle(buf[:n], from); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"from":  from.String(),
				"error": err.Error(),
			}).Debug("Dropped STUN request")
		}
	}
}

func (s *Server) handle(data []byte, from net.Addr) error {
	if !gostun.IsMessage(data) {
		return errors.New("not a STUN message")
	}

	req := &gostun.Message{Raw: append([]byte(nil), data...)}
	if err := req.Decode(); err != nil {
		return err
	}
	if req.Type != gostun.BindingRequest {
		return errors.New("not a binding request")
	}

	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return errors.New("non-UDP source")
	}

	res, err := gostun.Build(
		gostun.NewTransactionIDSetter(req.TransactionID),
		gostun.BindingSuccess,
		&gostun.XORMappedAddress{IP: ua.IP, Port: ua.Port},
		gostun.NewSoftware("natchat"),
		gostun.Fingerprint,
	)
	if err != nil {
		return err
	}

	_, err = s.conn.WriteTo(res.Raw, from)
	return err
}

// Close stops the server. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
