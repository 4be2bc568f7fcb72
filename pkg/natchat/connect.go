package natchat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/pkg/holepunch"
	"github.com/saintparish4/natchat/pkg/netutil"
	"github.com/saintparish4/natchat/pkg/types"
)

// Connection is an established direct path to a peer.
type Connection struct {
	Session   *holepunch.Session
	Self      types.PeerID
	PeerID    types.PeerID
	Local     types.Endpoint
	Public    types.Endpoint
	Peer      types.Endpoint
	Discovery Discovery

	stopRefresh func()
	closeOnce   sync.Once
}

// Close stops the registration refresh and keep-alives and releases the
// socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stopRefresh != nil {
			c.stopRefresh()
		}
		err = c.Session.Close()
	})
	return err
}

// Connect binds a socket, publishes its public endpoint as self, waits for
// peer to appear and punches a path to it. Both sides must call Connect at
// roughly the same time. The returned Connection keeps the registration
// fresh and the NAT mapping alive until Close.
func (c *Client) Connect(ctx context.Context, self, peer types.PeerID) (*Connection, error) {
	if self == "" || peer == "" {
		return nil, errors.New("both local and peer ids are required")
	}
	if self == peer {
		return nil, fmt.Errorf("cannot connect %s to itself", self)
	}
	pcfg, err := c.PunchConfig()
	if err != nil {
		return nil, fmt.Errorf("punch config: %w", err)
	}

	log := c.Logger.WithFields(logrus.Fields{"self": string(self), "peer": string(peer)})

	conn, err := netutil.CreateUDPSocket(c.Config.Client.LocalPort)
	if err != nil {
		return nil, err
	}
	local, err := types.EndpointFromAddr(conn.LocalAddr())
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithField("local", local.String()).Info("Bound UDP socket")

	disc, err := c.Discover(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discover public endpoint: %w", err)
	}

	if err := c.Register(ctx, self, disc.Endpoint); err != nil {
		conn.Close()
		return nil, err
	}
	stopRefresh := c.StartRefresh(context.Background(), self, disc.Endpoint)

	peerEP, err := c.WaitForPeer(ctx, peer)
	if err != nil {
		stopRefresh()
		conn.Close()
		return nil, err
	}

	sess, err := holepunch.NewSession(conn, peerEP, pcfg)
	if err != nil {
		stopRefresh()
		conn.Close()
		return nil, err
	}
	sess.Logger = c.Logger.WithFields(logrus.Fields{
		"component": "holepunch",
		"peer":      peerEP.String(),
	})

	punchCtx := ctx
	if d := c.Config.Client.PunchTimeout; d > 0 {
		var cancel context.CancelFunc
		punchCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := sess.Punch(punchCtx); err != nil {
		stopRefresh()
		sess.Close()
		return nil, err
	}

	if err := sess.StartKeepAlive(context.Background(), c.Config.Client.KeepAliveInterval, func(err error) {
		log.WithError(err).Debug("Keep-alive failed")
	}); err != nil {
		stopRefresh()
		sess.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"public":   disc.Endpoint.String(),
		"endpoint": peerEP.String(),
		"attempts": sess.Attempts(),
	}).Info("Direct connection established")

	return &Connection{
		Session:     sess,
		Self:        self,
		PeerID:      peer,
		Local:       local,
		Public:      disc.Endpoint,
		Peer:        peerEP,
		Discovery:   disc,
		stopRefresh: stopRefresh,
	}, nil
}
