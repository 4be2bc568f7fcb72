// Package natchat ties discovery, rendezvous and hole punching together into
// a single Connect call that yields a direct UDP path to a named peer.
package natchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/config"
	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/internal/rendezvous"
	"github.com/saintparish4/natchat/pkg/holepunch"
	"github.com/saintparish4/natchat/pkg/netutil"
	"github.com/saintparish4/natchat/pkg/stun"
	"github.com/saintparish4/natchat/pkg/types"
)

// Discovery is the public endpoint a client will publish.
type Discovery struct {
	Endpoint   types.Endpoint
	Responses  []stun.Response
	Consistent bool

	// Fallback is set when no STUN server answered and Endpoint is the
	// local address instead. Peers outside the LAN will not reach it.
	Fallback bool

	// Private is set when Endpoint is in a private, link-local or CGNAT
	// range. The host sits behind another NAT layer, or on the same LAN.
	Private bool
}

// Client runs the connection workflow for one local peer.
type Client struct {
	Config     config.Client
	Rendezvous rendezvous.Service
	Logger     *logrus.Entry

	localIP func() (net.IP, error)
}

// NewClient creates a client using svc to reach the rendezvous service.
func NewClient(cfg config.Client, svc rendezvous.Service) *Client {
	return &Client{
		Config:     cfg,
		Rendezvous: svc,
		Logger:     logging.For("natchat"),
		localIP:    netutil.GetPreferredLocalAddress,
	}
}

// Discover learns the public endpoint of conn. When every STUN server fails it
// falls back to the preferred local address and conn's port, unless the
// configuration requires discovery.
func (c *Client) Discover(ctx context.Context, conn net.PacketConn) (Discovery, error) {
	resolver := stun.NewResolver(c.Config.STUN.Servers)
	resolver.Timeout = c.Config.STUN.Timeout
	resolver.Logger = c.Logger

	res, err := resolver.Resolve(ctx, conn)
	if err == nil {
		c.Logger.WithFields(logrus.Fields{
			"endpoint":   res.Endpoint.String(),
			"consistent": res.Consistent,
		}).Info("Discovered public endpoint")
		return c.checkPrivate(Discovery{Endpoint: res.Endpoint, Responses: res.Responses, Consistent: res.Consistent}), nil
	}
	if c.Config.STUN.RequireDiscovery || ctx.Err() != nil {
		return Discovery{Responses: res.Responses}, err
	}

	lookup := c.localIP
	if lookup == nil {
		lookup = netutil.GetPreferredLocalAddress
	}
	ip, ipErr := lookup()
	if ipErr != nil {
		return Discovery{Responses: res.Responses}, errors.Join(err, ipErr)
	}
	ep := types.Endpoint{IP: ip.String(), Port: netutil.LocalPort(conn)}

	c.Logger.WithFields(logrus.Fields{
		"endpoint": ep.String(),
		"error":    err.Error(),
	}).Warn("All STUN servers failed, falling back to local address")
	return c.checkPrivate(Discovery{Endpoint: ep, Responses: res.Responses, Consistent: true, Fallback: true}), nil
}

func (c *Client) checkPrivate(d Discovery) Discovery {
	d.Private = netutil.IsPrivateIP(net.ParseIP(d.Endpoint.IP))
	if d.Private {
		c.Logger.WithField("endpoint", d.Endpoint.String()).
			Warn("Endpoint is a private address, peers outside this network cannot reach it")
	}
	return d
}

// Register publishes ep under id, retrying transport failures up to
// RegisterRetries times.
func (c *Client) Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error {
	attempts := c.Config.Client.RegisterRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.Rendezvous.Register(ctx, id, ep)
		if err == nil {
			c.Logger.WithFields(logrus.Fields{
				"peer_id":  string(id),
				"endpoint": ep.String(),
				"attempt":  attempt,
			}).Info("Registered with rendezvous server")
			return nil
		}
		if errors.Is(err, rendezvous.ErrInvalidRequest) {
			return err
		}

		c.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Registration failed")

		if attempt < attempts {
			if werr := sleep(ctx, c.Config.Client.RegisterDelay); werr != nil {
				return werr
			}
		}
	}
	return fmt.Errorf("register %s after %d attempts: %w", id, attempts, err)
}

// StartRefresh re-registers ep every RefreshInterval so the entry keeps
// pointing at the current mapping. The returned func stops it and waits.
func (c *Client) StartRefresh(ctx context.Context, id types.PeerID, ep types.Endpoint) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.Config.Client.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Rendezvous.Register(ctx, id, ep); err != nil && ctx.Err() == nil {
					c.Logger.WithError(err).Warn("Registration refresh failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// WaitForPeer looks id up until it appears, up to LookupAttempts times.
func (c *Client) WaitForPeer(ctx context.Context, id types.PeerID) (types.Endpoint, error) {
	attempts := c.Config.Client.LookupAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var ep types.Endpoint
		ep, err = c.Rendezvous.Lookup(ctx, id)
		if err == nil {
			c.Logger.WithFields(logrus.Fields{
				"peer_id":  string(id),
				"endpoint": ep.String(),
			}).Info("Found peer")
			return ep, nil
		}
		if errors.Is(err, rendezvous.ErrInvalidRequest) || ctx.Err() != nil {
			return types.Endpoint{}, err
		}

		log := c.Logger.WithFields(logrus.Fields{"peer_id": string(id), "attempt": attempt})
		if errors.Is(err, rendezvous.ErrNotFound) {
			log.Info("Peer not registered yet, waiting")
		} else {
			log.WithError(err).Warn("Lookup failed")
		}

		if attempt < attempts {
			if werr := sleep(ctx, c.Config.Client.LookupDelay); werr != nil {
				return types.Endpoint{}, werr
			}
		}
	}
	return types.Endpoint{}, fmt.Errorf("peer %s not available after %d lookups: %w", id, attempts, err)
}

// PunchConfig derives the hole punching schedule from the configuration.
func (c *Client) PunchConfig() (holepunch.Config, error) {
	backoff, err := holepunch.ParseBackoff(c.Config.Client.PunchBackoff)
	if err != nil {
		return holepunch.Config{}, err
	}
	cfg := holepunch.DefaultConfig()
	cfg.RetryInterval = c.Config.Client.PunchInterval
	cfg.MaxAttempts = c.Config.Client.PunchAttempts
	cfg.Backoff = backoff
	cfg.MaxInterval = max(cfg.MaxInterval, cfg.RetryInterval)
	return cfg, cfg.Validate()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
