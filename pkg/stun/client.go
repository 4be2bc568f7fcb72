// Package stun discovers the public endpoint of an already-bound UDP socket
// using STUN Binding requests (RFC 5389), and provides a minimal responder.
package stun

import (
	"context"
	"fmt"
	"net"
	"time"

	gostun "github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/netutil"
	"github.com/saintparish4/natchat/pkg/types"
)

const (
	// DefaultTimeout bounds a single discovery attempt.
	DefaultTimeout = 5 * time.Second

	// BufferSize for receiving UDP packets
	BufferSize = 1500
)

// Client queries one STUN server.
type Client struct {
	Server  string
	Timeout time.Duration
	Logger  *logrus.Entry
}

// NewClient creates a new STUN client
func NewClient(server string) *Client {
	return &Client{
		Server:  server,
		Timeout: DefaultTimeout,
		Logger:  logging.For("stun"),
	}
}

// Discover sends one Binding request from conn and waits for the matching
// response. The socket must be the one later used for hole punching, since the
// NAT mapping being observed belongs to it. Datagrams that are not the
// expected response are discarded. There is no retry.
//
// The read deadline on conn is cleared before returning.
func (c *Client) Discover(ctx context.Context, conn net.PacketConn) (types.Endpoint, error) {
	serverAddr, err := netutil.ResolveUDPAddr(c.Server)
	if err != nil {
		return types.Endpoint{}, types.NewDiscoveryError(c.Server, "resolve_address", err)
	}

	req, err := gostun.Build(gostun.TransactionID, gostun.BindingRequest, gostun.Fingerprint)
	if err != nil {
		return types.Endpoint{}, types.NewDiscoveryError(c.Server, "build_request", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return types.Endpoint{}, types.NewDiscoveryError(c.Server, "set_deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	// Unblock ReadFrom as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteTo(req.Raw, serverAddr); err != nil {
		return types.Endpoint{}, types.NewDiscoveryError(c.Server, "send_request", err)
	}

	buf := make([]byte, BufferSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return types.Endpoint{}, types.NewDiscoveryError(c.Server, "read_response", err)
		}

		if !sameUDPAddr(from, serverAddr) || !gostun.IsMessage(buf[:n]) {
			c.logger().WithFields(logrus.Fields{
				"from":  from.String(),
				"bytes": n,
			}).Debug("Ignoring datagram while waiting for STUN response")
			continue
		}

		res := &gostun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return types.Endpoint{}, types.NewDiscoveryError(c.Server, "decode_response", err)
		}
		if res.TransactionID != req.TransactionID {
			continue
		}

		endpoint, err := parseBindingResponse(res)
		if err != nil {
			return types.Endpoint{}, types.NewDiscoveryError(c.Server, "parse_response", err)
		}

		c.logger().WithFields(logrus.Fields{
			"server":   c.Server,
			"endpoint": endpoint.String(),
		}).Debug("Discovered public endpoint")
		return endpoint, nil
	}
}

func (c *Client) logger() *logrus.Entry {
	if c.Logger == nil {
		c.Logger = logging.For("stun")
	}
	return c.Logger
}

// parseBindingResponse extracts the mapped address, preferring XOR-MAPPED-ADDRESS.
func parseBindingResponse(res *gostun.Message) (types.Endpoint, error) {
	if res.Type.Class == gostun.ClassErrorResponse {
		var code gostun.ErrorCodeAttribute
		if err := code.GetFrom(res); err == nil {
			return types.Endpoint{}, fmt.Errorf("error response %d: %s", code.Code, code.Reason)
		}
		return types.Endpoint{}, fmt.Errorf("error response without error code")
	}
	if res.Type != gostun.BindingSuccess {
		return types.Endpoint{}, fmt.Errorf("unexpected message type: %s", res.Type)
	}

	var xorAddr gostun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return endpointFromIP(xorAddr.IP, xorAddr.Port), nil
	}

	var mapped gostun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return endpointFromIP(mapped.IP, mapped.Port), nil
	}

	return types.Endpoint{}, fmt.Errorf("XOR-MAPPED-ADDRESS attribute not found")
}

func endpointFromIP(ip net.IP, port int) types.Endpoint {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return types.Endpoint{IP: ip.String(), Port: port}
}

func sameUDPAddr(a net.Addr, b *net.UDPAddr) bool {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return false
	}
	return ua.Port == b.Port && ua.IP.Equal(b.IP)
}
