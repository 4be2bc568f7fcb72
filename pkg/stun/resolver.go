package stun

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// Response is the outcome of querying one server.
type Response struct {
	Server   string
	Endpoint types.Endpoint
	Err      error
}

// Result is the endpoint chosen from several servers.
type Result struct {
	Endpoint  types.Endpoint
	Responses []Response

	// Consistent is false when servers agreeing on the IP saw different
	// ports, i.e. the NAT picks a new mapping per destination.
	Consistent bool
}

// Resolver queries several STUN servers from the same socket and picks the
// IP reported most often.
type Resolver struct {
	Servers []string
	Timeout time.Duration
	Logger  *logrus.Entry
}

// NewResolver creates a resolver over the given servers.
func NewResolver(servers []string) *Resolver {
	return &Resolver{
		Servers: servers,
		Timeout: DefaultTimeout,
		Logger:  logging.For("stun"),
	}
}

// Resolve queries each server once, in order. It fails only when no server
// answered.
func (r *Resolver) Resolve(ctx context.Context, conn net.PacketConn) (Result, error) {
	if len(r.Servers) == 0 {
		return Result{}, types.NewDiscoveryError("", "resolve", errors.New("no STUN servers configured"))
	}

	log := r.Logger
	if log == nil {
		log = logging.For("stun")
	}

	var (
		result  Result
		lastErr error
	)
	for _, server := range r.Servers {
		if err := ctx.Err(); err != nil {
			lastErr = types.NewDiscoveryError(server, "resolve", err)
			break
		}

		client := &Client{Server: server, Timeout: r.Timeout, Logger: log}
		ep, err := client.Discover(ctx, conn)
		result.Responses = append(result.Responses, Response{Server: server, Endpoint: ep, Err: err})
		if err != nil {
			lastErr = err
			log.WithFields(logrus.Fields{
				"server": server,
				"error":  err.Error(),
			}).Warn("STUN server did not answer")
		}
	}

	chosen, consistent, ok := pickEndpoint(result.Responses)
	if !ok {
		return result, lastErr
	}
	result.Endpoint = chosen
	result.Consistent = consistent

	if !consistent {
		log.WithField("endpoint", chosen.String()).
			Warn("NAT mapping varies per destination, hole punching will likely fail")
	}
	return result, nil
}

// pickEndpoint returns the first endpoint carrying the most frequent IP.
// Ties go to the server listed first.
func pickEndpoint(responses []Response) (types.Endpoint, bool, bool) {
	counts := make(map[string]int)
	var order []string
	first := make(map[string]types.Endpoint)

	for _, resp := range responses {
		if resp.Err != nil {
			continue
		}
		ip := resp.Endpoint.IP
		if _, seen := counts[ip]; !seen {
			order = append(order, ip)
			first[ip] = resp.Endpoint
		}
		counts[ip]++
	}
	if len(order) == 0 {
		return types.Endpoint{}, false, false
	}

	best := order[0]
	for _, ip := range order[1:] {
		if counts[ip] > counts[best] {
			best = ip
		}
	}

	chosen := first[best]
	consistent := true
	for _, resp := range responses {
		if resp.Err == nil && resp.Endpoint.IP == best && resp.Endpoint.Port != chosen.Port {
			consistent = false
		}
	}
	return chosen, consistent, true
}
