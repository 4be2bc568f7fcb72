package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// PeerID is the user-chosen name a peer registers under.
type PeerID string

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Validate checks that the endpoint carries a literal IP and a usable port.
func (e Endpoint) Validate() error {
	if net.ParseIP(e.IP) == nil {
		return fmt.Errorf("invalid endpoint ip %q", e.IP)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("invalid endpoint port %d", e.Port)
	}
	return nil
}

// UDPAddr converts the endpoint to a *net.UDPAddr.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: net.ParseIP(e.IP), Port: e.Port}, nil
}

// Equal reports whether addr is this endpoint. IPv4-mapped IPv6 forms compare equal.
func (e Endpoint) Equal(addr net.Addr) bool {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	ip := net.ParseIP(e.IP)
	return ip != nil && ip.Equal(ua.IP) && ua.Port == e.Port
}

// ParseEndpoint parses "ip:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: bad port", s)
	}
	ep := Endpoint{IP: host, Port: port}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// EndpointFromAddr builds an Endpoint from a UDP address.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return Endpoint{}, fmt.Errorf("not a udp address: %v", addr)
	}
	ip := ua.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{IP: ip.String(), Port: ua.Port}, nil
}

// ErrDiscovery matches every DiscoveryError.
var ErrDiscovery = errors.New("endpoint discovery failed")

// DiscoveryError represents a failed attempt to learn the public endpoint
type DiscoveryError struct {
	Server string // STUN server queried
	Op     string // Operation that failed
	Err    error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("STUN %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("STUN %s (%s): %v", e.Op, e.Server, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDiscovery) match any DiscoveryError.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrDiscovery
}

// NewDiscoveryError creates a new discovery error
func NewDiscoveryError(server, op string, err error) error {
	return &DiscoveryError{
		Server: server,
		Op:     op,
		Err:    err,
	}
}
