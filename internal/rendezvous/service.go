// Package rendezvous implements the public meeting point where peers publish
// their observed endpoint under a chosen id and look each other up.
//
// The registry is reachable in-process (Local), over a small JSON HTTP API
// (Client) and over a WebSocket (WSClient). All three satisfy Service.
package rendezvous

import (
	"context"
	"errors"

	"github.com/saintparish4/natchat/pkg/types"
)

var (
	// ErrNotFound is returned by Lookup for an id nobody has registered.
	ErrNotFound = errors.New("peer not found")

	// ErrInvalidRequest is returned for an empty id or unusable endpoint.
	ErrInvalidRequest = errors.New("invalid request")
)

// Service is the register/lookup contract shared by every transport.
type Service interface {
	Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error
	Lookup(ctx context.Context, id types.PeerID) (types.Endpoint, error)
}

// Local serves a Registry in the same process.
type Local struct {
	Registry *Registry
}

// NewLocal wraps reg.
func NewLocal(reg *Registry) *Local {
	return &Local{Registry: reg}
}

// Register implements Service.
func (l *Local) Register(ctx context.Context, id types.PeerID, ep types.Endpoint) error {
	if err := validateRegistration(id, ep); err != nil {
		return err
	}
	l.Registry.Register(id, ep)
	return nil
}

// Lookup implements Service.
func (l *Local) Lookup(ctx context.Context, id types.PeerID) (types.Endpoint, error) {
	entry, err := l.Registry.Lookup(id)
	if err != nil {
		return types.Endpoint{}, err
	}
	return entry.Endpoint, nil
}

func validateRegistration(id types.PeerID, ep types.Endpoint) error {
	if id == "" {
		return errors.Join(ErrInvalidRequest, errors.New("empty peer id"))
	}
	if err := ep.Validate(); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}
