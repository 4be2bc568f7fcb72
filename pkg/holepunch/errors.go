package holepunch

import (
	"errors"
	"fmt"

	"github.com/saintparish4/natchat/pkg/types"
)

// Sentinel errors
var (
	// ErrPunchFailed matches every PunchError.
	ErrPunchFailed = errors.New("hole punch failed")

	// ErrCancelled is returned by Punch when the caller gave up first.
	ErrCancelled = errors.New("hole punch cancelled")

	ErrNotEstablished = errors.New("session not established")
	ErrClosed         = errors.New("session closed")
)

// Reason says why a session ended in FAILED.
type Reason string

const (
	ReasonNoResponse Reason = "no response"
	ReasonDeadline   Reason = "deadline exceeded"
	ReasonCancelled  Reason = "cancelled"
)

// PunchError reports a session that reached FAILED without hearing from the peer.
type PunchError struct {
	Peer     types.Endpoint
	Attempts int
	Reason   Reason
}

func (e *PunchError) Error() string {
	return fmt.Sprintf("hole punch to %s failed after %d attempts: %s", e.Peer, e.Attempts, e.Reason)
}

// Is lets errors.Is(err, ErrPunchFailed) match any PunchError.
func (e *PunchError) Is(target error) bool {
	return target == ErrPunchFailed
}

// SendError is a failed write on the punched socket. It is never fatal on its
// own: the next probe or keep-alive simply tries again.
type SendError struct {
	Op   string // "probe", "ack", "keepalive" or "data"
	Peer types.Endpoint
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to %s: %v", e.Op, e.Peer, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
