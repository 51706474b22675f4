package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrEngineClosed       = errors.New("engine closed")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrPeerClosed         = errors.New("peer closed")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
)

// PeerError wraps a failure of one negotiation operation against one
// remote peer.
type PeerError struct {
	Op   string
	Peer string
	Err  error
}

func (e *PeerError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

func newPeerError(op, peer string, err error) *PeerError {
	return &PeerError{Op: op, Peer: peer, Err: err}
}
