// Package transport moves envelope frames between a lobby host and its
// clients. The production pair speaks Bluetooth Low Energy; a websocket
// link covers desktop development, and an in-memory pair backs tests.
// All three carry opaque frames; fragmentation and recipient filtering
// live a layer up in protocol.
package transport

import (
	"context"
	"errors"
)

// Frame sizing shared by every link. 512 matches the largest ATT write
// Android and iOS will negotiate, and comfortably holds one envelope.
const MaxFrameSize = 512

var (
	// ErrScanTimeout is returned when discovery finds no lobby host
	// before the scan deadline.
	ErrScanTimeout = errors.New("scan timeout")

	// ErrNotConnected is returned by writes on a link with no live
	// connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyAdvertising is returned when a peripheral is started
	// twice without stopping in between.
	ErrAlreadyAdvertising = errors.New("already advertising")

	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link closed")
)

// FrameHandler consumes one inbound frame. origin identifies the link
// endpoint the frame arrived from (a BLE address, a remote socket
// address, or a synthetic id); it is stable for the lifetime of that
// endpoint's connection.
type FrameHandler func(origin string, frame []byte)

// StateHandler observes link-level connect and disconnect events for
// one endpoint.
type StateHandler func(origin string, connected bool)

// Peripheral is the host side of a lobby link: advertise the lobby
// service, accept frames written by centrals, and fan notification
// frames out to every subscribed central. There is no per-recipient
// unicast at this layer; targeting is done via the envelope to field.
type Peripheral interface {
	// StartAdvertising makes the lobby discoverable under name.
	StartAdvertising(name string) error

	// StopAdvertising stops discovery but keeps the link usable for
	// already-connected centrals until Close.
	StopAdvertising() error

	// OnWrite registers a handler for inbound frames. Handlers
	// accumulate; registering never drops earlier ones.
	OnWrite(fn FrameHandler)

	// OnConnectionState registers a handler for central connect and
	// disconnect events. Handlers accumulate.
	OnConnectionState(fn StateHandler)

	// Notify sends one frame to every subscribed central.
	Notify(frame []byte) error

	// Close tears the link down. The peripheral is not reusable.
	Close() error
}

// Central is the client side of a lobby link: discover a host, connect,
// write frames to it, and receive its notifications.
type Central interface {
	// Scan returns the id of the first advertising lobby host. Repeat
	// advertisements for the same device are latched on first match.
	// Cancellation and deadline come from ctx; an expired deadline
	// surfaces as ErrScanTimeout.
	Scan(ctx context.Context) (string, error)

	// Connect attaches to a host previously returned by Scan.
	Connect(ctx context.Context, deviceID string) error

	// Write sends one frame to the connected host.
	Write(frame []byte) error

	// Subscribe registers a handler for host notifications. Handlers
	// accumulate; registering never drops earlier ones.
	Subscribe(fn FrameHandler) error

	// Disconnect drops the connection. The central may Scan again.
	Disconnect() error
}
