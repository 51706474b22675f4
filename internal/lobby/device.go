package lobby

import "github.com/motionsignal/motionlink/internal/rtc"

// DisplayStatus is the registry's coarse view of a lobby member, the
// value UIs render next to the device name.
type DisplayStatus int

const (
	// StatusDiscovered means the device announced itself but no
	// negotiation has started yet.
	StatusDiscovered DisplayStatus = iota

	// StatusConnecting covers the whole offer/answer/ICE handshake.
	StatusConnecting

	// StatusConnected means the peer connection is established.
	StatusConnected

	// StatusFailed means negotiation failed or timed out.
	StatusFailed

	// StatusDisconnected means the device left or its link dropped.
	StatusDisconnected
)

func (s DisplayStatus) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Device is one lobby member as tracked by the registry. Values handed
// to subscribers are snapshots; mutating them has no effect.
type Device struct {
	ID           string
	Name         string
	Status       DisplayStatus
	ChannelReady bool
	Self         bool
}

// statusFor maps a peer connection state to the registry's display
// status. A connected peer whose data channel has not opened yet is
// still connecting; messages cannot flow until the channel is ready.
func statusFor(state rtc.PeerState, ready bool) DisplayStatus {
	switch state {
	case rtc.StateConnected:
		if !ready {
			return StatusConnecting
		}
		return StatusConnected
	case rtc.StateFailed:
		return StatusFailed
	case rtc.StateClosed:
		return StatusDisconnected
	default:
		return StatusConnecting
	}
}
