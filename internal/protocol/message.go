package protocol

import (
	"encoding/json"
	"fmt"
)

// Lobby message types exchanged over the chunked transport.
const (
	MessageTypeDeviceInfo   = "device-info"
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice-candidate"
	MessageTypeModeChange   = "mode-change"
)

// LobbyMessage is the discriminated union carried by reassembled
// envelopes. Which fields are set depends on Type; DeviceID always
// identifies the sender.
type LobbyMessage struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Mode       string          `json:"mode,omitempty"`
}

// ParseLobbyMessage decodes a reassembled payload.
func ParseLobbyMessage(payload []byte) (LobbyMessage, error) {
	var msg LobbyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return LobbyMessage{}, err
	}
	if msg.Type == "" || msg.DeviceID == "" {
		return LobbyMessage{}, fmt.Errorf("lobby message missing type or deviceId")
	}
	return msg, nil
}
