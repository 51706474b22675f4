package rtc

import "github.com/vmihailenco/msgpack/v5"

// Application message types carried over the data channel once a peer
// is connected.
const (
	// MessageTypeMotionIntensity carries a detection-pipeline intensity
	// sample.
	MessageTypeMotionIntensity = "motion-intensity"

	// MessageTypeAnnounce carries a free-form announcement broadcast by
	// the host.
	MessageTypeAnnounce = "announce"
)

// Message is the envelope for all data-channel application messages.
// msgpack keeps the per-sample overhead low; intensity updates stream
// continuously while a round is running.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// IntensityPayload is published by the motion-detection pipeline.
type IntensityPayload struct {
	DeviceID  string  `msgpack:"deviceId"`
	Intensity float64 `msgpack:"intensity"`
	At        int64   `msgpack:"at"`
}

// AnnouncePayload is a host-to-clients text broadcast.
type AnnouncePayload struct {
	DeviceID string `msgpack:"deviceId"`
	Text     string `msgpack:"text"`
}

// NewMessage wraps payload under the given type.
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// Encode serializes the full message for the data channel.
func (m Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMessage parses a data-channel frame.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
