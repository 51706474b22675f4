package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// EnvelopeType is the discriminator carried by every wire chunk.
const EnvelopeType = "lobby-msg"

// Envelope is one wire-level chunk of a fragmented lobby message. The
// JSON keys match the contract shared with the mobile builds, so they
// must not change.
type Envelope struct {
	Type  string `json:"t"`
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Idx   int    `json:"idx"`
	Total int    `json:"total"`
	Data  string `json:"data"`
}

// NewMessageID returns a message-scoped identifier unique per sender.
// Millisecond timestamp plus a random suffix: two messages started in
// the same millisecond must still get distinct ids, otherwise their
// chunks would corrupt each other's reassembly buffers.
func NewMessageID() string {
	var suffix [4]byte
	rand.Read(suffix[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix[:]))
}
