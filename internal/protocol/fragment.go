package protocol

import "unicode/utf8"

// DefaultChunkSize is the payload byte budget per envelope. 20 bytes
// fits the 23-byte minimum BLE MTU (minus the 3-byte ATT header)
// without any MTU negotiation logic.
const DefaultChunkSize = 20

// Fragment splits payload into envelopes carrying sequential chunk
// indexes under a fresh message id. An empty to means broadcast. An
// empty payload still produces one envelope so the receiver observes
// the message.
//
// Cuts land on rune boundaries: envelope data travels as JSON string
// values, and a chunk ending mid-rune would be mangled by the JSON
// encoder before the receiver could stitch it back together. A chunk
// may undershoot chunkSize by up to three bytes, or exceed it only
// when a single rune is wider than the whole budget.
func Fragment(from, to string, payload []byte, chunkSize int) []Envelope {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	chunks := splitRuneAligned(payload, chunkSize)

	id := NewMessageID()
	total := len(chunks)
	envelopes := make([]Envelope, 0, total)

	for idx, data := range chunks {
		envelopes = append(envelopes, Envelope{
			Type:  EnvelopeType,
			ID:    id,
			From:  from,
			To:    to,
			Idx:   idx,
			Total: total,
			Data:  data,
		})
	}

	return envelopes
}

func splitRuneAligned(payload []byte, chunkSize int) []string {
	if len(payload) == 0 {
		return []string{""}
	}

	var chunks []string
	rest := payload
	for len(rest) > 0 {
		end := chunkSize
		if end >= len(rest) {
			end = len(rest)
		} else {
			for end > 0 && !utf8.RuneStart(rest[end]) {
				end--
			}
			if end == 0 {
				// The rune at the front is wider than the budget;
				// carry it whole rather than splitting it.
				_, size := utf8.DecodeRune(rest)
				end = size
			}
		}
		chunks = append(chunks, string(rest[:end]))
		rest = rest[end:]
	}
	return chunks
}
