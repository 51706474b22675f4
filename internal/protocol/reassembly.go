package protocol

import (
	"encoding/json"
	"strings"
)

// MaxChunkTotal caps the chunk count an incoming envelope may claim.
// Anything larger is rejected before a buffer is allocated, so a buggy
// or hostile peer cannot make us reserve unbounded memory.
const MaxChunkTotal = 4096

type bufferKey struct {
	from string
	id   string
}

type buffer struct {
	total  int
	filled int
	parts  []string
	seen   []bool
}

// Reassembler rebuilds fragmented lobby messages from envelopes that
// may arrive in any order. Buffers are keyed by (sender, message id),
// so chunks of different in-flight messages can interleave freely.
//
// Not safe for concurrent use; the owning link serializes deliveries.
type Reassembler struct {
	localID string
	buffers map[bufferKey]*buffer
}

// NewReassembler creates a reassembler filtering targeted envelopes
// against localID.
func NewReassembler(localID string) *Reassembler {
	return &Reassembler{
		localID: localID,
		buffers: make(map[bufferKey]*buffer),
	}
}

// Receive consumes one raw frame from the wire. It returns the
// reassembled payload once the last missing chunk of a message has
// arrived. Malformed frames are dropped silently: this layer is
// best-effort, there is no retransmission to ask for.
func (r *Reassembler) Receive(raw []byte) ([]byte, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return r.Accept(env)
}

// Accept consumes one parsed envelope.
func (r *Reassembler) Accept(env Envelope) ([]byte, bool) {
	if env.Type != EnvelopeType || env.ID == "" || env.From == "" {
		return nil, false
	}
	// Targeted envelopes for someone else are filtered here; the BLE
	// notify path has no per-recipient unicast.
	if env.To != "" && env.To != r.localID {
		return nil, false
	}
	if env.Total < 1 || env.Total > MaxChunkTotal {
		return nil, false
	}
	if env.Idx < 0 || env.Idx >= env.Total {
		return nil, false
	}

	key := bufferKey{from: env.From, id: env.ID}
	buf := r.buffers[key]
	if buf == nil || buf.total != env.Total {
		// A total mismatch means earlier chunks for this key belong to
		// an inconsistent attempt; restart rather than mixing them.
		buf = &buffer{
			total: env.Total,
			parts: make([]string, env.Total),
			seen:  make([]bool, env.Total),
		}
		r.buffers[key] = buf
	}

	if !buf.seen[env.Idx] {
		buf.seen[env.Idx] = true
		buf.filled++
	}
	buf.parts[env.Idx] = env.Data

	if buf.filled < buf.total {
		return nil, false
	}

	delete(r.buffers, key)
	return []byte(strings.Join(buf.parts, "")), true
}

// Pending reports how many messages are mid-reassembly.
func (r *Reassembler) Pending() int {
	return len(r.buffers)
}

// Reset drops all partial reassembly state.
func (r *Reassembler) Reset() {
	r.buffers = make(map[bufferKey]*buffer)
}
