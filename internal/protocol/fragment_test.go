package protocol

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFragmentChunkLayout(t *testing.T) {
	payload := []byte(strings.Repeat("x", 45))
	envs := Fragment("dev-a", "", payload, 20)

	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	for i, env := range envs {
		if env.Type != EnvelopeType {
			t.Fatalf("envelope %d: wrong type %q", i, env.Type)
		}
		if env.Idx != i || env.Total != 3 {
			t.Fatalf("envelope %d: idx=%d total=%d", i, env.Idx, env.Total)
		}
		if env.ID != envs[0].ID || env.From != "dev-a" {
			t.Fatalf("envelope %d: id/from mismatch", i)
		}
	}
	if len(envs[0].Data) != 20 || len(envs[2].Data) != 5 {
		t.Fatalf("unexpected chunk sizes %d/%d", len(envs[0].Data), len(envs[2].Data))
	}
}

func TestFragmentMultiByteWireRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"device-info","deviceId":"a","deviceName":"café-møtion-読者"}`)

	envs := Fragment("dev-a", "", payload, 20)
	if len(envs) < 2 {
		t.Fatalf("expected payload to span several chunks, got %d", len(envs))
	}

	r := NewReassembler("dev-b")
	var got []byte
	for i, env := range envs {
		if len(env.Data) > 20 {
			t.Fatalf("chunk %d is %d bytes, budget is 20", i, len(env.Data))
		}
		if !utf8.ValidString(env.Data) {
			t.Fatalf("chunk %d cuts through a rune: %q", i, env.Data)
		}
		// Each chunk crosses the wire as its own JSON document, so a
		// mid-rune cut would be mangled right here by json.Marshal.
		raw, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal chunk %d: %v", i, err)
		}
		if out, ok := r.Receive(raw); ok {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %q, want %q", got, payload)
	}
}

func TestFragmentRuneWiderThanChunk(t *testing.T) {
	payload := []byte("🏃🏃") // two 4-byte runes
	envs := Fragment("dev-a", "", payload, 3)

	if len(envs) != 2 {
		t.Fatalf("expected one chunk per rune, got %d", len(envs))
	}
	for i, env := range envs {
		if env.Data != "🏃" {
			t.Fatalf("chunk %d = %q, want a single whole rune", i, env.Data)
		}
	}

	r := NewReassembler("dev-b")
	var got []byte
	for _, env := range envs {
		if out, ok := r.Accept(env); ok {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %q, want %q", got, payload)
	}
}

func TestFragmentEmptyPayload(t *testing.T) {
	envs := Fragment("dev-a", "", nil, 20)
	if len(envs) != 1 || envs[0].Total != 1 || envs[0].Data != "" {
		t.Fatalf("empty payload should produce a single empty envelope, got %+v", envs)
	}
}

func TestFragmentFreshIDPerMessage(t *testing.T) {
	a := Fragment("dev-a", "", []byte("one"), 20)
	b := Fragment("dev-a", "", []byte("two"), 20)
	if a[0].ID == b[0].ID {
		t.Fatalf("two messages share id %q", a[0].ID)
	}
}

func TestReassembleRoundTripAnyOrder(t *testing.T) {
	payload := []byte(`{"type":"offer","deviceId":"a","sdp":"` + strings.Repeat("v=0 ", 40) + `"}`)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		envs := Fragment("dev-a", "", payload, 20)
		rng.Shuffle(len(envs), func(i, j int) { envs[i], envs[j] = envs[j], envs[i] })

		r := NewReassembler("dev-b")
		var got []byte
		for _, env := range envs {
			if out, ok := r.Accept(env); ok {
				if got != nil {
					t.Fatalf("trial %d: completed twice", trial)
				}
				got = out
			}
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("trial %d: reassembled %q, want %q", trial, got, payload)
		}
		if r.Pending() != 0 {
			t.Fatalf("trial %d: %d buffers left over", trial, r.Pending())
		}
	}
}

func TestReassembleOutOfOrderThreeChunks(t *testing.T) {
	payload := []byte(strings.Repeat("abc", 15))
	envs := Fragment("dev-a", "", payload, 20)
	if len(envs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(envs))
	}

	r := NewReassembler("dev-b")
	for _, i := range []int{2, 0} {
		if _, ok := r.Accept(envs[i]); ok {
			t.Fatalf("message completed before all chunks arrived")
		}
	}
	got, ok := r.Accept(envs[1])
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("chunks [2,0,1] reassembled %q, want %q", got, payload)
	}
}

func TestReassembleInterleavedMessages(t *testing.T) {
	first := []byte(strings.Repeat("first-", 10))
	second := []byte(strings.Repeat("second!", 10))

	a := Fragment("dev-a", "", first, 20)
	b := Fragment("dev-a", "", second, 20)

	r := NewReassembler("dev-b")
	var gotFirst, gotSecond []byte

	// Alternate chunks of two concurrent messages from the same sender.
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			if out, ok := r.Accept(a[i]); ok {
				gotFirst = out
			}
		}
		if i < len(b) {
			if out, ok := r.Accept(b[i]); ok {
				gotSecond = out
			}
		}
	}

	if !bytes.Equal(gotFirst, first) {
		t.Fatalf("first message corrupted: %q", gotFirst)
	}
	if !bytes.Equal(gotSecond, second) {
		t.Fatalf("second message corrupted: %q", gotSecond)
	}
}
