package protocol

import (
	"bytes"
	"testing"
)

func env(from, id string, idx, total int, data string) Envelope {
	return Envelope{Type: EnvelopeType, ID: id, From: from, Idx: idx, Total: total, Data: data}
}

func TestReassemblerResetOnTotalMismatch(t *testing.T) {
	r := NewReassembler("local")

	if _, ok := r.Accept(env("a", "m1", 0, 3, "AAA")); ok {
		t.Fatalf("incomplete message reported complete")
	}
	// Same key claims a different total: the total=3 progress must be
	// discarded and a fresh total=2 buffer started.
	if _, ok := r.Accept(env("a", "m1", 0, 2, "XX")); ok {
		t.Fatalf("restarted message reported complete after one chunk")
	}
	got, ok := r.Accept(env("a", "m1", 1, 2, "YY"))
	if !ok {
		t.Fatalf("restarted message never completed")
	}
	if !bytes.Equal(got, []byte("XXYY")) {
		t.Fatalf("got %q after reset, want %q", got, "XXYY")
	}
}

func TestReassemblerRejectsHugeTotal(t *testing.T) {
	r := NewReassembler("local")
	if _, ok := r.Accept(env("a", "m1", 0, 500000, "boom")); ok {
		t.Fatalf("oversized total accepted")
	}
	if r.Pending() != 0 {
		t.Fatalf("oversized total allocated a buffer")
	}
}

func TestReassemblerRejectsBadIndex(t *testing.T) {
	r := NewReassembler("local")
	for _, e := range []Envelope{
		env("a", "m1", -1, 2, "x"),
		env("a", "m1", 2, 2, "x"),
		env("a", "m1", 0, 0, "x"),
	} {
		if _, ok := r.Accept(e); ok {
			t.Fatalf("invalid envelope %+v accepted", e)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("invalid envelopes allocated buffers")
	}
}

func TestReassemblerTargetedFiltering(t *testing.T) {
	r := NewReassembler("local")

	other := env("a", "m1", 0, 1, "not for us")
	other.To = "someone-else"
	if _, ok := r.Accept(other); ok {
		t.Fatalf("envelope targeted at another device accepted")
	}

	mine := env("a", "m2", 0, 1, "for us")
	mine.To = "local"
	if got, ok := r.Accept(mine); !ok || string(got) != "for us" {
		t.Fatalf("targeted envelope for local device dropped")
	}

	broadcast := env("a", "m3", 0, 1, "broadcast")
	if got, ok := r.Accept(broadcast); !ok || string(got) != "broadcast" {
		t.Fatalf("broadcast envelope dropped")
	}
}

func TestReassemblerDropsMalformedFrames(t *testing.T) {
	r := NewReassembler("local")
	for _, raw := range []string{
		"",
		"not json",
		`{"t":"lobby-msg"}`,
		`{"t":"other","id":"m","from":"a","idx":0,"total":1,"data":"x"}`,
		`{"t":"lobby-msg","id":"m","from":"a","idx":"zero","total":1,"data":"x"}`,
	} {
		if _, ok := r.Receive([]byte(raw)); ok {
			t.Fatalf("malformed frame %q accepted", raw)
		}
	}
}

func TestReassemblerDuplicateChunk(t *testing.T) {
	r := NewReassembler("local")
	r.Accept(env("a", "m1", 0, 2, "AA"))
	if _, ok := r.Accept(env("a", "m1", 0, 2, "AA")); ok {
		t.Fatalf("duplicate chunk completed the message")
	}
	got, ok := r.Accept(env("a", "m1", 1, 2, "BB"))
	if !ok || string(got) != "AABB" {
		t.Fatalf("got %q, want AABB", got)
	}
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler("local")
	r.Accept(env("a", "m1", 0, 3, "AAA"))
	r.Accept(env("b", "m2", 0, 2, "BB"))
	if r.Pending() != 2 {
		t.Fatalf("expected 2 pending buffers, got %d", r.Pending())
	}
	r.Reset()
	if r.Pending() != 0 {
		t.Fatalf("Reset left %d buffers", r.Pending())
	}
}

func TestParseLobbyMessage(t *testing.T) {
	msg, err := ParseLobbyMessage([]byte(`{"type":"device-info","deviceId":"d1","deviceName":"Pixel"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Type != MessageTypeDeviceInfo || msg.DeviceID != "d1" || msg.DeviceName != "Pixel" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, err := ParseLobbyMessage([]byte(`{"type":"offer"}`)); err == nil {
		t.Fatalf("message without deviceId parsed")
	}
	if _, err := ParseLobbyMessage([]byte(`garbage`)); err == nil {
		t.Fatalf("garbage parsed")
	}
}
