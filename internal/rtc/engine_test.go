package rtc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/motionsignal/motionlink/internal/protocol"
)

type peerEvent struct {
	peerID string
	state  PeerState
	ready  bool
}

// deliver feeds one signaling message straight into the receiving
// engine, the way the lobby coordinator would after reassembly.
func deliver(t *testing.T, to *Engine, msg protocol.LobbyMessage) {
	t.Helper()

	var err error
	switch msg.Type {
	case protocol.MessageTypeOffer:
		err = to.HandleOfferAndCreateAnswer(msg.DeviceID, msg.SDP)
	case protocol.MessageTypeAnswer:
		err = to.HandleAnswer(msg.DeviceID, msg.SDP)
	case protocol.MessageTypeICECandidate:
		err = to.AddICECandidate(msg.DeviceID, msg.Candidate)
	default:
		t.Errorf("unexpected signal type %q", msg.Type)
	}
	if err != nil && !errors.Is(err, ErrEngineClosed) && !errors.Is(err, ErrPeerClosed) {
		t.Errorf("deliver %s: %v", msg.Type, err)
	}
}

func subscribe(e *Engine) chan peerEvent {
	events := make(chan peerEvent, 64)
	e.OnPeerState(func(peerID string, state PeerState, ready bool) {
		events <- peerEvent{peerID: peerID, state: state, ready: ready}
	})
	return events
}

// newEnginePair wires two engines back to back with direct signal
// delivery and no ICE servers; loopback host candidates are enough.
func newEnginePair(t *testing.T) (a, b *Engine, aEvents, bEvents chan peerEvent) {
	t.Helper()

	a = NewEngine("device-a", nil, func(_ string, msg protocol.LobbyMessage) {
		deliver(t, b, msg)
	})
	b = NewEngine("device-b", nil, func(_ string, msg protocol.LobbyMessage) {
		deliver(t, a, msg)
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, subscribe(a), subscribe(b)
}

func waitReady(t *testing.T, events <-chan peerEvent, peerID string) {
	t.Helper()

	deadline := time.After(15 * time.Second)
	var connected, ready bool
	for {
		select {
		case ev := <-events:
			if ev.peerID != peerID {
				continue
			}
			if ev.state == StateFailed {
				t.Fatalf("peer %s failed while waiting for connect", peerID)
			}
			if ev.state == StateConnected {
				connected = true
			}
			if ev.ready {
				ready = true
			}
			if connected && ready {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (connected=%v ready=%v)", peerID, connected, ready)
		}
	}
}

func waitState(t *testing.T, events <-chan peerEvent, peerID string, want PeerState) {
	t.Helper()

	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.peerID == peerID && ev.state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach %s", peerID, want)
		}
	}
}

func TestEnginePairConnects(t *testing.T) {
	a, b, aEvents, bEvents := newEnginePair(t)

	received := make(chan Message, 8)
	b.OnMessage(func(_ string, msg Message) {
		received <- msg
	})

	if err := a.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("CreateConnectionAndOffer: %v", err)
	}

	waitReady(t, aEvents, "device-b")
	waitReady(t, bEvents, "device-a")

	msg, err := NewMessage(MessageTypeMotionIntensity, IntensityPayload{
		DeviceID:  "device-a",
		Intensity: 0.42,
		At:        time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := a.SendMessage("device-b", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != MessageTypeMotionIntensity {
			t.Fatalf("got type %q, want %q", got.Type, MessageTypeMotionIntensity)
		}
		var payload IntensityPayload
		if err := got.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if payload.Intensity != 0.42 {
			t.Fatalf("got intensity %v, want 0.42", payload.Intensity)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for data-channel message")
	}
}

// heldSignals buffers an engine's outbound signaling until the test
// releases it, so delivery order can be rearranged deliberately.
type heldSignals struct {
	mu      sync.Mutex
	forward bool
	held    []protocol.LobbyMessage
}

func (h *heldSignals) fn(t *testing.T, to **Engine) SignalFunc {
	return func(_ string, msg protocol.LobbyMessage) {
		h.mu.Lock()
		if !h.forward {
			h.held = append(h.held, msg)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		deliver(t, *to, msg)
	}
}

func (h *heldSignals) waitFor(t *testing.T, offers, candidates int) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		no, nc := 0, 0
		for _, msg := range h.held {
			switch msg.Type {
			case protocol.MessageTypeOffer:
				no++
			case protocol.MessageTypeICECandidate:
				nc++
			}
		}
		h.mu.Unlock()
		if no >= offers && nc >= candidates {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for held signals")
}

// release flips to direct forwarding and returns what was held.
func (h *heldSignals) release() []protocol.LobbyMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = true
	held := h.held
	h.held = nil
	return held
}

func TestEarlyCandidatesBeforeOffer(t *testing.T) {
	var a, b *Engine
	hold := &heldSignals{}

	a = NewEngine("device-a", nil, hold.fn(t, &b))
	b = NewEngine("device-b", nil, func(_ string, msg protocol.LobbyMessage) {
		deliver(t, a, msg)
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	aEvents := subscribe(a)
	bEvents := subscribe(b)

	if err := a.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("CreateConnectionAndOffer: %v", err)
	}
	hold.waitFor(t, 1, 1)

	// Replay with every candidate ahead of the offer. The answerer has
	// no peer record yet, so the candidates must be queued and applied
	// once the offer lands.
	held := hold.release()
	for _, msg := range held {
		if msg.Type == protocol.MessageTypeICECandidate {
			deliver(t, b, msg)
		}
	}
	for _, msg := range held {
		if msg.Type != protocol.MessageTypeICECandidate {
			deliver(t, b, msg)
		}
	}

	waitReady(t, aEvents, "device-b")
	waitReady(t, bEvents, "device-a")
}

func TestOutboundQueueFlushedInOrder(t *testing.T) {
	var a, b *Engine
	hold := &heldSignals{}

	a = NewEngine("device-a", nil, hold.fn(t, &b))
	b = NewEngine("device-b", nil, func(_ string, msg protocol.LobbyMessage) {
		deliver(t, a, msg)
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	aEvents := subscribe(a)

	received := make(chan Message, 8)
	b.OnMessage(func(_ string, msg Message) {
		received <- msg
	})

	if err := a.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("CreateConnectionAndOffer: %v", err)
	}

	// With signaling held, the channel cannot be open yet; these must
	// queue rather than error.
	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		msg, err := NewMessage(MessageTypeAnnounce, AnnouncePayload{DeviceID: "device-a", Text: text})
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		if err := a.SendMessage("device-b", msg); err != nil {
			t.Fatalf("SendMessage while queued: %v", err)
		}
	}

	hold.waitFor(t, 1, 0)
	for _, msg := range hold.release() {
		deliver(t, b, msg)
	}
	waitReady(t, aEvents, "device-b")

	for i, want := range texts {
		select {
		case got := <-received:
			var payload AnnouncePayload
			if err := got.DecodePayload(&payload); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if payload.Text != want {
				t.Fatalf("message %d: got %q, want %q", i, payload.Text, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for queued message %d", i)
		}
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected extra message %q", got.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCreateReplacesExistingConnection(t *testing.T) {
	e := NewEngine("device-a", nil, func(string, protocol.LobbyMessage) {})
	t.Cleanup(e.Close)
	events := subscribe(e)

	if err := e.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("first CreateConnectionAndOffer: %v", err)
	}
	if err := e.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("second CreateConnectionAndOffer: %v", err)
	}

	// The first record must be reported closed when it is replaced.
	waitState(t, events, "device-b", StateClosed)

	if ids := e.PeerIDs(); len(ids) != 1 || ids[0] != "device-b" {
		t.Fatalf("got peers %v, want exactly [device-b]", ids)
	}
}

func TestNegotiationTimeoutFailsPeer(t *testing.T) {
	// Discard all signaling so the handshake can never complete.
	e := NewEngine("device-a", nil, func(string, protocol.LobbyMessage) {})
	t.Cleanup(e.Close)
	events := subscribe(e)

	e.SetNegotiationTimeout(100 * time.Millisecond)
	if err := e.CreateConnectionAndOffer("device-b"); err != nil {
		t.Fatalf("CreateConnectionAndOffer: %v", err)
	}

	waitState(t, events, "device-b", StateFailed)

	if state, ok := e.StateOf("device-b"); !ok || state != StateFailed {
		t.Fatalf("got state %v ok=%v, want failed", state, ok)
	}
}

func TestHandleAnswerUnknownPeer(t *testing.T) {
	e := NewEngine("device-a", nil, func(string, protocol.LobbyMessage) {})
	t.Cleanup(e.Close)

	err := e.HandleAnswer("nobody", "v=0")
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("got %v, want ErrPeerNotFound", err)
	}
}

func TestSendMessageAfterClose(t *testing.T) {
	e := NewEngine("device-a", nil, func(string, protocol.LobbyMessage) {})
	e.Close()

	msg, err := NewMessage(MessageTypeAnnounce, AnnouncePayload{DeviceID: "device-a", Text: "hi"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := e.SendMessage("device-b", msg); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("got %v, want ErrEngineClosed", err)
	}
}
