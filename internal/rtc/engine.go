package rtc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/motionsignal/motionlink/internal/protocol"
)

const (
	// DefaultNegotiationTimeout bounds how long a handshake may sit
	// short of Connected before the peer is failed. Reported through
	// the same state-change path as any other negotiation failure.
	DefaultNegotiationTimeout = 30 * time.Second

	dataChannelLabel = "lobby"
)

// SignalFunc carries an outbound signaling message for one peer toward
// the chunked transport.
type SignalFunc func(peerID string, msg protocol.LobbyMessage)

// StateFunc observes per-peer negotiation state transitions.
// channelReady reports whether the peer's data channel is open.
// Callbacks run on the engine's dispatch goroutine and must not call
// back into the Engine.
type StateFunc func(peerID string, state PeerState, channelReady bool)

// MessageFunc observes inbound data-channel application messages.
type MessageFunc func(peerID string, msg Message)

type signalEvent struct {
	peerID string
	msg    protocol.LobbyMessage
}

// stateEvent carries the subscriber snapshot taken at emission, so the
// dispatcher never needs the engine lock.
type stateEvent struct {
	peerID string
	state  PeerState
	ready  bool
	subs   []StateFunc
}

// Engine drives WebRTC negotiation for every remote peer of this
// device. It exclusively owns the per-peer records: callers interact
// through its API and observe changes via callbacks, never by touching
// a record directly.
type Engine struct {
	localID    string
	iceServers []webrtc.ICEServer
	signal     SignalFunc

	mu        sync.Mutex
	peers     map[string]*peerRecord
	early     map[string][]webrtc.ICECandidateInit
	stateSubs []StateFunc
	msgSubs   []MessageFunc
	timeout   time.Duration
	closed    bool

	signals chan signalEvent
	states  chan stateEvent
	done    chan struct{}
}

// peerRecord is the engine-private state of one remote peer. All
// fields are protected by Engine.mu.
type peerRecord struct {
	id          string
	conn        *webrtc.PeerConnection
	channel     *webrtc.DataChannel
	state       PeerState
	remoteSet   bool
	channelOpen bool
	outbound    [][]byte
	deadline    *time.Timer
}

func (r *peerRecord) stopDeadline() {
	if r.deadline != nil {
		r.deadline.Stop()
	}
}

// NewEngine creates an engine for localID. Outbound signaling messages
// are handed to signal in emission order on a dedicated goroutine, so
// a slow transport never stalls negotiation callbacks.
func NewEngine(localID string, iceServers []webrtc.ICEServer, signal SignalFunc) *Engine {
	e := &Engine{
		localID:    localID,
		iceServers: iceServers,
		signal:     signal,
		peers:      make(map[string]*peerRecord),
		early:      make(map[string][]webrtc.ICECandidateInit),
		timeout:    DefaultNegotiationTimeout,
		signals:    make(chan signalEvent, 128),
		states:     make(chan stateEvent, 128),
		done:       make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// SetNegotiationTimeout changes the per-peer handshake deadline for
// connections created afterwards.
func (e *Engine) SetNegotiationTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// OnPeerState registers a state observer. Observers accumulate;
// registering never drops earlier ones.
func (e *Engine) OnPeerState(fn StateFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateSubs = append(e.stateSubs, fn)
}

// OnMessage registers a data-channel message observer. Observers
// accumulate.
func (e *Engine) OnMessage(fn MessageFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgSubs = append(e.msgSubs, fn)
}

// CreateConnectionAndOffer starts negotiation toward peerID as the
// initiator: close any previous connection for the peer, open the
// outbound data channel, apply a local offer and emit it. Trickled
// candidates follow through the same signal path.
func (e *Engine) CreateConnectionAndOffer(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	// Never let two connections exist for one peer.
	e.closePeerLocked(peerID)

	rec, err := e.newPeerLocked(peerID)
	if err != nil {
		return newPeerError("create connection", peerID, err)
	}

	ordered := true
	dc, err := rec.conn.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		e.failLocked(rec, err)
		return newPeerError("create data channel", peerID, err)
	}
	e.attachChannelLocked(rec, dc)

	offer, err := rec.conn.CreateOffer(nil)
	if err != nil {
		e.failLocked(rec, err)
		return newPeerError("create offer", peerID, err)
	}
	if err := rec.conn.SetLocalDescription(offer); err != nil {
		e.failLocked(rec, err)
		return newPeerError("set local description", peerID, err)
	}

	rec.state = StateHaveLocalOffer
	e.notifyStateLocked(rec)
	e.emitSignal(peerID, protocol.LobbyMessage{
		Type:     protocol.MessageTypeOffer,
		DeviceID: e.localID,
		SDP:      offer.SDP,
	})
	return nil
}

// HandleOfferAndCreateAnswer starts negotiation toward peerID as the
// answerer. Candidates that raced ahead of the offer are replayed, in
// arrival order, once the remote description is applied.
func (e *Engine) HandleOfferAndCreateAnswer(peerID, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	// A fresh offer supersedes whatever connection existed before.
	e.closePeerLocked(peerID)

	rec, err := e.newPeerLocked(peerID)
	if err != nil {
		return newPeerError("create connection", peerID, err)
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := rec.conn.SetRemoteDescription(remote); err != nil {
		e.failLocked(rec, err)
		return newPeerError("set remote offer", peerID, err)
	}
	rec.remoteSet = true
	rec.state = StateHaveRemoteOffer
	e.notifyStateLocked(rec)
	e.drainEarlyLocked(rec)

	answer, err := rec.conn.CreateAnswer(nil)
	if err != nil {
		e.failLocked(rec, err)
		return newPeerError("create answer", peerID, err)
	}
	if err := rec.conn.SetLocalDescription(answer); err != nil {
		e.failLocked(rec, err)
		return newPeerError("set local description", peerID, err)
	}

	rec.state = StateHaveLocalAnswer
	e.notifyStateLocked(rec)
	e.emitSignal(peerID, protocol.LobbyMessage{
		Type:     protocol.MessageTypeAnswer,
		DeviceID: e.localID,
		SDP:      answer.SDP,
	})
	return nil
}

// HandleAnswer applies the remote answer on the initiator side and
// replays queued candidates.
func (e *Engine) HandleAnswer(peerID, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	rec := e.peers[peerID]
	if rec == nil {
		return newPeerError("handle answer", peerID, ErrPeerNotFound)
	}
	if rec.state.Terminal() {
		return newPeerError("handle answer", peerID, ErrPeerClosed)
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := rec.conn.SetRemoteDescription(remote); err != nil {
		e.failLocked(rec, err)
		return newPeerError("set remote answer", peerID, err)
	}
	rec.remoteSet = true
	e.drainEarlyLocked(rec)
	return nil
}

// AddICECandidate applies a trickled candidate from peerID. Candidates
// arriving before the peer's remote description (a routine race over
// the chunked transport) are queued and replayed in arrival order
// when the description lands.
func (e *Engine) AddICECandidate(peerID string, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return newPeerError("parse candidate", peerID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	rec := e.peers[peerID]
	if rec == nil || !rec.remoteSet {
		e.early[peerID] = append(e.early[peerID], init)
		return nil
	}
	if rec.state.Terminal() {
		return newPeerError("add candidate", peerID, ErrPeerClosed)
	}
	if err := rec.conn.AddICECandidate(init); err != nil {
		return newPeerError("add candidate", peerID, err)
	}
	return nil
}

// SendMessage delivers an application message to peerID. While the
// peer's channel is not yet open the message joins a per-peer FIFO
// that is flushed, in order, the moment the channel opens.
func (e *Engine) SendMessage(peerID string, msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return newPeerError("encode message", peerID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	rec := e.peers[peerID]
	if rec == nil {
		return newPeerError("send message", peerID, ErrPeerNotFound)
	}
	if rec.state.Terminal() {
		return newPeerError("send message", peerID, ErrPeerClosed)
	}
	if !rec.channelOpen {
		rec.outbound = append(rec.outbound, frame)
		return nil
	}
	if err := rec.channel.Send(frame); err != nil {
		return newPeerError("send message", peerID, err)
	}
	return nil
}

// BroadcastMessage fans SendMessage out to every known peer. Per-peer
// failures are logged, not returned; a dead peer must not block the
// rest of the lobby.
func (e *Engine) BroadcastMessage(msg Message) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.SendMessage(id, msg); err != nil {
			slog.Debug("broadcast skipped peer", "peer", id, "err", err)
		}
	}
}

// ClosePeer tears down the connection for peerID, if any.
func (e *Engine) ClosePeer(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closePeerLocked(peerID)
}

// Close tears down every peer and stops the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		e.closePeerLocked(id)
	}
	e.mu.Unlock()

	close(e.done)
}

// StateOf reports the negotiation state of peerID.
func (e *Engine) StateOf(peerID string) (PeerState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.peers[peerID]
	if rec == nil {
		return StateClosed, false
	}
	return rec.state, true
}

// ChannelReady reports whether peerID's data channel is open.
func (e *Engine) ChannelReady(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.peers[peerID]
	return rec != nil && rec.channelOpen
}

// PeerIDs lists the peers with a live record.
func (e *Engine) PeerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) dispatch() {
	for {
		select {
		case ev := <-e.signals:
			e.signal(ev.peerID, ev.msg)

		case ev := <-e.states:
			for _, fn := range ev.subs {
				fn(ev.peerID, ev.state, ev.ready)
			}

		case <-e.done:
			return
		}
	}
}

func (e *Engine) emitSignal(peerID string, msg protocol.LobbyMessage) {
	select {
	case e.signals <- signalEvent{peerID: peerID, msg: msg}:
	case <-e.done:
	}
}

func (e *Engine) notifyStateLocked(rec *peerRecord) {
	ev := stateEvent{
		peerID: rec.id,
		state:  rec.state,
		ready:  rec.channelOpen,
		subs:   e.stateSubs,
	}
	select {
	case e.states <- ev:
	case <-e.done:
	}
}

// newPeerLocked builds the pion connection and wires its callbacks.
// Every callback validates that rec is still the current record for
// the peer, so stale events from a replaced connection are ignored.
func (e *Engine) newPeerLocked(peerID string) (*peerRecord, error) {
	conn, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, err
	}

	rec := &peerRecord{id: peerID, conn: conn, state: StateNew}
	e.peers[peerID] = rec

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		e.mu.Lock()
		stale := e.peers[peerID] != rec || rec.state.Terminal()
		e.mu.Unlock()
		if stale {
			return
		}
		e.emitSignal(peerID, protocol.LobbyMessage{
			Type:      protocol.MessageTypeICECandidate,
			DeviceID:  e.localID,
			Candidate: raw,
		})
	})

	conn.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.peers[peerID] != rec {
			return
		}
		switch cs {
		case webrtc.PeerConnectionStateConnecting:
			if !rec.state.Terminal() && rec.state != StateConnected {
				rec.state = StateConnecting
				e.notifyStateLocked(rec)
			}
		case webrtc.PeerConnectionStateConnected:
			if !rec.state.Terminal() {
				rec.state = StateConnected
				rec.stopDeadline()
				e.notifyStateLocked(rec)
			}
		case webrtc.PeerConnectionStateFailed:
			e.failLocked(rec, ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			if !rec.state.Terminal() {
				rec.state = StateClosed
				rec.channelOpen = false
				rec.stopDeadline()
				e.notifyStateLocked(rec)
			}
		}
	})

	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.peers[peerID] != rec {
			dc.Close()
			return
		}
		e.attachChannelLocked(rec, dc)
	})

	timeout := e.timeout
	rec.deadline = time.AfterFunc(timeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.peers[peerID] != rec || rec.state == StateConnected || rec.state.Terminal() {
			return
		}
		e.failLocked(rec, ErrNegotiationTimeout)
	})

	return rec, nil
}

func (e *Engine) attachChannelLocked(rec *peerRecord, dc *webrtc.DataChannel) {
	rec.channel = dc

	dc.OnOpen(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.peers[rec.id] != rec || rec.channel != dc {
			return
		}
		rec.channelOpen = true
		queued := rec.outbound
		rec.outbound = nil
		for _, frame := range queued {
			if err := dc.Send(frame); err != nil {
				slog.Warn("flushing queued message failed", "peer", rec.id, "err", err)
				break
			}
		}
		e.notifyStateLocked(rec)
	})

	dc.OnClose(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.peers[rec.id] != rec || rec.channel != dc || !rec.channelOpen {
			return
		}
		rec.channelOpen = false
		if !rec.state.Terminal() {
			e.notifyStateLocked(rec)
		}
	})

	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			slog.Debug("dropping undecodable data-channel message", "peer", rec.id, "err", err)
			return
		}
		e.mu.Lock()
		subs := append([]MessageFunc(nil), e.msgSubs...)
		e.mu.Unlock()
		for _, fn := range subs {
			fn(rec.id, msg)
		}
	})
}

func (e *Engine) failLocked(rec *peerRecord, cause error) {
	if rec.state.Terminal() {
		return
	}
	rec.state = StateFailed
	rec.channelOpen = false
	rec.stopDeadline()
	slog.Warn("peer negotiation failed", "peer", rec.id, "err", cause)
	// Close off the lock; pion may invoke callbacks while closing.
	go rec.conn.Close()
	e.notifyStateLocked(rec)
}

func (e *Engine) closePeerLocked(peerID string) {
	delete(e.early, peerID)
	rec := e.peers[peerID]
	if rec == nil {
		return
	}
	delete(e.peers, peerID)
	rec.stopDeadline()
	if !rec.state.Terminal() {
		rec.state = StateClosed
		rec.channelOpen = false
		e.notifyStateLocked(rec)
	}
	go rec.conn.Close()
}

func (e *Engine) drainEarlyLocked(rec *peerRecord) {
	queued := e.early[rec.id]
	delete(e.early, rec.id)
	for _, init := range queued {
		if err := rec.conn.AddICECandidate(init); err != nil {
			slog.Warn("queued candidate rejected", "peer", rec.id, "err", err)
		}
	}
}
