// Package lobby coordinates the session: it owns the device registry,
// drives the signaling transport on either side of the link, and feeds
// the negotiation engine until every member is connected peer to peer.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/motionsignal/motionlink/internal/config"
	"github.com/motionsignal/motionlink/internal/protocol"
	"github.com/motionsignal/motionlink/internal/rtc"
	"github.com/motionsignal/motionlink/internal/transport"
)

// Role is the coordinator's position in the lobby.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// DefaultMode is the session mode a lobby starts in.
const DefaultMode = "lobby"

// DeviceFunc observes registry changes. Callbacks receive snapshots
// and run in registration order.
type DeviceFunc func(Device)

// ModeFunc observes session mode changes.
type ModeFunc func(mode string)

// Coordinator runs one lobby session, as host or as client. It is
// single-session: after Cleanup it cannot be reused.
type Coordinator struct {
	cfg        *config.Config
	peripheral transport.Peripheral
	central    transport.Central

	// sendMu serializes paced chunk sequences so envelopes of two
	// messages never interleave on the link.
	sendMu sync.Mutex

	mu          sync.Mutex
	role        Role
	localID     string
	localName   string
	mode        string
	devices     map[string]*Device
	originOf    map[string]string // deviceID -> link origin
	deviceAt    map[string]string // link origin -> deviceID
	reassembler *protocol.Reassembler
	engine      *rtc.Engine
	deviceSubs  []DeviceFunc
	modeSubs    []ModeFunc
	msgSubs     []rtc.MessageFunc
	closed      bool
}

// New builds an idle coordinator. peripheral is used when hosting,
// central when joining; the unused side may be nil.
func New(cfg *config.Config, peripheral transport.Peripheral, central transport.Central) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		peripheral: peripheral,
		central:    central,
		mode:       DefaultMode,
		devices:    make(map[string]*Device),
		originOf:   make(map[string]string),
		deviceAt:   make(map[string]string),
	}
}

// CreateLobby assigns this device a fresh id, starts advertising and
// takes the host role. Clients that announce themselves are answered
// with the host's identity and offered a peer connection.
func (c *Coordinator) CreateLobby(name string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLobbyClosed
	}
	if c.role != RoleNone {
		c.mu.Unlock()
		return ErrAlreadyInLobby
	}
	engine := c.startSessionLocked(RoleHost, name)
	c.mu.Unlock()

	c.peripheral.OnWrite(c.handleFrame)
	c.peripheral.OnConnectionState(c.onLinkState)

	if err := c.peripheral.StartAdvertising(name); err != nil {
		c.abortSession(engine)
		return newError("create lobby", err)
	}

	slog.Info("lobby created", "device", c.LocalDevice().ID, "name", name)
	return nil
}

// JoinLobby scans for a host, connects, subscribes to notifications
// and announces this device. The scan deadline comes from
// configuration; ctx may cancel earlier.
func (c *Coordinator) JoinLobby(ctx context.Context, name string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLobbyClosed
	}
	if c.role != RoleNone {
		c.mu.Unlock()
		return ErrAlreadyInLobby
	}
	engine := c.startSessionLocked(RoleClient, name)
	localID := c.localID
	c.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, c.cfg.ScanTimeout)
	defer cancel()

	host, err := c.central.Scan(scanCtx)
	if err != nil {
		c.abortSession(engine)
		return newError("scan", err)
	}
	if err := c.central.Connect(ctx, host); err != nil {
		c.abortSession(engine)
		return newError("connect", err)
	}
	if err := c.central.Subscribe(c.handleFrame); err != nil {
		c.central.Disconnect()
		c.abortSession(engine)
		return newError("subscribe", err)
	}

	info := protocol.LobbyMessage{
		Type:       protocol.MessageTypeDeviceInfo,
		DeviceID:   localID,
		DeviceName: name,
	}
	if err := c.sendMessageTo("", info); err != nil {
		c.central.Disconnect()
		c.abortSession(engine)
		return newError("announce", err)
	}

	slog.Info("lobby joined", "device", localID, "host", host)
	return nil
}

// startSessionLocked assigns identity and builds the per-session
// engine. Caller holds c.mu.
func (c *Coordinator) startSessionLocked(role Role, name string) *rtc.Engine {
	c.role = role
	c.localID = uuid.NewString()
	c.localName = name
	c.reassembler = protocol.NewReassembler(c.localID)
	c.devices[c.localID] = &Device{
		ID:     c.localID,
		Name:   name,
		Status: StatusConnected,
		Self:   true,
	}

	engine := rtc.NewEngine(c.localID, rtc.ICEServers(c.cfg), c.sendSignal)
	engine.SetNegotiationTimeout(c.cfg.NegotiationTimeout)
	engine.OnPeerState(c.onPeerState)
	engine.OnMessage(c.onEngineMessage)
	c.engine = engine
	return engine
}

// abortSession rolls a failed CreateLobby/JoinLobby back to idle.
func (c *Coordinator) abortSession(engine *rtc.Engine) {
	engine.Close()
	c.mu.Lock()
	delete(c.devices, c.localID)
	c.role = RoleNone
	c.localID = ""
	c.reassembler = nil
	c.engine = nil
	c.mu.Unlock()
}

// OnDeviceChange registers a registry observer. Observers accumulate
// and are notified in registration order.
func (c *Coordinator) OnDeviceChange(fn DeviceFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceSubs = append(c.deviceSubs, fn)
}

// OnModeChange registers a session-mode observer. Observers accumulate.
func (c *Coordinator) OnModeChange(fn ModeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modeSubs = append(c.modeSubs, fn)
}

// OnMessage registers an observer for peer application messages.
// Observers accumulate.
func (c *Coordinator) OnMessage(fn rtc.MessageFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgSubs = append(c.msgSubs, fn)
}

// Role reports the coordinator's current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Mode reports the current session mode.
func (c *Coordinator) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Joined reports whether at least one remote member has an open data
// channel. For a client that means the host is reachable peer to peer.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.devices {
		if !dev.Self && dev.ChannelReady {
			return true
		}
	}
	return false
}

// LocalDevice returns this device's registry entry.
func (c *Coordinator) LocalDevice() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dev, ok := c.devices[c.localID]; ok {
		return *dev
	}
	return Device{}
}

// Devices returns a snapshot of the registry, self included, sorted by
// name then id for stable rendering.
func (c *Coordinator) Devices() []Device {
	c.mu.Lock()
	out := make([]Device, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, *dev)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BroadcastModeChange switches the session mode and announces it to
// every client. Host only.
func (c *Coordinator) BroadcastModeChange(mode string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLobbyClosed
	}
	if c.role != RoleHost {
		c.mu.Unlock()
		return ErrNotHost
	}
	c.mode = mode
	localID := c.localID
	c.mu.Unlock()

	c.notifyMode(mode)
	return c.sendMessageTo("", protocol.LobbyMessage{
		Type:     protocol.MessageTypeModeChange,
		DeviceID: localID,
		Mode:     mode,
	})
}

// SendMessage delivers an application message to one connected device.
func (c *Coordinator) SendMessage(deviceID string, msg rtc.Message) error {
	engine := c.engineRef()
	if engine == nil {
		return ErrNotInLobby
	}
	return engine.SendMessage(deviceID, msg)
}

// BroadcastMessage delivers an application message to every connected
// device.
func (c *Coordinator) BroadcastMessage(msg rtc.Message) error {
	engine := c.engineRef()
	if engine == nil {
		return ErrNotInLobby
	}
	engine.BroadcastMessage(msg)
	return nil
}

// Cleanup tears the session down: peers closed, advertising stopped,
// links released. Safe to call more than once.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	role := c.role
	c.role = RoleNone
	engine := c.engine
	if c.reassembler != nil {
		c.reassembler.Reset()
	}
	c.devices = make(map[string]*Device)
	c.originOf = make(map[string]string)
	c.deviceAt = make(map[string]string)
	c.mu.Unlock()

	if engine != nil {
		engine.Close()
	}

	switch role {
	case RoleHost:
		if err := c.peripheral.StopAdvertising(); err != nil && !errors.Is(err, transport.ErrClosed) {
			slog.Debug("stop advertising", "err", err)
		}
		if err := c.peripheral.Close(); err != nil {
			slog.Debug("close peripheral", "err", err)
		}
	case RoleClient:
		if err := c.central.Disconnect(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			slog.Debug("disconnect central", "err", err)
		}
	}

	slog.Info("lobby cleaned up", "role", role.String())
}

func (c *Coordinator) engineRef() *rtc.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// sendSignal is the engine's outbound path; it runs on the engine's
// dispatch goroutine.
func (c *Coordinator) sendSignal(peerID string, msg protocol.LobbyMessage) {
	if err := c.sendMessageTo(peerID, msg); err != nil {
		slog.Warn("signal send failed", "peer", peerID, "type", msg.Type, "err", err)
	}
}

// sendMessageTo fragments one lobby message and writes its envelopes,
// paced, over whichever link side this role uses. Empty to broadcasts.
func (c *Coordinator) sendMessageTo(to string, msg protocol.LobbyMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return newError("encode message", err)
	}

	c.mu.Lock()
	role := c.role
	localID := c.localID
	c.mu.Unlock()
	if role == RoleNone {
		return ErrNotInLobby
	}

	envelopes := protocol.Fragment(localID, to, payload, c.cfg.ChunkSize)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for i, env := range envelopes {
		frame, err := json.Marshal(env)
		if err != nil {
			return newError("encode envelope", err)
		}
		if role == RoleHost {
			err = c.peripheral.Notify(frame)
		} else {
			err = c.central.Write(frame)
		}
		if err != nil {
			return newError("write frame", err)
		}
		if c.cfg.ChunkDelay > 0 && i < len(envelopes)-1 {
			time.Sleep(c.cfg.ChunkDelay)
		}
	}
	return nil
}

// handleFrame feeds one inbound link frame through reassembly and, on
// a completed payload, dispatches the lobby message.
func (c *Coordinator) handleFrame(origin string, frame []byte) {
	c.mu.Lock()
	if c.closed || c.reassembler == nil {
		c.mu.Unlock()
		return
	}
	payload, ok := c.reassembler.Receive(frame)
	c.mu.Unlock()
	if !ok {
		return
	}

	msg, err := protocol.ParseLobbyMessage(payload)
	if err != nil {
		slog.Debug("dropping malformed lobby message", "err", err)
		return
	}
	c.dispatch(origin, msg)
}

func (c *Coordinator) dispatch(origin string, msg protocol.LobbyMessage) {
	engine := c.engineRef()
	if engine == nil {
		return
	}

	switch msg.Type {
	case protocol.MessageTypeDeviceInfo:
		c.handleDeviceInfo(origin, msg, engine)

	case protocol.MessageTypeOffer:
		c.upsertDevice(origin, msg.DeviceID, "")
		if err := engine.HandleOfferAndCreateAnswer(msg.DeviceID, msg.SDP); err != nil {
			slog.Warn("offer handling failed", "peer", msg.DeviceID, "err", err)
		}

	case protocol.MessageTypeAnswer:
		if err := engine.HandleAnswer(msg.DeviceID, msg.SDP); err != nil {
			slog.Warn("answer handling failed", "peer", msg.DeviceID, "err", err)
		}

	case protocol.MessageTypeICECandidate:
		if err := engine.AddICECandidate(msg.DeviceID, msg.Candidate); err != nil {
			slog.Debug("candidate rejected", "peer", msg.DeviceID, "err", err)
		}

	case protocol.MessageTypeModeChange:
		c.mu.Lock()
		c.mode = msg.Mode
		c.mu.Unlock()
		c.notifyMode(msg.Mode)

	default:
		slog.Debug("dropping unknown lobby message", "type", msg.Type)
	}
}

// handleDeviceInfo records the announcing device. The host answers
// with its own identity and the current mode, then starts negotiation
// toward the newcomer.
func (c *Coordinator) handleDeviceInfo(origin string, msg protocol.LobbyMessage, engine *rtc.Engine) {
	c.mu.Lock()
	isHost := c.role == RoleHost
	localID := c.localID
	localName := c.localName
	mode := c.mode
	c.deviceAt[origin] = msg.DeviceID
	c.originOf[msg.DeviceID] = origin
	c.mu.Unlock()

	c.upsertDevice(origin, msg.DeviceID, msg.DeviceName)
	if !isHost {
		return
	}

	reply := protocol.LobbyMessage{
		Type:       protocol.MessageTypeDeviceInfo,
		DeviceID:   localID,
		DeviceName: localName,
	}
	if err := c.sendMessageTo(msg.DeviceID, reply); err != nil {
		slog.Warn("device-info reply failed", "peer", msg.DeviceID, "err", err)
		return
	}
	if mode != DefaultMode {
		change := protocol.LobbyMessage{
			Type:     protocol.MessageTypeModeChange,
			DeviceID: localID,
			Mode:     mode,
		}
		if err := c.sendMessageTo(msg.DeviceID, change); err != nil {
			slog.Warn("mode sync failed", "peer", msg.DeviceID, "err", err)
		}
	}
	if err := engine.CreateConnectionAndOffer(msg.DeviceID); err != nil {
		slog.Warn("offer creation failed", "peer", msg.DeviceID, "err", err)
	}
}

// upsertDevice ensures a registry entry exists and refreshes the
// fields an announcement carries.
func (c *Coordinator) upsertDevice(origin, deviceID, name string) {
	c.mu.Lock()
	if origin != "" {
		c.deviceAt[origin] = deviceID
		c.originOf[deviceID] = origin
	}
	dev, ok := c.devices[deviceID]
	if !ok {
		dev = &Device{ID: deviceID, Status: StatusDiscovered}
		c.devices[deviceID] = dev
	}
	if name != "" {
		dev.Name = name
	}
	snapshot := *dev
	c.mu.Unlock()

	c.notifyDevice(snapshot)
}

// onPeerState mirrors engine transitions into the registry. Runs on
// the engine's dispatch goroutine.
func (c *Coordinator) onPeerState(peerID string, state rtc.PeerState, ready bool) {
	c.mu.Lock()
	dev, ok := c.devices[peerID]
	if !ok {
		dev = &Device{ID: peerID}
		c.devices[peerID] = dev
	}
	dev.Status = statusFor(state, ready)
	dev.ChannelReady = ready
	snapshot := *dev
	c.mu.Unlock()

	c.notifyDevice(snapshot)
}

func (c *Coordinator) onEngineMessage(peerID string, msg rtc.Message) {
	c.mu.Lock()
	subs := append([]rtc.MessageFunc(nil), c.msgSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(peerID, msg)
	}
}

// onLinkState reacts to link-level disconnects on the host side. The
// lost origin is mapped back to its device, which is marked and torn
// down; connects carry no identity and are ignored until the device
// announces itself.
func (c *Coordinator) onLinkState(origin string, connected bool) {
	if connected {
		return
	}

	c.mu.Lock()
	deviceID, ok := c.deviceAt[origin]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.deviceAt, origin)
	delete(c.originOf, deviceID)
	engine := c.engine
	dev, known := c.devices[deviceID]
	var snapshot Device
	if known {
		dev.Status = StatusDisconnected
		dev.ChannelReady = false
		snapshot = *dev
	}
	c.mu.Unlock()

	if known {
		c.notifyDevice(snapshot)
	}
	if engine != nil {
		engine.ClosePeer(deviceID)
	}
	slog.Info("device link lost", "device", deviceID)
}

func (c *Coordinator) notifyDevice(dev Device) {
	c.mu.Lock()
	subs := append([]DeviceFunc(nil), c.deviceSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(dev)
	}
}

func (c *Coordinator) notifyMode(mode string) {
	c.mu.Lock()
	subs := append([]ModeFunc(nil), c.modeSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(mode)
	}
}
