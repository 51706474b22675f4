package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket development link. Desktop machines rarely expose a usable
// BLE peripheral role, so for bench testing the host serves /link on
// the LAN and clients dial it directly. Same frame semantics as BLE:
// client writes are unicast to the host, host notifications fan out to
// every connected client.

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  MaxFrameSize,
	WriteBufferSize: MaxFrameSize,
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSPeripheral is the host side of the websocket development link.
type WSPeripheral struct {
	listenAddr string

	mu          sync.Mutex
	handlers    []FrameHandler
	stateFns    []StateHandler
	clients     map[string]*wsClient
	listener    net.Listener
	advertising bool
	closed      bool
}

// NewWSPeripheral prepares a host link listening on listenAddr.
func NewWSPeripheral(listenAddr string) *WSPeripheral {
	return &WSPeripheral{
		listenAddr: listenAddr,
		clients:    make(map[string]*wsClient),
	}
}

// Addr returns the bound listen address once advertising has started.
// Useful when listenAddr requested an ephemeral port.
func (p *WSPeripheral) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return p.listenAddr
	}
	return p.listener.Addr().String()
}

func (p *WSPeripheral) OnWrite(fn FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *WSPeripheral) OnConnectionState(fn StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFns = append(p.stateFns, fn)
}

// StartAdvertising opens the listener. The name only matters for BLE
// discovery; here it is logged and clients dial the address directly.
func (p *WSPeripheral) StartAdvertising(name string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.advertising {
		p.mu.Unlock()
		return ErrAlreadyAdvertising
	}

	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("listen %s: %w", p.listenAddr, err)
	}
	p.listener = listener
	p.advertising = true
	p.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/link", p.handleLink)
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			slog.Debug("ws link server stopped", "err", err)
		}
	}()

	slog.Info("ws link listening", "addr", listener.Addr().String(), "lobby", name)
	return nil
}

// StopAdvertising closes the listener. Already-connected clients keep
// their upgraded connections until Close.
func (p *WSPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.advertising {
		return nil
	}
	p.advertising = false
	return p.listener.Close()
}

// Notify fans one frame out to every connected client. A client whose
// send queue is full misses the frame; the reassembly layer treats
// loss as expected.
func (p *WSPeripheral) Notify(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	// Fan out under the lock so a concurrent Close cannot close a send
	// channel between the snapshot and the send.
	for _, c := range p.clients {
		select {
		case c.send <- frame:
		default:
			slog.Warn("ws client send queue full, dropping frame")
		}
	}
	return nil
}

func (p *WSPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	listener := p.listener
	advertising := p.advertising
	p.advertising = false
	for _, c := range p.clients {
		close(c.send)
	}
	p.clients = make(map[string]*wsClient)
	p.mu.Unlock()

	if advertising && listener != nil {
		return listener.Close()
	}
	return nil
}

func (p *WSPeripheral) handleLink(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade failed", "err", err)
		return
	}

	origin := conn.RemoteAddr().String()
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.clients[origin] = client
	stateFns := append([]StateHandler(nil), p.stateFns...)
	p.mu.Unlock()

	for _, fn := range stateFns {
		fn(origin, true)
	}

	go p.writePump(client)
	p.readPump(origin, client)
}

func (p *WSPeripheral) readPump(origin string, client *wsClient) {
	defer func() {
		p.mu.Lock()
		if p.clients[origin] == client {
			delete(p.clients, origin)
			close(client.send)
		}
		stateFns := append([]StateHandler(nil), p.stateFns...)
		p.mu.Unlock()
		client.conn.Close()
		for _, fn := range stateFns {
			fn(origin, false)
		}
	}()

	client.conn.SetReadLimit(MaxFrameSize)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		p.mu.Lock()
		handlers := append([]FrameHandler(nil), p.handlers...)
		p.mu.Unlock()
		for _, fn := range handlers {
			fn(origin, frame)
		}
	}
}

func (p *WSPeripheral) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WSCentral is the client side of the websocket development link.
type WSCentral struct {
	hostAddr string

	mu        sync.Mutex
	subs      []FrameHandler
	conn      *websocket.Conn
	send      chan []byte
	connected bool
}

// NewWSCentral prepares a client link for the host at hostAddr
// (host:port).
func NewWSCentral(hostAddr string) *WSCentral {
	return &WSCentral{hostAddr: hostAddr}
}

// Scan probes the configured host address instead of scanning the air.
// An unreachable host within the ctx deadline surfaces as
// ErrScanTimeout, matching the BLE central's discovery failure.
func (c *WSCentral) Scan(ctx context.Context) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.hostAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %s unreachable", ErrScanTimeout, c.hostAddr)
	}
	conn.Close()
	return c.hostAddr, nil
}

func (c *WSCentral) Connect(ctx context.Context, deviceID string) error {
	u := fmt.Sprintf("ws://%s/link", deviceID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}

	conn.SetReadLimit(MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 64)
	c.connected = true
	c.mu.Unlock()

	go c.readPump(deviceID, conn)
	go c.writePump(conn, c.send)
	return nil
}

func (c *WSCentral) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}

	// Send under the lock so a racing Disconnect cannot close the
	// channel out from under us.
	select {
	case c.send <- frame:
	default:
		slog.Warn("ws host send queue full, dropping frame")
	}
	return nil
}

func (c *WSCentral) Subscribe(fn FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return nil
}

func (c *WSCentral) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.send)
	return nil
}

func (c *WSCentral) readPump(origin string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.mu.Lock()
		subs := append([]FrameHandler(nil), c.subs...)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(origin, frame)
		}
	}
}

func (c *WSCentral) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
