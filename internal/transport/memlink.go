package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// In-memory link pair. One MemNetwork stands in for the radio: it
// couples a single peripheral with any number of centrals, preserving
// per-endpoint delivery order the way a serialized GATT connection
// does. Used by tests and the demo command.

const memHostID = "mem-host"

type memFrame struct {
	origin string
	data   []byte
}

// MemNetwork couples one in-memory peripheral with its centrals.
type MemNetwork struct {
	mu         sync.Mutex
	peripheral *MemPeripheral
	nextID     int
}

// NewMemNetwork creates a network with its peripheral already running.
func NewMemNetwork() *MemNetwork {
	n := &MemNetwork{}
	n.peripheral = &MemPeripheral{
		network:  n,
		centrals: make(map[string]*MemCentral),
		inbound:  make(chan memFrame, 256),
		done:     make(chan struct{}),
	}
	go n.peripheral.pump()
	return n
}

// Peripheral returns the network's single host-side link.
func (n *MemNetwork) Peripheral() *MemPeripheral {
	return n.peripheral
}

// Central creates a new client-side link on this network.
func (n *MemNetwork) Central() *MemCentral {
	n.mu.Lock()
	n.nextID++
	id := fmt.Sprintf("mem-central-%d", n.nextID)
	n.mu.Unlock()

	return &MemCentral{
		network: n,
		origin:  id,
	}
}

// MemPeripheral is the host side of the in-memory link.
type MemPeripheral struct {
	network *MemNetwork

	mu          sync.Mutex
	handlers    []FrameHandler
	stateFns    []StateHandler
	centrals    map[string]*MemCentral
	advertising bool
	closed      bool

	inbound chan memFrame
	done    chan struct{}
}

// pump serializes inbound writes from all centrals, the way a GATT
// server delivers write requests one at a time.
func (p *MemPeripheral) pump() {
	for {
		select {
		case frame := <-p.inbound:
			p.mu.Lock()
			handlers := append([]FrameHandler(nil), p.handlers...)
			p.mu.Unlock()
			for _, fn := range handlers {
				fn(frame.origin, frame.data)
			}
		case <-p.done:
			return
		}
	}
}

func (p *MemPeripheral) StartAdvertising(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.advertising {
		return ErrAlreadyAdvertising
	}
	p.advertising = true
	return nil
}

func (p *MemPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *MemPeripheral) OnWrite(fn FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *MemPeripheral) OnConnectionState(fn StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFns = append(p.stateFns, fn)
}

func (p *MemPeripheral) Notify(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	centrals := make([]*MemCentral, 0, len(p.centrals))
	for _, c := range p.centrals {
		centrals = append(centrals, c)
	}
	p.mu.Unlock()

	for _, c := range centrals {
		c.deliver(frame)
	}
	return nil
}

func (p *MemPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.advertising = false
	centrals := make([]*MemCentral, 0, len(p.centrals))
	for _, c := range p.centrals {
		centrals = append(centrals, c)
	}
	p.mu.Unlock()

	close(p.done)
	for _, c := range centrals {
		c.Disconnect()
	}
	return nil
}

func (p *MemPeripheral) attach(c *MemCentral) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.centrals[c.origin] = c
	stateFns := append([]StateHandler(nil), p.stateFns...)
	p.mu.Unlock()

	for _, fn := range stateFns {
		fn(c.origin, true)
	}
	return nil
}

func (p *MemPeripheral) detach(c *MemCentral) {
	p.mu.Lock()
	_, attached := p.centrals[c.origin]
	delete(p.centrals, c.origin)
	stateFns := append([]StateHandler(nil), p.stateFns...)
	p.mu.Unlock()

	if attached {
		for _, fn := range stateFns {
			fn(c.origin, false)
		}
	}
}

func (p *MemPeripheral) write(frame memFrame) error {
	select {
	case p.inbound <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// MemCentral is the client side of the in-memory link.
type MemCentral struct {
	network *MemNetwork
	origin  string

	mu        sync.Mutex
	subs      []FrameHandler
	notify    chan []byte
	done      chan struct{}
	connected bool
}

// Scan waits until the network's peripheral is advertising.
func (c *MemCentral) Scan(ctx context.Context) (string, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		p := c.network.peripheral
		p.mu.Lock()
		advertising := p.advertising
		p.mu.Unlock()
		if advertising {
			return memHostID, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrScanTimeout
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *MemCentral) Connect(ctx context.Context, deviceID string) error {
	if deviceID != memHostID {
		return fmt.Errorf("connect %s: unknown device", deviceID)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.notify = make(chan []byte, 256)
	c.done = make(chan struct{})
	notify, done := c.notify, c.done
	c.mu.Unlock()

	if err := c.network.peripheral.attach(c); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return err
	}

	go func() {
		for {
			select {
			case frame := <-notify:
				c.mu.Lock()
				subs := append([]FrameHandler(nil), c.subs...)
				c.mu.Unlock()
				for _, fn := range subs {
					fn(memHostID, frame)
				}
			case <-done:
				return
			}
		}
	}()
	return nil
}

func (c *MemCentral) Write(frame []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.network.peripheral.write(memFrame{origin: c.origin, data: frame})
}

func (c *MemCentral) Subscribe(fn FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return nil
}

func (c *MemCentral) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	done := c.done
	c.mu.Unlock()

	close(done)
	c.network.peripheral.detach(c)
	return nil
}

func (c *MemCentral) deliver(frame []byte) {
	c.mu.Lock()
	connected := c.connected
	notify := c.notify
	c.mu.Unlock()
	if !connected {
		return
	}
	select {
	case notify <- frame:
	default:
		// A stalled central drops frames rather than blocking the host.
	}
}
