package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// The GATT layout mirrors the mobile builds: one primary service with
// an RX characteristic (central writes, with and without response) and
// a TX characteristic (peripheral notifies, CCCD-gated). Both roles
// must use identical UUIDs or discovery never matches.

// BLEPeripheral advertises the lobby service and moves frames over a
// GATT server. Host role.
type BLEPeripheral struct {
	adapter     *bluetooth.Adapter
	serviceUUID bluetooth.UUID
	rxUUID      bluetooth.UUID
	txUUID      bluetooth.UUID

	mu           sync.Mutex
	handlers     []FrameHandler
	stateFns     []StateHandler
	tx           bluetooth.Characteristic
	adv          *bluetooth.Advertisement
	serviceAdded bool
	advertising  bool
	closed       bool
}

// NewBLEPeripheral enables the default adapter and prepares a
// peripheral for the given service layout.
func NewBLEPeripheral(serviceUUID, rxUUID, txUUID string) (*BLEPeripheral, error) {
	service, rx, tx, err := parseServiceUUIDs(serviceUUID, rxUUID, txUUID)
	if err != nil {
		return nil, err
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	p := &BLEPeripheral{
		adapter:     adapter,
		serviceUUID: service,
		rxUUID:      rx,
		txUUID:      tx,
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.mu.Lock()
		fns := append([]StateHandler(nil), p.stateFns...)
		p.mu.Unlock()
		for _, fn := range fns {
			fn(device.Address.String(), connected)
		}
	})

	return p, nil
}

func (p *BLEPeripheral) OnWrite(fn FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *BLEPeripheral) OnConnectionState(fn StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFns = append(p.stateFns, fn)
}

// StartAdvertising registers the GATT service on first use and starts
// advertising under name.
func (p *BLEPeripheral) StartAdvertising(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.advertising {
		return ErrAlreadyAdvertising
	}

	if !p.serviceAdded {
		err := p.adapter.AddService(&bluetooth.Service{
			UUID: p.serviceUUID,
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					UUID:  p.rxUUID,
					Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
					WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
						p.dispatch(fmt.Sprintf("gatt-%d", client), value)
					},
				},
				{
					Handle: &p.tx,
					UUID:   p.txUUID,
					Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				},
			},
		})
		if err != nil {
			return fmt.Errorf("add gatt service: %w", err)
		}
		p.serviceAdded = true
	}

	adv := p.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{p.serviceUUID},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	p.adv = adv
	p.advertising = true
	return nil
}

func (p *BLEPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.advertising {
		return nil
	}
	p.advertising = false
	if err := p.adv.Stop(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	return nil
}

// Notify fans one frame out to every central subscribed to TX.
func (p *BLEPeripheral) Notify(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.serviceAdded {
		return ErrNotConnected
	}
	if _, err := p.tx.Write(frame); err != nil {
		return fmt.Errorf("notify tx: %w", err)
	}
	return nil
}

func (p *BLEPeripheral) Close() error {
	err := p.StopAdvertising()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

func (p *BLEPeripheral) dispatch(origin string, frame []byte) {
	p.mu.Lock()
	fns := append([]FrameHandler(nil), p.handlers...)
	p.mu.Unlock()
	// WriteEvent hands us a buffer owned by the stack; copy before it
	// escapes this callback.
	data := append([]byte(nil), frame...)
	for _, fn := range fns {
		fn(origin, data)
	}
}

// BLECentral scans for a lobby peripheral and moves frames over its
// RX/TX characteristics. Client role.
type BLECentral struct {
	adapter     *bluetooth.Adapter
	serviceUUID bluetooth.UUID
	rxUUID      bluetooth.UUID
	txUUID      bluetooth.UUID

	mu        sync.Mutex
	addrs     map[string]bluetooth.Address
	subs      []FrameHandler
	device    bluetooth.Device
	rx        bluetooth.DeviceCharacteristic
	tx        bluetooth.DeviceCharacteristic
	hostID    string
	connected bool
}

// NewBLECentral enables the default adapter and prepares a central for
// the given service layout.
func NewBLECentral(serviceUUID, rxUUID, txUUID string) (*BLECentral, error) {
	service, rx, tx, err := parseServiceUUIDs(serviceUUID, rxUUID, txUUID)
	if err != nil {
		return nil, err
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	return &BLECentral{
		adapter:     adapter,
		serviceUUID: service,
		rxUUID:      rx,
		txUUID:      tx,
		addrs:       make(map[string]bluetooth.Address),
	}, nil
}

// Scan blocks until a peripheral advertising the lobby service is
// found or ctx expires. Discovery callbacks fire repeatedly for the
// same device within one window; the first match latches and the rest
// are ignored so only one connection attempt happens.
func (c *BLECentral) Scan(ctx context.Context) (string, error) {
	var resolved atomic.Bool
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(c.serviceUUID) {
				return
			}
			if !resolved.CompareAndSwap(false, true) {
				return
			}
			found <- result
			if err := adapter.StopScan(); err != nil {
				slog.Debug("stop scan", "err", err)
			}
		})
	}()

	select {
	case result := <-found:
		id := result.Address.String()
		c.mu.Lock()
		c.addrs[id] = result.Address
		c.mu.Unlock()
		slog.Debug("lobby host discovered", "device", id, "name", result.LocalName(), "rssi", result.RSSI)
		return id, nil

	case err := <-scanErr:
		if err == nil {
			err = ErrScanTimeout
		}
		return "", fmt.Errorf("ble scan: %w", err)

	case <-ctx.Done():
		resolved.Store(true)
		if err := c.adapter.StopScan(); err != nil {
			slog.Debug("stop scan", "err", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrScanTimeout
		}
		return "", ctx.Err()
	}
}

// Connect attaches to a device found by Scan and wires up the RX/TX
// characteristics.
func (c *BLECentral) Connect(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	addr, ok := c.addrs[deviceID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("connect %s: device not seen in scan", deviceID)
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := c.adapter.Connect(addr, params)
	if err != nil {
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{c.serviceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return fmt.Errorf("discover lobby service on %s: %w", deviceID, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{c.rxUUID, c.txUUID})
	if err != nil || len(chars) != 2 {
		device.Disconnect()
		return fmt.Errorf("discover characteristics on %s: %w", deviceID, err)
	}

	c.mu.Lock()
	c.device = device
	c.rx = chars[0]
	c.tx = chars[1]
	c.hostID = deviceID
	c.connected = true
	c.mu.Unlock()

	err = chars[1].EnableNotifications(func(buf []byte) {
		c.mu.Lock()
		fns := append([]FrameHandler(nil), c.subs...)
		host := c.hostID
		c.mu.Unlock()
		data := append([]byte(nil), buf...)
		for _, fn := range fns {
			fn(host, data)
		}
	})
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("enable notifications on %s: %w", deviceID, err)
	}

	return nil
}

// Write sends one frame to the connected host's RX characteristic.
func (c *BLECentral) Write(frame []byte) error {
	c.mu.Lock()
	connected := c.connected
	rx := c.rx
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if _, err := rx.WriteWithoutResponse(frame); err != nil {
		return fmt.Errorf("write rx: %w", err)
	}
	return nil
}

func (c *BLECentral) Subscribe(fn FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return nil
}

func (c *BLECentral) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	device := c.device
	c.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func parseServiceUUIDs(service, rx, tx string) (s, r, t bluetooth.UUID, err error) {
	if s, err = bluetooth.ParseUUID(service); err != nil {
		return s, r, t, fmt.Errorf("parse service uuid %q: %w", service, err)
	}
	if r, err = bluetooth.ParseUUID(rx); err != nil {
		return s, r, t, fmt.Errorf("parse rx uuid %q: %w", rx, err)
	}
	if t, err = bluetooth.ParseUUID(tx); err != nil {
		return s, r, t, fmt.Errorf("parse tx uuid %q: %w", tx, err)
	}
	return s, r, t, nil
}
