package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startWSPair(t *testing.T) (*WSPeripheral, *WSCentral) {
	t.Helper()

	p := NewWSPeripheral("127.0.0.1:0")
	if err := p.StartAdvertising("arena"); err != nil {
		t.Fatalf("start advertising: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	c := NewWSCentral(p.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := c.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := c.Connect(ctx, id); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })

	return p, c
}

func TestWSLinkRoundTrip(t *testing.T) {
	p, c := startWSPair(t)

	inbound := make(chan string, 8)
	p.OnWrite(func(origin string, frame []byte) {
		inbound <- string(frame)
	})

	notified := make(chan string, 8)
	c.Subscribe(func(origin string, frame []byte) {
		notified <- string(frame)
	})

	if err := c.Write([]byte("up")); err != nil {
		t.Fatalf("central write: %v", err)
	}
	select {
	case got := <-inbound:
		if got != "up" {
			t.Fatalf("peripheral received %q, want %q", got, "up")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("central write never reached peripheral")
	}

	if err := p.Notify([]byte("down")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case got := <-notified:
		if got != "down" {
			t.Fatalf("central received %q, want %q", got, "down")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notify never reached central")
	}
}

func TestWSLinkScanUnreachableHost(t *testing.T) {
	c := NewWSCentral("127.0.0.1:1") // nothing listens on port 1
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := c.Scan(ctx); !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("scan of unreachable host: got %v, want ErrScanTimeout", err)
	}
}

func TestWSLinkWriteAfterDisconnect(t *testing.T) {
	_, c := startWSPair(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Write([]byte("late")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write after disconnect: got %v, want ErrNotConnected", err)
	}
}

func TestWSLinkWriteDuringDisconnect(t *testing.T) {
	_, c := startWSPair(t)

	// Hammer Write while Disconnect closes the send channel. Writes
	// racing the close must come back as ErrNotConnected, never panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := c.Write([]byte("frame")); err != nil && !errors.Is(err, ErrNotConnected) {
					t.Errorf("write during disconnect: %v", err)
					return
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	wg.Wait()

	if err := c.Write([]byte("late")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write after disconnect: got %v, want ErrNotConnected", err)
	}
}

func TestWSLinkNotifyDuringClose(t *testing.T) {
	p, _ := startWSPair(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := p.Notify([]byte("frame")); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("notify during close: %v", err)
					return
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	if err := p.Notify([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("notify after close: got %v, want ErrClosed", err)
	}
}
