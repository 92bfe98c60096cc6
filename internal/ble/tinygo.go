package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS, device addresses are CoreBluetooth UUIDs, not MACs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by upper-case address
}

// NewTinyGoAdapter creates an adapter on the system default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func addressKey(s string) string {
	return strings.ToUpper(s)
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := addressKey(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		a.mu.Unlock()
		if ok {
			conn.fire()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onDevice func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		onDevice(Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// adapter.Connect blocks with its own timeout; wrap it to honor ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The attempt can still succeed later; tear that link down.
		go func() {
			if r := <-ch; r.err == nil {
				if err := r.device.Disconnect(); err != nil {
					slog.Debug("[BLE] disconnect of abandoned link", "address", address, "error", err)
				}
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{
			adapter: a,
			device:  result.device,
			address: address,
		}
		a.mu.Lock()
		a.connections[addressKey(address)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(conn *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := addressKey(conn.address)
	if a.connections[key] == conn {
		delete(a.connections, key)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	device  bluetooth.Device
	address string

	disconnectSignal
}

func (c *tinyGoConnection) Address() string {
	return c.address
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	type discoverResult struct {
		services []Service
		err      error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		svcs, err := c.discover()
		ch <- discoverResult{svcs, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case r := <-ch:
		return r.services, r.err
	}
}

func (c *tinyGoConnection) discover() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		s := Service{UUID: svc.UUID().String()}
		for i := range chars {
			s.Characteristics = append(s.Characteristics, &tinyGoCharacteristic{char: chars[i]})
		}
		out = append(out, s)
	}
	return out, nil
}

// RefreshCache is not exposed by tinygo/bluetooth.
func (c *tinyGoConnection) RefreshCache() error {
	return ErrCacheRefreshUnsupported
}

func (c *tinyGoConnection) Disconnect() error {
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.address, err)
	}
	// Not every platform reports a local disconnect through the connect handler.
	c.fire()
	return nil
}

func (c *tinyGoConnection) Close() error {
	c.adapter.forget(c)
	return nil
}

// tinyGoCharacteristic adapts a tinygo characteristic. tinygo does not
// report property flags or descriptors, so the LED characteristic's declared
// set (read, write, notify with a client configuration descriptor) is assumed
// and failures surface on use.
type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic

	mu      sync.Mutex
	handler func([]byte)
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyGoCharacteristic) Properties() Property {
	return PropRead | PropWriteNoResponse | PropNotify
}

func (c *tinyGoCharacteristic) HasDescriptor(uuid string) bool {
	return SameUUID(uuid, ClientConfigUUID)
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) SetNotifyHandler(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *tinyGoCharacteristic) dispatch(buf []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(bytes.Clone(buf))
	}
}

// WriteDescriptor supports only the client configuration descriptor, which
// tinygo drives through EnableNotifications.
func (c *tinyGoCharacteristic) WriteDescriptor(uuid string, value []byte) error {
	if !SameUUID(uuid, ClientConfigUUID) {
		return fmt.Errorf("ble: write descriptor %s: not supported by this backend", uuid)
	}
	if len(value) > 0 && value[0]&0x01 != 0 {
		return c.char.EnableNotifications(c.dispatch)
	}
	return c.char.EnableNotifications(nil)
}
