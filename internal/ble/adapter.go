// Package ble provides the BLE central for the LedRemote peripheral. It
// handles scanning, the connection lifecycle, the notification handshake and
// command exchange over Bluetooth Low Energy.
package ble

import (
	"context"
	"sync"
)

// LedRemote identifiers.
const (
	BroadcastName    = "LedRemote"
	ServiceUUID      = "0000180c-0000-1000-8000-00805f9b34fb"
	LedCharUUID      = "00002a56-0000-1000-8000-00805f9b34fb"
	ClientConfigUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Client configuration descriptor values (little-endian bit field).
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

// Property is the GATT characteristic property bit field.
type Property uint8

const (
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
)

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic on a connected peripheral.
type Characteristic interface {
	// UUID returns the canonical 128-bit UUID string.
	UUID() string
	// Properties returns the declared property flags.
	Properties() Property
	// HasDescriptor reports whether the characteristic carries the descriptor.
	HasDescriptor(uuid string) bool
	// Read requests the current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic. The backend picks the write
	// mode (with or without response) from what the characteristic supports.
	Write(data []byte) error
	// SetNotifyHandler routes value-changed events locally. nil stops routing.
	SetNotifyHandler(handler func(data []byte))
	// WriteDescriptor writes value into the descriptor identified by uuid.
	WriteDescriptor(uuid string, value []byte) error
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Connection represents an open transport session with a peripheral.
type Connection interface {
	// Address returns the peripheral address the connection was opened to.
	Address() string
	// DiscoverServices enumerates services and their characteristics.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// RefreshCache drops any cached attribute table for the peripheral.
	// Backends without the capability return ErrCacheRefreshUnsupported.
	RefreshCache() error
	// Disconnect requests transport teardown. Completion is reported
	// through the OnDisconnect callback.
	Disconnect() error
	// Close releases the handle. Only valid after the disconnect is confirmed.
	Close() error
	// OnDisconnect registers a callback invoked when the link drops. If the
	// link has already dropped, the callback runs immediately.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE radio for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to onDevice until ctx is done or
	// StopScan is called. It returns an error only if scanning failed.
	Scan(ctx context.Context, onDevice func(Device)) error
	// StopScan stops a running scan.
	StopScan() error
	// Connect opens a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// IsReadable reports whether p allows reads.
func IsReadable(p Property) bool {
	return p&PropRead != 0
}

// IsWritable reports whether p allows writes with or without response.
func IsWritable(p Property) bool {
	return p&(PropWrite|PropWriteNoResponse) != 0
}

// IsNotifiable reports whether p supports notifications.
func IsNotifiable(p Property) bool {
	return p&PropNotify != 0
}

// disconnectSignal hands a link's disconnect to the registered callback
// once. A callback registered after the link dropped runs immediately.
type disconnectSignal struct {
	mu    sync.Mutex
	cb    func()
	fired bool
}

func (d *disconnectSignal) OnDisconnect(cb func()) {
	d.mu.Lock()
	d.cb = cb
	fired := d.fired
	d.mu.Unlock()
	if fired && cb != nil {
		cb()
	}
}

func (d *disconnectSignal) fire() {
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}
