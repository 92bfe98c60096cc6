package ble

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	gble "github.com/go-ble/ble"
	"github.com/pkg/errors"
)

// HCIAdapter drives the radio through go-ble: raw HCI sockets on Linux and
// CoreBluetooth via XPC on macOS. Unlike the tinygo backend it reports
// property flags and descriptors, and supports attribute cache refresh.
type HCIAdapter struct {
	mu         sync.Mutex
	cancelScan context.CancelFunc
}

// NewHCIAdapter creates an unopened adapter. Call Enable before use.
func NewHCIAdapter() *HCIAdapter {
	return &HCIAdapter{}
}

func (a *HCIAdapter) Enable() error {
	dev, err := newHCIDevice()
	if err != nil {
		return errors.Wrap(err, "ble: open HCI device")
	}
	gble.SetDefaultDevice(dev)
	return nil
}

func (a *HCIAdapter) Scan(ctx context.Context, onDevice func(Device)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.cancelScan = cancel
	a.mu.Unlock()

	err := gble.Scan(ctx, true, func(adv gble.Advertisement) {
		onDevice(Device{
			Name:    adv.LocalName(),
			Address: adv.Addr().String(),
			RSSI:    adv.RSSI(),
		})
	}, nil)

	a.mu.Lock()
	a.cancelScan = nil
	a.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "ble: scan")
	}
	return nil
}

func (a *HCIAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelScan == nil {
		return errors.New("ble: no scan running")
	}
	a.cancelScan()
	a.cancelScan = nil
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	cln, err := gble.Dial(ctx, gble.NewAddr(address))
	if err != nil {
		return nil, errors.Wrapf(err, "ble: dial %s", address)
	}
	conn := &hciConnection{cln: cln, address: address}
	go func() {
		<-cln.Disconnected()
		conn.fire()
	}()
	return conn, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	cln     gble.Client
	address string

	mu           sync.Mutex
	forceProfile bool

	disconnectSignal
}

func (c *hciConnection) Address() string {
	return c.address
}

func (c *hciConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	c.mu.Lock()
	force := c.forceProfile
	c.forceProfile = false
	c.mu.Unlock()

	type discoverResult struct {
		profile *gble.Profile
		err     error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		p, err := c.cln.DiscoverProfile(force)
		ch <- discoverResult{p, err}
	}()

	var p *gble.Profile
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "ble: discover profile")
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "ble: discover profile")
		}
		p = r.profile
	}

	var out []Service
	if p == nil {
		return out, nil
	}
	for _, svc := range p.Services {
		s := Service{UUID: svc.UUID.String()}
		for _, ch := range svc.Characteristics {
			s.Characteristics = append(s.Characteristics, &hciCharacteristic{cln: c.cln, char: ch})
		}
		out = append(out, s)
	}
	return out, nil
}

// RefreshCache forces the next discovery to re-read the attribute table and
// drops subscriptions that point at stale handles.
func (c *hciConnection) RefreshCache() error {
	c.mu.Lock()
	c.forceProfile = true
	c.mu.Unlock()
	if err := c.cln.ClearSubscriptions(); err != nil {
		return errors.Wrap(err, "ble: clear subscriptions")
	}
	return nil
}

func (c *hciConnection) Disconnect() error {
	if err := c.cln.CancelConnection(); err != nil {
		return errors.Wrapf(err, "ble: cancel connection to %s", c.address)
	}
	return nil
}

// Close has nothing left to release once go-ble has torn the link down.
func (c *hciConnection) Close() error {
	select {
	case <-c.cln.Disconnected():
		return nil
	default:
		return errors.Errorf("ble: close %s: link still up", c.address)
	}
}

type hciCharacteristic struct {
	cln  gble.Client
	char *gble.Characteristic

	mu      sync.Mutex
	handler func([]byte)
}

func (c *hciCharacteristic) UUID() string {
	return c.char.UUID.String()
}

func (c *hciCharacteristic) Properties() Property {
	return propertiesFromHCI(c.char.Property)
}

// propertiesFromHCI maps go-ble property flags onto Property.
func propertiesFromHCI(p gble.Property) Property {
	var out Property
	if p&gble.CharRead != 0 {
		out |= PropRead
	}
	if p&gble.CharWriteNR != 0 {
		out |= PropWriteNoResponse
	}
	if p&gble.CharWrite != 0 {
		out |= PropWrite
	}
	if p&gble.CharNotify != 0 {
		out |= PropNotify
	}
	if p&gble.CharIndicate != 0 {
		out |= PropIndicate
	}
	return out
}

func (c *hciCharacteristic) HasDescriptor(uuid string) bool {
	if SameUUID(uuid, ClientConfigUUID) && c.char.CCCD != nil {
		return true
	}
	return c.descriptor(uuid) != nil
}

func (c *hciCharacteristic) descriptor(uuid string) *gble.Descriptor {
	for _, d := range c.char.Descriptors {
		if SameUUID(d.UUID.String(), uuid) {
			return d
		}
	}
	return nil
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	data, err := c.cln.ReadCharacteristic(c.char)
	if err != nil {
		return nil, errors.Wrap(err, "ble: read characteristic")
	}
	return data, nil
}

func (c *hciCharacteristic) Write(data []byte) error {
	noRsp := c.char.Property&gble.CharWrite == 0
	if err := c.cln.WriteCharacteristic(c.char, data, noRsp); err != nil {
		return errors.Wrap(err, "ble: write characteristic")
	}
	return nil
}

func (c *hciCharacteristic) SetNotifyHandler(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *hciCharacteristic) dispatch(req []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(bytes.Clone(req))
	}
}

// WriteDescriptor routes the client configuration descriptor through
// go-ble's subscription bookkeeping so its notification handler is wired.
func (c *hciCharacteristic) WriteDescriptor(uuid string, value []byte) error {
	if SameUUID(uuid, ClientConfigUUID) {
		if len(value) > 0 && value[0]&0x01 != 0 {
			if err := c.cln.Subscribe(c.char, false, c.dispatch); err != nil {
				return errors.Wrap(err, "ble: subscribe")
			}
			return nil
		}
		if err := c.cln.Unsubscribe(c.char, false); err != nil {
			return errors.Wrap(err, "ble: unsubscribe")
		}
		return nil
	}

	d := c.descriptor(uuid)
	if d == nil {
		slog.Debug("[BLE] descriptor not present", "char", c.UUID(), "descriptor", uuid)
		return errors.Errorf("ble: descriptor %s not found", uuid)
	}
	if err := c.cln.WriteDescriptor(d, value); err != nil {
		return errors.Wrap(err, "ble: write descriptor")
	}
	return nil
}
