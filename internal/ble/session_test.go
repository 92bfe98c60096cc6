package ble

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/ledremote/internal/ble/protocol"
)

var testDevice = Device{Name: BroadcastName, Address: "AA:BB:CC:DD:EE:FF", RSSI: -48}

func testSessionOpts() SessionOptions {
	opts := DefaultSessionOptions()
	opts.ConnectTimeout = time.Second
	opts.DiscoveryTimeout = time.Second
	opts.ShutdownWait = 200 * time.Millisecond
	return opts
}

func newTestSession(t *testing.T, adapter Adapter, opts SessionOptions) *Session {
	t.Helper()
	s := NewSession(adapter, opts)
	t.Cleanup(s.Shutdown)
	return s
}

// nextEvent returns the next event or fails after a timeout.
func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// waitEvent skips events until one of type want arrives.
func waitEvent(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("events channel closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// expectNoEvent fails if any event arrives within d.
func expectNoEvent(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connectReady connects to testDevice and waits until notifications are on.
func connectReady(t *testing.T, s *Session, adapter *mockAdapter) *mockCharacteristic {
	t.Helper()
	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventServicesDiscovered)
	if ev.Err != nil {
		t.Fatalf("services discovered with error: %v", ev.Err)
	}
	waitEvent(t, s, EventNotificationsEnabled)
	return adapter.latestCharacteristic()
}

func TestSessionConnectDiscoversAndSubscribes(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	h, err := s.Connect(&dev)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h.ID == 0 || h.Device.Address != dev.Address {
		t.Errorf("Connect() handle = %+v", h)
	}

	want := []EventType{
		EventConnected,
		EventCharacteristicReadable,
		EventCharacteristicWritable,
		EventServicesDiscovered,
		EventNotificationsEnabled,
	}
	for i, typ := range want {
		ev := nextEvent(t, s)
		if ev.Type != typ {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, typ)
		}
		if ev.Err != nil {
			t.Errorf("event %s carried error %v", ev.Type, ev.Err)
		}
		if ev.Device == nil || ev.Device.Address != dev.Address {
			t.Errorf("event %s device = %v", ev.Type, ev.Device)
		}
	}

	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want %s", got, StateReady)
	}

	ch := adapter.latestCharacteristic()
	writes := ch.DescriptorWrites()
	if len(writes) != 1 {
		t.Fatalf("descriptor writes = %d, want 1", len(writes))
	}
	if !SameUUID(writes[0].uuid, ClientConfigUUID) {
		t.Errorf("descriptor = %s, want %s", writes[0].uuid, ClientConfigUUID)
	}
	if !bytes.Equal(writes[0].value, EnableNotificationValue) {
		t.Errorf("descriptor value = %X, want %X", writes[0].value, EnableNotificationValue)
	}
	if gap := writes[0].at.Sub(ch.RegisteredAt()); gap < DefaultNotifySettle {
		t.Errorf("descriptor written %v after handler registration, want >= %v", gap, DefaultNotifySettle)
	}

	if calls := adapter.latestConnection().RefreshCalls(); calls != 1 {
		t.Errorf("RefreshCache calls = %d, want 1", calls)
	}
}

func TestSessionTurnLedOnRoundTrip(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	ch := connectReady(t, s, adapter)

	if err := s.TurnLedOn(); err != nil {
		t.Fatalf("TurnLedOn() error = %v", err)
	}
	ev := waitEvent(t, s, EventCommandSent)
	if ev.Frame == nil || ev.Frame.String() != "0202" {
		t.Errorf("sent frame = %v, want 0202", ev.Frame)
	}
	writes := ch.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x02, 0x02}) {
		t.Fatalf("characteristic writes = %X, want [0202]", writes)
	}

	ch.SimulateNotification([]byte{0x01, 0x01})
	ev = waitEvent(t, s, EventCommandProcessed)
	if ev.State != protocol.LedOn {
		t.Errorf("processed state = %s, want %s", ev.State, protocol.LedOn)
	}
}

func TestSessionTurnLedOff(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	ch := connectReady(t, s, adapter)

	if err := s.TurnLedOff(); err != nil {
		t.Fatalf("TurnLedOff() error = %v", err)
	}
	waitEvent(t, s, EventCommandSent)
	if writes := ch.Writes(); len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x01, 0x02}) {
		t.Fatalf("characteristic writes = %X, want [0102]", writes)
	}

	ch.SimulateNotification([]byte{0x02, 0x01})
	if ev := waitEvent(t, s, EventCommandProcessed); ev.State != protocol.LedOff {
		t.Errorf("processed state = %s, want %s", ev.State, protocol.LedOff)
	}
}

func TestSessionErrorFrameReportsError(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	ch := connectReady(t, s, adapter)

	ch.SimulateNotification([]byte{0x05, 0x00})
	ev := waitEvent(t, s, EventCommandError)
	if ev.State != protocol.LedError {
		t.Errorf("state = %s, want %s", ev.State, protocol.LedError)
	}
	if !errors.Is(ev.Err, protocol.ErrPeripheralError) {
		t.Errorf("err = %v, want ErrPeripheralError", ev.Err)
	}
	if ev.Frame == nil || ev.Frame.Payload != 0x05 {
		t.Errorf("frame = %v, want payload 0x05", ev.Frame)
	}
}

func TestSessionMalformedNotification(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	ch := connectReady(t, s, adapter)

	ch.SimulateNotification([]byte{0x01})
	ev := waitEvent(t, s, EventCommandError)
	if ev.State != protocol.LedError {
		t.Errorf("state = %s, want %s", ev.State, protocol.LedError)
	}
	if !errors.Is(ev.Err, protocol.ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", ev.Err)
	}
	if ev.Frame != nil {
		t.Errorf("frame = %v, want nil", ev.Frame)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want session to stay %s", got, StateReady)
	}
}

func TestSessionSecondConnectRejected(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)

	other := Device{Name: BroadcastName, Address: "11:22:33:44:55:66"}
	if _, err := s.Connect(&other); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
	if calls := adapter.ConnectCalls(); len(calls) != 1 {
		t.Errorf("transport connects = %v, want exactly one", calls)
	}
	if d, _ := s.Device(); d.Address != testDevice.Address {
		t.Errorf("Device() = %s, want %s", d.Address, testDevice.Address)
	}
}

func TestSessionConnectRequiresDevice(t *testing.T) {
	s := newTestSession(t, newMockAdapter(nil), testSessionOpts())

	if _, err := s.Connect(nil); !errors.Is(err, ErrNoDeviceProvided) {
		t.Errorf("Connect(nil) error = %v, want ErrNoDeviceProvided", err)
	}
	if _, err := s.Connect(&Device{Name: BroadcastName}); !errors.Is(err, ErrNoDeviceProvided) {
		t.Errorf("Connect(no address) error = %v, want ErrNoDeviceProvided", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
}

func TestSessionSendCommandBeforeReady(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectGate = make(chan struct{})
	s := newTestSession(t, adapter, testSessionOpts())

	if err := s.TurnLedOn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnLedOn() while closed error = %v, want ErrNotConnected", err)
	}
	if err := s.RequestRead(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestRead() while closed error = %v, want ErrNotConnected", err)
	}

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.TurnLedOn(); !errors.Is(err, ErrNotReady) {
		t.Errorf("TurnLedOn() while connecting error = %v, want ErrNotReady", err)
	}
	close(adapter.connectGate)
	waitEvent(t, s, EventServicesDiscovered)
}

func TestSessionNotWritable(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(_ *mockConnection, ch *mockCharacteristic) {
		ch.props = PropRead | PropNotify
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, s, EventCharacteristicReadable)
	ev := nextEvent(t, s)
	if ev.Type != EventServicesDiscovered {
		t.Fatalf("event = %s, want %s (no writable event)", ev.Type, EventServicesDiscovered)
	}

	if err := s.TurnLedOff(); !errors.Is(err, ErrNotWritable) {
		t.Errorf("TurnLedOff() error = %v, want ErrNotWritable", err)
	}
}

func TestSessionCharacteristicMissing(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.services = []Service{{UUID: "1800"}}
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventServicesDiscovered)
	if !errors.Is(ev.Err, ErrCharacteristicNotFound) {
		t.Errorf("err = %v, want ErrCharacteristicNotFound", ev.Err)
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %s, want %s", got, StateConnected)
	}
	if err := s.TurnLedOn(); !errors.Is(err, ErrNotReady) {
		t.Errorf("TurnLedOn() error = %v, want ErrNotReady", err)
	}
}

func TestSessionMatchesShortFormUUIDs(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, ch *mockCharacteristic) {
		conn.services[1].UUID = "180C"
		ch.uuid = "2A56"
	}
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)
}

func TestSessionWithoutConfigDescriptor(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(_ *mockConnection, ch *mockCharacteristic) {
		ch.descriptors = nil
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventServicesDiscovered)
	if ev.Err != nil {
		t.Errorf("services discovered error = %v, want nil", ev.Err)
	}
	expectNoEvent(t, s, 50*time.Millisecond)

	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want %s", got, StateReady)
	}
	if n := len(adapter.latestCharacteristic().DescriptorWrites()); n != 0 {
		t.Errorf("descriptor writes = %d, want 0", n)
	}
}

func TestSessionDiscoveryFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.discoverErr = errors.New("att: request not supported")
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventServicesDiscovered)
	if !errors.Is(ev.Err, ErrTransportFailure) {
		t.Errorf("err = %v, want ErrTransportFailure", ev.Err)
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %s, want %s", got, StateConnected)
	}
}

func TestSessionDiscoveryTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.discoverBlock = true
	}
	opts := testSessionOpts()
	opts.DiscoveryTimeout = 50 * time.Millisecond
	s := newTestSession(t, adapter, opts)

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventServicesDiscovered)
	if !errors.Is(ev.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", ev.Err)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("le-connection-abort-by-local")
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventConnectFailed)
	if !errors.Is(ev.Err, ErrTransportFailure) {
		t.Errorf("err = %v, want ErrTransportFailure", ev.Err)
	}
	waitFor(t, "state closed", func() bool { return s.State() == StateClosed })

	// A failed attempt leaves the session free for another.
	adapter.mu.Lock()
	adapter.connectErr = nil
	adapter.mu.Unlock()
	connectReady(t, s, adapter)
}

func TestSessionConnectTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectGate = make(chan struct{})
	opts := testSessionOpts()
	opts.ConnectTimeout = 50 * time.Millisecond
	s := newTestSession(t, adapter, opts)

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := waitEvent(t, s, EventConnectFailed)
	if !errors.Is(ev.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", ev.Err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
}

func TestSessionDisconnectWhileConnecting(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectGate = make(chan struct{})
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	first, err := s.Connect(&dev)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.Disconnect()
	waitEvent(t, s, EventDisconnected)
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
	expectNoEvent(t, s, 50*time.Millisecond)

	close(adapter.connectGate)
	second, err := s.Connect(&dev)
	if err != nil {
		t.Fatalf("Connect() after cancel error = %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("handle IDs not increasing: %d then %d", first.ID, second.ID)
	}
	waitEvent(t, s, EventServicesDiscovered)
}

func TestSessionDisconnectReleasesHandle(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	s.Disconnect()
	s.Disconnect()
	waitEvent(t, s, EventDisconnected)
	waitFor(t, "handle release", conn.Closed)

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
	if n := conn.DisconnectCalls(); n != 1 {
		t.Errorf("transport disconnects = %d, want 1", n)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() after release error = %v", err)
	}
	if err := s.TurnLedOn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnLedOn() after disconnect error = %v, want ErrNotConnected", err)
	}

	connectReady(t, s, adapter)
}

func TestSessionRemoteDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	conn.SimulateDisconnect()
	waitEvent(t, s, EventDisconnected)
	waitFor(t, "handle release", conn.Closed)

	conn.SimulateDisconnect()
	expectNoEvent(t, s, 50*time.Millisecond)
}

func TestSessionLinkDropBeforeConnectResult(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.dropOnRefresh = true
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ev := nextEvent(t, s); ev.Type != EventDisconnected {
		t.Fatalf("event = %s, want %s", ev.Type, EventDisconnected)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
	conn := adapter.latestConnection()
	waitFor(t, "handle release", conn.Closed)
	expectNoEvent(t, s, 50*time.Millisecond)

	adapter.mu.Lock()
	adapter.configure = nil
	adapter.mu.Unlock()
	connectReady(t, s, adapter)
}

func TestSessionLinkDropDuringDiscovery(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.discoverBlock = true
	}
	s := newTestSession(t, adapter, testSessionOpts())

	dev := testDevice
	if _, err := s.Connect(&dev); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, s, EventConnected)
	waitFor(t, "discovery", func() bool { return s.State() == StateDiscovering })

	conn := adapter.latestConnection()
	conn.SimulateDisconnect()
	if ev := nextEvent(t, s); ev.Type != EventDisconnected {
		t.Fatalf("event = %s, want %s", ev.Type, EventDisconnected)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %s, want %s", got, StateClosed)
	}
	waitFor(t, "handle release", conn.Closed)
	expectNoEvent(t, s, 50*time.Millisecond)
}

func TestSessionDisconnectWhenClosedIsNoOp(t *testing.T) {
	s := newTestSession(t, newMockAdapter(nil), testSessionOpts())

	s.Disconnect()
	expectNoEvent(t, s, 50*time.Millisecond)
	if err := s.Close(); err != nil {
		t.Errorf("Close() with no handle error = %v", err)
	}
}

func TestSessionCloseWaitsForConfirmation(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.manualConfirm = true
	}
	opts := testSessionOpts()
	opts.ManualClose = true
	s := newTestSession(t, adapter, opts)
	connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	s.Disconnect()
	waitFor(t, "disconnect request", func() bool { return conn.DisconnectCalls() == 1 })
	if err := s.Close(); !errors.Is(err, ErrStillConnected) {
		t.Fatalf("Close() before confirmation error = %v, want ErrStillConnected", err)
	}
	if conn.Closed() {
		t.Fatal("handle released before disconnect confirmation")
	}

	conn.SimulateDisconnect()
	waitEvent(t, s, EventDisconnected)
	if conn.Closed() {
		t.Fatal("handle released without Close in manual mode")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !conn.Closed() {
		t.Error("Close() did not release the handle")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSessionIgnoresCompletionsAfterDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.manualConfirm = true
	}
	s := newTestSession(t, adapter, testSessionOpts())
	ch := connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	block := make(chan struct{})
	ch.mu.Lock()
	ch.writeBlock = block
	ch.mu.Unlock()

	if err := s.TurnLedOn(); err != nil {
		t.Fatalf("TurnLedOn() error = %v", err)
	}
	s.Disconnect()
	if err := s.TurnLedOff(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnLedOff() while disconnecting error = %v, want ErrNotConnected", err)
	}
	ch.SimulateNotification([]byte{0x01, 0x01})
	close(block)
	expectNoEvent(t, s, 50*time.Millisecond)

	conn.SimulateDisconnect()
	if ev := nextEvent(t, s); ev.Type != EventDisconnected {
		t.Fatalf("event = %s, want %s", ev.Type, EventDisconnected)
	}
	waitFor(t, "handle release", conn.Closed)
	expectNoEvent(t, s, 50*time.Millisecond)
}

func TestSessionWriteFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(_ *mockConnection, ch *mockCharacteristic) {
		ch.writeErr = errors.New("att: write not permitted")
	}
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)

	if err := s.TurnLedOn(); err != nil {
		t.Fatalf("TurnLedOn() error = %v", err)
	}
	ev := waitEvent(t, s, EventCommandError)
	if !errors.Is(ev.Err, ErrTransportFailure) {
		t.Errorf("err = %v, want ErrTransportFailure", ev.Err)
	}
	if ev.Frame == nil || ev.Frame.String() != "0202" {
		t.Errorf("frame = %v, want 0202", ev.Frame)
	}
}

func TestSessionRequestRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(_ *mockConnection, ch *mockCharacteristic) {
		ch.readValue = []byte{0x02, 0x01}
	}
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)

	if err := s.RequestRead(); err != nil {
		t.Fatalf("RequestRead() error = %v", err)
	}
	if ev := waitEvent(t, s, EventCommandProcessed); ev.State != protocol.LedOff {
		t.Errorf("state = %s, want %s", ev.State, protocol.LedOff)
	}
}

func TestSessionCacheRefreshFailureIsNotFatal(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.refreshErr = ErrCacheRefreshUnsupported
	}
	s := newTestSession(t, adapter, testSessionOpts())
	connectReady(t, s, adapter)
}

func TestSessionShutdownClosesEvents(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, testSessionOpts())
	connectReady(t, s, adapter)

	s.Shutdown()
	s.Shutdown()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				if _, err := s.Connect(&testDevice); !errors.Is(err, ErrSessionShutdown) {
					t.Errorf("Connect() after Shutdown error = %v, want ErrSessionShutdown", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed by Shutdown")
		}
	}
}

func TestSessionShutdownReleasesConnectedHandle(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, testSessionOpts())
	connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	s.Shutdown()
	if conn.DisconnectCalls() != 1 {
		t.Errorf("disconnect calls = %d, want 1", conn.DisconnectCalls())
	}
	waitFor(t, "handle release", conn.Closed)
}

func TestSessionShutdownReleasesAfterLateConfirmation(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(conn *mockConnection, _ *mockCharacteristic) {
		conn.manualConfirm = true
	}
	opts := testSessionOpts()
	opts.ShutdownWait = 20 * time.Millisecond
	s := NewSession(adapter, opts)
	connectReady(t, s, adapter)
	conn := adapter.latestConnection()

	s.Shutdown()
	if conn.Closed() {
		t.Fatal("handle released before disconnect confirmation")
	}

	conn.SimulateDisconnect()
	waitFor(t, "handle release", conn.Closed)
}

func TestReadIncoming(t *testing.T) {
	s := newTestSession(t, newMockAdapter(nil), testSessionOpts())

	tests := []struct {
		name    string
		in      []byte
		want    protocol.LedState
		wantErr error
	}{
		{"on", []byte{0x01, 0x01}, protocol.LedOn, nil},
		{"off", []byte{0x02, 0x01}, protocol.LedOff, nil},
		{"error frame", []byte{0x05, 0x00}, protocol.LedError, nil},
		{"echoed command", []byte{0x02, 0x02}, protocol.LedError, nil},
		{"short", []byte{0x01}, protocol.LedError, protocol.ErrMalformedFrame},
		{"empty", nil, protocol.LedError, protocol.ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ReadIncoming(tt.in)
			if got != tt.want {
				t.Errorf("ReadIncoming(%X) = %s, want %s", tt.in, got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadIncoming(%X) error = %v, want %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:      "closed",
		StateConnecting:  "connecting",
		StateConnected:   "connected",
		StateDiscovering: "discovering",
		StateReady:       "ready",
		State(42):        "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
