package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/ledremote/internal/ble/protocol"
)

// State is the lifecycle state of a Session's connection handle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionOptions configures the session behavior.
type SessionOptions struct {
	ConnectTimeout   time.Duration // bound on the transport connect (default 10s)
	DiscoveryTimeout time.Duration // bound on service discovery (default 10s)
	NotifySettle     time.Duration // delay before the descriptor write (default 10ms)
	EventBuffer      int           // capacity of the Events channel (default 64)
	ShutdownWait     time.Duration // how long Shutdown waits for disconnect confirmation (default 2s)
	ManualClose      bool          // keep the handle after disconnect until Close is called
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		NotifySettle:     DefaultNotifySettle,
		EventBuffer:      64,
		ShutdownWait:     2 * time.Second,
	}
}

// Handle identifies one connection attempt. IDs increase monotonically and
// are never reused within a session.
type Handle struct {
	ID     uint64
	Device Device
}

// link is an open transport connection plus the writes still in flight on it.
type link struct {
	conn   Connection
	writes sync.WaitGroup
	down   chan struct{} // closed once the transport confirms the disconnect
}

type eventKind int

const (
	evConnectResult eventKind = iota
	evDiscoveryResult
	evDisconnected
	evNotification
	evReadResult
	evWriteResult
	evSubscribed
	evEmit
)

// event is a transport completion delivered to the session loop.
type event struct {
	kind     eventKind
	gen      uint64
	conn     Connection
	services []Service
	data     []byte
	frame    protocol.Frame
	err      error
	out      Event
}

// Session owns a single connection to one LedRemote peripheral and mediates
// all characteristic I/O. Transport completions are consumed one at a time by
// an internal loop, which is also the only writer of the Events channel.
type Session struct {
	id      string
	adapter Adapter
	sub     *Subscriber
	opts    SessionOptions
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	device     Device
	link       *link
	char       Characteristic
	confirmed  bool // transport reported the disconnect of link
	closing    bool // Disconnect requested, confirmation pending
	dropped    bool // link dropped before the connect result was handled
	cancelOp   context.CancelFunc
	cancelCCCD func() bool
	shutdown   bool

	inbox  chan event
	out    chan Event
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewSession creates a session on adapter and starts its event loop.
// Call Shutdown when done.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 10 * time.Second
	}
	if opts.NotifySettle <= 0 {
		opts.NotifySettle = DefaultNotifySettle
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 2 * time.Second
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		adapter: adapter,
		sub:     NewSubscriber(opts.NotifySettle),
		opts:    opts,
		log:     slog.Default().With("session", id[:8]),
		inbox:   make(chan event, 32),
		out:     make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Events returns the channel that receives lifecycle events.
// The channel is closed by Shutdown.
func (s *Session) Events() <-chan Event {
	return s.out
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the peripheral of the current or most recent attempt.
func (s *Session) Device() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.gen > 0
}

// idle reports whether no connection is open or in flight.
func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed && s.link == nil
}

// Connect starts a connection to dev. It returns as soon as the attempt is
// in flight; the outcome arrives as EventConnected or EventConnectFailed.
// Service discovery starts automatically once connected.
func (s *Session) Connect(dev *Device) (Handle, error) {
	if dev == nil || dev.Address == "" {
		return Handle{}, ErrNoDeviceProvided
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return Handle{}, ErrSessionShutdown
	}
	if s.state != StateClosed || s.link != nil {
		state := s.state
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%w (state %s)", ErrAlreadyConnected, state)
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.device = *dev
	s.closing = false
	s.confirmed = false
	s.dropped = false
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	s.cancelOp = cancel
	s.mu.Unlock()

	s.log.Info("[BLE] connecting", "name", dev.Name, "address", dev.Address, "handle", gen)
	go s.dial(ctx, cancel, gen, *dev)
	return Handle{ID: gen, Device: *dev}, nil
}

func (s *Session) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, dev Device) {
	defer cancel()

	conn, err := s.adapter.Connect(ctx, dev.Address)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect to %s after %s: %w", ErrTimeout, dev.Address, s.opts.ConnectTimeout, err)
		} else {
			err = fmt.Errorf("%w: connect to %s: %w", ErrTransportFailure, dev.Address, err)
		}
		s.post(event{kind: evConnectResult, gen: gen, err: err})
		return
	}

	conn.OnDisconnect(func() {
		s.post(event{kind: evDisconnected, gen: gen})
	})

	if err := conn.RefreshCache(); err != nil {
		if errors.Is(err, ErrCacheRefreshUnsupported) {
			s.log.Debug("[BLE] attribute cache refresh unsupported", "address", dev.Address)
		} else {
			s.log.Warn("[BLE] attribute cache refresh failed, services may be stale",
				"address", dev.Address, "error", fmt.Errorf("%w: %w", ErrCacheRefreshFailed, err))
		}
	}

	if !s.post(event{kind: evConnectResult, gen: gen, conn: conn}) {
		s.discard(conn)
	}
}

// Disconnect requests transport teardown. It never blocks, is safe in any
// state and is a no-op when nothing is open. Completions that arrive after
// Disconnect are ignored.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateConnecting {
		// No handle yet: abandon the attempt. A late connection is discarded.
		if s.cancelOp != nil {
			s.cancelOp()
			s.cancelOp = nil
		}
		s.gen++
		s.state = StateClosed
		dev := s.device
		s.mu.Unlock()

		s.log.Info("[BLE] connect cancelled", "address", dev.Address)
		s.post(event{kind: evEmit, out: Event{Type: EventDisconnected, Device: &dev}})
		return
	}
	if s.link == nil || s.closing || s.confirmed {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.cancelPendingLocked()
	gen := s.gen
	conn := s.link.conn
	dev := s.device
	s.mu.Unlock()

	s.log.Info("[BLE] disconnecting", "address", dev.Address)
	go func() {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn("[BLE] disconnect request failed", "address", dev.Address, "error", err)
			s.mu.Lock()
			if s.gen == gen {
				s.closing = false
			}
			s.mu.Unlock()
		}
	}()
}

// Close releases the connection handle. It is a no-op when no handle is
// held and fails with ErrStillConnected until the transport has confirmed
// the disconnect. It waits for in-flight writes before releasing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.link == nil {
		s.mu.Unlock()
		return nil
	}
	if !s.confirmed {
		s.mu.Unlock()
		return ErrStillConnected
	}
	l := s.takeLinkLocked()
	s.mu.Unlock()

	return s.release(l)
}

// Shutdown disconnects, stops the event loop and closes the Events channel.
// It is safe to call multiple times.
func (s *Session) Shutdown() {
	s.once.Do(func() {
		s.Disconnect()
		s.awaitDisconnect()

		s.mu.Lock()
		s.shutdown = true
		l := s.link
		confirmed := s.confirmed
		if l != nil {
			s.takeLinkLocked()
		}
		s.mu.Unlock()

		close(s.done)
		<-s.exited
		close(s.out)

		switch {
		case l == nil:
		case confirmed:
			_ = s.release(l)
		default:
			s.log.Warn("[BLE] shutting down before disconnect was confirmed")
			l.conn.OnDisconnect(func() {
				go func() { _ = s.release(l) }()
			})
		}
	})
}

// awaitDisconnect waits up to ShutdownWait for a requested disconnect to be
// confirmed.
func (s *Session) awaitDisconnect() {
	s.mu.Lock()
	l := s.link
	pending := l != nil && !s.confirmed
	s.mu.Unlock()
	if !pending {
		return
	}

	t := time.NewTimer(s.opts.ShutdownWait)
	defer t.Stop()
	select {
	case <-l.down:
	case <-t.C:
	}
}

// SendCommand encodes cmd and writes it to the LED characteristic. The
// write completes asynchronously with EventCommandSent or EventCommandError.
func (s *Session) SendCommand(cmd protocol.Command) error {
	s.mu.Lock()
	ch, l, gen, err := s.readyLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !IsWritable(ch.Properties()) {
		s.mu.Unlock()
		return ErrNotWritable
	}
	l.writes.Add(1)
	s.mu.Unlock()

	frame := protocol.Encode(cmd)
	s.log.Debug("[BLE] writing message", "command", cmd, "frame", frame)
	go func() {
		defer l.writes.Done()
		err := ch.Write(frame.Bytes())
		if err != nil {
			err = fmt.Errorf("%w: write %s: %w", ErrTransportFailure, cmd, err)
		}
		s.post(event{kind: evWriteResult, gen: gen, frame: frame, err: err})
	}()
	return nil
}

// TurnLedOn sends the LED-on command.
func (s *Session) TurnLedOn() error {
	return s.SendCommand(protocol.CommandLedOn)
}

// TurnLedOff sends the LED-off command.
func (s *Session) TurnLedOff() error {
	return s.SendCommand(protocol.CommandLedOff)
}

// RequestRead reads the LED characteristic. The value is classified like a
// notification and reported as EventCommandProcessed or EventCommandError.
func (s *Session) RequestRead() error {
	s.mu.Lock()
	ch, l, gen, err := s.readyLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !IsReadable(ch.Properties()) {
		s.mu.Unlock()
		return ErrNotReadable
	}
	l.writes.Add(1)
	s.mu.Unlock()

	go func() {
		defer l.writes.Done()
		data, err := ch.Read()
		if err != nil {
			err = fmt.Errorf("%w: read: %w", ErrTransportFailure, err)
		}
		s.post(event{kind: evReadResult, gen: gen, data: data, err: err})
	}()
	return nil
}

// ReadIncoming decodes and classifies an inbound payload. Input too short to
// carry a footer yields LedError and ErrMalformedFrame.
func (s *Session) ReadIncoming(b []byte) (protocol.LedState, error) {
	state, _, err := classifyIncoming(b)
	return state, err
}

func classifyIncoming(b []byte) (protocol.LedState, *protocol.Frame, error) {
	f, err := protocol.Decode(b)
	if err != nil {
		return protocol.LedError, nil, err
	}
	return protocol.Classify(f), &f, nil
}

// readyLocked returns the characteristic and link for I/O (caller must hold mu).
func (s *Session) readyLocked() (Characteristic, *link, uint64, error) {
	switch {
	case s.shutdown:
		return nil, nil, 0, ErrSessionShutdown
	case s.state == StateClosed || s.closing:
		return nil, nil, 0, ErrNotConnected
	case s.state != StateReady || s.char == nil:
		return nil, nil, 0, ErrNotReady
	}
	return s.char, s.link, s.gen, nil
}

// cancelPendingLocked stops an in-flight connect/discovery and any pending
// descriptor write (caller must hold mu).
func (s *Session) cancelPendingLocked() {
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
	if s.cancelCCCD != nil {
		s.cancelCCCD()
		s.cancelCCCD = nil
	}
}

// takeLinkLocked detaches the handle from the session (caller must hold mu).
func (s *Session) takeLinkLocked() *link {
	l := s.link
	s.link = nil
	s.char = nil
	s.confirmed = false
	return l
}

// release waits for in-flight I/O on l and closes its handle.
func (s *Session) release(l *link) error {
	l.writes.Wait()
	if err := l.conn.Close(); err != nil {
		s.log.Warn("[BLE] close failed", "error", err)
		return fmt.Errorf("ble: close: %w", err)
	}
	s.log.Debug("[BLE] handle released", "address", l.conn.Address())
	return nil
}

// discard tears down a connection that belongs to an abandoned attempt.
func (s *Session) discard(conn Connection) {
	conn.OnDisconnect(func() {
		if err := conn.Close(); err != nil {
			s.log.Warn("[BLE] close of stale connection failed", "error", err)
		}
	})
	if err := conn.Disconnect(); err != nil {
		s.log.Warn("[BLE] disconnect of stale connection failed", "error", err)
	}
}

// post hands a completion to the loop. It drops the event after Shutdown
// and reports whether the loop took it.
func (s *Session) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// notify forwards an outward event through the loop.
func (s *Session) notify(e Event) {
	s.post(event{kind: evEmit, out: e})
}

// emit publishes e. Only the loop goroutine calls emit.
func (s *Session) emit(e Event) {
	select {
	case s.out <- e:
	default:
		s.log.Warn("[BLE] event buffer full, dropping event", "event", e.Type)
	}
}

func (s *Session) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.inbox:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evConnectResult:
		s.onConnectResult(ev)
	case evDiscoveryResult:
		s.onDiscoveryResult(ev)
	case evDisconnected:
		s.onDisconnected(ev)
	case evNotification, evReadResult:
		s.onIncoming(ev)
	case evWriteResult:
		s.onWriteResult(ev)
	case evSubscribed:
		s.onSubscribed(ev)
	case evEmit:
		s.emit(ev.out)
	}
}

func (s *Session) onConnectResult(ev event) {
	s.mu.Lock()
	if ev.gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		if ev.conn != nil {
			s.log.Debug("[BLE] discarding connection from abandoned attempt", "handle", ev.gen)
			go s.discard(ev.conn)
		}
		return
	}
	s.cancelOp = nil
	dev := s.device
	dropped := s.dropped
	s.dropped = false
	if ev.err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		s.log.Warn("[BLE] connect failed", "address", dev.Address, "error", ev.err)
		s.emit(Event{Type: EventConnectFailed, Device: &dev, Err: ev.err})
		return
	}
	if dropped {
		s.state = StateClosed
		s.confirmed = true
		l := &link{conn: ev.conn, down: make(chan struct{})}
		close(l.down)
		if s.opts.ManualClose {
			s.link = l
			l = nil
		}
		s.mu.Unlock()

		s.log.Warn("[BLE] link dropped while connecting", "address", dev.Address)
		s.emit(Event{Type: EventDisconnected, Device: &dev})
		if l != nil {
			go func() { _ = s.release(l) }()
		}
		return
	}
	s.link = &link{conn: ev.conn, down: make(chan struct{})}
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info("[BLE] connected", "name", dev.Name, "address", dev.Address)
	s.emit(Event{Type: EventConnected, Device: &dev})
	s.startDiscovery(ev.gen)
}

func (s *Session) startDiscovery(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected || s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateDiscovering
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DiscoveryTimeout)
	s.cancelOp = cancel
	conn := s.link.conn
	s.mu.Unlock()

	go func() {
		defer cancel()
		svcs, err := conn.DiscoverServices(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: discover services after %s: %w", ErrTimeout, s.opts.DiscoveryTimeout, err)
			} else {
				err = fmt.Errorf("%w: discover services: %w", ErrTransportFailure, err)
			}
		}
		s.post(event{kind: evDiscoveryResult, gen: gen, services: svcs, err: err})
	}()
}

func (s *Session) onDiscoveryResult(ev event) {
	s.mu.Lock()
	if ev.gen != s.gen || s.state != StateDiscovering || s.closing {
		s.mu.Unlock()
		return
	}
	s.cancelOp = nil
	dev := s.device

	err := ev.err
	var ch Characteristic
	if err == nil {
		ch = findLedCharacteristic(ev.services)
		if ch == nil {
			err = ErrCharacteristicNotFound
		}
	}
	if err != nil {
		s.state = StateConnected
		s.mu.Unlock()
		s.log.Warn("[BLE] LED characteristic unavailable", "address", dev.Address, "error", err)
		s.emit(Event{Type: EventServicesDiscovered, Device: &dev, Err: err})
		return
	}

	s.char = ch
	s.state = StateReady
	props := ch.Properties()
	var subErr error
	if IsNotifiable(props) {
		gen := ev.gen
		cancel, err := s.sub.SetNotifications(ch, true,
			func(data []byte) {
				s.post(event{kind: evNotification, gen: gen, data: bytes.Clone(data)})
			},
			func(err error) {
				s.post(event{kind: evSubscribed, gen: gen, err: err})
			})
		s.cancelCCCD = cancel
		subErr = err
	}
	s.mu.Unlock()

	s.log.Info("[BLE] LED characteristic found", "address", dev.Address, "properties", fmt.Sprintf("0x%02X", byte(props)))
	if IsReadable(props) {
		s.emit(Event{Type: EventCharacteristicReadable, Device: &dev})
	}
	if IsWritable(props) {
		s.emit(Event{Type: EventCharacteristicWritable, Device: &dev})
	}
	if subErr != nil {
		s.log.Warn("[BLE] notifications not enabled", "address", dev.Address, "error", subErr)
	}
	s.emit(Event{Type: EventServicesDiscovered, Device: &dev})
}

func findLedCharacteristic(services []Service) Characteristic {
	for _, svc := range services {
		if !SameUUID(svc.UUID, ServiceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if SameUUID(ch.UUID(), LedCharUUID) {
				return ch
			}
		}
	}
	return nil
}

func (s *Session) onDisconnected(ev event) {
	s.mu.Lock()
	if ev.gen == s.gen && s.state == StateConnecting && s.link == nil {
		// The connect result is still queued behind this event.
		s.dropped = true
		s.mu.Unlock()
		return
	}
	if ev.gen != s.gen || s.link == nil || s.confirmed {
		s.mu.Unlock()
		return
	}
	s.confirmed = true
	s.closing = false
	s.state = StateClosed
	close(s.link.down)
	s.cancelPendingLocked()
	dev := s.device
	var l *link
	if !s.opts.ManualClose {
		l = s.takeLinkLocked()
	}
	s.mu.Unlock()

	s.log.Info("[BLE] disconnected", "address", dev.Address)
	s.emit(Event{Type: EventDisconnected, Device: &dev})
	if l != nil {
		go func() { _ = s.release(l) }()
	}
}

// live reports whether a completion for gen still applies to an open,
// ready link.
func (s *Session) live(gen uint64) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, gen == s.gen && s.state == StateReady && !s.closing
}

func (s *Session) onIncoming(ev event) {
	dev, ok := s.live(ev.gen)
	if !ok {
		s.log.Debug("[BLE] ignoring inbound data after teardown", "handle", ev.gen)
		return
	}
	if ev.err != nil {
		s.log.Warn("[BLE] read failed", "address", dev.Address, "error", ev.err)
		s.emit(Event{Type: EventCommandError, Device: &dev, State: protocol.LedError, Err: ev.err})
		return
	}

	s.log.Debug("[BLE] message received", "data", fmt.Sprintf("%X", ev.data))
	state, frame, err := classifyIncoming(ev.data)
	if err != nil {
		s.log.Error("[BLE] could not discern message type", "data", fmt.Sprintf("%X", ev.data), "error", err)
		s.emit(Event{Type: EventCommandError, Device: &dev, State: protocol.LedError, Err: err})
		return
	}
	if state == protocol.LedError {
		err := protocol.Explain(*frame)
		s.log.Warn("[BLE] peripheral reported an error", "frame", frame, "error", err)
		s.emit(Event{Type: EventCommandError, Device: &dev, State: state, Frame: frame, Err: err})
		return
	}
	s.log.Info("[BLE] command processed", "state", state)
	s.emit(Event{Type: EventCommandProcessed, Device: &dev, State: state, Frame: frame})
}

func (s *Session) onWriteResult(ev event) {
	dev, ok := s.live(ev.gen)
	if !ok {
		s.log.Debug("[BLE] ignoring write completion after teardown", "handle", ev.gen)
		return
	}
	frame := ev.frame
	if ev.err != nil {
		s.log.Error("[BLE] problem writing characteristic", "frame", frame, "error", ev.err)
		s.emit(Event{Type: EventCommandError, Device: &dev, State: protocol.LedError, Frame: &frame, Err: ev.err})
		return
	}
	s.log.Debug("[BLE] characteristic written", "frame", frame)
	s.emit(Event{Type: EventCommandSent, Device: &dev, Frame: &frame})
}

func (s *Session) onSubscribed(ev event) {
	s.mu.Lock()
	if ev.gen == s.gen {
		s.cancelCCCD = nil
	}
	s.mu.Unlock()

	dev, ok := s.live(ev.gen)
	if !ok {
		return
	}
	s.emit(Event{Type: EventNotificationsEnabled, Device: &dev, Err: ev.err})
}
