// Package hotkey provides a global hotkey listener using gohook.
// It supports "toggle" mode (each press flips the LED) and "hold" mode
// (LED on while the combo is held, off on release).
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType indicates which LED command the hotkey asks for.
type EventType int

const (
	// EventLedOn asks for the LED to be switched on.
	EventLedOn EventType = iota
	// EventLedOff asks for the LED to be switched off.
	EventLedOff
)

func (t EventType) String() string {
	if t == EventLedOn {
		return "led-on"
	}
	return "led-off"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages a global hotkey and emits LED on/off events.
type Listener struct {
	keys []string
	mode string // "hold" or "toggle"
	ch   chan Event
	done chan struct{}
	once sync.Once

	toggle toggler
}

// NewListener creates a Listener for the given key combo and mode.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "l"]).
// mode must be "hold" or "toggle".
func NewListener(keys []string, mode string) *Listener {
	return &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// SetLedState records the LED state reported by the peripheral so the next
// toggle press asks for the opposite.
func (l *Listener) SetLedState(on bool) {
	l.toggle.set(on)
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	switch l.mode {
	case "hold":
		l.startHold()
	default: // "toggle"
		l.startToggle()
	}
}

func (l *Listener) send(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default: // don't block if channel is full
	}
}

// startHold: KeyDown -> EventLedOn, KeyUp -> EventLedOff.
func (l *Listener) startHold() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.send(EventLedOn)
	})

	hook.Register(hook.KeyUp, l.keys, func(e hook.Event) {
		l.send(EventLedOff)
	})

	l.run()
}

// startToggle: each press asks for the opposite of the last known state.
func (l *Listener) startToggle() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.send(l.toggle.next())
	})

	l.run()
}

func (l *Listener) run() {
	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// toggler tracks the LED state for toggle mode.
type toggler struct {
	mu sync.Mutex
	on bool
}

func (t *toggler) next() EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.on = !t.on
	if t.on {
		return EventLedOn
	}
	return EventLedOff
}

func (t *toggler) set(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.on = on
}
