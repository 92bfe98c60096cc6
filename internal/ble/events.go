package ble

import (
	"fmt"

	"github.com/chaz8081/ledremote/internal/ble/protocol"
)

// EventType names a session lifecycle event.
type EventType int

const (
	EventConnected EventType = iota
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicReadable
	EventCharacteristicWritable
	EventNotificationsEnabled
	EventCommandSent
	EventCommandProcessed
	EventCommandError
	EventScanStopped
)

var eventNames = map[EventType]string{
	EventConnected:              "connected",
	EventConnectFailed:          "connect-failed",
	EventDisconnected:           "disconnected",
	EventServicesDiscovered:     "services-discovered",
	EventCharacteristicReadable: "characteristic-readable",
	EventCharacteristicWritable: "characteristic-writable",
	EventNotificationsEnabled:   "notifications-enabled",
	EventCommandSent:            "command-sent",
	EventCommandProcessed:       "command-processed",
	EventCommandError:           "command-error",
	EventScanStopped:            "scan-stopped",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is emitted on the channel returned by Session.Events.
type Event struct {
	Type EventType
	// Device is the peripheral the event refers to. For EventScanStopped it
	// is nil unless the scan ended on a match.
	Device *Device
	// State is set on EventCommandProcessed and EventCommandError.
	State protocol.LedState
	// Frame is the outbound frame for EventCommandSent, or the inbound frame
	// for EventCommandProcessed/EventCommandError when one could be decoded.
	Frame *protocol.Frame
	// Err carries the failure reason, if any.
	Err error
}

func (e Event) String() string {
	s := e.Type.String()
	if e.Device != nil {
		s += " " + e.Device.Address
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
