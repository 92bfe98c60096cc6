// Package protocol implements the 2-byte frame format spoken by the
// LedRemote peripheral.
//
// Every frame is exactly two bytes: a payload byte followed by a footer
// byte that carries the message kind.
//
//	byte 0: payload (command value outbound, LED state inbound)
//	byte 1: kind (0 = error, 1 = confirmation, 2 = command)
package protocol

import (
	"errors"
	"fmt"
)

// FrameLen is the size of every frame on the wire.
const FrameLen = 2

const (
	payloadPos = 0
	footerPos  = FrameLen - 1
)

// Kind is the footer byte of a frame.
type Kind byte

const (
	KindError        Kind = 0
	KindConfirmation Kind = 1
	KindCommand      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindConfirmation:
		return "confirmation"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Command is the payload of an outbound command frame.
type Command byte

const (
	CommandLedOff Command = 1
	CommandLedOn  Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandLedOff:
		return "led-off"
	case CommandLedOn:
		return "led-on"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// LedState is the outcome of classifying an inbound frame.
// The zero value is LedError.
type LedState byte

const (
	LedError LedState = 0
	LedOn    LedState = 1
	LedOff   LedState = 2
)

func (s LedState) String() string {
	switch s {
	case LedOn:
		return "on"
	case LedOff:
		return "off"
	default:
		return "error"
	}
}

var (
	// ErrMalformedFrame is returned by Decode for input shorter than FrameLen.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrPeripheralError means the peripheral sent an explicit error frame.
	ErrPeripheralError = errors.New("protocol: peripheral reported an error")

	// ErrUnexpectedKind means the frame is neither a confirmation nor an error.
	ErrUnexpectedKind = errors.New("protocol: unexpected frame kind")

	// ErrUnexpectedPayload means a confirmation carried an unknown LED state.
	ErrUnexpectedPayload = errors.New("protocol: unexpected confirmation payload")
)

// Frame is one decoded 2-byte message.
type Frame struct {
	Payload byte
	Kind    Kind
}

// Bytes returns the wire form of f.
func (f Frame) Bytes() []byte {
	buf := make([]byte, FrameLen)
	buf[payloadPos] = f.Payload
	buf[footerPos] = byte(f.Kind)
	return buf
}

// String renders the frame as uppercase hex, e.g. "0202".
func (f Frame) String() string {
	return fmt.Sprintf("%X", f.Bytes())
}

// Encode builds the command frame for c.
func Encode(c Command) Frame {
	return Frame{Payload: byte(c), Kind: KindCommand}
}

// Decode parses the first FrameLen bytes of b. Trailing bytes are ignored.
func Decode(b []byte) (Frame, error) {
	if len(b) < FrameLen {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(b), FrameLen)
	}
	return Frame{Payload: b[payloadPos], Kind: Kind(b[footerPos])}, nil
}

// Classify maps a frame onto the tri-state LED outcome. Anything other than
// a confirmation of ON or OFF is LedError.
func Classify(f Frame) LedState {
	if f.Kind != KindConfirmation {
		return LedError
	}
	switch LedState(f.Payload) {
	case LedOn:
		return LedOn
	case LedOff:
		return LedOff
	default:
		return LedError
	}
}

// Explain returns nil when Classify(f) is LedOn or LedOff, and otherwise the
// reason the frame was classified as LedError.
func Explain(f Frame) error {
	switch f.Kind {
	case KindConfirmation:
		if Classify(f) == LedError {
			return fmt.Errorf("%w: 0x%02X", ErrUnexpectedPayload, f.Payload)
		}
		return nil
	case KindError:
		return fmt.Errorf("%w: payload 0x%02X", ErrPeripheralError, f.Payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedKind, f.Kind)
	}
}
