package ble

import (
	"log/slog"
	"time"
)

// DefaultNotifySettle is the pause between local notification registration
// and the descriptor write. Writing the descriptor immediately after
// registering is unreliable on several BLE stacks.
const DefaultNotifySettle = 10 * time.Millisecond

// Subscriber performs the two-step notification handshake: register the
// handler locally, wait for the settle delay, then write the client
// configuration descriptor so the peripheral starts (or stops) notifying.
type Subscriber struct {
	settle time.Duration
}

// NewSubscriber creates a Subscriber with the given settle delay.
// A non-positive delay selects DefaultNotifySettle.
func NewSubscriber(settle time.Duration) *Subscriber {
	if settle <= 0 {
		settle = DefaultNotifySettle
	}
	return &Subscriber{settle: settle}
}

// Settle returns the configured settle delay.
func (s *Subscriber) Settle() time.Duration {
	return s.settle
}

// SetNotifications enables or disables notifications on ch. The descriptor
// write is scheduled after the settle delay and SetNotifications returns
// without waiting for it. done, if non-nil, receives the write result.
// cancel stops the write if it has not started yet.
func (s *Subscriber) SetNotifications(ch Characteristic, enabled bool, handler func([]byte), done func(error)) (cancel func() bool, err error) {
	if !ch.HasDescriptor(ClientConfigUUID) {
		return nil, ErrNoConfigDescriptor
	}

	value := DisableNotificationValue
	if enabled {
		ch.SetNotifyHandler(handler)
		value = EnableNotificationValue
	} else {
		ch.SetNotifyHandler(nil)
	}

	t := time.AfterFunc(s.settle, func() {
		err := ch.WriteDescriptor(ClientConfigUUID, value)
		if err != nil {
			slog.Warn("[BLE] client configuration write failed", "char", ch.UUID(), "enabled", enabled, "error", err)
		} else {
			slog.Debug("[BLE] client configuration written", "char", ch.UUID(), "enabled", enabled)
		}
		if done != nil {
			done(err)
		}
	})
	return t.Stop, nil
}
