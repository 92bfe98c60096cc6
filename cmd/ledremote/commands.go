package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/ledremote/internal/ble"
	"github.com/chaz8081/ledremote/internal/ble/protocol"
)

// How long to wait for the peripheral to confirm notifications before
// sending anyway.
const notifyWait = 2 * time.Second

func scan(c *cli.Context) error {
	fmt.Printf("Scanning for %s...\n", c.Duration("duration"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := ble.ScanDevices(ctx, adapter, c.Duration("duration"))
	if err != nil {
		return err
	}
	for _, d := range devices {
		mark := " "
		if d.Name == ble.BroadcastName {
			mark = "*"
		}
		fmt.Printf("%s [%s] %4d  %s\n", mark, d.Address, d.RSSI, d.Name)
	}
	fmt.Printf("%d device(s)\n", len(devices))
	return nil
}

func command(cmd protocol.Command) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := commandContext(c.Duration("tmo"))
		defer cancel()

		s := newSession()
		defer shutdown(s)

		if err := connect(ctx, s, c.String("addr")); err != nil {
			return errors.Wrap(err, "can't connect")
		}
		if err := s.SendCommand(cmd); err != nil {
			return errors.Wrapf(err, "can't send %s", cmd)
		}
		state, err := awaitOutcome(ctx, s)
		if err != nil {
			return errors.Wrapf(err, "%s failed", cmd)
		}
		fmt.Printf("LED is %s\n", state)
		return nil
	}
}

func read(c *cli.Context) error {
	ctx, cancel := commandContext(c.Duration("tmo"))
	defer cancel()

	s := newSession()
	defer shutdown(s)

	if err := connect(ctx, s, c.String("addr")); err != nil {
		return errors.Wrap(err, "can't connect")
	}
	if err := s.RequestRead(); err != nil {
		return errors.Wrap(err, "can't read")
	}
	state, err := awaitOutcome(ctx, s)
	if err != nil {
		return errors.Wrap(err, "read failed")
	}
	fmt.Printf("LED is %s\n", state)
	return nil
}

func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newSession() *ble.Session {
	opts := ble.DefaultSessionOptions()
	opts.ConnectTimeout = conf.Transport.ConnectTimeout
	opts.DiscoveryTimeout = conf.Transport.DiscoveryTimeout
	opts.NotifySettle = conf.Transport.NotifySettle
	return ble.NewSession(adapter, opts)
}

// connect dials addr (or the configured address, or the first LedRemote
// found by scanning) and waits until the LED characteristic is usable.
func connect(ctx context.Context, s *ble.Session, addr string) error {
	if addr == "" {
		addr = conf.Scan.Address
	}
	if addr != "" {
		if _, err := s.Connect(&ble.Device{Name: ble.BroadcastName, Address: addr}); err != nil {
			return err
		}
	} else {
		sc := ble.NewScanner(adapter, s, ble.ScanOptions{Timeout: conf.Scan.Timeout})
		if err := sc.Start(ctx); err != nil {
			return err
		}
		defer sc.Stop()
	}
	return waitReady(ctx, s)
}

// waitReady consumes session events until the characteristic is discovered
// and notifications are on (or notifyWait passed without confirmation).
func waitReady(ctx context.Context, s *ble.Session) error {
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settle:
			slog.Warn("[BLE] notifications not confirmed, continuing without them")
			return nil
		case ev, ok := <-s.Events():
			if !ok {
				return ble.ErrSessionShutdown
			}
			slog.Debug("[BLE] event", "event", ev)
			switch ev.Type {
			case ble.EventScanStopped:
				if ev.Device == nil {
					if ev.Err != nil {
						return ev.Err
					}
					return errors.Errorf("no %q device found", ble.BroadcastName)
				}
				fmt.Printf("Found %s [%s] %d dBm\n", ev.Device.Name, ev.Device.Address, ev.Device.RSSI)
			case ble.EventConnectFailed:
				return ev.Err
			case ble.EventDisconnected:
				return ble.ErrNotConnected
			case ble.EventServicesDiscovered:
				if ev.Err != nil {
					return ev.Err
				}
				settle = time.After(notifyWait)
			case ble.EventNotificationsEnabled:
				if ev.Err != nil {
					slog.Warn("[BLE] notifications unavailable", "error", ev.Err)
				}
				return nil
			}
		}
	}
}

// awaitOutcome waits for the peripheral's answer to a command or read.
func awaitOutcome(ctx context.Context, s *ble.Session) (protocol.LedState, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.LedError, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return protocol.LedError, ble.ErrSessionShutdown
			}
			slog.Debug("[BLE] event", "event", ev)
			switch ev.Type {
			case ble.EventCommandProcessed:
				return ev.State, nil
			case ble.EventCommandError:
				return ev.State, ev.Err
			case ble.EventDisconnected:
				return protocol.LedError, ble.ErrNotConnected
			}
		}
	}
}

// disconnect tears the link down and waits briefly for confirmation.
func disconnect(s *ble.Session) {
	if s.State() == ble.StateClosed {
		return
	}
	s.Disconnect()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			slog.Warn("[BLE] disconnect not confirmed")
			return
		case ev, ok := <-s.Events():
			if !ok || ev.Type == ble.EventDisconnected {
				return
			}
		}
	}
}

func shutdown(s *ble.Session) {
	disconnect(s)
	s.Shutdown()
}
