package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/ledremote/internal/ble"
	"github.com/chaz8081/ledremote/internal/ble/protocol"
	"github.com/chaz8081/ledremote/internal/hotkey"
)

func remote(c *cli.Context) error {
	printBanner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newSession()
	listener := hotkey.NewListener(conf.Hotkey.Keys, conf.Hotkey.Mode)
	go listener.Start()

	keys := strings.Join(conf.Hotkey.Keys, "+")
	for attempt := 0; ctx.Err() == nil; {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := ble.BackoffDelay(attempt-1, conf.Transport.ReconnectMax)
			slog.Info("[BLE] reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				continue
			case <-time.After(delay):
			}
		}

		if err := connect(ctx, s, c.String("addr")); err != nil {
			if ctx.Err() == nil {
				slog.Warn("[BLE] connect failed", "error", err)
			}
			disconnect(s)
			attempt++
			continue
		}
		attempt = 0

		fmt.Println("Ready! Press", keys, "to switch the LED. Ctrl+C to quit.")
		serve(ctx, s, listener)
		disconnect(s)
	}

	fmt.Println("Shutting down...")
	shutdown(s)
	fmt.Println("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
	return nil
}

// serve forwards hotkey presses to the session until the link drops or ctx
// is done.
func serve(ctx context.Context, s *ble.Session, listener *hotkey.Listener) {
	presses := listener.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case press, ok := <-presses:
			if !ok {
				slog.Info("Hotkey listener stopped")
				presses = nil
				continue
			}
			var err error
			switch press.Type {
			case hotkey.EventLedOn:
				err = s.TurnLedOn()
			case hotkey.EventLedOff:
				err = s.TurnLedOff()
			}
			if err != nil {
				slog.Error("[BLE] command not sent", "command", press.Type, "error", err)
			}

		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case ble.EventCommandProcessed:
				listener.SetLedState(ev.State == protocol.LedOn)
				fmt.Printf("LED is %s\n", ev.State)
			case ble.EventCommandError:
				slog.Warn("[BLE] command failed", "state", ev.State, "error", ev.Err)
			case ble.EventDisconnected:
				slog.Warn("[BLE] connection lost")
				return
			default:
				slog.Debug("[BLE] event", "event", ev)
			}
		}
	}
}
