// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press Ctrl+Shift+L to see the LED commands it would send.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode toggle|hold] [--keys ctrl,shift,l]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/ledremote/internal/hotkey"
)

func main() {
	mode := flag.String("mode", "toggle", "hotkey mode: toggle or hold")
	combo := flag.String("keys", "ctrl,shift,l", "comma-separated key combo")
	flag.Parse()

	keys := strings.Split(*combo, ",")
	fmt.Printf("Listening for %s in %q mode...\n", strings.Join(keys, "+"), *mode)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys, *mode)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		for ev := range listener.Events() {
			switch ev.Type {
			case hotkey.EventLedOn:
				fmt.Println(">>> LED ON")
			case hotkey.EventLedOff:
				fmt.Println("<<< LED OFF")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
