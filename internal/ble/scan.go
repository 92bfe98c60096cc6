package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
)

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Name    string        // exact advertised name to match (default BroadcastName)
	Address string        // optional: only match this address
	Timeout time.Duration // scan window (default 10s)
}

// DefaultScanOptions returns sensible defaults.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Name:    BroadcastName,
		Timeout: 10 * time.Second,
	}
}

// Scanner looks for a LedRemote advertisement and hands the first match to
// a Session. The scan is always stopped before the connect is issued, and
// every scan ends with exactly one EventScanStopped on the session.
type Scanner struct {
	adapter Adapter
	session *Session
	opts    ScanOptions

	mu       sync.Mutex
	scanning bool
	cancel   context.CancelFunc
	seen     mapset.Set
}

// NewScanner creates a scanner that connects matches through session.
func NewScanner(adapter Adapter, session *Session, opts ScanOptions) *Scanner {
	if opts.Name == "" {
		opts.Name = BroadcastName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Scanner{
		adapter: adapter,
		session: session,
		opts:    opts,
		seen:    mapset.NewSet(),
	}
}

// Scanning reports whether a scan is running.
func (sc *Scanner) Scanning() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.scanning
}

// Start begins scanning in the background. It refuses to start while the
// session has a connection open or in flight.
func (sc *Scanner) Start(ctx context.Context) error {
	if !sc.session.idle() {
		return ErrConnectionInFlight
	}

	sc.mu.Lock()
	if sc.scanning {
		sc.mu.Unlock()
		return ErrScanInProgress
	}
	sc.scanning = true
	sc.seen = mapset.NewSet()
	scanCtx, cancel := context.WithTimeout(ctx, sc.opts.Timeout)
	sc.cancel = cancel
	sc.mu.Unlock()

	slog.Info("[BLE] scanning", "name", sc.opts.Name, "timeout", sc.opts.Timeout)
	go sc.run(scanCtx)
	return nil
}

func (sc *Scanner) run(ctx context.Context) {
	err := sc.adapter.Scan(ctx, sc.OnDeviceSeen)
	switch {
	case err != nil && ctx.Err() == nil:
		sc.finish(nil, fmt.Errorf("%w: scan: %w", ErrTransportFailure, err))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		sc.finish(nil, fmt.Errorf("%w: no %q advertisement within %s", ErrTimeout, sc.opts.Name, sc.opts.Timeout))
	default:
		sc.finish(nil, nil)
	}
}

// Stop ends the scan. It is idempotent.
func (sc *Scanner) Stop() {
	sc.finish(nil, nil)
}

// OnDeviceSeen handles one advertisement. The first exact name match stops
// the scan and starts a connection; a rejected connect is reported as
// EventConnectFailed.
func (sc *Scanner) OnDeviceSeen(d Device) {
	sc.mu.Lock()
	if !sc.scanning {
		sc.mu.Unlock()
		return
	}
	if sc.seen.Add(d.Address) {
		slog.Debug("[BLE] device seen", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
	}
	sc.mu.Unlock()

	if d.Name != sc.opts.Name {
		return
	}
	if sc.opts.Address != "" && !strings.EqualFold(d.Address, sc.opts.Address) {
		return
	}
	if !sc.finish(&d, nil) {
		return
	}

	slog.Info("[BLE] found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
	if _, err := sc.session.Connect(&d); err != nil {
		slog.Warn("[BLE] connect after scan failed", "address", d.Address, "error", err)
		sc.session.notify(Event{Type: EventConnectFailed, Device: &d, Err: err})
	}
}

// finish stops the radio and reports EventScanStopped. It returns false if
// the scan had already finished.
func (sc *Scanner) finish(dev *Device, err error) bool {
	sc.mu.Lock()
	if !sc.scanning {
		sc.mu.Unlock()
		return false
	}
	sc.scanning = false
	cancel := sc.cancel
	sc.cancel = nil
	seen := sc.seen.Cardinality()
	sc.mu.Unlock()

	cancel()
	if stopErr := sc.adapter.StopScan(); stopErr != nil {
		slog.Debug("[BLE] stop scan", "error", stopErr)
	}

	if err != nil {
		slog.Warn("[BLE] scan stopped", "devices", seen, "error", err)
	} else {
		slog.Info("[BLE] scan stopped", "devices", seen)
	}
	sc.session.notify(Event{Type: EventScanStopped, Device: dev, Err: err})
	return true
}

// ScanDevices scans for timeout and returns every distinct device seen,
// strongest signal first.
func ScanDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var devices []Device
	seen := mapset.NewSet()

	err := adapter.Scan(ctx, func(d Device) {
		mu.Lock()
		defer mu.Unlock()
		if !seen.Add(d.Address) {
			return
		}
		devices = append(devices, d)
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices, nil
}
