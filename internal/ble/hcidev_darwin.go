//go:build darwin

package ble

import (
	gble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newHCIDevice() (gble.Device, error) {
	return darwin.NewDevice()
}
